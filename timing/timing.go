// Package timing implements the adaptive timer-resolution controller:
// mapping current rpm to one of four discrete timer tick resolutions with
// hysteretic tier transitions, so a downstream scheduler can keep angular
// precision at low rpm while staying within counter range at high rpm.
package timing

import (
	"sync"

	"github.com/orsinium-labs/tinymath"
	"golang.org/x/exp/constraints"
)

// Tier is one entry of the immutable 4-tier table (spec §4.2).
type Tier struct {
	RPMUpperBound uint32 // noUpperBound for the last tier
	ResolutionHz  uint64
}

// noUpperBound marks the top tier, which has no rpm ceiling.
const noUpperBound = ^uint32(0)

// DefaultHysteresisRPM is TIMER_HYSTERESIS_RPM from spec §4.2.
const DefaultHysteresisRPM uint32 = 100

// DefaultTierTable is the example bound table from spec §4.2.
func DefaultTierTable() [4]Tier {
	return [4]Tier{
		{RPMUpperBound: 1000, ResolutionHz: 10_000_000},
		{RPMUpperBound: 2500, ResolutionHz: 5_000_000},
		{RPMUpperBound: 4500, ResolutionHz: 2_000_000},
		{RPMUpperBound: noUpperBound, ResolutionHz: 1_000_000},
	}
}

// Stats is the single-writer/readable-snapshot TimerState payload from
// spec §3, minus the fields already tracked on Controller itself.
type Stats struct {
	CurrentTier        int
	CurrentResolution  uint64
	LastRPM            uint32
	TransitionCount    uint64
	EWMAResolutionHz   float64
	MaxPrecisionGain   float64
	ValidationFailures uint64
}

// Controller is a single-writer (the control loop) state machine; reads
// via Stats()/GetResolution() take the same mutex so a concurrent
// telemetry reader never observes a torn update.
type Controller struct {
	mu      sync.Mutex
	table   [4]Tier
	hyst    uint32
	enabled bool
	started bool

	tier               int
	lastRPM            uint32
	transitionCount    uint64
	ewmaResolutionHz   float64
	maxPrecisionGain   float64
	validationFailures uint64
}

// New constructs a Controller over table with the given hysteresis
// margin, enabled by default.
func New(table [4]Tier, hysteresisRPM uint32) *Controller {
	return &Controller{
		table:   table,
		hyst:    hysteresisRPM,
		enabled: true,
		tier:    -1,
	}
}

// SetEnabled toggles tier switching. Disabling forces and pins the lowest
// (safest, widest counter range) tier — the degraded behaviour spec §7
// requires when hardware capability for fine timing is unavailable.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.forceTierLocked(len(c.table) - 1)
	}
}

func (c *Controller) forceTierLocked(tier int) {
	if c.tier != tier {
		c.recordTransitionLocked(tier)
	}
}

// bucketFor returns the non-hysteretic tier index rpm raw-maps to: the
// first tier whose RPMUpperBound is >= rpm.
func (c *Controller) bucketFor(rpm uint32) int {
	for i, t := range c.table {
		if rpm <= t.RPMUpperBound {
			return i
		}
	}
	return len(c.table) - 1
}

// GetResolution returns the resolution (Hz) the raw rpm→tier mapping
// would select for rpm, independent of the controller's hysteretic
// current state — a pure query, not a transition.
func (c *Controller) GetResolution(rpm uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table[c.bucketFor(rpm)].ResolutionHz
}

// GetPrecisionUS returns the tick period, in microseconds, for rpm's raw
// tier mapping.
func (c *Controller) GetPrecisionUS(rpm uint32) float64 {
	hz := c.GetResolution(rpm)
	return 1_000_000.0 / float64(hz)
}

// UpdateTier applies spec §4.2's hysteresis rule and returns whether an
// accepted transition occurred. All other rpm changes update LastRPM but
// never retier (P5).
func (c *Controller) UpdateTier(rpm uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastRPM = rpm

	if !c.enabled {
		return false
	}

	if !c.started {
		// Establishing the starting tier from the first observed rpm is
		// not itself a hysteretic transition: it seeds state, it doesn't
		// cross a boundary, so it bumps neither TransitionCount nor the
		// EWMA/precision-gain stats.
		c.started = true
		c.tier = c.bucketFor(rpm)
		c.ewmaResolutionHz = float64(c.table[c.tier].ResolutionHz)
		return false
	}

	changed := false
	for {
		cur := c.tier
		switch {
		case cur < len(c.table)-1 && rpm > c.table[cur].RPMUpperBound+c.hyst:
			c.recordTransitionLocked(cur + 1)
			changed = true
		case cur > 0 && rpm+c.hyst < c.table[cur-1].RPMUpperBound:
			c.recordTransitionLocked(cur - 1)
			changed = true
		default:
			return changed
		}
	}
}

// recordTransitionLocked moves to newTier, bumping TransitionCount, the
// EWMA resolution estimate (α=0.1) and MaxPrecisionGain — the largest
// new/old resolution ratio ever observed across any accepted transition.
func (c *Controller) recordTransitionLocked(newTier int) {
	newTier = constrain(newTier, 0, len(c.table)-1)
	oldRes := uint64(0)
	if c.tier >= 0 {
		oldRes = c.table[c.tier].ResolutionHz
	}
	newRes := c.table[newTier].ResolutionHz

	c.tier = newTier
	c.transitionCount++

	const alpha = 0.1
	if c.ewmaResolutionHz == 0 {
		c.ewmaResolutionHz = float64(newRes)
	} else {
		c.ewmaResolutionHz = float64(tinymath.Round(float32(alpha*float64(newRes) + (1-alpha)*c.ewmaResolutionHz)))
	}

	if oldRes > 0 {
		gain := float64(newRes) / float64(oldRes)
		if gain > c.maxPrecisionGain {
			c.maxPrecisionGain = gain
		}
	}
}

// ValidateSample checks a measured-vs-expected timestamp pair (spec
// §4.2): passes if |measured-expected| <= 0.1*expected. Failures
// increment a counter; they never retier.
func (c *Controller) ValidateSample(measuredUS, expectedUS uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var diff uint64
	if measuredUS > expectedUS {
		diff = measuredUS - expectedUS
	} else {
		diff = expectedUS - measuredUS
	}
	ok := float64(diff) <= 0.1*float64(expectedUS)
	if !ok {
		c.validationFailures++
	}
	return ok
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := uint64(0)
	if c.tier >= 0 {
		res = c.table[c.tier].ResolutionHz
	}
	return Stats{
		CurrentTier:        c.tier,
		CurrentResolution:  res,
		LastRPM:            c.lastRPM,
		TransitionCount:    c.transitionCount,
		EWMAResolutionHz:   c.ewmaResolutionHz,
		MaxPrecisionGain:   c.maxPrecisionGain,
		ValidationFailures: c.validationFailures,
	}
}

// constrain clamps value to [lo, hi] — the same generic helper shape as
// tmc5160/helpers.go's constrain[T constraints.Ordered].
func constrain[T constraints.Ordered](value, lo, hi T) T {
	if value < lo {
		return lo
	} else if value > hi {
		return hi
	}
	return value
}
