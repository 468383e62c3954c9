// Package decoder implements the 60-2 crankshaft/camshaft trigger decoder:
// tooth index tracking, gap detection, rpm, time-per-degree and
// engine-cycle phase, driven from CKP/CMP edges delivered by a hal.HAL.
package decoder

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/constraints"

	"github.com/trigger58/ecu-core/ecuerr"
	"github.com/trigger58/ecu-core/hal"
)

// syncLostLatencyUS is "latency > 200ms" from spec §3/§4.1.
const syncLostLatencyUS = 200_000

// noCaptureLatencyUS is reported when last_capture_time_us has never been
// set (spec §4.1 failure modes: "if last_capture == 0 report UINT32_MAX").
const noCaptureLatencyUS = 0xFFFFFFFF

// CKPGPIOChannel / CMPGPIOChannel are the event-task-matrix/GPIO channel
// numbers the decoder binds its two signals to. They are distinct channels
// on what may be the same underlying GPIO peripheral, so a CKP ISR
// registration never clobbers the CMP one (spec §6: CKP capture and CMP
// edge interrupts are independent bindings).
const (
	CKPGPIOChannel = 0
	CMPGPIOChannel = 1
)

// CaptureSource records which of the two capture paths spec §4.1 requires
// ("Implementations MUST provide both paths and select the preferred one
// when supported") is actually wired to the running decoder.
type CaptureSource uint8

const (
	// CaptureSourceSoftware timestamps a CKP edge directly off hal.Clock in
	// the edge interrupt — the fallback path.
	CaptureSourceSoftware CaptureSource = iota
	// CaptureSourceETM reads the value hal.EventTaskMatrix already latched
	// into hal.CaptureTimer with no CPU involvement — the preferred path.
	CaptureSourceETM
)

// Logger reports a recovered runtime fault. The zero value (nil) is a
// no-op; New wires in defaultLogger so a Decoder logs by default, matching
// the teacher's logDebug/logError discipline (comboat.go) applied to the
// capture path's resync event.
type Logger func(string)

// defaultLogger is the teacher's println-based logError, not fmt.Println:
// fmt allocates and is unavailable on bare-metal targets.
func defaultLogger(msg string) {
	println("decoder:", msg)
}

// SyncConfig mirrors the data model in spec §3. It is validated and
// applied atomically by SetConfig.
type SyncConfig struct {
	ToothCount           uint8
	GapToothIndex        uint8
	MinRPM               uint32
	MaxRPM               uint32
	EnablePhaseDetection bool
}

// Validate checks the invariants spec §6 requires of set_config:
// tooth_count>0, gap_tooth<=tooth_count, min_rpm>0, max_rpm>=min_rpm.
func (c SyncConfig) Validate() error {
	if c.ToothCount == 0 {
		return ecuerr.New(ecuerr.InvalidArg, "tooth_count must be > 0")
	}
	if c.GapToothIndex > c.ToothCount {
		return ecuerr.New(ecuerr.InvalidArg, "gap_tooth_index must be <= tooth_count")
	}
	if c.MinRPM == 0 {
		return ecuerr.New(ecuerr.InvalidArg, "min_rpm must be > 0")
	}
	if c.MaxRPM < c.MinRPM {
		return ecuerr.New(ecuerr.InvalidArg, "max_rpm must be >= min_rpm")
	}
	return nil
}

// DefaultSyncConfig is a 58+2 tooth wheel, phase detection enabled.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ToothCount:           58,
		GapToothIndex:        0,
		MinRPM:               100,
		MaxRPM:               8000,
		EnablePhaseDetection: true,
	}
}

// Flags are the boolean members of SyncState from spec §3.
type Flags struct {
	GapDetected   bool
	PhaseDetected bool
	CmpSeen       bool
	CmpDetected   bool
	SyncValid     bool
	SyncAcquired  bool
}

// SyncState is a value-typed snapshot of decoder state; it never aliases
// internal storage, so callers cannot observe a torn update.
type SyncState struct {
	LastToothTimeUS   uint32
	LastCaptureTimeUS uint32
	LastCMPTimeUS     uint32
	LastUpdateTimeUS  uint32
	ToothPeriodUS     uint32
	GapPeriodUS       uint32
	TimePerDegreeQ    uint32
	ToothIndex        uint8
	RevolutionIndex   uint8
	CMPToothIndex     uint8
	RPM               uint32
	LatencyUS         uint32
	Flags             Flags
}

// ToothCallback is invoked once per captured CKP edge, after SyncState has
// been fully updated for that edge (spec §4.1 step 9, §5 ordering
// guarantee). It runs on whatever goroutine delivered the edge — in a real
// ISR realisation that is interrupt context, so implementations must not
// block or allocate.
type ToothCallback func(state SyncState, ctx any)

const (
	lifecycleUninit int32 = iota
	lifecycleInitialised
	lifecycleRunning
)

// Decoder is an owned instance (spec §9 design note: no package-scope
// singleton). One Decoder drives one CKP/CMP pair.
type Decoder struct {
	// lifecycleMu serialises Init/Deinit/Start/Stop; never taken
	// from the edge-delivery path (spec §5).
	lifecycleMu sync.Mutex
	lifecycle   int32 // atomic, lifecycleUninit/Initialised/Running

	h *hal.HAL

	// Logger receives recovered runtime faults (spec §7: runtime errors on
	// the capture path are silently recovered, observable via state flags,
	// but still logged). Defaults to defaultLogger; set to nil for a no-op.
	Logger Logger

	// source is the capture path selected at Start() (spec §4.1 preferred-
	// vs-fallback path).
	source CaptureSource

	// mu is the interrupt-safe spinlock stand-in guarding everything
	// below. Critical sections under mu are bounded: no allocation, no
	// callback invocation, no logging (spec §5).
	mu     sync.Mutex
	cfg    SyncConfig
	state  SyncState
	cbFn   ToothCallback
	cbCtx  any
	hasCap bool // whether a first edge has ever been captured
}

// New constructs a Decoder bound to h with cfg. The config is validated
// immediately; the decoder is not yet initialised against hardware.
func New(h *hal.HAL, cfg SyncConfig) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{h: h, cfg: cfg, Logger: defaultLogger}, nil
}

// log reports msg via Logger, if one is set.
func (d *Decoder) log(msg string) {
	if d.Logger != nil {
		d.Logger(msg)
	}
}

// hasETMPath reports whether every peripheral the preferred ETM-routed
// capture path needs is present and the HAL advertises it.
func (d *Decoder) hasETMPath() bool {
	return d.h.Caps.HasETM && d.h.ETM != nil && d.h.CaptureTimer != nil && d.h.CKPGPIO != nil
}

// Init installs both CKP capture paths the hardware can support — spec
// §4.1 "implementations MUST provide both paths" — without yet picking
// one; the choice between them is deferred to Start so it can be
// re-resolved on every Start/Stop cycle exactly like the rest of the
// hardware enable sequence. Idempotent-fail: calling Init twice without
// an intervening Deinit returns InvalidState.
func (d *Decoder) Init() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if atomic.LoadInt32(&d.lifecycle) != lifecycleUninit {
		return ecuerr.New(ecuerr.InvalidState, "decoder already initialised")
	}

	if d.hasETMPath() {
		if err := d.h.CaptureTimer.Configure(1_000_000); err != nil {
			return err
		}
		if err := d.h.ETM.Bind(CKPGPIOChannel, d.h.CaptureTimer); err != nil {
			return err
		}
		if err := d.h.CKPGPIO.ConfigureInput(CKPGPIOChannel); err != nil {
			return err
		}
	} else if d.h.CKPCounter == nil {
		return ecuerr.New(ecuerr.HardwareUnavailable, "no capture path available")
	}

	if d.h.CKPCounter != nil {
		if err := d.h.CKPCounter.Configure(1250); err != nil {
			return err
		}
	}
	if d.h.CMPGPIO != nil {
		if err := d.h.CMPGPIO.ConfigureInput(CMPGPIOChannel); err != nil {
			return err
		}
		if err := d.h.CMPGPIO.OnRisingEdge(CMPGPIOChannel, d.onCMPEdge); err != nil {
			return err
		}
	}

	atomic.StoreInt32(&d.lifecycle, lifecycleInitialised)
	return nil
}

// Deinit stops, uninstalls and releases.
func (d *Decoder) Deinit() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if atomic.LoadInt32(&d.lifecycle) == lifecycleUninit {
		return ecuerr.New(ecuerr.InvalidState, "decoder not initialised")
	}
	if d.h.CKPCounter != nil {
		d.h.CKPCounter.OnEdge(nil)
		_ = d.h.CKPCounter.Disable()
	}
	if d.h.CKPGPIO != nil {
		_ = d.h.CKPGPIO.RemoveHandler(CKPGPIOChannel)
	}
	if d.h.CMPGPIO != nil {
		_ = d.h.CMPGPIO.RemoveHandler(CMPGPIOChannel)
	}
	if d.h.ETM != nil {
		_ = d.h.ETM.Disable(CKPGPIOChannel)
	}
	atomic.StoreInt32(&d.lifecycle, lifecycleUninit)
	return nil
}

// Start resolves CaptureSource (spec §4.1: "select the preferred one
// when supported"), registers the matching CKP handler and enables only
// that path's hardware.
func (d *Decoder) Start() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if atomic.LoadInt32(&d.lifecycle) == lifecycleUninit {
		return ecuerr.New(ecuerr.InvalidState, "decoder not initialised")
	}
	d.resetLocked()

	if d.hasETMPath() {
		d.source = CaptureSourceETM
		if err := d.h.CKPGPIO.OnRisingEdge(CKPGPIOChannel, d.onCKPEdgeLatched); err != nil {
			return err
		}
		if err := d.h.ETM.Enable(CKPGPIOChannel); err != nil {
			return err
		}
	} else {
		d.source = CaptureSourceSoftware
		d.h.CKPCounter.OnEdge(d.onCKPEdge)
		if err := d.h.CKPCounter.Enable(); err != nil {
			return err
		}
	}

	atomic.StoreInt32(&d.lifecycle, lifecycleRunning)
	return nil
}

// Stop disables whichever capture path Start selected.
func (d *Decoder) Stop() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if atomic.LoadInt32(&d.lifecycle) != lifecycleRunning {
		return ecuerr.New(ecuerr.InvalidState, "decoder not running")
	}
	switch d.source {
	case CaptureSourceETM:
		_ = d.h.ETM.Disable(CKPGPIOChannel)
	case CaptureSourceSoftware:
		_ = d.h.CKPCounter.Disable()
	}
	atomic.StoreInt32(&d.lifecycle, lifecycleInitialised)
	return nil
}

// Reset zeroes state without reconfiguring hardware.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Decoder) resetLocked() {
	d.state = SyncState{}
	d.hasCap = false
}

// SetConfig validates and applies cfg atomically with respect to edge
// delivery.
func (d *Decoder) SetConfig(cfg SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

// GetConfig returns the current configuration. set_config ∘ get_config is
// the identity for any valid config (P7).
func (d *Decoder) GetConfig() SyncConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// RegisterToothCallback installs fn/ctx, replacing any previously
// registered callback.
func (d *Decoder) RegisterToothCallback(fn ToothCallback, ctx any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cbFn = fn
	d.cbCtx = ctx
}

// UnregisterToothCallback clears the registered callback. A call already
// in flight (read into a local before this returns) is allowed to
// complete — the callback must tolerate one final invocation after
// unregistration (spec §5).
func (d *Decoder) UnregisterToothCallback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cbFn = nil
	d.cbCtx = nil
}

// GetData snapshots SyncState under the spinlock, computing LatencyUS and
// SyncValid from the current clock reading.
func (d *Decoder) GetData() SyncState {
	now := uint32(d.h.Clock.NowUS())

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.computeSnapshotLocked(now)
}

func (d *Decoder) computeSnapshotLocked(nowUS32 uint32) SyncState {
	s := d.state
	if !d.hasCap {
		s.LatencyUS = noCaptureLatencyUS
	} else {
		// uint32 subtraction wraps modulo 2^32: for any now < last_capture,
		// latency = (UINT32_MAX - last_capture) + now + 1, the exact number
		// of microseconds elapsed across the wrap.
		s.LatencyUS = nowUS32 - s.LastCaptureTimeUS
	}
	if s.LatencyUS > syncLostLatencyUS {
		s.Flags.SyncValid = false
		s.Flags.SyncAcquired = false
	}
	return s
}

// onCKPEdge is the CKP ISR for the software-fallback path: it timestamps
// off whatever the pulse counter itself captured.
func (d *Decoder) onCKPEdge(timestampUS uint64, kind hal.EdgeKind) {
	if kind != hal.RisingEdge {
		return
	}
	d.dispatchCKP(uint32(timestampUS)) // Q1: truncate to uint32 once, at the capture boundary.
}

// onCKPEdgeLatched is the CKP ISR for the preferred ETM path: the GPIO
// edge already latched CaptureTimer with zero CPU involvement by the time
// this runs, so the ISR's only job is reading that count back out rather
// than trusting the timestamp the GPIO layer happens to pass in.
func (d *Decoder) onCKPEdgeLatched(_ uint64) {
	latched, err := d.h.CaptureTimer.LatchedCount()
	if err != nil {
		d.log("ETM capture read failed: " + err.Error())
		return
	}
	d.dispatchCKP(uint32(latched)) // Q1: truncate to uint32 once, at the capture boundary.
}

// dispatchCKP runs the decode algorithm under the lock, then — strictly
// outside it (spec §5: no logging, no callbacks inside a critical
// section) — reports any resync note and invokes the tooth callback.
func (d *Decoder) dispatchCKP(t uint32) {
	d.mu.Lock()
	snapshot, fn, ctx, note := d.processCKPLocked(t)
	d.mu.Unlock()

	if note != "" {
		d.log(note)
	}
	if fn != nil {
		fn(snapshot, ctx)
	}
}

// processCKPLocked runs entirely under d.mu and returns the values needed
// to invoke the callback and log a resync note outside the lock (spec §5:
// critical sections allow no callbacks, no logging).
func (d *Decoder) processCKPLocked(t uint32) (SyncState, ToothCallback, any, string) {
	s := &d.state

	s.LastCaptureTimeUS = t

	if !d.hasCap {
		d.hasCap = true
		s.LastToothTimeUS = t
		s.LastUpdateTimeUS = t
		return *s, d.cbFn, d.cbCtx, ""
	}

	if t <= s.LastToothTimeUS {
		// Q2: drop the sample. Do not advance LastToothTimeUS, which
		// would poison the next delta into a false gap.
		s.Flags.SyncValid = false
		s.Flags.SyncAcquired = false
		s.LastUpdateTimeUS = t
		return *s, d.cbFn, d.cbCtx, "non-monotonic CKP timestamp, dropping sample and resyncing"
	}

	delta := t - s.LastToothTimeUS
	isGap := s.ToothPeriodUS > 0 && uint64(delta) > uint64(s.ToothPeriodUS)*3/2

	totalPositions := uint32(d.cfg.ToothCount) + 2

	if isGap {
		s.ToothIndex = 0
		s.Flags.GapDetected = true
		s.GapPeriodUS = delta
		s.ToothPeriodUS = delta / 3

		if s.Flags.CmpSeen {
			s.Flags.PhaseDetected = true
			s.RevolutionIndex = 0
			s.Flags.CmpSeen = false
		} else {
			s.Flags.PhaseDetected = false
			s.RevolutionIndex ^= 1
		}
	} else {
		s.ToothIndex = uint8((uint32(s.ToothIndex) + 1) % uint32(d.cfg.ToothCount))
		s.Flags.GapDetected = false
		s.ToothPeriodUS = delta
	}

	s.TimePerDegreeQ = (s.ToothPeriodUS*totalPositions + 180) / 360

	rpm := uint64(0)
	if s.ToothPeriodUS > 0 {
		rpm = 60_000_000 / (uint64(s.ToothPeriodUS) * uint64(totalPositions))
	}
	s.RPM = clampRPM(uint32(rpm), d.cfg.MinRPM, d.cfg.MaxRPM)

	s.Flags.SyncValid = s.RPM > 0
	if !d.cfg.EnablePhaseDetection {
		// Phase is vacuously satisfied when phase detection is disabled
		// (spec invariant: phase_detected ⇒ enable_phase_detection ∨
		// cmp_seen); acquisition does not wait on a CMP edge.
		s.Flags.SyncAcquired = s.Flags.GapDetected
	} else {
		s.Flags.SyncAcquired = s.Flags.GapDetected && s.Flags.PhaseDetected
	}

	s.LastToothTimeUS = t
	s.LastUpdateTimeUS = t

	return *s, d.cbFn, d.cbCtx, ""
}

// clampRPM applies spec §4.1 step 7: clamp to [min,max], 0 below min.
func clampRPM(rpm, min, max uint32) uint32 {
	if rpm < min {
		return 0
	}
	return constrain(rpm, 0, max)
}

// onCMPEdge records a cam edge: spec §4.1 CMP handling.
func (d *Decoder) onCMPEdge(timestampUS uint64) {
	t := uint32(timestampUS)

	d.mu.Lock()
	d.state.LastCMPTimeUS = t
	d.state.Flags.CmpSeen = true
	d.state.Flags.CmpDetected = true
	d.state.CMPToothIndex = d.state.ToothIndex
	d.mu.Unlock()
}

// constrain clamps value to [lo, hi], the same generic helper shape as
// tmc5160/helpers.go's constrain[T constraints.Ordered].
func constrain[T constraints.Ordered](value, lo, hi T) T {
	if value < lo {
		return lo
	} else if value > hi {
		return hi
	}
	return value
}
