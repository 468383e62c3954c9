// Package safety implements the safety/limp supervisor: sensor-range
// validation, event-triggered limp-mode activation, knock handling, the
// limp-mode dwell/hysteresis state machine, and the watchdog feed
// tracker. All timestamps are caller-supplied milliseconds (the same
// externally-driven clock discipline the decoder uses for microseconds),
// so the state machine is exercised deterministically from tests without
// a real clock.
package safety

import (
	"strconv"
	"sync"

	"golang.org/x/exp/constraints"
)

// Logger reports a recovered runtime fault — here, a limp-mode
// activation (spec §4.3/§7: "safety events are logged... they never
// panic"). The zero value (nil) is a no-op; New wires in defaultLogger so
// a Supervisor logs by default, matching the teacher's
// logDebug/logError discipline (comboat.go).
type Logger func(string)

// defaultLogger is the teacher's println-based logError, not
// fmt.Println: fmt allocates and is unavailable on bare-metal targets.
func defaultLogger(msg string) {
	println("safety:", msg)
}

// SensorStatus is the result of a sensor range check (spec §4.3).
type SensorStatus uint8

const (
	SensorOK SensorStatus = iota
	SensorShortGND
	SensorShortVCC
)

// Validate checks adc against [min,max] (spec §4.3 validate()).
func Validate(adc, min, max int32) SensorStatus {
	switch {
	case adc < min:
		return SensorShortGND
	case adc > max:
		return SensorShortVCC
	default:
		return SensorOK
	}
}

// LIMP_MIN_DURATION_MS / LIMP_RECOVERY_HYSTERESIS_MS from spec §3/§4.3.
const (
	LimpMinDurationMS        uint64 = 5000
	LimpRecoveryHysteresisMS uint64 = 2000
)

const (
	knockRetardStep     uint8 = 10
	knockRecoverStep    uint8 = 5
	knockRetardMaxTenth uint8 = 100 // Q4: tenths-of-a-degree, see DESIGN.md.
)

// phase is the internal limp-mode state machine position (spec §4.3
// diagram): Inactive / Active / Monitoring.
type phase uint8

const (
	phaseInactive phase = iota
	phaseActive
	phaseMonitoring
)

// LimpState is a value-typed snapshot of the supervisor's limp-mode data
// (spec §3).
type LimpState struct {
	Active           bool
	ActivationTimeMS uint64
	RPMLimit         uint32
	RetardTenthsDeg  uint8
	KnockCount       uint32
	ConditionsSafe   bool
	RecoveryStartMS  uint64
	Phase            string
}

// Thresholds bundles the event-triggered activation conditions (spec
// §4.3).
type Thresholds struct {
	RPMCutoff      uint32
	RPMAbsoluteMax uint32
	OverheatTempC  int32
	VBatMinDV      int32 // deci-volts
	VBatMaxDV      int32
}

// Watchdog is the software feed tracker from the SyncState-adjacent data
// model (spec §3), independent of any hal.Watchdog hardware peripheral.
type Watchdog struct {
	mu         sync.Mutex
	enabled    bool
	timeoutMS  uint64
	lastFeedMS uint64
}

func (w *Watchdog) Init(timeoutMS uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = true
	w.timeoutMS = timeoutMS
	w.lastFeedMS = 0
}

func (w *Watchdog) Feed(nowMS uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFeedMS = nowMS
}

// Check returns whether the watchdog is within its timeout. A missed feed
// does not reset anything by itself — it is advisory, escalated by the
// caller (spec §5).
func (w *Watchdog) Check(nowMS uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return true
	}
	return nowMS-w.lastFeedMS <= w.timeoutMS
}

// Supervisor owns LimpState and Thresholds behind its own spinlock-style
// mutex (spec §5: "LimpState uses its own spinlock with the same
// discipline").
type Supervisor struct {
	mu sync.Mutex

	// Logger receives a message whenever DeactivateLimpMode/activateLocked
	// actually transitions the limp-mode state machine. Defaults to
	// defaultLogger; set to nil for a no-op.
	Logger Logger

	thresholds Thresholds

	active           bool
	ph               phase
	activationTimeMS uint64
	conditionsSafe   bool
	recoveryStartMS  uint64

	rpmLimit     uint32
	retardTenths uint8
	knockCount   uint32
}

func New(t Thresholds) *Supervisor {
	return &Supervisor{thresholds: t, Logger: defaultLogger}
}

// log reports msg via Logger, if one is set.
func (s *Supervisor) log(msg string) {
	if s.Logger != nil {
		s.Logger(msg)
	}
}

// SetThresholds replaces the activation thresholds.
func (s *Supervisor) SetThresholds(t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
}

// activateLocked performs the INACTIVE→ACTIVE transition (spec §4.3
// "fault" edge). Re-activating while already active is a no-op on
// ActivationTimeMS (it is not re-stamped), matching "activation_time_ms"
// being set once per fault episode. Returns whether a transition actually
// happened, so callers can log the event exactly once, outside the lock.
func (s *Supervisor) activateLocked(nowMS uint64, rpmLimit uint32) bool {
	if s.active {
		return false
	}
	s.active = true
	s.ph = phaseActive
	s.activationTimeMS = nowMS
	s.conditionsSafe = false
	s.recoveryStartMS = 0
	s.rpmLimit = rpmLimit
	return true
}

// CheckOverRev activates limp mode if rpm is at/over cutoff or strictly
// over the absolute max, returning whether it fired.
func (s *Supervisor) CheckOverRev(rpm uint32, nowMS uint64) bool {
	s.mu.Lock()
	fired := rpm >= s.thresholds.RPMCutoff || rpm > s.thresholds.RPMAbsoluteMax
	activated := false
	if fired {
		activated = s.activateLocked(nowMS, s.thresholds.RPMCutoff)
	}
	s.mu.Unlock()

	if activated {
		s.log("limp mode activated: over-rev at " + strconv.FormatUint(uint64(rpm), 10) + "rpm")
	}
	return fired
}

// CheckOverheat activates limp mode if tempC exceeds the overheat
// threshold.
func (s *Supervisor) CheckOverheat(tempC int32, nowMS uint64) bool {
	s.mu.Lock()
	fired := tempC > s.thresholds.OverheatTempC
	activated := false
	if fired {
		activated = s.activateLocked(nowMS, s.thresholds.RPMCutoff)
	}
	s.mu.Unlock()

	if activated {
		s.log("limp mode activated: overheat at " + strconv.FormatInt(int64(tempC), 10) + "C")
	}
	return fired
}

// CheckBatteryVoltage activates limp mode if vDV (deci-volts) is outside
// [VBatMinDV, VBatMaxDV].
func (s *Supervisor) CheckBatteryVoltage(vDV int32, nowMS uint64) bool {
	s.mu.Lock()
	fired := vDV < s.thresholds.VBatMinDV || vDV > s.thresholds.VBatMaxDV
	activated := false
	if fired {
		activated = s.activateLocked(nowMS, s.thresholds.RPMCutoff)
	}
	s.mu.Unlock()

	if activated {
		s.log("limp mode activated: battery voltage " + strconv.FormatInt(int64(vDV), 10) + "dV out of range")
	}
	return fired
}

// ActivateLimpMode forces activation directly (used by callers reacting
// to a condition not covered by the Check* helpers, e.g. an external
// knock-retard-exhausted escalation).
func (s *Supervisor) ActivateLimpMode(nowMS uint64, rpmLimit uint32) {
	s.mu.Lock()
	activated := s.activateLocked(nowMS, rpmLimit)
	s.mu.Unlock()

	if activated {
		s.log("limp mode activated: forced at rpm limit " + strconv.FormatUint(uint64(rpmLimit), 10))
	}
}

// MarkConditionsSafe records whether the conditions that triggered limp
// mode have cleared. Marking unsafe resets the monitoring window and, if
// currently MONITORING, falls back to ACTIVE (spec §4.3 "recovery_cancel").
func (s *Supervisor) MarkConditionsSafe(safe bool, nowMS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditionsSafe = safe
	if safe {
		if s.recoveryStartMS == 0 {
			s.recoveryStartMS = nowMS
		}
		return
	}
	s.recoveryStartMS = 0
	if s.ph == phaseMonitoring {
		s.ph = phaseActive
	}
}

// DeactivateLimpMode attempts to progress the limp-mode state machine
// toward INACTIVE given the current time and previously reported
// conditions, enforcing LimpMinDurationMS dwell and
// LimpRecoveryHysteresisMS recovery hysteresis (spec §4.3, P6). Returns
// true iff limp mode is inactive after the call.
func (s *Supervisor) DeactivateLimpMode(nowMS uint64) bool {
	s.mu.Lock()

	if !s.active {
		s.mu.Unlock()
		return true
	}

	stillActive := true
	recovered := false
	switch s.ph {
	case phaseActive:
		if s.conditionsSafe && s.recoveryStartMS > 0 && nowMS-s.activationTimeMS >= LimpMinDurationMS {
			s.ph = phaseMonitoring
		}
	case phaseMonitoring:
		if s.conditionsSafe && s.recoveryStartMS > 0 && nowMS-s.recoveryStartMS >= LimpRecoveryHysteresisMS {
			s.active = false
			s.ph = phaseInactive
			stillActive = false
			recovered = true
		}
	default:
		stillActive = false
	}
	s.mu.Unlock()

	if recovered {
		s.log("limp mode deactivated: recovery hysteresis elapsed")
	}
	return !stillActive
}

// IsLimpModeActive reports whether limp mode is currently active.
func (s *Supervisor) IsLimpModeActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// HandleKnock advances the knock-retard ramp: +10 tenths-of-a-degree per
// detected event (clamped to 100), -5 per event-free call, with
// KnockCount tracked alongside (spec §4.3, Q4).
func (s *Supervisor) HandleKnock(detected bool) LimpState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detected {
		s.retardTenths = constrain(s.retardTenths+knockRetardStep, uint8(0), knockRetardMaxTenth)
		s.knockCount++
	} else if s.retardTenths > 0 {
		s.retardTenths = constrain(s.retardTenths-minU8(s.retardTenths, knockRecoverStep), uint8(0), knockRetardMaxTenth)
	}
	return s.snapshotLocked()
}

func minU8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

// State returns a snapshot of the supervisor's limp-mode data.
func (s *Supervisor) State() LimpState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() LimpState {
	name := "INACTIVE"
	switch s.ph {
	case phaseActive:
		name = "ACTIVE"
	case phaseMonitoring:
		name = "MONITORING"
	}
	return LimpState{
		Active:           s.active,
		ActivationTimeMS: s.activationTimeMS,
		RPMLimit:         s.rpmLimit,
		RetardTenthsDeg:  s.retardTenths,
		KnockCount:       s.knockCount,
		ConditionsSafe:   s.conditionsSafe,
		RecoveryStartMS:  s.recoveryStartMS,
		Phase:            name,
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
