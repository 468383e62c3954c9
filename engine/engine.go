// Package engine owns the top-level instance that wires a hal.HAL into
// the decoder, timing and safety subsystems, resolving the "file-scope
// mutable state" redesign flag from spec §9: there is no package-level
// singleton here, every ISR registration closes over a bound method on a
// specific *Engine.
package engine

import (
	"sync"

	"github.com/trigger58/ecu-core/decoder"
	"github.com/trigger58/ecu-core/hal"
	"github.com/trigger58/ecu-core/safety"
	"github.com/trigger58/ecu-core/timing"
)

// Config bundles everything needed to construct an Engine.
type Config struct {
	Decoder    decoder.SyncConfig
	TierTable  [4]timing.Tier
	Hysteresis uint32
	Safety     safety.Thresholds
}

// DefaultConfig mirrors decoder.DefaultSyncConfig/timing.DefaultTierTable.
func DefaultConfig() Config {
	return Config{
		Decoder:    decoder.DefaultSyncConfig(),
		TierTable:  timing.DefaultTierTable(),
		Hysteresis: timing.DefaultHysteresisRPM,
	}
}

// Engine is the single owned instance binding hardware to the decoder,
// timing controller and safety supervisor. Construct one per CKP/CMP
// pair; its lifetime bounds the MCU runtime (spec §9).
type Engine struct {
	lifecycleMu sync.Mutex

	h       *hal.HAL
	Decoder *decoder.Decoder
	Timing  *timing.Controller
	Safety  *safety.Supervisor
}

// New constructs an Engine over h with cfg. The decoder is constructed
// but not yet initialised against hardware.
func New(h *hal.HAL, cfg Config) (*Engine, error) {
	dec, err := decoder.New(h, cfg.Decoder)
	if err != nil {
		return nil, err
	}

	tc := timing.New(cfg.TierTable, cfg.Hysteresis)
	// spec §7: HardwareUnavailable ⇒ adaptive timing falls back to tier 3
	// only. A HAL lacking hardware capture cannot support the fine-grained
	// tiers this controller assumes, so pin it at construction time.
	if !h.Caps.HasHardwareCapture {
		tc.SetEnabled(false)
	}

	e := &Engine{
		h:       h,
		Decoder: dec,
		Timing:  tc,
		Safety:  safety.New(cfg.Safety),
	}
	// ISRs receive a bound reference to this specific Engine's OnTooth,
	// not an ambient package-level function (spec §9 design note).
	dec.RegisterToothCallback(e.onTooth, nil)
	return e, nil
}

// onTooth is the single per-tooth hook (spec §2 data flow): it runs after
// the decoder has fully updated SyncState for this edge, and feeds the
// observed rpm to the timing controller outside of the decoder's lock. It
// also re-checks the over-rev threshold against the freshly decoded rpm,
// since that is the fastest-changing of the three limp-mode conditions.
func (e *Engine) onTooth(state decoder.SyncState, _ any) {
	e.Timing.UpdateTier(state.RPM)
	e.Safety.CheckOverRev(state.RPM, uint64(state.LastUpdateTimeUS)/1000)
}

// PollTemperature samples h.Temp (if present) and feeds it to the safety
// supervisor's overheat check. A HAL with no TempSensor wired is a no-op,
// matching the optional-hardware pattern the decoder's ETM path already
// uses. Intended to be called periodically from a slow background loop, not
// from the tooth ISR path.
func (e *Engine) PollTemperature(nowMS uint64) (fired bool, err error) {
	if e.h.Temp == nil {
		return false, nil
	}
	tempC, err := e.h.Temp.ReadTempC()
	if err != nil {
		return false, err
	}
	return e.Safety.CheckOverheat(tempC, nowMS), nil
}

// Init/Deinit/Start/Stop delegate to the decoder's own lifecycle, under
// one coarse mutex serialising Engine-level lifecycle transitions (spec
// §5: "a coarse mutex that serialises lifecycle transitions; this mutex
// is never held from an ISR").
func (e *Engine) Init() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.Decoder.Init()
}

func (e *Engine) Deinit() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.Decoder.Deinit()
}

func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.Decoder.Start()
}

func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.Decoder.Stop()
}

// Snapshot is a consistent, single-call view across all three
// subsystems, useful for telemetry/bench reporting.
type Snapshot struct {
	Decoder decoder.SyncState
	Timing  timing.Stats
	Safety  safety.LimpState
}

// Snapshot reads decoder/timing/safety state. Each subsystem snapshot is
// internally consistent (taken under its own lock); there is no
// cross-subsystem atomicity guarantee, matching spec §5's per-subsystem
// critical sections.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Decoder: e.Decoder.GetData(),
		Timing:  e.Timing.Stats(),
		Safety:  e.Safety.State(),
	}
}
