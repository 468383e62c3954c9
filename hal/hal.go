// Package hal describes the hardware capability contract the decoder,
// timing and safety packages are built against. Any realisation — a real
// MCU's peripherals (see hal/halmcu) or an in-memory fake (see hal/halsim)
// — that satisfies these interfaces is admissible.
package hal

// Clock is a free-running monotonic microsecond clock. It must never
// decrease between calls.
type Clock interface {
	NowUS() uint64
}

// EdgeKind distinguishes rising from falling edges reported by a GPIO or
// pulse counter.
type EdgeKind uint8

const (
	RisingEdge EdgeKind = iota
	FallingEdge
)

// PulseCounter is a hardware pulse counter with a configurable glitch
// filter and an optional per-step watch notification. Rising edges
// increase the count; falling edges hold it (see spec §6).
type PulseCounter interface {
	// Configure arms the counter. glitchFilterNS is the minimum pulse
	// width accepted (reference default: 1250ns).
	Configure(glitchFilterNS uint32) error
	Enable() error
	Disable() error
	Clear() error
	// OnEdge registers the callback invoked on every accepted edge. Only
	// one callback may be registered at a time; registering again replaces
	// the previous one. Implementations must invoke the callback from
	// interrupt context with the edge timestamp already captured.
	OnEdge(func(timestampUS uint64, kind EdgeKind))
	// WatchStep, when supported, requests an event on every single count
	// instead of needing an explicit watch-point/clear cycle. Returns
	// HardwareUnavailable if the peripheral cannot watch every step, in
	// which case the caller must fall back to a watch-point plus an
	// explicit Clear() in the handler.
	WatchStep(step uint32) error
}

// CaptureTimer is a general purpose up-counting timer whose count can be
// latched by an external event ("capture").
type CaptureTimer interface {
	// Configure arms the timer at the given resolution. resolutionHz must
	// be >= 1MHz per spec §6.
	Configure(resolutionHz uint64) error
	// LatchedCount returns the most recently latched count.
	LatchedCount() (uint64, error)
}

// EventTaskMatrix binds a GPIO rising edge directly to a timer capture
// task with no CPU involvement ("event-task matrix" / ETM). Not every MCU
// provides one; absence is reported via Capabilities.HasETM.
type EventTaskMatrix interface {
	// Bind connects gpioChannel's rising edge to timer's capture task.
	Bind(gpioChannel int, timer CaptureTimer) error
	Enable(gpioChannel int) error
	Disable(gpioChannel int) error
}

// GPIO configures a pin as an edge-interrupt input.
type GPIO interface {
	ConfigureInput(channel int) error
	// OnRisingEdge installs the ISR invoked for a rising edge on channel,
	// receiving the capture clock's current value.
	OnRisingEdge(channel int, fn func(timestampUS uint64)) error
	RemoveHandler(channel int) error
}

// TempSensor reads a single analog temperature channel (coolant, knock
// sensor body, or similar). It is optional on HAL: nil means the engine
// never calls safety.CheckOverheat from sampled hardware.
type TempSensor interface {
	ReadTempC() (int32, error)
}

// Watchdog is the single user-handle hardware watchdog (spec §6). The core
// itself never calls Init/AddUser — that is owned by the caller's runtime
// — but the safety package wraps a Watchdog-shaped software timer with the
// same semantics (see safety.Watchdog), independent of this interface.
type Watchdog interface {
	Init(timeoutMS uint32) error
	AddUser(name string) (handle int, err error)
	ResetUser(handle int) error
}

// Capabilities reports which optional hardware capabilities a given HAL
// realisation provides. The decoder reads it at Init and Start; engine.New
// reads it once to decide whether the timing controller is pinned.
type Capabilities struct {
	HasETM             bool
	HasHardwareCapture bool
}

// HAL bundles the capability surface the engine package wires into the
// decoder, timing and safety subsystems.
type HAL struct {
	Clock Clock
	// CKPCounter is the software-fallback CKP path: a dedicated pulse
	// counter peripheral that timestamps edges itself.
	CKPCounter PulseCounter
	// CKPGPIO is the preferred CKP path's edge source: a plain GPIO whose
	// rising edge is routed through ETM into CaptureTimer, with the ISR
	// registered here only reading the already-latched count back out.
	CKPGPIO      GPIO
	CMPGPIO      GPIO
	CaptureTimer CaptureTimer
	ETM          EventTaskMatrix
	Watchdog     Watchdog
	Temp         TempSensor
	Caps         Capabilities
}
