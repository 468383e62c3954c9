// Package halsim is an in-memory realisation of the hal capability
// contract, used by the decoder and engine tests. It has no relation to
// real hardware timing: a test driver feeds edges by calling
// PulseCounter.FireRising, GPIO.FireRising or EventTaskMatrix.FireRising
// directly with whatever timestamp it wants, exactly as sharpmem_test.go's
// mockBus fakes a bus.
package halsim

import (
	"sync"

	"github.com/trigger58/ecu-core/ecuerr"
	"github.com/trigger58/ecu-core/hal"
)

// Clock is a manually-advanced microsecond clock.
type Clock struct {
	mu  sync.Mutex
	now uint64
}

func (c *Clock) NowUS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock to an absolute microsecond value. Tests use this to
// exercise wraparound (P8) by setting now below a previously recorded
// last-capture value.
func (c *Clock) Set(us uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = us
}

// Advance moves the clock forward by deltaUS and returns the new value.
func (c *Clock) Advance(deltaUS uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += deltaUS
	return c.now
}

// PulseCounter is a fake CKP pulse counter. Tests call FireRising/FireFalling
// instead of toggling a real pin.
type PulseCounter struct {
	mu            sync.Mutex
	enabled       bool
	glitchFilter  uint32
	watchStep     uint32
	onEdge        func(timestampUS uint64, kind hal.EdgeKind)
	count         uint32
}

func (p *PulseCounter) Configure(glitchFilterNS uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.glitchFilter = glitchFilterNS
	return nil
}

func (p *PulseCounter) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
	return nil
}

func (p *PulseCounter) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	return nil
}

func (p *PulseCounter) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = 0
	return nil
}

func (p *PulseCounter) OnEdge(fn func(timestampUS uint64, kind hal.EdgeKind)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEdge = fn
}

func (p *PulseCounter) WatchStep(step uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchStep = step
	return nil
}

// FireRising delivers a rising-edge event at timestampUS, as the pulse
// counter's ISR would, directly to the registered callback.
func (p *PulseCounter) FireRising(timestampUS uint64) {
	p.mu.Lock()
	if p.enabled {
		p.count++
	}
	fn := p.onEdge
	p.mu.Unlock()
	if fn != nil {
		fn(timestampUS, hal.RisingEdge)
	}
}

// FireFalling delivers a falling-edge event; per spec §6 falling edges
// hold the count (no increment) but may still be observed by a callback.
func (p *PulseCounter) FireFalling(timestampUS uint64) {
	p.mu.Lock()
	fn := p.onEdge
	p.mu.Unlock()
	if fn != nil {
		fn(timestampUS, hal.FallingEdge)
	}
}

// CaptureTimer is a fake capture timer; LatchAt lets a test or the
// EventTaskMatrix below record a value without a real timer peripheral.
type CaptureTimer struct {
	mu           sync.Mutex
	resolutionHz uint64
	latched      uint64
}

func (t *CaptureTimer) Configure(resolutionHz uint64) error {
	if resolutionHz < 1_000_000 {
		return ecuerr.New(ecuerr.InvalidArg, "capture timer resolution below 1MHz floor")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolutionHz = resolutionHz
	return nil
}

func (t *CaptureTimer) LatchAt(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latched = value
}

func (t *CaptureTimer) LatchedCount() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latched, nil
}

// GPIO is a fake edge-interrupt GPIO; FireRising triggers the installed
// handler for channel exactly as a real ISR would.
type GPIO struct {
	mu       sync.Mutex
	handlers map[int]func(timestampUS uint64)
}

func (g *GPIO) ConfigureInput(channel int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handlers == nil {
		g.handlers = make(map[int]func(timestampUS uint64))
	}
	return nil
}

func (g *GPIO) OnRisingEdge(channel int, fn func(timestampUS uint64)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handlers == nil {
		g.handlers = make(map[int]func(timestampUS uint64))
	}
	g.handlers[channel] = fn
	return nil
}

func (g *GPIO) RemoveHandler(channel int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.handlers, channel)
	return nil
}

func (g *GPIO) FireRising(channel int, timestampUS uint64) {
	g.mu.Lock()
	fn := g.handlers[channel]
	g.mu.Unlock()
	if fn != nil {
		fn(timestampUS)
	}
}

// EventTaskMatrix models routing a GPIO rising edge straight into a
// CaptureTimer latch, with zero scheduling delay — "no CPU involvement".
type EventTaskMatrix struct {
	mu      sync.Mutex
	gpio    *GPIO
	bound   map[int]*CaptureTimer
	enabled map[int]bool
}

func NewEventTaskMatrix(gpio *GPIO) *EventTaskMatrix {
	return &EventTaskMatrix{
		gpio:    gpio,
		bound:   make(map[int]*CaptureTimer),
		enabled: make(map[int]bool),
	}
}

func (m *EventTaskMatrix) Bind(gpioChannel int, timer hal.CaptureTimer) error {
	ct, ok := timer.(*CaptureTimer)
	if !ok {
		return ecuerr.New(ecuerr.InvalidArg, "halsim ETM can only bind halsim.CaptureTimer")
	}
	m.mu.Lock()
	m.bound[gpioChannel] = ct
	m.mu.Unlock()
	return nil
}

func (m *EventTaskMatrix) Enable(gpioChannel int) error {
	m.mu.Lock()
	m.enabled[gpioChannel] = true
	m.mu.Unlock()
	return nil
}

func (m *EventTaskMatrix) Disable(gpioChannel int) error {
	m.mu.Lock()
	m.enabled[gpioChannel] = false
	m.mu.Unlock()
	return nil
}

// FireRising latches the bound capture timer (if enabled) before invoking
// the GPIO's own rising-edge handler, modeling the hardware ordering: the
// timer latches autonomously, then the ISR runs and reads it.
func (m *EventTaskMatrix) FireRising(gpioChannel int, timestampUS uint64) {
	m.mu.Lock()
	ct, bound := m.bound[gpioChannel]
	en := m.enabled[gpioChannel]
	m.mu.Unlock()
	if bound && en {
		ct.LatchAt(timestampUS)
	}
	if m.gpio != nil {
		m.gpio.FireRising(gpioChannel, timestampUS)
	}
}

// TempSensor is a fake coolant-temperature channel; tests set the reading
// (or an injected fault) directly instead of toggling an SPI bus.
type TempSensor struct {
	mu    sync.Mutex
	tempC int32
	fault error
}

func (t *TempSensor) Set(tempC int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tempC = tempC
	t.fault = nil
}

func (t *TempSensor) SetFault(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fault = err
}

func (t *TempSensor) ReadTempC() (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault != nil {
		return 0, t.fault
	}
	return t.tempC, nil
}

// Watchdog is a fake single-user watchdog.
type Watchdog struct {
	mu        sync.Mutex
	timeoutMS uint32
	users     []string
}

func (w *Watchdog) Init(timeoutMS uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeoutMS = timeoutMS
	return nil
}

func (w *Watchdog) AddUser(name string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users = append(w.users, name)
	return len(w.users) - 1, nil
}

func (w *Watchdog) ResetUser(handle int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if handle < 0 || handle >= len(w.users) {
		return ecuerr.New(ecuerr.InvalidArg, "unknown watchdog user handle")
	}
	return nil
}

// New builds a fully wired fake HAL, every peripheral present, with
// Caps.HasETM and Caps.HasHardwareCapture set to hasETM, suitable for both
// "preferred" (ETM capture) and "fallback" (software timestamp) decoder
// tests depending on Caps.
func New(hasETM bool) (*hal.HAL, *Clock, *PulseCounter, *GPIO, *EventTaskMatrix) {
	h, clk, pc, gp, etm, _ := NewFull(hasETM)
	return h, clk, pc, gp, etm
}

// NewFull is New plus the fake TempSensor channel, for tests/examples that
// also exercise safety.CheckOverheat from sampled hardware.
func NewFull(hasETM bool) (*hal.HAL, *Clock, *PulseCounter, *GPIO, *EventTaskMatrix, *TempSensor) {
	clk := &Clock{}
	pc := &PulseCounter{}
	gp := &GPIO{}
	ct := &CaptureTimer{}
	etm := NewEventTaskMatrix(gp)
	wd := &Watchdog{}
	temp := &TempSensor{}

	h := &hal.HAL{
		Clock: clk,
		// CKPGPIO and CMPGPIO share the same fake GPIO peripheral,
		// distinguished purely by channel number, modeling one physical
		// GPIO block wired to two distinct pins.
		CKPGPIO:      gp,
		CKPCounter:   pc,
		CMPGPIO:      gp,
		CaptureTimer: ct,
		ETM:          etm,
		Watchdog:     wd,
		Temp:         temp,
		Caps: hal.Capabilities{
			HasETM:             hasETM,
			HasHardwareCapture: hasETM,
		},
	}
	return h, clk, pc, gp, etm, temp
}
