//go:build tinygo

// Package halmcu is a thin realisation of the hal capability contract over
// TinyGo's machine package, grounded in the same machine.Pin/machine.UART
// wiring tmc5160/spicomm.go and ch9120/ch9120.go use for their hardware.
// It intentionally does not bind to a specific chip's timer/ETM registers
// — spec.md declines to prescribe an MCU family — so CaptureTimer and
// EventTaskMatrix here are interfaces a board-support file must still
// supply; this package only wires the parts machine itself standardises
// (GPIO edge interrupts and the monotonic clock), plus an SPI TempSensor.
package halmcu

import (
	"machine"
	"time"

	"github.com/trigger58/ecu-core/ecuerr"
	"github.com/trigger58/ecu-core/hal"
)

// Clock wraps time.Now() as a monotonic microsecond source. TinyGo's
// runtime provides monotonic time.Now() on every supported target.
type Clock struct {
	epoch time.Time
}

func NewClock() *Clock {
	return &Clock{epoch: time.Now()}
}

func (c *Clock) NowUS() uint64 {
	return uint64(time.Since(c.epoch).Microseconds())
}

// GPIO adapts machine.Pin edge interrupts to the hal.GPIO contract.
type GPIO struct {
	pins  map[int]machine.Pin
	clock hal.Clock
}

func NewGPIO(clock hal.Clock) *GPIO {
	return &GPIO{pins: make(map[int]machine.Pin), clock: clock}
}

// Register associates a logical channel number with a configured pin; the
// board-support file owns pin assignment, this package only wires
// interrupts once a pin is registered.
func (g *GPIO) Register(channel int, pin machine.Pin) {
	g.pins[channel] = pin
}

func (g *GPIO) ConfigureInput(channel int) error {
	pin, ok := g.pins[channel]
	if !ok {
		return ecuerr.New(ecuerr.InvalidArg, "channel not registered")
	}
	pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return nil
}

func (g *GPIO) OnRisingEdge(channel int, fn func(timestampUS uint64)) error {
	pin, ok := g.pins[channel]
	if !ok {
		return ecuerr.New(ecuerr.InvalidArg, "channel not registered")
	}
	clock := g.clock
	return pin.SetInterrupt(machine.PinRising, func(machine.Pin) {
		fn(clock.NowUS())
	})
}

func (g *GPIO) RemoveHandler(channel int) error {
	pin, ok := g.pins[channel]
	if !ok {
		return ecuerr.New(ecuerr.InvalidArg, "channel not registered")
	}
	return pin.SetInterrupt(machine.PinRising, nil)
}

// errThermocoupleOpen mirrors max6675.ErrThermocoupleOpen: bit D2 of the
// second byte goes high when the sensor input is open/disconnected.
var errThermocoupleOpen = ecuerr.New(ecuerr.HardwareUnavailable, "temperature sensor input open")

// TempSensor reads a K-type-thermocouple-style SPI temperature sensor,
// grounded directly on max6675/max6675.go's Read(): same 16-bit frame,
// same D2 open-circuit bit, same 0.25°C LSB — adapted here to report whole
// degrees C as the safety package's Thresholds expect, and to read a coolant
// or cylinder-head channel rather than a standalone thermocouple module.
type TempSensor struct {
	bus machine.SPI
	cs  machine.Pin
}

func NewTempSensor(bus machine.SPI, cs machine.Pin) *TempSensor {
	return &TempSensor{bus: bus, cs: cs}
}

func (t *TempSensor) ReadTempC() (int32, error) {
	read := []byte{0, 0}

	t.cs.Low()
	err := t.bus.Tx([]byte{0, 0}, read)
	t.cs.High()
	if err != nil {
		return 0, err
	}

	if read[1]&0x04 == 0x04 {
		return 0, errThermocoupleOpen
	}

	raw := (uint16(read[0]) << 5) | (uint16(read[1]) >> 3)
	return int32(float32(raw) * 0.25), nil
}
