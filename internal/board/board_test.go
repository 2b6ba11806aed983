package board

import (
	"errors"
	"math"
	"strings"
	"testing"
)

type fakeBus struct {
	regs   map[uint8]uint16
	closed int
}

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	switch {
	case len(w) == 3 && len(r) == 0:
		f.regs[w[0]] = uint16(w[1])<<8 | uint16(w[2])
	case len(w) == 1 && len(r) == 2:
		v := f.regs[w[0]]
		r[0] = byte(v >> 8)
		r[1] = byte(v)
	default:
		return errors.New("unexpected transfer")
	}
	return nil
}

func (f *fakeBus) Close() error {
	f.closed++
	return nil
}

type fakePWM struct {
	freq   int
	duties []float64
	closed bool
}

func (p *fakePWM) SetFrequencyHz(hz int) error {
	p.freq = hz
	return nil
}

func (p *fakePWM) SetDutyFraction(f float64) error {
	p.duties = append(p.duties, f)
	return nil
}

func (p *fakePWM) Close() error {
	p.closed = true
	return nil
}

type fakeSwitch struct {
	states []bool
	closed bool
	err    error
}

func (s *fakeSwitch) Set(on bool) error {
	if s.err != nil {
		return s.err
	}
	s.states = append(s.states, on)
	return nil
}

func (s *fakeSwitch) Close() error {
	s.closed = true
	return nil
}

type fakes struct {
	bus *fakeBus
	pwm *fakePWM
	sw  *fakeSwitch

	pin       int
	activeLow bool
	channel   int
}

func installFakes(t *testing.T) *fakes {
	t.Helper()
	f := &fakes{
		bus: &fakeBus{regs: map[uint8]uint16{}},
		pwm: &fakePWM{},
		sw:  &fakeSwitch{},
	}

	oldBus, oldPWM, oldSwitch, oldTemp := openBusFn, openPWMFn, openSwitchFn, readTempFn
	t.Cleanup(func() {
		openBusFn, openPWMFn, openSwitchFn, readTempFn = oldBus, oldPWM, oldSwitch, oldTemp
	})
	openBusFn = func(string) (i2cBus, error) { return f.bus, nil }
	openPWMFn = func(chip, channel int) (pwmDriver, error) {
		f.channel = channel
		return f.pwm, nil
	}
	openSwitchFn = func(pin int, activeLow bool) (outputSwitch, error) {
		f.pin = pin
		f.activeLow = activeLow
		return f.sw, nil
	}
	readTempFn = func(string) (float64, error) { return 31.5, nil }
	return f
}

func testBoardConfig() Config {
	return Config{
		I2CBus:          "/dev/i2c-1",
		PWMChip:         -1,
		PWMChannel:      1,
		PWMFrequencyHz:  50000,
		DutyResolution:  255,
		OutputPin:       23,
		OutputActiveLow: true,
		VoltageGain:     2,
		CurrentGain:     1,
	}
}

func TestOpen_ConfiguresPeripherals(t *testing.T) {
	f := installFakes(t)
	b, err := Open(testBoardConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if f.pwm.freq != 50000 {
		t.Fatalf("freq=%d want 50000", f.pwm.freq)
	}
	if len(f.pwm.duties) != 1 || f.pwm.duties[0] != 0 {
		t.Fatalf("duties=%v want [0]", f.pwm.duties)
	}
	if f.channel != 1 || f.pin != 23 || !f.activeLow {
		t.Fatalf("channel=%d pin=%d activeLow=%v", f.channel, f.pin, f.activeLow)
	}
	// INA219 calibration was written.
	if f.bus.regs[0x5] == 0 {
		t.Fatalf("calibration register not written")
	}
}

func TestOpen_RejectsBadConfig(t *testing.T) {
	installFakes(t)
	cfg := testBoardConfig()
	cfg.DutyResolution = 0
	if _, err := Open(cfg); err == nil || !strings.Contains(err.Error(), "duty resolution") {
		t.Fatalf("err=%v want duty resolution error", err)
	}
	cfg = testBoardConfig()
	cfg.PWMFrequencyHz = 0
	if _, err := Open(cfg); err == nil || !strings.Contains(err.Error(), "pwm frequency") {
		t.Fatalf("err=%v want pwm frequency error", err)
	}
}

func TestOpen_FeedbackErrorNamesBus(t *testing.T) {
	f := installFakes(t)
	cfg := testBoardConfig()
	cfg.INA219Profile = "64v9a"
	_, err := Open(cfg)
	if err == nil || !strings.Contains(err.Error(), "feedback on /dev/i2c-1") || !strings.Contains(err.Error(), "unknown profile") {
		t.Fatalf("err=%v want feedback error naming the bus", err)
	}
	if f.bus.closed != 1 {
		t.Fatalf("bus closed=%d want 1", f.bus.closed)
	}
}

func TestOpen_SwitchFailureReleasesPWM(t *testing.T) {
	f := installFakes(t)
	openSwitchFn = func(int, bool) (outputSwitch, error) { return nil, errors.New("line busy") }

	if _, err := Open(testBoardConfig()); err == nil {
		t.Fatalf("expected error")
	}
	if !f.pwm.closed {
		t.Fatalf("pwm not closed after failed open")
	}
	if got := f.pwm.duties[len(f.pwm.duties)-1]; got != 0 {
		t.Fatalf("last duty=%v want 0", got)
	}
	if f.bus.closed != 1 {
		t.Fatalf("bus closed=%d want 1", f.bus.closed)
	}
}

func TestBoard_SetDutyMapsToFraction(t *testing.T) {
	f := installFakes(t)
	b, err := Open(testBoardConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.SetDuty(51); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	got := f.pwm.duties[len(f.pwm.duties)-1]
	if math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("fraction=%v want 0.2", got)
	}
}

func TestBoard_SamplesApplyGain(t *testing.T) {
	f := installFakes(t)
	b, err := Open(testBoardConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	// 2.1 V at the INA219, behind a 2:1 divider.
	f.bus.regs[0x2] = (2100 / 4) << 3
	f.bus.regs[0x4] = 5000

	v, err := b.SampleVoltage()
	if err != nil {
		t.Fatalf("SampleVoltage: %v", err)
	}
	if math.Abs(v-4.2) > 1e-9 {
		t.Fatalf("v=%v want 4.2", v)
	}
	i, err := b.SampleCurrent()
	if err != nil {
		t.Fatalf("SampleCurrent: %v", err)
	}
	if math.Abs(i-0.5) > 1e-6 {
		t.Fatalf("i=%v want 0.5", i)
	}
	temp, err := b.InternalTemperature()
	if err != nil || temp != 31.5 {
		t.Fatalf("temp=%v err=%v want 31.5", temp, err)
	}
}

func TestBoard_CloseLeavesStageOff(t *testing.T) {
	f := installFakes(t)
	b, err := Open(testBoardConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = b.SetOutput(true)
	_ = b.SetDuty(200)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := f.sw.states[len(f.sw.states)-1]; got {
		t.Fatalf("output left on after Close")
	}
	if got := f.pwm.duties[len(f.pwm.duties)-1]; got != 0 {
		t.Fatalf("duty=%v want 0 after Close", got)
	}
	if !f.sw.closed || !f.pwm.closed || f.bus.closed != 1 {
		t.Fatalf("peripherals not released: sw=%v pwm=%v bus=%d", f.sw.closed, f.pwm.closed, f.bus.closed)
	}

	// Idempotent, and further use reports closed.
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := b.SetDuty(10); !errors.Is(err, errClosed) {
		t.Fatalf("err=%v want errClosed", err)
	}
	if _, err := b.SampleVoltage(); !errors.Is(err, errClosed) {
		t.Fatalf("err=%v want errClosed", err)
	}
}

func TestBoard_CloseStillReleasesOnSwitchError(t *testing.T) {
	f := installFakes(t)
	b, err := Open(testBoardConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.sw.err = errors.New("gpio gone")
	if err := b.Close(); err == nil {
		t.Fatalf("expected Close error")
	}
	if !f.pwm.closed {
		t.Fatalf("pwm not closed")
	}
}
