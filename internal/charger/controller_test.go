package charger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeHW struct {
	v, i, temp float64

	vErr    error
	tempErr error

	duties      []float64
	outputs     []bool
	sampleCalls int
	tempCalls   int
}

func (f *fakeHW) SampleVoltage() (float64, error) {
	f.sampleCalls++
	if f.vErr != nil {
		return 0, f.vErr
	}
	return f.v, nil
}

func (f *fakeHW) SampleCurrent() (float64, error) {
	f.sampleCalls++
	return f.i, nil
}

func (f *fakeHW) InternalTemperature() (float64, error) {
	f.tempCalls++
	if f.tempErr != nil {
		return 0, f.tempErr
	}
	return f.temp, nil
}

func (f *fakeHW) SetDuty(d float64) error {
	f.duties = append(f.duties, d)
	return nil
}

func (f *fakeHW) SetOutput(on bool) error {
	f.outputs = append(f.outputs, on)
	return nil
}

func (f *fakeHW) lastDuty() float64 {
	if len(f.duties) == 0 {
		return -1
	}
	return f.duties[len(f.duties)-1]
}

func (f *fakeHW) lastOutput() bool {
	return len(f.outputs) > 0 && f.outputs[len(f.outputs)-1]
}

func (f *fakeHW) ioCalls() int {
	return len(f.duties) + len(f.outputs) + f.sampleCalls + f.tempCalls
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) { s.calls = append(s.calls, d) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StableCycles = 3
	cfg.Cooldown = 100 * time.Millisecond
	cfg.TempCooldown = 500 * time.Millisecond
	cfg.SettleTime = 10 * time.Millisecond
	cfg.TickInterval = time.Millisecond
	return cfg
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeHW, *sleepRecorder) {
	t.Helper()
	hw := &fakeHW{temp: 25}
	sr := &sleepRecorder{}
	c, err := New(cfg, hw, WithSleep(sr.sleep))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, hw, sr
}

func mustStep(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}
}

// toBatteryCheck runs init and open-circuit calibration with a healthy
// open-circuit reading.
func toBatteryCheck(t *testing.T, c *Controller, hw *fakeHW) {
	t.Helper()
	hw.v, hw.i = 3.0, 0
	for n := 0; n < 100 && c.Phase() != PhaseBatteryCheck; n++ {
		mustStep(t, c)
	}
	if c.Phase() != PhaseBatteryCheck {
		t.Fatalf("phase=%s want %s", c.Phase(), PhaseBatteryCheck)
	}
}

func toFastCharge(t *testing.T, c *Controller, hw *fakeHW) {
	t.Helper()
	toBatteryCheck(t, c, hw)
	hw.v, hw.i = 3.7, 0.5
	mustStep(t, c)
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want %s", c.Phase(), PhaseFastCharge)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "DutyBounds", mutate: func(c *Config) { c.MaxDuty = c.MinDuty }, want: "max_duty must be > min_duty"},
		{name: "OpenDutyRange", mutate: func(c *Config) { c.OpenDuty = 300 }, want: "open_duty must be within"},
		{name: "SetpointBelowUnderVoltage", mutate: func(c *Config) { c.UnderVoltage = 4.3 }, want: "setpoint must be > under_voltage"},
		{name: "OverVoltageBelowSetpoint", mutate: func(c *Config) { c.OverVoltage = 4.1 }, want: "over_voltage must be > setpoint"},
		{name: "StableCycles", mutate: func(c *Config) { c.StableCycles = 0 }, want: "stable_cycles must be > 0"},
		{name: "Tick", mutate: func(c *Config) { c.TickInterval = 0 }, want: "tick_interval must be > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			hw := &fakeHW{}
			_, err := New(cfg, hw)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want containing %q", err, tc.want)
			}
			if hw.ioCalls() != 0 {
				t.Fatalf("expected no hardware access on config error, got %d calls", hw.ioCalls())
			}
		})
	}
}

func TestNew_RequiresHardware(t *testing.T) {
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCalibration_ReachesBatteryCheck(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)

	hw.v = 3.0
	mustStep(t, c)
	if c.Phase() != PhaseOpenVoltageCalibration {
		t.Fatalf("phase=%s want calibration", c.Phase())
	}
	if hw.lastDuty() != cfg.OpenDuty || hw.lastOutput() {
		t.Fatalf("duty=%v output=%v want open duty with output off", hw.lastDuty(), hw.lastOutput())
	}

	for n := 0; n < cfg.StableCycles; n++ {
		mustStep(t, c)
		if c.Phase() != PhaseOpenVoltageCalibration {
			t.Fatalf("tick=%d left calibration early: %s", n, c.Phase())
		}
	}
	mustStep(t, c)
	if c.Phase() != PhaseBatteryCheck {
		t.Fatalf("phase=%s want battery check", c.Phase())
	}
	if got := c.State().OpenCircuitDuty; got != cfg.OpenDuty {
		t.Fatalf("open circuit duty=%v want %v", got, cfg.OpenDuty)
	}
}

func TestCalibration_NeedsConsecutiveStableSamples(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)

	hw.v = 3.0
	mustStep(t, c)
	for n := 0; n < cfg.StableCycles; n++ {
		mustStep(t, c)
	}
	// Between the input reference and 1.2x: not stable, not missing either.
	hw.v = 2.2
	mustStep(t, c)
	hw.v = 3.0
	for n := 0; n < cfg.StableCycles; n++ {
		mustStep(t, c)
	}
	if c.Phase() != PhaseOpenVoltageCalibration {
		t.Fatalf("phase=%s want calibration after counter reset", c.Phase())
	}
	mustStep(t, c)
	if c.Phase() != PhaseBatteryCheck {
		t.Fatalf("phase=%s want battery check", c.Phase())
	}
}

func TestCalibration_NoInputRetries(t *testing.T) {
	cfg := testConfig()
	c, hw, sr := newTestController(t, cfg)

	hw.v = 1.5
	for n := 0; n < 20; n++ {
		mustStep(t, c)
	}
	if c.Phase() != PhaseOpenVoltageCalibration {
		t.Fatalf("phase=%s want calibration", c.Phase())
	}
	if hw.lastDuty() != cfg.MinDuty {
		t.Fatalf("duty=%v want %v", hw.lastDuty(), cfg.MinDuty)
	}
	snap := c.Snapshot()
	if snap.LastFault != FaultNoInput || snap.Retries != 19 {
		t.Fatalf("fault=%q retries=%d want no_input/19", snap.LastFault, snap.Retries)
	}
	if len(sr.calls) == 0 || sr.calls[len(sr.calls)-1] != cfg.Cooldown {
		t.Fatalf("sleeps=%v want trailing cooldown %v", sr.calls, cfg.Cooldown)
	}
}

func TestCalibration_FatalConditions(t *testing.T) {
	cases := []struct {
		name  string
		v, i  float64
		temp  float64
		fault Fault
	}{
		{name: "OverTemperature", v: 3.0, temp: 90, fault: FaultOverTemperature},
		{name: "ShortCircuit", v: 3.0, i: 0.5, temp: 25, fault: FaultShortCircuit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			c, hw, _ := newTestController(t, cfg)
			mustStep(t, c)

			hw.v, hw.i, hw.temp = tc.v, tc.i, tc.temp
			mustStep(t, c)
			if c.Phase() != PhaseFaulted {
				t.Fatalf("phase=%s want faulted", c.Phase())
			}
			snap := c.Snapshot()
			if snap.LastFault != tc.fault || !snap.Failed || !snap.Done {
				t.Fatalf("snapshot=%+v want failed with %s", snap, tc.fault)
			}
			if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
				t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
			}
		})
	}
}

func TestBatteryCheck_UnderVoltageNeverStartsCharging(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toBatteryCheck(t, c, hw)

	hw.v, hw.i = cfg.UnderVoltage-0.1, 0
	for n := 0; n < 1000; n++ {
		before := len(hw.duties)
		mustStep(t, c)
		if c.Phase() != PhaseBatteryCheck {
			t.Fatalf("tick=%d phase=%s want battery check", n, c.Phase())
		}
		if len(hw.duties) == before || hw.lastDuty() != cfg.MinDuty {
			t.Fatalf("tick=%d duty=%v want reset to %v", n, hw.lastDuty(), cfg.MinDuty)
		}
	}
	if got := c.Snapshot().LastFault; got != FaultVoltageWindow {
		t.Fatalf("fault=%q want voltage_window", got)
	}
}

func TestBatteryCheck_RetryConditions(t *testing.T) {
	cases := []struct {
		name  string
		v, i  float64
		fault Fault
	}{
		{name: "OverCurrent", v: 3.7, i: 3.5, fault: FaultOverCurrent},
		{name: "AboveSetpoint", v: 4.25, i: 0, fault: FaultVoltageWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			c, hw, sr := newTestController(t, cfg)
			toBatteryCheck(t, c, hw)

			hw.v, hw.i = tc.v, tc.i
			mustStep(t, c)
			if c.Phase() != PhaseBatteryCheck {
				t.Fatalf("phase=%s want battery check", c.Phase())
			}
			if got := c.Snapshot().LastFault; got != tc.fault {
				t.Fatalf("fault=%q want %q", got, tc.fault)
			}
			if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
				t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
			}
			want := []time.Duration{cfg.SettleTime, cfg.Cooldown}
			got := sr.calls[len(sr.calls)-2:]
			if got[0] != want[0] || got[1] != want[1] {
				t.Fatalf("sleeps=%v want %v", got, want)
			}
		})
	}
}

func TestBatteryCheck_SeedsTrendAndEntersFastCharge(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toBatteryCheck(t, c, hw)

	hw.v, hw.i = 3.6, 0.2
	mustStep(t, c)
	st := c.State()
	if st.Phase != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", st.Phase)
	}
	if st.VoltageTrend != 3.6 {
		t.Fatalf("trend=%v want seeded 3.6", st.VoltageTrend)
	}
	if st.Duty != cfg.OpenDuty || !st.Output {
		t.Fatalf("duty=%v output=%v want open duty with output on", st.Duty, st.Output)
	}
}

func TestFastCharge_RegulatesPowerWithinBounds(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.v, hw.i = 3.7, 0.1
	prev := -1.0
	for n := 0; n < 200; n++ {
		mustStep(t, c)
		d := c.State().Duty
		if d < cfg.MinDuty || d > cfg.MaxDuty {
			t.Fatalf("tick=%d duty=%v outside bounds", n, d)
		}
		if d < prev {
			t.Fatalf("tick=%d duty=%v decreased under constant power deficit", n, d)
		}
		prev = d
	}
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", c.Phase())
	}
}

func TestFastCharge_OverPowerRetriesInPlace(t *testing.T) {
	cfg := testConfig()
	c, hw, sr := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.v, hw.i = 3.7, 1.0
	for n := 0; n < 5; n++ {
		mustStep(t, c)
	}
	if !c.reg.Terms().Initialized {
		t.Fatalf("expected regulator to have run")
	}

	hw.i = 1.2 * cfg.MaxPower / hw.v
	mustStep(t, c)
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", c.Phase())
	}
	if hw.lastDuty() != cfg.MinDuty {
		t.Fatalf("duty=%v want %v", hw.lastDuty(), cfg.MinDuty)
	}
	if c.reg.Terms().Initialized {
		t.Fatalf("expected regulator reset")
	}
	if got := c.Snapshot().LastFault; got != FaultOverPower {
		t.Fatalf("fault=%q want over_power", got)
	}
	if got := sr.calls[len(sr.calls)-1]; got != 3*cfg.Cooldown {
		t.Fatalf("cooldown=%v want %v", got, 3*cfg.Cooldown)
	}
}

func TestFastCharge_OverVoltageRetriesInPlace(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.v, hw.i = cfg.OverVoltage+0.05, 0.2
	mustStep(t, c)
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", c.Phase())
	}
	if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
		t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
	}
	if got := c.Snapshot().LastFault; got != FaultOverVoltage {
		t.Fatalf("fault=%q want over_voltage", got)
	}
}

func TestCharge_CompletionLatchesCharged(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.v, hw.i = cfg.Setpoint, 0.05
	mustStep(t, c)
	if c.Phase() != PhaseCharged {
		t.Fatalf("phase=%s want charged", c.Phase())
	}
	snap := c.Snapshot()
	if !snap.Done || snap.Failed {
		t.Fatalf("done=%v failed=%v want done and not failed", snap.Done, snap.Failed)
	}
	if hw.lastDuty() != cfg.MinDuty {
		t.Fatalf("duty=%v want %v", hw.lastDuty(), cfg.MinDuty)
	}

	calls := hw.ioCalls()
	for _, in := range [][2]float64{{1.0, 0}, {5.0, 3.0}, {3.7, 0.5}} {
		hw.v, hw.i = in[0], in[1]
		mustStep(t, c)
	}
	if c.Phase() != PhaseCharged {
		t.Fatalf("phase=%s left charged", c.Phase())
	}
	if hw.ioCalls() != calls {
		t.Fatalf("io calls=%d want %d (no actuation after charged)", hw.ioCalls(), calls)
	}
}

func TestCharge_CompletionNeedsTaperCurrent(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	// Open output: voltage at setpoint but no current flowing.
	hw.v, hw.i = cfg.Setpoint, 0.005
	mustStep(t, c)
	if c.Phase().Terminal() {
		t.Fatalf("phase=%s want still charging", c.Phase())
	}
}

func TestCharge_MosfetFaultIsFatal(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.v, hw.i = 3.7, 0.1
	for n := 0; n < 200 && c.State().Duty <= c.State().OpenCircuitDuty; n++ {
		mustStep(t, c)
	}
	if c.State().Duty <= c.State().OpenCircuitDuty {
		t.Fatalf("duty=%v never rose above open duty", c.State().Duty)
	}
	retries := c.Snapshot().Retries

	hw.v = 1.0
	mustStep(t, c)
	if c.Phase() != PhaseFaulted {
		t.Fatalf("phase=%s want faulted", c.Phase())
	}
	snap := c.Snapshot()
	if snap.LastFault != FaultMosfet || snap.Retries != retries {
		t.Fatalf("fault=%q retries=%d want mosfet with no retry", snap.LastFault, snap.Retries)
	}
	if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
		t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
	}

	calls := hw.ioCalls()
	hw.v = 3.7
	for n := 0; n < 10; n++ {
		mustStep(t, c)
	}
	if c.Phase() != PhaseFaulted || hw.ioCalls() != calls {
		t.Fatalf("phase=%s calls=%d want faulted with no further io", c.Phase(), hw.ioCalls())
	}
}

func TestCharge_ConstantVoltageIsMonotonic(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toBatteryCheck(t, c, hw)
	hw.v, hw.i = 4.15, 1.0
	mustStep(t, c)
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", c.Phase())
	}

	hw.v = cfg.Setpoint
	for n := 0; n < 40 && c.Phase() == PhaseFastCharge; n++ {
		mustStep(t, c)
	}
	if c.Phase() != PhaseConstantVoltage {
		t.Fatalf("phase=%s want constant voltage", c.Phase())
	}

	// A sag in voltage must not bring current regulation back.
	hw.v = 3.9
	for n := 0; n < 100; n++ {
		mustStep(t, c)
		if c.Phase() != PhaseConstantVoltage {
			t.Fatalf("tick=%d phase=%s want constant voltage", n, c.Phase())
		}
	}
	if !c.Snapshot().ConstantVoltage {
		t.Fatalf("snapshot should report constant voltage")
	}
}

func TestCharge_TransientSpikeDoesNotTriggerConstantVoltage(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toBatteryCheck(t, c, hw)
	hw.v, hw.i = 3.7, 1.0
	mustStep(t, c)

	hw.v = cfg.Setpoint
	mustStep(t, c)
	hw.v = 3.7
	mustStep(t, c)
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge after a single spike", c.Phase())
	}
}

func TestCharge_OverTemperatureRetriesThenLatches(t *testing.T) {
	cfg := testConfig()
	c, hw, sr := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.temp = 75
	for retry := 1; retry <= cfg.MaxTempRetries; retry++ {
		mustStep(t, c)
		if c.Phase() != PhaseBatteryCheck {
			t.Fatalf("retry=%d phase=%s want battery check", retry, c.Phase())
		}
		if got := sr.calls[len(sr.calls)-1]; got != cfg.TempCooldown {
			t.Fatalf("cooldown=%v want %v", got, cfg.TempCooldown)
		}
		mustStep(t, c)
		if c.Phase() != PhaseFastCharge {
			t.Fatalf("retry=%d phase=%s want fast charge", retry, c.Phase())
		}
	}
	mustStep(t, c)
	if c.Phase() != PhaseFaulted {
		t.Fatalf("phase=%s want faulted", c.Phase())
	}
	if got := c.Snapshot().LastFault; got != FaultOverTemperature {
		t.Fatalf("fault=%q want over_temperature", got)
	}
}

func TestCharge_OverTemperatureRecoveryResetsCount(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTempRetries = 1
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	hw.temp = 75
	mustStep(t, c) // retry -> battery check
	mustStep(t, c) // -> fast charge
	hw.temp = 30
	mustStep(t, c)
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", c.Phase())
	}
	if c.tempRetries != 0 {
		t.Fatalf("temp retries=%d want 0 after a cool reading", c.tempRetries)
	}
}

func TestCharge_OfflineRestartsCalibration(t *testing.T) {
	cfg := testConfig()
	cfg.OfflineTicks = 5
	c, hw, sr := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	// Output collapsed with no current: below the mosfet floor, so only the
	// offline count applies.
	hw.v, hw.i = 0.02, 0
	for n := 0; n < cfg.OfflineTicks; n++ {
		mustStep(t, c)
		if c.Phase() != PhaseFastCharge {
			t.Fatalf("tick=%d phase=%s want fast charge", n, c.Phase())
		}
	}
	mustStep(t, c)
	if c.Phase() != PhaseInit {
		t.Fatalf("phase=%s want init", c.Phase())
	}
	snap := c.Snapshot()
	if snap.LastFault != FaultNoInput || snap.Failed {
		t.Fatalf("fault=%q failed=%v want retryable no_input", snap.LastFault, snap.Failed)
	}
	if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
		t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
	}
	if got := sr.calls[len(sr.calls)-1]; got != cfg.Cooldown {
		t.Fatalf("cooldown=%v want %v", got, cfg.Cooldown)
	}

	mustStep(t, c)
	if c.Phase() != PhaseOpenVoltageCalibration {
		t.Fatalf("phase=%s want calibration", c.Phase())
	}
}

func TestCharge_OfflineCountResetsOnCurrent(t *testing.T) {
	cfg := testConfig()
	cfg.OfflineTicks = 5
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)

	for n := 0; n < 4*cfg.OfflineTicks; n++ {
		if n%cfg.OfflineTicks == 0 {
			hw.v, hw.i = 3.7, 0.5
		} else {
			hw.v, hw.i = 0.02, 0
		}
		mustStep(t, c)
		if !c.Phase().Charging() {
			t.Fatalf("tick=%d phase=%s want charging", n, c.Phase())
		}
	}
}

func TestStep_SensorErrorForcesMinDuty(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)
	hw.v, hw.i = 3.7, 0.5
	mustStep(t, c)

	boom := errors.New("adc timeout")
	hw.vErr = boom
	err := c.Step()
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want wrapping %v", err, boom)
	}
	if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
		t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
	}
	if c.Phase() != PhaseFastCharge {
		t.Fatalf("phase=%s want fast charge", c.Phase())
	}
}

func TestRun_ReturnsFaulted(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	hw.temp = 95

	err := c.Run(context.Background())
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("err=%v want ErrFaulted", err)
	}
	if !strings.Contains(err.Error(), string(FaultOverTemperature)) {
		t.Fatalf("err=%v want fault name", err)
	}
}

func TestRun_ReturnsNilWhenCharged(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)
	hw.v, hw.i = cfg.Setpoint, 0.05

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Phase() != PhaseCharged {
		t.Fatalf("phase=%s want charged", c.Phase())
	}
}

func TestRun_CancelSwitchesOutputOff(t *testing.T) {
	cfg := testConfig()
	c, hw, _ := newTestController(t, cfg)
	toFastCharge(t, c, hw)
	hw.v, hw.i = 3.7, 0.5

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if hw.lastDuty() != cfg.MinDuty || hw.lastOutput() {
		t.Fatalf("duty=%v output=%v want min/off", hw.lastDuty(), hw.lastOutput())
	}
	if c.Phase().Terminal() {
		t.Fatalf("phase=%s should not be terminal after cancel", c.Phase())
	}
}

func TestRun_PersistentSensorErrorsLatchFault(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIOErrors = 3
	c, hw, _ := newTestController(t, cfg)
	hw.tempErr = errors.New("thermal zone missing")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("err=%v want ErrFaulted", err)
	}
	snap := c.Snapshot()
	if snap.LastFault != FaultHardware || snap.LastError == "" {
		t.Fatalf("fault=%q last_error=%q want hardware fault with error", snap.LastFault, snap.LastError)
	}
}

func TestPhase_Strings(t *testing.T) {
	if PhaseConstantVoltage.String() != "constant_voltage" {
		t.Fatalf("got %q", PhaseConstantVoltage.String())
	}
	b, err := PhaseFaulted.MarshalText()
	if err != nil || string(b) != "faulted" {
		t.Fatalf("MarshalText=%q err=%v", b, err)
	}
	if Phase(42).String() != "phase(42)" {
		t.Fatalf("got %q", Phase(42).String())
	}
	if !PhaseCharged.Terminal() || PhaseFastCharge.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
