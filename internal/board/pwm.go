package board

// pwmDriver is the minimal interface the board needs from a PWM backend.
//
// Duty is a fraction of the period (0..1). Close should be best-effort and
// leave the switching stage off.
type pwmDriver interface {
	SetFrequencyHz(hz int) error
	SetDutyFraction(f float64) error
	Close() error
}

// outputSwitch drives the battery disconnect.
type outputSwitch interface {
	Set(on bool) error
	Close() error
}
