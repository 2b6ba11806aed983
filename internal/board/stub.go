//go:build !linux || (!arm && !arm64)

package board

import "fmt"

// Stub implementations for non-Linux and/or non-ARM platforms.

func openPWM(chip, channel int) (pwmDriver, error) {
	return nil, fmt.Errorf("board: pwm unsupported on this platform")
}

func openSwitch(pin int, activeLow bool) (outputSwitch, error) {
	return nil, fmt.Errorf("board: gpio unsupported on this platform")
}
