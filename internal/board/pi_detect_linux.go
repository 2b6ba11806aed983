//go:build linux && (arm || arm64)

package board

import (
	"os"
	"strings"
)

// Device-tree model files, most specific first.
var modelPaths = []string{
	"/sys/firmware/devicetree/base/model",
	"/proc/device-tree/model",
}

// boardModel returns the device-tree model string, or "" when none is readable.
func boardModel() string {
	for _, p := range modelPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if model := strings.Trim(strings.TrimSpace(string(b)), "\x00"); model != "" {
			return model
		}
	}
	return ""
}

// The RP1 on a Pi 5 registers its PWM block after the SoC ones.
func isRaspberryPi5() bool {
	return strings.Contains(boardModel(), "Raspberry Pi 5")
}
