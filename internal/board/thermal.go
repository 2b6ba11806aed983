package board

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultThermalZone is the SoC sensor on Raspberry Pi.
const DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

func parseThermalC(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("board: thermal zone empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("board: parse temperature %q: %w", s, err)
	}
	if n > 1000 || n < -1000 {
		return float64(n) / 1000.0, nil
	}
	return float64(n), nil
}

// ReadThermalZone reads a Linux thermal zone in degrees Celsius.
//
// Zones normally report milli-degrees (e.g., 52345) but some drivers return
// whole degrees.
func ReadThermalZone(path string) (float64, error) {
	if path == "" {
		path = DefaultThermalZone
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("board: read temperature: %w", err)
	}
	return parseThermalC(string(b))
}
