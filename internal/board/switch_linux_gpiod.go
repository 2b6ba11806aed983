//go:build linux && (arm || arm64)

package board

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openSwitch requests the BCM GPIO driving the output disconnect as a digital
// output via the GPIO character device. The line starts with the output off.
func openSwitch(pin int, activeLow bool) (outputSwitch, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("board: invalid gpio pin %d", pin)
	}

	// On Pi, line names are commonly "GPIO18", etc.
	lineName := fmt.Sprintf("GPIO%d", pin)

	// Pi 5 kernels may expose the header on gpiochip0 or gpiochip4.
	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0), gpiocdev.WithConsumer("chargectl-output")}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodSwitch{chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("board: gpio line %q not found (or busy)", lineName)
}

type gpiodSwitch struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodSwitch) Set(on bool) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("board: output switch not initialized")
	}
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpiodSwitch) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
