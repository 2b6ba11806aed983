//go:build linux && (arm || arm64)

package board

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sysfsPWM drives a hardware PWM channel via /sys/class/pwm.
//
// On Raspberry Pi the pwm-2chan overlay exposes GPIO18/19 as channels 0/1.
// The period is fixed by SetFrequencyHz; SetDutyFraction writes duty_cycle as
// a fraction of it.
type sysfsPWM struct {
	chipPath string // /sys/class/pwm/pwmchipN
	pwmPath  string // /sys/class/pwm/pwmchipN/pwmM
	channel  int

	periodNS uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

// openPWM exports channel on chip. A negative chip picks the first pwmchip
// that exposes at least channel+1 channels.
func openPWM(chip, channel int) (pwmDriver, error) {
	if channel < 0 {
		return nil, fmt.Errorf("board: invalid pwm channel %d", channel)
	}

	var chipPath string
	if chip >= 0 {
		chipPath = filepath.Join(pwmSysfsBase, fmt.Sprintf("pwmchip%d", chip))
		if _, err := os.Stat(chipPath); err != nil {
			return nil, fmt.Errorf("board: pwm chip: %w", err)
		}
	} else {
		p, err := findPWMChip(channel)
		if err != nil {
			return nil, err
		}
		chipPath = p
	}

	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
	}

	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	// Keep the stage off until a period has been programmed.
	if err := d.writeBool("enable", false); err == nil {
		d.enabled = false
	}
	return d, nil
}

func findPWMChip(channel int) (chipPath string, err error) {
	base := pwmSysfsBase
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("board: read %s: %w", base, err)
	}

	// Prefer pwmchip0 if present (common on Pi). The Pi 5 RP1 PWM block
	// usually shows up as pwmchip2.
	preferred := []string{"pwmchip0", "pwmchip1", "pwmchip2"}
	if isRaspberryPi5() {
		preferred = []string{"pwmchip2", "pwmchip0", "pwmchip1"}
	}
	// Note: in sysfs, pwmchipN entries are commonly symlinks, not directories.
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "pwmchip") {
			seen[name] = true
		}
	}
	candidates := make([]string, 0, len(preferred)+len(entries))
	for _, name := range preferred {
		if seen[name] {
			candidates = append(candidates, name)
		}
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "pwmchip") && !contains(candidates, name) {
			candidates = append(candidates, name)
		}
	}

	for _, name := range candidates {
		chip := filepath.Join(base, name)
		n, rerr := readInt(filepath.Join(chip, "npwm"))
		if rerr != nil {
			continue
		}
		if n <= channel {
			continue
		}
		return chip, nil
	}

	return "", fmt.Errorf("board: no sysfs pwmchip with channel %d (is the pwm overlay enabled?)", channel)
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	// Export channel.
	exportPath := filepath.Join(d.chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(d.channel)); err != nil {
		// If already exported by someone else, ignore.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("board: export pwm: %w", err)
	}

	// Wait briefly for sysfs node to appear.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("board: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	// Leave the switching stage off.
	_ = d.SetDutyFraction(0)
	err := d.writeBool("enable", false)
	d.enabled = false
	return err
}

func (d *sysfsPWM) SetFrequencyHz(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("board: invalid pwm frequency %d", hz)
	}
	periodNS := uint64(1_000_000_000 / hz)
	if periodNS == 0 {
		periodNS = 1
	}

	// Disable before changing period/duty (common sysfs requirement).
	_ = d.writeBool("enable", false)
	d.enabled = false

	// duty_cycle may not exceed the period, so drop it before shrinking.
	if err := d.writeUint("duty_cycle", 0); err != nil {
		return err
	}
	if err := d.writeUint("period", periodNS); err != nil {
		return err
	}
	d.periodNS = periodNS

	if err := d.writeBool("enable", true); err != nil {
		return err
	}
	d.enabled = true
	return nil
}

func (d *sysfsPWM) SetDutyFraction(f float64) error {
	if f < 0 || math.IsNaN(f) {
		f = 0
	} else if f > 1 {
		f = 1
	}
	if d.periodNS == 0 {
		return fmt.Errorf("board: pwm period not set")
	}

	duty := uint64(math.Round(float64(d.periodNS) * f))
	if duty > d.periodNS {
		duty = d.periodNS
	}
	if err := d.writeUint("duty_cycle", duty); err != nil {
		return err
	}

	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	p := filepath.Join(d.pwmPath, name)
	return writeSysfs(p, strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	p := filepath.Join(d.pwmPath, name)
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(p, val)
}

func writeSysfs(path string, value string) error {
	// O_WRONLY only: some sysfs attributes reject O_TRUNC. Right after export,
	// udev may still be fixing permissions, so EACCES/ENOENT are retried briefly.
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		if werr != nil {
			lastErr = werr
		} else {
			lastErr = cerr
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		if werr != nil && cerr != nil {
			return errors.Join(werr, cerr)
		}
		if werr != nil {
			return werr
		}
		return cerr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
