package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScriptFile is a deterministic schedule of disturbances applied to a Plant
// as simulated time passes.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// Unset fields leave the corresponding value alone.
//
// YAML schema (v1):
//
//	version: 1
//	events:
//	  - t: 30s
//	    ambient_c: 45
//	  - t: 60s
//	    supply_voltage: 0
//	  - t: 90s
//	    temperature_c: 80
//
// Events must use non-decreasing t values.
type ScriptFile struct {
	Version int           `yaml:"version"`
	Events  []ScriptEvent `yaml:"events"`
}

type ScriptEvent struct {
	T             time.Duration `yaml:"t"`
	SupplyVoltage *float64      `yaml:"supply_voltage"`
	AmbientC      *float64      `yaml:"ambient_c"`
	// TemperatureC forces the sensed temperature once; it then relaxes
	// toward ambient again.
	TemperatureC *float64 `yaml:"temperature_c"`
}

// Script is the validated runtime form of a ScriptFile. It is consumed in
// order and is not safe for concurrent use.
type Script struct {
	events []ScriptEvent
	next   int
}

// LoadScriptFile reads and unmarshals a YAML script from path.
func LoadScriptFile(path string) (ScriptFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScriptFile{}, err
	}
	return ParseScriptYAML(b)
}

func ParseScriptYAML(b []byte) (ScriptFile, error) {
	var f ScriptFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return ScriptFile{}, err
	}
	return f, nil
}

func NewScript(f ScriptFile) (*Script, error) {
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported script version %d", f.Version)
	}
	var prev time.Duration
	for i, ev := range f.Events {
		if ev.T < 0 {
			return nil, fmt.Errorf("events[%d].t must be >= 0", i)
		}
		if i > 0 && ev.T < prev {
			return nil, fmt.Errorf("events[%d].t must be >= events[%d].t", i, i-1)
		}
		if ev.SupplyVoltage != nil && *ev.SupplyVoltage < 0 {
			return nil, fmt.Errorf("events[%d].supply_voltage must be >= 0", i)
		}
		prev = ev.T
	}
	return &Script{events: append([]ScriptEvent(nil), f.Events...)}, nil
}

// At returns every event due by elapsed that has not been returned yet,
// merged in order. ok is false when nothing new is due.
func (s *Script) At(elapsed time.Duration) (ev ScriptEvent, ok bool) {
	if s == nil {
		return ScriptEvent{}, false
	}
	for s.next < len(s.events) && s.events[s.next].T <= elapsed {
		e := s.events[s.next]
		s.next++
		ok = true
		ev.T = e.T
		if e.SupplyVoltage != nil {
			ev.SupplyVoltage = e.SupplyVoltage
		}
		if e.AmbientC != nil {
			ev.AmbientC = e.AmbientC
		}
		if e.TemperatureC != nil {
			ev.TemperatureC = e.TemperatureC
		}
	}
	return ev, ok
}

// Done reports whether every event has been consumed.
func (s *Script) Done() bool {
	return s == nil || s.next >= len(s.events)
}
