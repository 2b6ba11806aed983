package sim

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScript_ParseAndConsume(t *testing.T) {
	yaml := []byte(`
version: 1
events:
  - t: 1s
    ambient_c: 40
  - t: 1s
    supply_voltage: 0
  - t: 3s
    temperature_c: 80
`)
	f, err := ParseScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScriptYAML: %v", err)
	}
	s, err := NewScript(f)
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}

	if _, ok := s.At(500 * time.Millisecond); ok {
		t.Fatalf("nothing should be due at 500ms")
	}
	ev, ok := s.At(2 * time.Second)
	if !ok {
		t.Fatalf("expected events at 2s")
	}
	if ev.AmbientC == nil || *ev.AmbientC != 40 || ev.SupplyVoltage == nil || *ev.SupplyVoltage != 0 {
		t.Fatalf("merged event=%+v", ev)
	}
	if _, ok := s.At(2 * time.Second); ok {
		t.Fatalf("events returned twice")
	}
	ev, ok = s.At(time.Hour)
	if !ok || ev.TemperatureC == nil || *ev.TemperatureC != 80 {
		t.Fatalf("ev=%+v ok=%v", ev, ok)
	}
	if !s.Done() {
		t.Fatalf("expected Done")
	}
}

func TestNewScript_Validation(t *testing.T) {
	neg := -1.0
	cases := []ScriptFile{
		{Version: 2},
		{Events: []ScriptEvent{{T: 2 * time.Second}, {T: time.Second}}},
		{Events: []ScriptEvent{{T: -time.Second}}},
		{Events: []ScriptEvent{{SupplyVoltage: &neg}}},
	}
	for i, f := range cases {
		if _, err := NewScript(f); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestLoadScriptFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(p, []byte("events:\n  - t: 250ms\n    ambient_c: 30\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := LoadScriptFile(p)
	if err != nil {
		t.Fatalf("LoadScriptFile: %v", err)
	}
	if len(f.Events) != 1 || f.Events[0].T != 250*time.Millisecond {
		t.Fatalf("events=%+v", f.Events)
	}
	if _, err := LoadScriptFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
