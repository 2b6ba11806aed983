//go:build linux && (arm || arm64)

package board

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBoardModel(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	model := filepath.Join(dir, "model")
	if err := os.WriteFile(empty, []byte("\x00"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(model, []byte("Raspberry Pi 5 Model B Rev 1.0\x00"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	old := modelPaths
	t.Cleanup(func() { modelPaths = old })

	modelPaths = []string{filepath.Join(dir, "missing"), empty, model}
	if got := boardModel(); got != "Raspberry Pi 5 Model B Rev 1.0" {
		t.Fatalf("model=%q", got)
	}
	if !isRaspberryPi5() {
		t.Fatalf("isRaspberryPi5=false want true")
	}

	modelPaths = []string{filepath.Join(dir, "missing")}
	if boardModel() != "" || isRaspberryPi5() {
		t.Fatalf("expected no model")
	}
}
