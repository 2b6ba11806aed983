package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// ProfileInfo is the part of the charge profile worth showing to an operator.
type ProfileInfo struct {
	SetpointV       float64 `json:"setpoint_v"`
	OverVoltageV    float64 `json:"over_voltage_v"`
	UnderVoltageV   float64 `json:"under_voltage_v"`
	OverCurrentA    float64 `json:"over_current_a"`
	MaxPowerW       float64 `json:"max_power_w"`
	TempMaxC        float64 `json:"temp_max_c"`
	ChargedCurrentA float64 `json:"charged_current_a"`
	TickMS          int64   `json:"tick_ms"`
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

type AboutResponse struct {
	Service string       `json:"service"`
	Mode    string       `json:"mode"`
	Build   BuildInfo    `json:"build"`
	Profile *ProfileInfo `json:"profile,omitempty"`
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}

// AboutHandler serves build information and the active charge limits.
func AboutHandler(status *Status) http.Handler {
	build := readBuildInfo()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := AboutResponse{
			Service: "chargectl",
			Mode:    status.mode.Load().(string),
			Build:   build,
		}
		if p, ok := status.profile.Load().(ProfileInfo); ok {
			resp.Profile = &p
		}

		b, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
		_, _ = w.Write([]byte("\n"))
	})
}
