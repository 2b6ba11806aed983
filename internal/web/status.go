package web

import (
	"sync/atomic"
	"time"

	"chargectl/internal/charger"
)

// ChargerSource is satisfied by *charger.Controller.
type ChargerSource interface {
	Snapshot() charger.Snapshot
}

// ConnectionStatus is satisfied by the MQTT publishers.
type ConnectionStatus interface {
	IsConnected() bool
}

type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	charger       atomic.Value // chargerBox
	mqtt          atomic.Value // mqttBox
	profile       atomic.Value // ProfileInfo
}

// atomic.Value needs one concrete type per field.
type chargerBox struct{ src ChargerSource }
type mqttBox struct{ conn ConnectionStatus }

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	return s
}

// SetMode records how the charger is driven ("hardware" or "sim").
func (s *Status) SetMode(mode string) {
	s.mode.Store(mode)
}

func (s *Status) SetCharger(src ChargerSource) {
	if src != nil {
		s.charger.Store(chargerBox{src})
	}
}

// SetProfile records the limits the controller was built with.
func (s *Status) SetProfile(cfg charger.Config) {
	s.profile.Store(ProfileInfo{
		SetpointV:       cfg.Setpoint,
		OverVoltageV:    cfg.OverVoltage,
		UnderVoltageV:   cfg.UnderVoltage,
		OverCurrentA:    cfg.OverCurrent,
		MaxPowerW:       cfg.MaxPower,
		TempMaxC:        cfg.TempMax,
		ChargedCurrentA: cfg.ChargedCurrent,
		TickMS:          cfg.TickInterval.Milliseconds(),
	})
}

func (s *Status) SetMQTT(c ConnectionStatus) {
	if c != nil {
		s.mqtt.Store(mqttBox{c})
	}
}

type StatusSnapshot struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`
	Mode      string `json:"mode"`

	// MQTTConnected is omitted when telemetry is disabled.
	MQTTConnected *bool `json:"mqtt_connected,omitempty"`

	Charger *charger.Snapshot `json:"charger,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "chargectl",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
	}
	if b, ok := s.charger.Load().(chargerBox); ok {
		cs := b.src.Snapshot()
		snap.Charger = &cs
	}
	if b, ok := s.mqtt.Load().(mqttBox); ok {
		connected := b.conn.IsConnected()
		snap.MQTTConnected = &connected
	}
	return snap
}
