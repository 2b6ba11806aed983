package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"chargectl/internal/board"
	"chargectl/internal/charger"
	"chargectl/internal/config"
	"chargectl/internal/sim"
	"chargectl/internal/telemetry"
	"chargectl/internal/web"
)

var (
	openBoardFn    = func(c board.Config) (hardware, error) { return board.Open(c) }
	newPublisherFn = func(o telemetry.Options) (telemetry.Publisher, error) { return telemetry.NewRealPublisher(o) }
	serveFn        = web.Serve
	logger         = log.Default
)

type hardware interface {
	charger.Hardware
	io.Closer
}

// simHardware adapts the plant to the hardware interface.
type simHardware struct {
	*sim.Plant
}

func (simHardware) Close() error { return nil }

func newHardware(cfg config.Config) (hardware, string, error) {
	if !cfg.Sim.Enable {
		hw, err := openBoardFn(cfg.BoardConfig())
		if err != nil {
			return nil, "", err
		}
		return hw, "hardware", nil
	}

	var script *sim.Script
	if cfg.Sim.Script != "" {
		f, err := sim.LoadScriptFile(cfg.Sim.Script)
		if err != nil {
			return nil, "", fmt.Errorf("sim script: %w", err)
		}
		script, err = sim.NewScript(f)
		if err != nil {
			return nil, "", fmt.Errorf("sim script %s: %w", cfg.Sim.Script, err)
		}
	}
	plant, err := sim.NewPlant(cfg.PlantConfig(), script)
	if err != nil {
		return nil, "", err
	}
	return simHardware{plant}, "sim", nil
}

// run drives one charge cycle. It returns nil once the battery is charged or
// ctx is canceled, and an error wrapping charger.ErrFaulted on a fault.
func run(ctx context.Context, cfg config.Config, logs *web.LogBuffer) error {
	hw, mode, err := newHardware(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("hardware close: %v", err)
		}
	}()

	profile := cfg.ChargeProfile()
	ctl, err := charger.New(profile, hw, charger.WithLogger(logger()))
	if err != nil {
		return err
	}
	log.Printf("mode=%s setpoint=%.2f max_power=%.1f tick=%s", mode, cfg.Charger.Setpoint, cfg.Charger.MaxPower, cfg.Charger.TickInterval)

	// Side services stop when the cycle ends.
	svcCtx, stopSvcs := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopSvcs()
		wg.Wait()
	}()

	status := web.NewStatus()
	status.SetMode(mode)
	status.SetCharger(ctl)
	status.SetProfile(profile)

	// Optional: MQTT telemetry. The charger keeps running without it.
	if cfg.MQTT.Enable {
		pub, err := newPublisherFn(telemetry.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			log.Printf("mqtt init failed: %v", err)
		} else {
			if c, ok := pub.(web.ConnectionStatus); ok {
				status.SetMQTT(c)
			}
			rep := telemetry.NewReporter(ctl, pub, cfg.MQTT.Interval)
			wg.Add(1)
			go func() {
				defer wg.Done()
				rep.Run(svcCtx)
				_ = pub.Close()
			}()
		}
	}

	if cfg.Web.Enable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("web listening on %s", cfg.Web.Listen)
			if err := serveFn(svcCtx, cfg.Web.Listen, status, logs); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}

	err = ctl.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
