package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chargectl/internal/charger"
	"chargectl/internal/config"
	"chargectl/internal/web"
)

func main() {
	var configPath string
	var forceSim bool
	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to YAML config")
	flag.BoolVar(&forceSim, "sim", false, "Drive the simulated plant instead of hardware")
	flag.Parse()

	cfg, err := loadConfig(configPath, forceSim)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("chargectl starting")
	err = run(ctx, cfg, logs)
	switch {
	case err == nil:
		log.Printf("chargectl stopping")
	case errors.Is(err, charger.ErrFaulted):
		log.Printf("chargectl stopping: %v", err)
		os.Exit(1)
	default:
		log.Fatalf("chargectl: %v", err)
	}
}

const defaultConfigPath = "./chargectl.yaml"

// loadConfig falls back to defaults when the default path does not exist,
// so `chargectl -sim` works without a file. forceSim is applied before
// validation so the hardware section may be incomplete in sim mode.
func loadConfig(path string, forceSim bool) (config.Config, error) {
	var cfg config.Config
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		log.Printf("config %s not found, using defaults", path)
		cfg = config.Default()
	case err != nil:
		return config.Config{}, err
	default:
		if cfg, err = config.Decode(b); err != nil {
			return config.Config{}, err
		}
	}
	if forceSim {
		cfg.Sim.Enable = true
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
