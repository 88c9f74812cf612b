// beaglecamd bridges a BeagleCam 3D-printer camera to Home Assistant and a
// local REST API. It polls the device over its JSON command protocol,
// maintains a state snapshot, and publishes changes over MQTT discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tverberg/beaglecamd/internal/config"
	"github.com/tverberg/beaglecamd/internal/core/device"
	"github.com/tverberg/beaglecamd/internal/core/poll"
	"github.com/tverberg/beaglecamd/internal/core/state"
	"github.com/tverberg/beaglecamd/internal/httpapi"
	"github.com/tverberg/beaglecamd/internal/mqtt"
)

// setupRetryDelay is how long to wait before retrying device setup when the
// camera is unreachable at startup.
const setupRetryDelay = 30 * time.Second

func main() {
	cfgPath := flag.String("config", "beaglecamd.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := device.NewClient(cfg.Device.Host, cfg.Device.Username, cfg.Device.Password, cfg.Device.Timeout(), log)

	// Validate credentials up front so a bad password fails loudly rather
	// than as a stream of poll errors.
	if _, err := client.CheckUser(ctx); err != nil {
		var authErr *device.AuthError
		if errors.As(err, &authErr) {
			log.Error("device rejected credentials", "host", cfg.Device.Host, "error", err)
			os.Exit(1)
		}
		log.Warn("credential check failed, continuing", "error", err)
	}

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)

	coord := poll.New(client, store, poll.Options{
		Interval:        cfg.Poll.Interval(),
		OfflineCooldown: cfg.Poll.OfflineCooldown(),
		FetchModelInfo:  cfg.Poll.FetchModelInfo,
		StreamCreds:     cfg.Device.StreamWithAuth,
	}, log)

	// The camera may still be booting when we start; keep retrying setup
	// until it answers or we are told to shut down.
	for {
		if err := coord.Setup(ctx); err == nil {
			break
		} else if ctx.Err() != nil {
			return
		} else {
			log.Warn("device setup failed, retrying", "delay", setupRetryDelay, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(setupRetryDelay):
		}
	}

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
			DeviceURL:   fmt.Sprintf("http://%s", cfg.Device.Host),
		}, client, store, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}
	if err := publisher.Start(ctx); err != nil {
		log.Error("mqtt start failed", "error", err)
		os.Exit(1)
	}

	api := httpapi.NewServer(httpapi.Config{
		Addr:    cfg.HTTP.Addr,
		CORSAll: cfg.HTTP.CORSAll,
	}, client, store, bus, coord, log)

	go func() {
		if err := api.Start(); err != nil {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	go coord.Run(ctx)

	log.Info("beaglecamd started", "host", cfg.Device.Host, "addr", cfg.HTTP.Addr, "mqtt", cfg.MQTT.Enabled)

	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Warn("mqtt shutdown", "error", err)
	}
	log.Info("beaglecamd stopped")
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
