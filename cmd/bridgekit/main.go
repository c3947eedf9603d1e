// Command bridgekit runs the messaging runtime with its HTTP surface.
// Adapter modules are registered by embedders; this binary wires the
// runtime, the webhook endpoint, and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/beeper/bridgekit/pkg/adapter"
	"github.com/beeper/bridgekit/pkg/httpapi"
	"github.com/beeper/bridgekit/pkg/ingest"
	"github.com/beeper/bridgekit/pkg/model"
	"github.com/beeper/bridgekit/pkg/observe"
	"github.com/beeper/bridgekit/pkg/outbound"
	"github.com/beeper/bridgekit/pkg/runtime"
	"github.com/beeper/bridgekit/pkg/store"
	"github.com/beeper/bridgekit/pkg/store/sqlstore"
)

type fileConfig struct {
	Instance string              `yaml:"instance"`
	Listen   string              `yaml:"listen"`
	Database string              `yaml:"database"` // sqlite path; empty = in-memory store
	LogLevel string              `yaml:"log_level"`
	Ingest   ingest.Config       `yaml:"ingest"`
	Gateway  outbound.Config     `yaml:"gateway"`
	Bridges  []model.BridgeConfig `yaml:"bridges"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{Listen: ":8080", Instance: "bridgekit"}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.LogLevel != "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			log = log.Level(level)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backing store.Store
	if cfg.Database != "" {
		sqlStore, err := sqlstore.Open(ctx, cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Database).Msg("sqlite open failed")
		}
		backing = sqlStore
	}

	registry := prometheus.NewRegistry()
	metrics := observe.NewPrometheus()
	metrics.MustRegister(registry)

	adapters := adapter.NewRegistry()
	registerAdapters(adapters)

	inst, err := runtime.New(runtime.Config{
		InstanceName: cfg.Instance,
		Log:          log,
		Store:        backing,
		Adapters:     adapters,
		Observer:     observe.Multi{&observe.Zerolog{Log: log}, metrics},
		Ingest:       cfg.Ingest,
		Gateway:      cfg.Gateway,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("runtime assembly failed")
	}
	if err := inst.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("runtime start failed")
	}

	for idx := range cfg.Bridges {
		if _, err := inst.PutBridgeConfig(&cfg.Bridges[idx]); err != nil {
			log.Error().Err(err).Str("bridge_id", cfg.Bridges[idx].ID).Msg("bridge config rejected")
		}
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: httpapi.New(inst, log, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Handler(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("listen", cfg.Listen).Msg("http server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case name := <-inst.Fatal():
			log.Error().Str("child", name).Msg("root supervisor exhausted")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return inst.Stop(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}
}

// registerAdapters is the embedder hook: link platform adapter modules
// here. The open-source tree ships none; see pkg/adapter for the
// interface.
func registerAdapters(registry *adapter.Registry) {
	_ = registry
}
