package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Willebrew/stratuscode/config"
	"github.com/Willebrew/stratuscode/logging"
	"github.com/Willebrew/stratuscode/observe"
	"github.com/Willebrew/stratuscode/rpc"
	"github.com/Willebrew/stratuscode/session"
)

type serveOptions struct {
	metricsAddr string
}

func runServe(ctx context.Context, opts *rootOptions, so serveOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg, false); err != nil {
		return err
	}
	defer logging.Close()

	addr := so.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	metrics, stopMetrics, err := startMetrics(addr)
	if err != nil {
		return err
	}
	defer stopMetrics()

	log := logging.With("component", "serve")
	log.Info("backend starting", "version", version, "model", cfg.Provider.Model, "provider", cfg.Provider.Type)

	srv := rpc.NewServer(managerFactory(cfg, metrics), version)
	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("backend stopped", "error", err)
	return err
}

// managerFactory builds the session manager for the project the client
// opens. Client model and provider choices are applied by initialize as
// overrides, so the configured values stay the base model.
func managerFactory(cfg *config.Config, metrics *observe.Metrics) rpc.ManagerFactory {
	return func(p rpc.InitializeParams, notify func(string, any)) (*session.Manager, error) {
		dir := p.ProjectDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("resolve project dir: %w", err)
			}
			dir = wd
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("project dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("project dir %q is not a directory", dir)
		}
		return session.NewManager(session.Options{
			Config:     cfg,
			ProjectDir: dir,
			Agent:      p.Agent,
			Metrics:    metrics,
			Notify:     notify,
		}), nil
	}
}

// startMetrics registers the metrics on a private registry and, when addr is
// set, serves them on /metrics.
func startMetrics(addr string) (*observe.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observe.NewMetrics(reg)
	if addr == "" {
		return metrics, func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server stopped", "error", err)
		}
	}()
	logging.Info("metrics listening", "addr", ln.Addr().String())

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
	return metrics, stop, nil
}
