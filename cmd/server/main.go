package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/statesync/pkg/config"
	"github.com/astromechza/statesync/pkg/persist"
	"github.com/astromechza/statesync/pkg/replication"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tabletop"
	"github.com/astromechza/statesync/pkg/tree"
	"github.com/astromechza/statesync/pkg/viz"
	"github.com/astromechza/statesync/pkg/wsconn"
)

var version = "dev"

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg := config.DefaultServer()
	cfg.BindFlags(fs)
	if err := config.Parse(fs, os.Args[1:]); err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening persistence", "dsn", cfg.PersistDSN, "store", cfg.StoreID)
	p, err := persist.Open(ctx, cfg.PersistDSN, cfg.StoreID)
	if err != nil {
		return err
	}
	defer p.Close()

	loaded, err := p.Load(ctx)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return fmt.Errorf("failed to load state: %w", err)
	}
	initial, err := tabletop.Prepare(loaded)
	if err != nil {
		return fmt.Errorf("failed to prepare state: %w", err)
	}

	s := store.New(tabletop.Reducer(), initial,
		store.WithLogger(logger),
		store.WithDevelopment(cfg.Development),
		store.WithValidator(tabletop.Validate),
	)
	history := viz.NewHistory(cfg.HistoryLimit)
	history.Record(s.State())
	s.Subscribe(history.Record)

	manager := replication.NewManager(s,
		replication.WithLogger(logger),
		replication.WithThrottle(cfg.Throttle),
		replication.WithServerVersion(version),
		replication.WithPresence(tabletop.Presence{}),
	)
	saver := persist.NewSaver(s, p, persist.WithInterval(cfg.SaveInterval), persist.WithSaverLogger(logger))

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/state/latest").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		raw, err := tree.Encode(s.Root())
		if err != nil {
			slog.Error("failed to encode state", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.Header().Add("Content-Type", "application/json")
		if _, err := writer.Write(raw); err != nil {
			slog.Error("failed to write out", "err", err)
		}
	})
	r.Methods(http.MethodGet).Path("/state/sync").Handler(replication.NewHandler(manager, wsconn.DefaultSettings()))
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return manager.Run(egCtx)
	})
	eg.Go(func() error {
		return saver.Run(egCtx)
	})
	eg.Go(func() error {
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		exit := make(chan os.Signal, 1)
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
		case <-egCtx.Done():
		}
		cancel()
		manager.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = eg.Wait()

	if cfg.RenderOnClose {
		if svgPath, err := viz.RenderToTemp(history.Versions(), nil); err != nil {
			slog.Error("failed to render", "err", err)
		} else {
			slog.Info("rendered", "path", "file://"+svgPath)
		}
	}
	return err
}
