package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/statesync/pkg/config"
	"github.com/astromechza/statesync/pkg/persist"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tabletop"
	"github.com/astromechza/statesync/pkg/tree"
	"github.com/astromechza/statesync/pkg/viz"
)

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
	fs := flag.NewFlagSet("debug", flag.ContinueOnError)
	cfg := config.DefaultDebug()
	cfg.BindFlags(fs)
	if err := config.Parse(fs, os.Args[1:]); err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	p, err := persist.Open(ctx, cfg.PersistDSN, cfg.StoreID)
	if err != nil {
		return err
	}
	defer p.Close()

	root, err := p.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	version, _ := root.Get("version")
	slog.Info("loaded state", "store", cfg.StoreID, "version", version, "keys", root.Keys())

	if err := tabletop.Validate(root); err != nil {
		slog.Warn("state does not validate", "err", err)
	}
	for _, key := range []string{"players", "characters", "logEntries"} {
		slog.Info("collection", "key", key, "count", len(store.Entities(root.Object(key))))
	}

	path := tree.Path(cfg.PathSegments())
	if cfg.SVG == "" {
		svgPath, err := viz.RenderTreeToTemp(root, path)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
		return nil
	}
	if err := viz.RenderTreeToSvg(root, path, cfg.SVG); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "path", cfg.SVG)
	return nil
}
