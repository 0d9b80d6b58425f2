package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/statesync/pkg/client"
	"github.com/astromechza/statesync/pkg/config"
	"github.com/astromechza/statesync/pkg/optimistic"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tabletop"
	"github.com/astromechza/statesync/pkg/tree"
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
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	cfg := config.DefaultClient()
	cfg.BindFlags(fs)
	if err := config.Parse(fs, os.Args[1:]); err != nil {
		return err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	c := client.New(cfg.URL, tabletop.Reducer(), client.DefaultSettings(),
		client.WithLogger(logger),
		client.WithBroadcastHandler(func(payload json.RawMessage) {
			slog.Info("broadcast received", "message", string(payload))
		}),
	)
	if cfg.PlayerID != "" {
		if err := c.SetPlayerID(cfg.PlayerID); err != nil {
			return err
		}
	}
	c.Layer().Subscribe(func(view *tree.Object) {
		slog.Debug("view changed", "characters", len(store.Entities(view.Object("characters"))), "pending", c.Layer().Pending())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil {
			slog.Error("client stopped", "err", err)
		}
	}()

	if cfg.Demo {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := editRandomlyContinuously(ctx, c); err != nil {
				slog.Error("demo stopped", "err", err)
			}
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	if view := c.Layer().State(); view != nil {
		raw, err := tree.Encode(view)
		if err != nil {
			return fmt.Errorf("failed to encode view: %w", err)
		}
		slog.Info("final view", "state", string(raw))
	}
	return nil
}

// editRandomlyContinuously adds a demo character and keeps renaming it through a debounced
// dispatcher, the way a text field would.
func editRandomlyContinuously(ctx context.Context, c *client.Client) error {
	select {
	case <-c.Ready():
	case <-ctx.Done():
		return nil
	}

	d := c.Layer().NewDispatcher()
	defer func() {
		if err := d.Release(optimistic.FlushPending); err != nil {
			slog.Warn("failed to flush pending edits", "err", err)
		}
	}()

	id := ulid.Make().String()
	if err := d.Dispatch([]store.Action{tabletop.Characters.Add(map[string]any{
		"id":   id,
		"name": "Demo",
	})}, optimistic.Options{OptimisticKey: "add"}); err != nil {
		return err
	}

	t := time.NewTicker(time.Millisecond * 50)
	defer t.Stop()
	name := "Demo"
	for {
		select {
		case <-t.C:
			if len(name) > 24 {
				name = "Demo"
			}
			name += string(rune('a' + rand.Intn(26)))
			if err := d.Dispatch([]store.Action{tabletop.Characters.Update(id, map[string]any{"name": name})},
				optimistic.Options{OptimisticKey: "name", Throttle: 300 * time.Millisecond}); err != nil {
				slog.Warn("failed to dispatch", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
