// Package config holds the configuration of the binaries. Every flag can also be set with
// an environment variable prefixed with STATESYNC, e.g. STATESYNC_ADDR.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v4"
)

const EnvVarPrefix = "STATESYNC"

// Log configures the default logger.
type Log struct {
	Level  string
	Format string
}

func (c Log) Default() Log {
	return Log{Level: "info", Format: "text"}
}

func (c *Log) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Level, "log-level", c.Level, "Log verbosity debug | info | warn | error")
	fs.StringVar(&c.Format, "log-format", c.Format, "Log format text | json")
}

// Logger builds a logger writing to w.
func (c Log) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}
}

// Server configures cmd/server. When adding or removing fields, adjust Default and
// BindFlags accordingly.
type Server struct {
	Log

	Addr          string
	PersistDSN    string
	StoreID       string
	SaveInterval  time.Duration
	Throttle      time.Duration
	Development   bool
	HistoryLimit  int
	RenderOnClose bool
}

func DefaultServer() Server {
	return Server{
		Log:          Log{}.Default(),
		Addr:         "localhost:8080",
		PersistDSN:   "sqlite:statesync.sqlite3",
		StoreID:      "default",
		SaveInterval: 3 * time.Second,
		Throttle:     100 * time.Millisecond,
		HistoryLimit: 100,
	}
}

func (c *Server) BindFlags(fs *flag.FlagSet) {
	c.Log.BindFlags(fs)
	fs.StringVar(&c.Addr, "addr", c.Addr, "The address to listen on")
	fs.StringVar(&c.PersistDSN, "persist-dsn", c.PersistDSN, "Where to keep the state: sqlite:<path>, redis://..., postgres://... or memory:")
	fs.StringVar(&c.StoreID, "store-id", c.StoreID, "The id of the persisted store")
	fs.DurationVar(&c.SaveInterval, "save-interval", c.SaveInterval, "Shortest time between two saves")
	fs.DurationVar(&c.Throttle, "broadcast-throttle", c.Throttle, "Time to collect changes before broadcasting them")
	fs.BoolVar(&c.Development, "development", c.Development, "Log reducer diagnostics and validate the state after every dispatch")
	fs.IntVar(&c.HistoryLimit, "history-limit", c.HistoryLimit, "Number of versions kept for rendering")
	fs.BoolVar(&c.RenderOnClose, "render-on-close", c.RenderOnClose, "Render the version history to an svg on shutdown")
}

// Client configures cmd/client.
type Client struct {
	Log

	URL      string
	PlayerID string
	Demo     bool
}

func DefaultClient() Client {
	return Client{
		Log: Log{}.Default(),
		URL: "ws://localhost:8080/state/sync",
	}
}

func (c *Client) BindFlags(fs *flag.FlagSet) {
	c.Log.BindFlags(fs)
	fs.StringVar(&c.URL, "url", c.URL, "The websocket url of the server")
	fs.StringVar(&c.PlayerID, "player-id", c.PlayerID, "Join as this player")
	fs.BoolVar(&c.Demo, "demo", c.Demo, "Periodically edit a demo character")
}

// Debug configures cmd/debug.
type Debug struct {
	Log

	PersistDSN string
	StoreID    string
	Path       string
	SVG        string
}

func DefaultDebug() Debug {
	return Debug{
		Log:        Log{}.Default(),
		PersistDSN: "sqlite:statesync.sqlite3",
		StoreID:    "default",
	}
}

func (c *Debug) BindFlags(fs *flag.FlagSet) {
	c.Log.BindFlags(fs)
	fs.StringVar(&c.PersistDSN, "persist-dsn", c.PersistDSN, "Where the state is kept")
	fs.StringVar(&c.StoreID, "store-id", c.StoreID, "The id of the persisted store")
	fs.StringVar(&c.Path, "path", c.Path, "Slash separated path of the subtree to render")
	fs.StringVar(&c.SVG, "svg", c.SVG, "Write the svg here instead of a temp file")
}

// PathSegments splits Path into tree path segments.
func (c Debug) PathSegments() []string {
	if c.Path == "" {
		return nil
	}
	return strings.Split(strings.Trim(c.Path, "/"), "/")
}

// ErrHelp is returned by Parse when help was requested and usage has been printed.
var ErrHelp = errors.New("help requested")

// Parse parses args and the environment into the flags of fs.
func Parse(fs *flag.FlagSet, args []string) error {
	if err := ff.Parse(fs, slices.Clone(args), ff.WithEnvVarPrefix(EnvVarPrefix)); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()
			return ErrHelp
		}
		return err
	}
	return nil
}
