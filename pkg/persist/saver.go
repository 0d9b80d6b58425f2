package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/astromechza/statesync/pkg/store"
)

// DefaultSaveInterval is the shortest time between two saves.
const DefaultSaveInterval = 3 * time.Second

var (
	mSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_persist_saves_total",
		Help: "State saves, by result.",
	}, []string{"result"})

	mSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statesync_persist_save_duration_seconds",
		Help:    "Time spent saving the state.",
		Buckets: prometheus.DefBuckets,
	})
)

type SaverOption func(*Saver)

func WithInterval(d time.Duration) SaverOption {
	return func(s *Saver) {
		s.interval = d
	}
}

func WithSaverLogger(logger *slog.Logger) SaverOption {
	return func(s *Saver) {
		s.logger = logger
	}
}

// Saver writes the store to a Persister after it changes, at most once per interval.
type Saver struct {
	store     *store.Store
	persister Persister
	interval  time.Duration
	logger    *slog.Logger
	changed   chan struct{}

	mu    sync.Mutex
	saved uint64
}

// NewSaver returns a saver that treats the current version of s as already saved.
func NewSaver(s *store.Store, p Persister, opts ...SaverOption) *Saver {
	sv := &Saver{
		store:     s,
		persister: p,
		interval:  DefaultSaveInterval,
		logger:    slog.Default(),
		changed:   make(chan struct{}, 1),
		saved:     s.State().Seq,
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

// Run saves after every change until ctx is done, then saves one final time.
func (sv *Saver) Run(ctx context.Context) error {
	unsubscribe := sv.store.Subscribe(func(store.Version) {
		select {
		case sv.changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return sv.Flush(context.WithoutCancel(ctx))
		case <-sv.changed:
		}
		if err := sv.Flush(ctx); err != nil {
			sv.logger.Error("failed to back up state", "err", err)
		}
		t := time.NewTimer(sv.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return sv.Flush(context.WithoutCancel(ctx))
		case <-t.C:
		}
	}
}

// Flush saves the current version if it has not been saved yet.
func (sv *Saver) Flush(ctx context.Context) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	current := sv.store.State()
	if current.Seq == sv.saved {
		return nil
	}
	started := time.Now()
	err := sv.persister.Save(ctx, current.Root)
	mSaveDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		mSavesTotal.WithLabelValues("error").Inc()
		return err
	}
	mSavesTotal.WithLabelValues("ok").Inc()
	sv.saved = current.Seq
	sv.logger.Info("backed up", "seq", current.Seq)
	return nil
}
