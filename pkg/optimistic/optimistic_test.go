package optimistic

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/statesync/pkg/patch"
	"github.com/astromechza/statesync/pkg/replica"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tabletop"
	"github.com/astromechza/statesync/pkg/tree"
)

type sent struct {
	actions  []store.Action
	updateID string
	at       time.Time
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeTransport) SendActions(actions []store.Action, updateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{actions: actions, updateID: updateID, at: time.Now()})
	return nil
}

func (f *fakeTransport) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(_ time.Duration, fn func()) Timer {
	t := &fakeTimer{fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every timer callback, stopped or not, the way a timer that raced its Stop
// would.
func (c *fakeClock) fireAll() {
	for _, t := range c.timers {
		t.fn()
	}
}

func newLayer(t *testing.T) (*Layer, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	r := replica.New()
	l := NewLayer(r, tabletop.Reducer(), transport)
	l.ApplySnapshot(tabletop.InitialState(), nil)
	return l, transport
}

func rename(id, name string) store.Action {
	return tabletop.Characters.Update(id, map[string]any{"name": name})
}

func nameOf(t *testing.T, root *tree.Object, id string) string {
	t.Helper()
	name, _ := store.Entity(root.Object("characters"), id).String("name")
	return name
}

func withCharacter(t *testing.T, l *Layer) {
	t.Helper()
	root := stateWithCharacter()
	l.ApplySnapshot(root, nil)
}

func stateWithCharacter() *tree.Object {
	coll, _ := store.AddOne(store.NewCollection(), tree.MustObject(map[string]any{"id": "c1", "name": "Orc"}))
	return tabletop.InitialState().With("characters", coll)
}

func TestDispatcher_ImmediateWithoutKey(t *testing.T) {
	l, transport := newLayer(t)
	d := l.NewDispatcher()

	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "x")}, Options{}))
	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "y")}, Options{Throttle: time.Second}))
	out := transport.all()
	require.Len(t, out, 2)
	require.Empty(t, out[0].updateID)
	require.Equal(t, 0, l.Pending())
}

func TestDispatcher_ImmediateWithKeyPredicts(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	d := l.NewDispatcher()

	var views []*tree.Object
	l.Subscribe(func(v *tree.Object) { views = append(views, v) })

	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "Goblin")}, Options{OptimisticKey: "name"}))
	require.Equal(t, "Goblin", nameOf(t, l.State(), "c1"))
	require.Len(t, views, 1)

	out := transport.all()
	require.Len(t, out, 1)
	require.NotEmpty(t, out[0].updateID)

	// The server echoes the id together with the confirmed state.
	confirmed := l.replica.State().With("characters",
		store.UpdateOne(l.replica.State().Object("characters"), "c1", tree.MustObject(map[string]any{"name": "Goblin"})))
	require.NoError(t, l.ApplyPatch(patch.Build(l.replica.State(), confirmed), []string{out[0].updateID}))
	require.Equal(t, 0, l.Pending())
	require.Equal(t, "Goblin", nameOf(t, l.State(), "c1"))
}

func TestDispatcher_RejectedPredictionDisappears(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	d := l.NewDispatcher()

	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "Goblin")}, Options{OptimisticKey: "name"}))
	id := transport.all()[0].updateID

	require.NoError(t, l.ApplyPatch(patch.Empty(), []string{id}))
	require.Equal(t, "Orc", nameOf(t, l.State(), "c1"))
}

func TestDispatcher_DebounceCoalescesWithFakeClock(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	clock := &fakeClock{}
	d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

	a1 := []store.Action{rename("c1", "G")}
	a2 := []store.Action{rename("c1", "Go")}
	require.NoError(t, d.Dispatch(a1, Options{OptimisticKey: "name", Throttle: 100 * time.Millisecond}))
	require.NoError(t, d.Dispatch(a2, Options{OptimisticKey: "name", Throttle: 100 * time.Millisecond}))

	require.Empty(t, transport.all())
	require.Equal(t, 1, l.Pending())
	require.Equal(t, "Go", nameOf(t, l.State(), "c1"))
	require.True(t, clock.timers[0].stopped)

	clock.fireAll()
	out := transport.all()
	require.Len(t, out, 1)
	require.Equal(t, a2, out[0].actions)
	require.Equal(t, 0, d.Pending())
}

func TestDispatcher_DebounceCoalescesWithRealTimers(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	d := l.NewDispatcher()

	a2 := []store.Action{rename("c1", "Go")}
	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "G")}, Options{OptimisticKey: "k", Throttle: 100 * time.Millisecond}))
	time.Sleep(10 * time.Millisecond)
	secondAt := time.Now()
	require.NoError(t, d.Dispatch(a2, Options{OptimisticKey: "k", Throttle: 100 * time.Millisecond}))

	require.Eventually(t, func() bool { return len(transport.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	out := transport.all()
	require.Len(t, out, 1)
	require.Equal(t, a2, out[0].actions)
	require.GreaterOrEqual(t, out[0].at.Sub(secondAt), 100*time.Millisecond)
}

func TestDispatcher_KeysHaveIndependentTimers(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	clock := &fakeClock{}
	d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "a", Throttle: time.Second}))
	require.NoError(t, d.Dispatch([]store.Action{tabletop.Characters.Update("c1", map[string]any{"hp": 3})}, Options{OptimisticKey: "b", Throttle: time.Second}))
	require.Equal(t, 2, d.Pending())

	clock.timers[1].fn()
	require.Len(t, transport.all(), 1)
	require.Equal(t, 1, d.Pending())
}

func TestDispatcher_FlushIsAtMostOnce(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	clock := &fakeClock{}
	d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "name", Throttle: time.Second}))
	require.NoError(t, d.Flush("name"))
	require.True(t, clock.timers[0].stopped)

	clock.fireAll()
	require.NoError(t, d.Flush("name"))
	require.NoError(t, d.FlushAll())
	require.Len(t, transport.all(), 1)
}

func TestDispatcher_ReleasePolicies(t *testing.T) {
	t.Run("flush", func(t *testing.T) {
		l, transport := newLayer(t)
		withCharacter(t, l)
		clock := &fakeClock{}
		d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

		require.NoError(t, d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "name", Throttle: time.Second}))
		require.NoError(t, d.Release(FlushPending))
		require.Len(t, transport.all(), 1)
		require.Equal(t, 1, l.Pending())
		require.ErrorIs(t, d.Dispatch([]store.Action{rename("c1", "B")}, Options{}), ErrReleased)
	})

	t.Run("drop", func(t *testing.T) {
		l, transport := newLayer(t)
		withCharacter(t, l)
		clock := &fakeClock{}
		d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

		require.NoError(t, d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "name", Throttle: time.Second}))
		require.Equal(t, "A", nameOf(t, l.State(), "c1"))
		require.NoError(t, d.Release(DropPending))
		clock.fireAll()
		require.Empty(t, transport.all())
		require.Equal(t, 0, l.Pending())
		require.Equal(t, "Orc", nameOf(t, l.State(), "c1"))
	})

	t.Run("unknown", func(t *testing.T) {
		l, _ := newLayer(t)
		d := l.NewDispatcher()
		require.Error(t, d.Release(ReleasePolicy(9)))
	})
}

func TestDispatcher_ReleaseFromSubscriberDuringDispatch(t *testing.T) {
	t.Run("drop", func(t *testing.T) {
		l, transport := newLayer(t)
		withCharacter(t, l)
		clock := &fakeClock{}
		d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

		var releaseErr error
		var once sync.Once
		l.Subscribe(func(*tree.Object) {
			once.Do(func() { releaseErr = d.Release(DropPending) })
		})

		err := d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "k", Throttle: 100 * time.Millisecond})
		require.ErrorIs(t, err, ErrReleased)
		require.NoError(t, releaseErr)
		require.Equal(t, 0, d.Pending())

		clock.fireAll()
		require.Empty(t, transport.all())
		require.Equal(t, 0, l.Pending())
		require.Equal(t, "Orc", nameOf(t, l.State(), "c1"))
	})

	t.Run("flush", func(t *testing.T) {
		l, transport := newLayer(t)
		withCharacter(t, l)
		clock := &fakeClock{}
		d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

		var once sync.Once
		l.Subscribe(func(*tree.Object) {
			once.Do(func() { _ = d.Release(FlushPending) })
		})

		require.NoError(t, d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "k", Throttle: 100 * time.Millisecond}))
		require.Equal(t, 0, d.Pending())
		clock.fireAll()
		require.Len(t, transport.all(), 1)
		require.Equal(t, 1, l.Pending())
	})
}

func TestDispatcher_FailedSendForgetsPrediction(t *testing.T) {
	l, transport := newLayer(t)
	withCharacter(t, l)
	transport.err = errors.New("queue full")
	d := l.NewDispatcher()

	require.Error(t, d.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "name"}))
	require.Equal(t, 0, l.Pending())
	require.Equal(t, "Orc", nameOf(t, l.State(), "c1"))
}

func TestDispatcher_KeysAreScopedPerDispatcher(t *testing.T) {
	l, _ := newLayer(t)
	withCharacter(t, l)
	first, second := l.NewDispatcher(), l.NewDispatcher()
	require.NotEqual(t, first.Key(), second.Key())

	require.NoError(t, first.Dispatch([]store.Action{rename("c1", "A")}, Options{OptimisticKey: "name"}))
	require.NoError(t, second.Dispatch([]store.Action{rename("c1", "B")}, Options{OptimisticKey: "name"}))
	require.Equal(t, 2, l.Pending())
	require.Equal(t, "B", nameOf(t, l.State(), "c1"))
}

func TestLayer_DropSent(t *testing.T) {
	l, _ := newLayer(t)
	withCharacter(t, l)
	clock := &fakeClock{}
	d := l.NewDispatcher(WithAfterFunc(clock.afterFunc))

	require.NoError(t, d.Dispatch([]store.Action{rename("c1", "Sent")}, Options{OptimisticKey: "a"}))
	require.NoError(t, d.Dispatch([]store.Action{tabletop.Characters.Update("c1", map[string]any{"hp": 9})}, Options{OptimisticKey: "b", Throttle: time.Second}))
	require.Equal(t, 2, l.Pending())

	l.DropSent()
	require.Equal(t, 1, l.Pending())
	require.Equal(t, "Orc", nameOf(t, l.State(), "c1"))
	hp, _ := store.Entity(l.State().Object("characters"), "c1").Get("hp")
	require.Equal(t, float64(9), hp)
}

func TestLayer_PatchBeforeSnapshot(t *testing.T) {
	l := NewLayer(replica.New(), tabletop.Reducer(), &fakeTransport{})
	require.Nil(t, l.State())
	require.ErrorIs(t, l.ApplyPatch(patch.Empty(), nil), replica.ErrNoSnapshot)
}
