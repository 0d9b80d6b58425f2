package viz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tabletop"
	"github.com/astromechza/statesync/pkg/tree"
)

func TestHistory_KeepsMostRecent(t *testing.T) {
	h := NewHistory(2)
	root := tree.EmptyObject()
	h.Record(store.Version{Seq: 1, Root: root})
	h.Record(store.Version{Seq: 1, Root: root})
	h.Record(store.Version{Seq: 2, Root: root})
	h.Record(store.Version{Seq: 3, Root: root})

	versions := h.Versions()
	require.Len(t, versions, 2)
	require.Equal(t, uint64(2), versions[0].Seq)
	require.Equal(t, uint64(3), versions[1].Seq)
}

func TestRenderHistoryToSvg(t *testing.T) {
	s := store.New(tabletop.Reducer(), tabletop.InitialState())
	h := NewHistory(10)
	s.Subscribe(h.Record)
	s.Dispatch(tabletop.GlobalSettings.Update(map[string]any{"musicIsGMOnly": true}))
	s.Dispatch(tabletop.GlobalSettings.Update(map[string]any{"musicIsGMOnly": false}))
	require.Len(t, h.Versions(), 2)

	out := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, RenderHistoryToSvg(h.Versions(), tree.Path{"globalSettings"}, out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(raw), "<svg")
	require.Contains(t, string(raw), "musicIsGMOnly")
}

func TestRenderTreeToSvg(t *testing.T) {
	out := filepath.Join(t.TempDir(), "tree.svg")
	require.NoError(t, RenderTreeToSvg(tabletop.InitialState(), tree.Path{"initiativeTracker"}, out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(raw), "<svg")

	require.Error(t, RenderTreeToSvg(tabletop.InitialState(), tree.Path{"missing"}, out))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 3))
	require.Equal(t, "ab...", truncate("abcdef", 2))
	// "é" is two bytes; cutting at 2 would split it.
	require.Equal(t, "a...", truncate("aéb", 2))
	require.Equal(t, "aé...", truncate("aéb", 3))
}
