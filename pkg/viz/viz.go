// Package viz renders state trees and version history with graphviz for debugging.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

// History keeps the most recent versions of a store. Record can be passed to
// store.Subscribe directly.
type History struct {
	mu       sync.Mutex
	limit    int
	versions []store.Version
}

func NewHistory(limit int) *History {
	return &History{limit: limit}
}

func (h *History) Record(v store.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.versions); n > 0 && h.versions[n-1].Seq == v.Seq {
		return
	}
	h.versions = append(h.versions, v)
	if h.limit > 0 && len(h.versions) > h.limit {
		h.versions = append(h.versions[:0:0], h.versions[len(h.versions)-h.limit:]...)
	}
}

func (h *History) Versions() []store.Version {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.Version(nil), h.versions...)
}

// RenderHistoryToSvg draws one node per version labelled with the value at nodePath, with
// an edge from each version to the next.
func RenderHistoryToSvg(versions []store.Version, nodePath tree.Path, outputPath string) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	var previous *cgraph.Node
	var edgeCounter int
	for _, v := range versions {
		var raw any
		if value, ok := tree.GetPath(v.Root, nodePath); ok {
			raw = value
		}
		encoded, err := tree.Encode(raw)
		if err != nil {
			return fmt.Errorf("failed to marshal %d: %w", v.Seq, err)
		}

		n, err := graph.CreateNode(strconv.FormatUint(v.Seq, 10))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(fmt.Sprintf("#%d %s", v.Seq, truncate(string(encoded), 120)))

		if previous != nil {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), previous, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
		previous = n
	}
	return render(g, graph, outputPath)
}

// RenderTreeToSvg draws the structure of the subtree at nodePath: objects and lists become
// nodes with edges to their children, primitives become leaves with their JSON value.
func RenderTreeToSvg(root *tree.Object, nodePath tree.Path, outputPath string) error {
	value, ok := tree.GetPath(root, nodePath)
	if !ok {
		return fmt.Errorf("path %v not found", nodePath)
	}

	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	w := &treeWriter{graph: graph}
	if _, err := w.node("$", value); err != nil {
		return err
	}
	return render(g, graph, outputPath)
}

type treeWriter struct {
	graph *cgraph.Graph
	nodes int
	edges int
}

func (w *treeWriter) node(label string, value any) (*cgraph.Node, error) {
	w.nodes++
	n, err := w.graph.CreateNode("n" + strconv.Itoa(w.nodes))
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	var children []string
	childValues := map[string]any{}
	switch v := value.(type) {
	case *tree.Object:
		n.SetLabel(label + " {}")
		children = v.Keys()
		for _, k := range children {
			childValues[k], _ = v.Get(k)
		}
	case *tree.List:
		n.SetLabel(fmt.Sprintf("%s [%d]", label, v.Len()))
		for i, item := range v.Items() {
			k := strconv.Itoa(i)
			children = append(children, k)
			childValues[k] = item
		}
	default:
		encoded, err := tree.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", label, err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(label + " = " + truncate(string(encoded), 60))
		return n, nil
	}

	for _, k := range children {
		child, err := w.node(k, childValues[k])
		if err != nil {
			return nil, err
		}
		w.edges++
		if _, err := w.graph.CreateEdge("e"+strconv.Itoa(w.edges), n, child); err != nil {
			return nil, fmt.Errorf("failed to create edge: %w", err)
		}
	}
	return n, nil
}

func render(g *graphviz.Graphviz, graph *cgraph.Graph, outputPath string) error {
	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "..."
}

func tempPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
}

// RenderToTemp renders the history to a new svg file in the temp dir and returns its path.
func RenderToTemp(versions []store.Version, nodePath tree.Path) (string, error) {
	tf := tempPath()
	if err := RenderHistoryToSvg(versions, nodePath, tf); err != nil {
		return "", err
	}
	return tf, nil
}

// RenderTreeToTemp renders the subtree to a new svg file in the temp dir and returns its path.
func RenderTreeToTemp(root *tree.Object, nodePath tree.Path) (string, error) {
	tf := tempPath()
	if err := RenderTreeToSvg(root, nodePath, tf); err != nil {
		return "", err
	}
	return tf, nil
}
