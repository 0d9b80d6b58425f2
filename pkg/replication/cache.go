package replication

import (
	"github.com/astromechza/statesync/pkg/patch"
	"github.com/astromechza/statesync/pkg/protocol"
	"github.com/astromechza/statesync/pkg/store"
)

type cacheEntry struct {
	refs  int
	cur   uint64
	built bool
	patch patch.Patch
	// frame is the encoded PATCH_STATE of patch without finished ids.
	frame []byte
}

// patchCache memoises the patch from a previously sent version to the current one. Entries
// are keyed by the sequence of the previous version and live as long as some session still
// has that version as its last sent state.
type patchCache struct {
	entries map[uint64]*cacheEntry
}

func newPatchCache() *patchCache {
	return &patchCache{entries: map[uint64]*cacheEntry{}}
}

func (c *patchCache) retain(seq uint64) {
	e, ok := c.entries[seq]
	if !ok {
		e = &cacheEntry{}
		c.entries[seq] = e
	}
	e.refs++
}

func (c *patchCache) release(seq uint64) {
	e, ok := c.entries[seq]
	if !ok {
		return
	}
	if e.refs--; e.refs <= 0 {
		delete(c.entries, seq)
	}
}

// get returns the patch from prev to cur, building it on a miss.
func (c *patchCache) get(prev, cur store.Version) (patch.Patch, bool) {
	e, ok := c.entries[prev.Seq]
	if ok && e.built && e.cur == cur.Seq {
		return e.patch, true
	}
	p := patch.Build(prev.Root, cur.Root)
	if ok {
		e.cur, e.built, e.patch, e.frame = cur.Seq, true, p, nil
	}
	return p, false
}

// frame returns the encoded PATCH_STATE from prev to cur for sessions with no finished ids.
// p must be the patch get returned for the same versions. The encoding is shared by every
// session on the same entry.
func (c *patchCache) frame(prev, cur store.Version, p patch.Patch) ([]byte, error) {
	e, ok := c.entries[prev.Seq]
	current := ok && e.built && e.cur == cur.Seq
	if current && e.frame != nil {
		return e.frame, nil
	}
	data, err := protocol.Encode(protocol.PatchState(p, nil))
	if err != nil {
		return nil, err
	}
	if current {
		e.frame = data
	}
	return data, nil
}

func (c *patchCache) len() int {
	return len(c.entries)
}
