package market

import (
	"fmt"
	"sync"
)

// Store persists Params and State per asset. The controller's concrete
// implementation is a host-specific KV/trie store (out of scope, spec.md
// §1); market only depends on this narrow interface.
type Store interface {
	GetParams(asset string) (Params, error)
	GetState(asset string) (*State, error)
	PutState(asset string, state *State) error
}

// Cache is the scoped read-once/write-at-commit snapshot of a market's
// State described in spec.md §4.3: "Cache-with-commit-on-exit". It replaces
// the teacher's implicit load-at-entry/PutMarket-at-exit calls scattered
// through every Engine method with a single object whose Release is the
// sole place that writes state back.
type Cache struct {
	manager *CacheManager
	Asset   string
	Params  Params
	State   *State
	NowMs   uint64
	dirty   bool
	closed  bool
}

// MarkDirty flags the cache's State as mutated, so Release knows to write
// it back. Engine operations call this after mutating c.State.
func (c *Cache) MarkDirty() {
	c.dirty = true
}

// Release commits any dirty State back to the store and unregisters the
// cache, allowing a new cache to be opened on the same asset. It must be
// called exactly once, at every exit path (including error returns), per
// spec.md §4.3.
func (c *Cache) Release() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	c.manager.close(c.Asset)
	if !c.dirty {
		return nil
	}
	return c.manager.store.PutState(c.Asset, c.State)
}

// CacheManager opens and tracks per-asset caches, enforcing the single
// live-cache-per-market rule: attempting to open a second cache on an asset
// that already has one open is a programming error (spec.md §4.3, §5) and
// panics rather than silently corrupting state.
type CacheManager struct {
	store Store
	mu    sync.Mutex
	open  map[string]struct{}
}

// NewCacheManager constructs a CacheManager backed by store.
func NewCacheManager(store Store) *CacheManager {
	return &CacheManager{store: store, open: make(map[string]struct{})}
}

// Open acquires a cache for asset at the given wall-clock time (in
// milliseconds). Panics if a cache for asset is already open and not yet
// released.
func (m *CacheManager) Open(asset string, nowMs uint64) (*Cache, error) {
	m.mu.Lock()
	if _, ok := m.open[asset]; ok {
		m.mu.Unlock()
		panic(fmt.Sprintf("market: reentrant cache open on asset %q", asset))
	}
	m.open[asset] = struct{}{}
	m.mu.Unlock()

	params, err := m.store.GetParams(asset)
	if err != nil {
		m.close(asset)
		return nil, err
	}
	state, err := m.store.GetState(asset)
	if err != nil {
		m.close(asset)
		return nil, err
	}
	if state == nil {
		state = NewState()
	}
	return &Cache{manager: m, Asset: asset, Params: params, State: state, NowMs: nowMs}, nil
}

func (m *CacheManager) close(asset string) {
	m.mu.Lock()
	delete(m.open, asset)
	m.mu.Unlock()
}
