package mirror

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"chatmirror/pkg/statestore"
)

// SuppressionCache remembers the last definition and value written to every
// path so unchanged data never reaches the store again. Reconciliation
// passes stay idempotent because a second pass over identical remote state
// produces zero writes.
type SuppressionCache struct {
	store statestore.Store

	mu    sync.Mutex
	defs  map[string]statestore.ObjectDef
	vals  map[string]any
	snaps map[string]string
}

// NewSuppressionCache wraps a store with write suppression.
func NewSuppressionCache(store statestore.Store) *SuppressionCache {
	return &SuppressionCache{
		store: store,
		defs:  make(map[string]statestore.ObjectDef),
		vals:  make(map[string]any),
		snaps: make(map[string]string),
	}
}

// UpsertDefinition writes the definition only when it differs from the last
// one written to path. It reports whether a write happened.
func (c *SuppressionCache) UpsertDefinition(path string, def statestore.ObjectDef) (bool, error) {
	c.mu.Lock()
	prev, seen := c.defs[path]
	c.mu.Unlock()
	if seen && reflect.DeepEqual(prev, def) {
		return false, nil
	}
	if err := c.store.SetObject(path, def); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.defs[path] = def
	c.mu.Unlock()
	return true, nil
}

// UpsertValue writes an acknowledged value only when it differs from the
// last one written to path. It reports whether a write happened.
func (c *SuppressionCache) UpsertValue(path string, val any) (bool, error) {
	c.mu.Lock()
	prev, seen := c.vals[path]
	c.mu.Unlock()
	if seen && reflect.DeepEqual(prev, val) {
		return false, nil
	}
	if err := c.store.SetValue(path, statestore.Value{Val: val, Ack: true}); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.vals[path] = val
	c.mu.Unlock()
	return true, nil
}

// UpsertSnapshot writes a composite JSON value only when it differs from the
// last one written to path. Snapshots are compared as decoded JSON, not as
// raw strings, so key ordering differences do not force a write. The snapshot
// memo is independent of the definition memo; composite payloads change on a
// different cadence than structure.
func (c *SuppressionCache) UpsertSnapshot(path, raw string) (bool, error) {
	c.mu.Lock()
	prev, seen := c.snaps[path]
	c.mu.Unlock()
	if seen && jsonEqual(prev, raw) {
		return false, nil
	}
	if err := c.store.SetValue(path, statestore.Value{Val: raw, Ack: true}); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.snaps[path] = raw
	c.mu.Unlock()
	return true, nil
}

func jsonEqual(a, b string) bool {
	if a == b {
		return true
	}
	var av, bv any
	if json.Unmarshal([]byte(a), &av) != nil || json.Unmarshal([]byte(b), &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// Invalidate drops the memo for one path so the next upsert writes through.
func (c *SuppressionCache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.defs, path)
	delete(c.vals, path)
	delete(c.snaps, path)
	c.mu.Unlock()
}

// InvalidateSubtree drops the memos for a path and everything below it.
// Called after DeleteSubtree so recreated entities are fully rewritten.
func (c *SuppressionCache) InvalidateSubtree(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.defs {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			delete(c.defs, p)
		}
	}
	for p := range c.vals {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			delete(c.vals, p)
		}
	}
	for p := range c.snaps {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			delete(c.snaps, p)
		}
	}
}
