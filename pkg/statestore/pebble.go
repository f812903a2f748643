package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"chatmirror/pkg/logger"
)

// key namespaces inside the pebble keyspace
const (
	objPrefix = "obj:"
	valPrefix = "val:"
	cfgPrefix = "cfg:"
)

// Pebble is a pebble-backed Store. One instance owns one database directory.
type Pebble struct {
	db     *pebble.DB
	dbPath string

	subMu      sync.RWMutex
	subSeq     int
	valueSubs  map[int]ValueHandler
	configSubs map[int]NodeConfigHandler
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Pebble, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Pebble{
		db:         db,
		dbPath:     path,
		valueSubs:  map[int]ValueHandler{},
		configSubs: map[int]NodeConfigHandler{},
	}, nil
}

// Close closes the underlying pebble DB.
func (s *Pebble) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed", "path", s.dbPath)
	return nil
}

// Ready reports whether the store is opened and usable.
func (s *Pebble) Ready() bool { return s != nil && s.db != nil }

func (s *Pebble) GetObject(path string) (*ObjectDef, error) {
	b, err := s.get(objPrefix + path)
	if err != nil {
		return nil, err
	}
	var def ObjectDef
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, fmt.Errorf("invalid object definition at %s: %w", path, err)
	}
	return &def, nil
}

func (s *Pebble) SetObject(path string, def ObjectDef) error {
	if s.db == nil {
		return ErrClosed
	}
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal object definition: %w", err)
	}
	if err := s.db.Set([]byte(objPrefix+path), b, pebble.Sync); err != nil {
		logger.Error("set_object_failed", "path", path, "error", err)
		return err
	}
	objectWrites.Inc()
	logger.Debug("object_set", "path", path, "type", string(def.Type))
	return nil
}

func (s *Pebble) GetValue(path string) (*Value, error) {
	b, err := s.get(valPrefix + path)
	if err != nil {
		return nil, err
	}
	var v Value
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("invalid value at %s: %w", path, err)
	}
	return &v, nil
}

func (s *Pebble) SetValue(path string, v Value) error {
	if s.db == nil {
		return ErrClosed
	}
	if v.TS == 0 {
		v.TS = time.Now().UTC().UnixMilli()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := s.db.Set([]byte(valPrefix+path), b, pebble.Sync); err != nil {
		logger.Error("set_value_failed", "path", path, "error", err)
		return err
	}
	valueWrites.Inc()
	s.notifyValue(path, v)
	return nil
}

func (s *Pebble) GetNodeConfig(path string) (*NodeConfig, error) {
	b, err := s.get(cfgPrefix + path)
	if err != nil {
		return nil, err
	}
	var c NodeConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("invalid node config at %s: %w", path, err)
	}
	return &c, nil
}

func (s *Pebble) SetNodeConfig(path string, c NodeConfig) error {
	if s.db == nil {
		return ErrClosed
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal node config: %w", err)
	}
	if err := s.db.Set([]byte(cfgPrefix+path), b, pebble.Sync); err != nil {
		logger.Error("set_node_config_failed", "path", path, "error", err)
		return err
	}
	s.notifyConfig(path, c)
	return nil
}

// ListObjects returns all object paths equal to or below prefix, honoring
// dot boundaries so "servers.1" does not match "servers.10".
func (s *Pebble) ListObjects(prefix string) ([]string, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	seek := []byte(objPrefix + prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(seek); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), []byte(objPrefix)) {
			break
		}
		p := string(iter.Key()[len(objPrefix):])
		if prefix != "" {
			if !strings.HasPrefix(p, prefix) {
				break
			}
			if p != prefix && !strings.HasPrefix(p, prefix+".") {
				continue
			}
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// DeleteSubtree removes the object at path plus all descendants, and purges
// their values and node configs. Deletion is applied as a single batch.
func (s *Pebble) DeleteSubtree(path string) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	if path == "" {
		return 0, fmt.Errorf("refusing to delete empty subtree path")
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	removed := 0
	for _, ns := range []string{objPrefix, valPrefix, cfgPrefix} {
		seek := []byte(ns + path)
		iter, err := s.db.NewIter(&pebble.IterOptions{})
		if err != nil {
			return 0, err
		}
		for iter.SeekGE(seek); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), []byte(ns)) {
				break
			}
			p := string(iter.Key()[len(ns):])
			if !strings.HasPrefix(p, path) {
				break
			}
			if p != path && !strings.HasPrefix(p, path+".") {
				continue
			}
			k := append([]byte(nil), iter.Key()...)
			if err := batch.Delete(k, nil); err != nil {
				iter.Close()
				return 0, err
			}
			if ns == objPrefix {
				removed++
			}
		}
		if err := iter.Error(); err != nil {
			iter.Close()
			return 0, err
		}
		iter.Close()
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		logger.Error("delete_subtree_failed", "path", path, "error", err)
		return 0, err
	}
	subtreeDeletes.Inc()
	logger.Debug("subtree_deleted", "path", path, "objects", removed)
	return removed, nil
}

func (s *Pebble) SubscribeValues(fn ValueHandler) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subSeq++
	id := s.subSeq
	s.valueSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.valueSubs, id)
	}
}

func (s *Pebble) SubscribeNodeConfig(fn NodeConfigHandler) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subSeq++
	id := s.subSeq
	s.configSubs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.configSubs, id)
	}
}

func (s *Pebble) notifyValue(path string, v Value) {
	s.subMu.RLock()
	subs := make([]ValueHandler, 0, len(s.valueSubs))
	for _, fn := range s.valueSubs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(path, v)
	}
}

func (s *Pebble) notifyConfig(path string, c NodeConfig) {
	s.subMu.RLock()
	subs := make([]NodeConfigHandler, 0, len(s.configSubs))
	for _, fn := range s.configSubs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(path, c)
	}
}

func (s *Pebble) get(key string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}
