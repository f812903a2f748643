package statestore

import (
	"io/fs"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	objectWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_store_object_writes_total",
		Help: "Object definition writes performed against the store.",
	})
	valueWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_store_value_writes_total",
		Help: "Leaf value writes performed against the store.",
	})
	subtreeDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmirror_store_subtree_deletes_total",
		Help: "Recursive subtree deletions performed against the store.",
	})
)

// DiskMetrics is a compact view of on-disk store metrics for the admin API.
type DiskMetrics struct {
	SizeBytes uint64
}

// GetDiskMetrics returns best-effort metrics about the pebble DB. It
// computes the on-disk size of the DB directory; a pragmatic proxy that
// avoids depending on pebble internals.
func (s *Pebble) GetDiskMetrics() DiskMetrics {
	var m DiskMetrics
	if s.db == nil || s.dbPath == "" {
		return m
	}
	var total uint64
	_ = filepath.WalkDir(s.dbPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += uint64(fi.Size())
		return nil
	})
	m.SizeBytes = total
	return m
}
