package statestore

import "errors"

var (
	// ErrNotFound is returned when a node or value does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Store is the hierarchical object/value store consumed by the mirroring
// engine and the outbound command surface. Paths are dot-separated
// (e.g. "servers.1.channels.2.send").
type Store interface {
	// GetObject returns the structural definition at path.
	GetObject(path string) (*ObjectDef, error)
	// SetObject creates or extends the structural definition at path.
	SetObject(path string, def ObjectDef) error
	// DeleteSubtree removes the node at path and everything below it,
	// including leaf values and node configs. It returns the number of
	// object definitions removed.
	DeleteSubtree(path string) (int, error)
	// ListObjects returns all object paths equal to or below prefix. An
	// empty prefix lists the whole tree.
	ListObjects(prefix string) ([]string, error)

	// GetValue returns the leaf value at path.
	GetValue(path string) (*Value, error)
	// SetValue writes a leaf value and notifies value subscribers.
	SetValue(path string, v Value) error

	// GetNodeConfig returns externally attached per-node configuration.
	GetNodeConfig(path string) (*NodeConfig, error)
	// SetNodeConfig attaches per-node configuration and notifies config
	// subscribers.
	SetNodeConfig(path string, c NodeConfig) error

	// SubscribeValues registers a handler for leaf writes. The returned
	// function removes the subscription.
	SubscribeValues(fn ValueHandler) (unsubscribe func())
	// SubscribeNodeConfig registers a handler for node config changes.
	SubscribeNodeConfig(fn NodeConfigHandler) (unsubscribe func())

	Close() error
}
