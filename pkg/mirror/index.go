package mirror

import (
	"strings"
	"sync"
)

// PathIndex maps remote channel ids to the container path of their mirrored
// node. Gateway messages only carry a channel id; the index recovers where
// in the tree the message leaves live. The engine rebuilds entries on every
// pass, user DM paths are registered on first sight.
type PathIndex struct {
	mu       sync.RWMutex
	channels map[string]string
	users    map[string]string
}

// NewPathIndex returns an empty index.
func NewPathIndex() *PathIndex {
	return &PathIndex{
		channels: make(map[string]string),
		users:    make(map[string]string),
	}
}

// SetChannel records the mirrored path of a channel.
func (i *PathIndex) SetChannel(channelID, path string) {
	i.mu.Lock()
	i.channels[channelID] = path
	i.mu.Unlock()
}

// ChannelPath returns the mirrored path of a channel.
func (i *PathIndex) ChannelPath(channelID string) (string, bool) {
	i.mu.RLock()
	p, ok := i.channels[channelID]
	i.mu.RUnlock()
	return p, ok
}

// DropChannel removes a channel entry after its subtree is swept.
func (i *PathIndex) DropChannel(channelID string) {
	i.mu.Lock()
	delete(i.channels, channelID)
	i.mu.Unlock()
}

// DropUnder removes every entry whose recorded path sits at or below a
// swept subtree root.
func (i *PathIndex) DropUnder(prefix string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, p := range i.channels {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			delete(i.channels, id)
		}
	}
	for id, p := range i.users {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			delete(i.users, id)
		}
	}
}

// SetUser records the mirrored path of a user node.
func (i *PathIndex) SetUser(userID, path string) {
	i.mu.Lock()
	i.users[userID] = path
	i.mu.Unlock()
}

// UserPath returns the mirrored path of a user node.
func (i *PathIndex) UserPath(userID string) (string, bool) {
	i.mu.RLock()
	p, ok := i.users[userID]
	i.mu.RUnlock()
	return p, ok
}
