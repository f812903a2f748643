package mirror

import (
	"chatmirror/pkg/models"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
)

// Projector writes the normalized status/activity tuple of a presence to a
// user's mirrored leaves. Used during reconciliation passes and directly by
// the live presence-update event handler.
type Projector struct {
	cache *SuppressionCache
	index *PathIndex
}

// NewProjector builds a presence projector over the suppression cache.
func NewProjector(cache *SuppressionCache, index *PathIndex) *Projector {
	return &Projector{cache: cache, index: index}
}

// Upsert writes the presence leaves under a known user path. A nil presence
// projects as offline with no activity.
func (pr *Projector) Upsert(userPath string, p *remote.Presence) error {
	status := "offline"
	if p != nil && p.Status != "" {
		status = p.Status
	}
	if _, err := pr.cache.UpsertValue(paths.Join(userPath, "status"), status); err != nil {
		return err
	}
	_, err := pr.cache.UpsertValue(paths.Join(userPath, "activity"), models.ActivityText(p))
	return err
}

// Apply routes a live presence update to the mirrored user node. Updates for
// users not yet mirrored are ignored; the next reconciliation pass picks
// them up.
func (pr *Projector) Apply(p *remote.Presence) error {
	if p == nil || p.UserID == "" {
		return nil
	}
	userPath, ok := pr.index.UserPath(p.UserID)
	if !ok {
		return nil
	}
	return pr.Upsert(userPath, p)
}
