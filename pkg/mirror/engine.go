// Package mirror implements the reconciliation engine that keeps the local
// hierarchical tree converged with the remote chat graph: full-resync
// mark-and-sweep passes, write suppression, and presence projection.
package mirror

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatmirror/pkg/logger"
	"chatmirror/pkg/models"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
	"chatmirror/pkg/telemetry"
)

// PassStats summarizes the most recent reconciliation pass.
type PassStats struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Servers   int           `json:"servers"`
	Members   int           `json:"members"`
	Channels  int           `json:"channels"`
	Users     int           `json:"users"`
	Writes    int           `json:"writes"`
	Swept     int           `json:"swept"`
	Errors    int           `json:"errors"`
}

// Engine walks the remote graph and converges the mirrored tree: upserts
// through the suppression cache, then sweeps every path not reconfirmed
// during the pass. Passes are idempotent; overlapping triggers coalesce
// into at most one queued follow-up pass.
type Engine struct {
	store     statestore.Store
	cache     *SuppressionCache
	remote    remote.Accessor
	index     *PathIndex
	presences *Projector
	workers   int

	stopped atomic.Bool

	mu      sync.Mutex
	running bool
	pending bool

	statsMu sync.Mutex
	last    PassStats
}

// NewEngine builds a reconciliation engine. workers bounds concurrent
// per-server processing; values below 1 fall back to 4.
func NewEngine(store statestore.Store, cache *SuppressionCache, acc remote.Accessor, index *PathIndex, presences *Projector, workers int) *Engine {
	if workers < 1 {
		workers = 4
	}
	return &Engine{
		store:     store,
		cache:     cache,
		remote:    acc,
		index:     index,
		presences: presences,
		workers:   workers,
	}
}

// Stop short-circuits further reconciliation steps at pass checkpoints.
func (e *Engine) Stop() { e.stopped.Store(true) }

// LastStats returns the stats of the most recently completed pass.
func (e *Engine) LastStats() PassStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.last
}

// Reconcile runs one full pass. Concurrent calls while a pass is running do
// not start a second pass; they queue at most one follow-up pass that runs
// after the current one finishes.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.pending = true
		e.mu.Unlock()
		logger.Debug("reconcile_coalesced")
		return nil
	}
	e.running = true
	e.mu.Unlock()

	var err error
	for {
		err = e.pass(ctx)
		e.mu.Lock()
		if e.pending && !e.halted(ctx) {
			e.pending = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.pending = false
		e.mu.Unlock()
		return err
	}
}

func (e *Engine) halted(ctx context.Context) bool {
	return e.stopped.Load() || ctx.Err() != nil
}

// passState is the transient per-pass bookkeeping: the known-path set for
// the sweep, subtrees protected after a partial fetch failure, the distinct
// users discovered across all members, and counters.
type passState struct {
	mu        sync.Mutex
	known     map[string]struct{}
	protected []string
	users     map[string]userSeen
	stats     PassStats
}

type userSeen struct {
	user     remote.User
	presence *remote.Presence
}

func (st *passState) mark(path string) {
	st.mu.Lock()
	st.known[path] = struct{}{}
	st.mu.Unlock()
}

func (st *passState) isKnown(path string) bool {
	st.mu.Lock()
	_, ok := st.known[path]
	st.mu.Unlock()
	return ok
}

// protect shields a subtree from the sweep after its listing failed; a
// transient remote error must not cascade into a mass deletion.
func (st *passState) protect(prefix string) {
	st.mu.Lock()
	st.protected = append(st.protected, prefix)
	st.mu.Unlock()
}

func (st *passState) isProtected(path string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, pre := range st.protected {
		if path == pre || strings.HasPrefix(path, pre+".") {
			return true
		}
	}
	return false
}

func (st *passState) seeUser(u remote.User, p *remote.Presence) {
	if u.Bot {
		return
	}
	st.mu.Lock()
	prev, ok := st.users[u.ID]
	if !ok || (prev.presence == nil && p != nil) {
		st.users[u.ID] = userSeen{user: u, presence: p}
	}
	st.mu.Unlock()
}

func (st *passState) countErr() {
	st.mu.Lock()
	st.stats.Errors++
	st.mu.Unlock()
}

func (st *passState) countWrite(written bool) {
	if written {
		metricWrites.Inc()
	} else {
		metricSuppressed.Inc()
	}
	st.mu.Lock()
	if written {
		st.stats.Writes++
	}
	st.mu.Unlock()
}

func (e *Engine) pass(ctx context.Context) error {
	start := time.Now()
	finish := telemetry.StartOp("reconcile.pass")
	st := &passState{
		known: make(map[string]struct{}),
		users: make(map[string]userSeen),
	}
	logger.Info("reconcile_start")

	servers, err := e.remote.Servers(ctx)
	if err != nil {
		metricPassFailures.Inc()
		logger.Warn("reconcile_server_list_failed", "error", err)
		finish(err)
		return err
	}
	st.stats.Servers = len(servers)

	// root containers
	e.define(st, paths.ServersRoot, statestore.ObjectDef{Type: statestore.NodeContainer, Name: "Servers"})
	e.define(st, paths.UsersRoot, statestore.ObjectDef{Type: statestore.NodeContainer, Name: "Users"})

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, s := range servers {
		if e.halted(ctx) {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(s remote.Server) {
			defer wg.Done()
			defer func() { <-sem }()
			e.reconcileServer(ctx, s, st)
		}(s)
	}
	wg.Wait()

	if !e.halted(ctx) {
		for _, uid := range sortedUserIDs(st) {
			st.mu.Lock()
			u := st.users[uid]
			st.mu.Unlock()
			e.upsertUser(st, u)
		}
	}

	if !e.halted(ctx) {
		e.sweep(st)
	}

	st.mu.Lock()
	st.stats.StartedAt = start
	st.stats.Duration = time.Since(start)
	stats := st.stats
	st.mu.Unlock()

	e.statsMu.Lock()
	e.last = stats
	e.statsMu.Unlock()
	metricPasses.Inc()
	finish(nil)
	logger.Info("reconcile_done",
		"servers", stats.Servers, "members", stats.Members, "channels", stats.Channels,
		"users", stats.Users, "writes", stats.Writes, "swept", stats.Swept,
		"errors", stats.Errors, "duration", stats.Duration.String())
	return nil
}

func sortedUserIDs(st *passState) []string {
	st.mu.Lock()
	ids := make([]string, 0, len(st.users))
	for id := range st.users {
		ids = append(ids, id)
	}
	st.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (e *Engine) reconcileServer(ctx context.Context, s remote.Server, st *passState) {
	base := paths.Server(s.ID)

	// a not-found listing means the server vanished between the top-level
	// listing and this fetch; the sweep should take its subtree, so only
	// other failures protect it
	members, err := e.remote.Members(ctx, s.ID)
	if err != nil {
		logger.Warn("reconcile_members_failed", "server", s.ID, "error", err)
		if !remote.IsNotFound(err) {
			st.protect(base)
		}
		st.countErr()
		return
	}
	channels, err := e.remote.Channels(ctx, s.ID)
	if err != nil {
		logger.Warn("reconcile_channels_failed", "server", s.ID, "error", err)
		if !remote.IsNotFound(err) {
			st.protect(base)
		}
		st.countErr()
		return
	}

	e.define(st, base, statestore.ObjectDef{
		Type: statestore.NodeContainer, Name: s.Name, Icon: s.IconURL, Role: "server",
	})
	e.define(st, paths.Join(base, "members"), statestore.ObjectDef{Type: statestore.NodeContainer, Name: "Members"})
	e.define(st, paths.Join(base, "channels"), statestore.ObjectDef{Type: statestore.NodeContainer, Name: "Channels"})
	e.snapshotLeaf(st, paths.Join(base, "json"), models.JSONString(models.NewServerSnapshot(s)))

	// voice occupancy per channel, shown on channel member leaves
	occupants := make(map[string][]string)
	for _, m := range members {
		if m.Voice != nil && m.Voice.ChannelID != "" {
			occupants[m.Voice.ChannelID] = append(occupants[m.Voice.ChannelID], m.DisplayName())
		}
	}

	for _, m := range members {
		if e.halted(ctx) {
			return
		}
		e.upsertMember(st, s, m)
	}
	st.mu.Lock()
	st.stats.Members += len(members)
	st.mu.Unlock()

	// wave 1: parentless channels, wave 2: children; a child's path and
	// display name depend on its resolved parent
	chanPath := make(map[string]string, len(channels))
	chanName := make(map[string]string, len(channels))
	for _, c := range channels {
		if c.ParentID != "" {
			continue
		}
		p := paths.Channel(s.ID, c.ID)
		chanPath[c.ID] = p
		chanName[c.ID] = c.Name
		e.upsertChannel(st, c, p, c.Name, occupants[c.ID])
	}
	for _, c := range channels {
		if c.ParentID == "" {
			continue
		}
		parent, ok := chanPath[c.ParentID]
		if !ok {
			logger.Debug("reconcile_orphan_channel", "server", s.ID, "channel", c.ID, "parent", c.ParentID)
			continue
		}
		p := parent + ".channels." + c.ID
		name := chanName[c.ParentID] + " / " + c.Name
		chanPath[c.ID] = p
		chanName[c.ID] = name
		e.upsertChannel(st, c, p, name, occupants[c.ID])
	}
	st.mu.Lock()
	st.stats.Channels += len(channels)
	st.mu.Unlock()
}

func (e *Engine) upsertMember(st *passState, s remote.Server, m remote.Member) {
	p := paths.Member(s.ID, m.User.ID)
	snap := models.NewMemberSnapshot(m, s.Roles)

	e.define(st, p, statestore.ObjectDef{
		Type: statestore.NodeContainer, Name: m.DisplayName(), Icon: m.User.AvatarURL, Role: "member",
	})
	e.scalar(st, paths.Join(p, "tag"), "Tag", statestore.ValueString, m.User.Tag())
	e.scalar(st, paths.Join(p, "displayName"), "Display name", statestore.ValueString, m.DisplayName())
	e.scalar(st, paths.Join(p, "joinedAt"), "Joined at", statestore.ValueString, snap.JoinedAt)
	e.scalar(st, paths.Join(p, "roles"), "Roles", statestore.ValueString, strings.Join(snap.Roles, ", "))
	e.scalar(st, paths.Join(p, "voiceChannelId"), "Voice channel", statestore.ValueString, snap.VoiceChannelID)
	e.scalar(st, paths.Join(p, "voiceMuted"), "Voice muted", statestore.ValueBoolean, snap.VoiceMuted)
	e.scalar(st, paths.Join(p, "voiceDeafened"), "Voice deafened", statestore.ValueBoolean, snap.VoiceDeafened)
	e.snapshotLeaf(st, paths.Join(p, "json"), models.JSONString(snap))

	e.commandLeaf(st, paths.Join(p, paths.ActionDisconnect), "Disconnect", statestore.ValueBoolean)
	e.commandLeaf(st, paths.Join(p, paths.ActionServerMute), "Server mute", statestore.ValueBoolean)
	e.commandLeaf(st, paths.Join(p, paths.ActionServerDeafen), "Server deafen", statestore.ValueBoolean)

	st.seeUser(m.User, m.Presence)
}

func (e *Engine) upsertChannel(st *passState, c remote.Channel, p, displayName string, occupants []string) {
	e.define(st, p, statestore.ObjectDef{
		Type: statestore.NodeContainer, Name: displayName, Role: "channel",
	})
	e.scalar(st, paths.Join(p, "memberCount"), "Member count", statestore.ValueNumber, len(occupants))
	e.scalar(st, paths.Join(p, "members"), "Members", statestore.ValueString, strings.Join(sortedCopy(occupants), ", "))
	e.snapshotLeaf(st, paths.Join(p, "json"), models.JSONString(models.NewChannelSnapshot(c, occupants)))

	if c.TextCapable() {
		e.messageLeaves(st, p)
		e.sendLeaves(st, p)
		e.index.SetChannel(c.ID, p)
	} else {
		// the container survives a text-to-voice type change, so the stale
		// index entry has to go explicitly
		e.index.DropChannel(c.ID)
	}
}

func (e *Engine) upsertUser(st *passState, u userSeen) {
	p := paths.User(u.user.ID)
	e.define(st, p, statestore.ObjectDef{
		Type: statestore.NodeContainer, Name: u.user.Tag(), Icon: u.user.AvatarURL, Role: "user",
	})
	e.scalar(st, paths.Join(p, "avatarUrl"), "Avatar URL", statestore.ValueString, u.user.AvatarURL)
	e.scalar(st, paths.Join(p, "bot"), "Bot", statestore.ValueBoolean, u.user.Bot)
	e.define(st, paths.Join(p, "status"), leafDef("Status", statestore.ValueString))
	e.define(st, paths.Join(p, "activity"), leafDef("Activity", statestore.ValueString))
	if err := e.presences.Upsert(p, u.presence); err != nil {
		logger.Warn("reconcile_presence_write_failed", "user", u.user.ID, "error", err)
		st.countErr()
	}
	e.snapshotLeaf(st, paths.Join(p, "json"), models.JSONString(models.NewUserSnapshot(u.user, u.presence)))

	e.messageLeaves(st, p)
	e.sendLeaves(st, p)
	e.index.SetUser(u.user.ID, p)

	st.mu.Lock()
	st.stats.Users++
	st.mu.Unlock()
}

// messageLeaves defines the read-only leaves mirroring inbound messages.
// Their values are written by the ingestion router, not by passes.
func (e *Engine) messageLeaves(st *passState, prefix string) {
	e.define(st, paths.Join(prefix, "message"), leafDef("Last message", statestore.ValueString))
	e.define(st, paths.Join(prefix, "messageId"), leafDef("Last message id", statestore.ValueString))
	e.define(st, paths.Join(prefix, "messageAuthor"), leafDef("Last message author", statestore.ValueString))
	e.define(st, paths.Join(prefix, "messageTimestamp"), leafDef("Last message timestamp", statestore.ValueString))
	e.define(st, paths.Join(prefix, "messageJson"), leafDef("Last message JSON", statestore.ValueJSON))
}

// sendLeaves defines the write-only command leaves routed outbound.
func (e *Engine) sendLeaves(st *passState, prefix string) {
	e.commandLeaf(st, paths.Join(prefix, paths.ActionSend), "Send", statestore.ValueString)
	e.commandLeaf(st, paths.Join(prefix, paths.ActionSendFile), "Send file", statestore.ValueString)
	e.commandLeaf(st, paths.Join(prefix, paths.ActionSendReply), "Send reply", statestore.ValueString)
	e.commandLeaf(st, paths.Join(prefix, paths.ActionSendReaction), "Send reaction", statestore.ValueString)
}

func leafDef(name string, vt statestore.ValueType) statestore.ObjectDef {
	return statestore.ObjectDef{
		Type: statestore.NodeLeaf, Name: name, ValueType: vt, Read: true,
	}
}

func (e *Engine) define(st *passState, path string, def statestore.ObjectDef) {
	st.mark(path)
	written, err := e.cache.UpsertDefinition(path, def)
	if err != nil {
		logger.Warn("reconcile_define_failed", "path", path, "error", err)
		st.countErr()
		return
	}
	st.countWrite(written)
}

// scalar defines a read-only leaf and writes its value through the cache.
func (e *Engine) scalar(st *passState, path, name string, vt statestore.ValueType, val any) {
	e.define(st, path, leafDef(name, vt))
	written, err := e.cache.UpsertValue(path, normalizeScalar(val))
	if err != nil {
		logger.Warn("reconcile_value_failed", "path", path, "error", err)
		st.countErr()
		return
	}
	st.countWrite(written)
}

// snapshotLeaf defines a json leaf and writes the composite snapshot
// through the snapshot cache.
func (e *Engine) snapshotLeaf(st *passState, path, raw string) {
	e.define(st, path, leafDef("JSON", statestore.ValueJSON))
	written, err := e.cache.UpsertSnapshot(path, raw)
	if err != nil {
		logger.Warn("reconcile_snapshot_failed", "path", path, "error", err)
		st.countErr()
		return
	}
	st.countWrite(written)
}

// commandLeaf defines a write-only leaf; no value is written.
func (e *Engine) commandLeaf(st *passState, path, name string, vt statestore.ValueType) {
	st.mark(path)
	def := statestore.ObjectDef{Type: statestore.NodeLeaf, Name: name, ValueType: vt, Write: true}
	written, err := e.cache.UpsertDefinition(path, def)
	if err != nil {
		logger.Warn("reconcile_define_failed", "path", path, "error", err)
		st.countErr()
		return
	}
	st.countWrite(written)
}

// normalizeScalar keeps cached comparisons stable across the store's JSON
// round-trip, which decodes all numbers as float64.
func normalizeScalar(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return v
	}
}

// sweep deletes every existing path under the mirrored roots that was not
// reconfirmed during this pass. Deletions are recursive subtree removals;
// both caches and the path index are purged for the removed prefix.
func (e *Engine) sweep(st *passState) {
	existing := e.listExisting()
	var lastDeleted string
	for _, p := range existing {
		if lastDeleted != "" && (p == lastDeleted || strings.HasPrefix(p, lastDeleted+".")) {
			continue
		}
		if st.isKnown(p) || st.isProtected(p) {
			continue
		}
		n, err := e.store.DeleteSubtree(p)
		if err != nil {
			logger.Warn("sweep_delete_failed", "path", p, "error", err)
			st.countErr()
			continue
		}
		e.cache.InvalidateSubtree(p)
		e.index.DropUnder(p)
		metricSwept.Inc()
		lastDeleted = p
		st.mu.Lock()
		st.stats.Swept++
		st.mu.Unlock()
		logger.Info("sweep_removed", "path", p, "nodes", n)
	}
}

func (e *Engine) listExisting() []string {
	var all []string
	for _, root := range []string{paths.ServersRoot, paths.UsersRoot} {
		ps, err := e.store.ListObjects(root)
		if err != nil {
			logger.Warn("sweep_list_failed", "root", root, "error", err)
			continue
		}
		all = append(all, ps...)
	}
	sort.Strings(all)
	return all
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}
