package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
)

// stubGraph serves a fixed remote graph to the engine. Listings can be made
// to fail per server with a chosen error to exercise the sweep protection.
type stubGraph struct {
	servers     []remote.Server
	members     map[string][]remote.Member
	channels    map[string][]remote.Channel
	failMembers map[string]error
	failServers bool
}

func (g *stubGraph) Servers(context.Context) ([]remote.Server, error) {
	if g.failServers {
		return nil, errors.New("listing unavailable")
	}
	return g.servers, nil
}

func (g *stubGraph) Members(_ context.Context, serverID string) ([]remote.Member, error) {
	if err := g.failMembers[serverID]; err != nil {
		return nil, err
	}
	return g.members[serverID], nil
}

func (g *stubGraph) Channels(_ context.Context, serverID string) ([]remote.Channel, error) {
	return g.channels[serverID], nil
}

func (g *stubGraph) FetchChannel(context.Context, string, string) (*remote.Channel, error) {
	return nil, errors.New("not implemented")
}
func (g *stubGraph) FetchUser(context.Context, string) (*remote.User, error) {
	return nil, errors.New("not implemented")
}
func (g *stubGraph) FetchMember(context.Context, string, string) (*remote.Member, error) {
	return nil, errors.New("not implemented")
}
func (g *stubGraph) FetchMessage(context.Context, remote.Target, string) (*remote.Message, error) {
	return nil, errors.New("not implemented")
}
func (g *stubGraph) Send(context.Context, remote.Target, remote.Outgoing) (string, error) {
	return "", errors.New("not implemented")
}
func (g *stubGraph) Reply(context.Context, remote.Target, string, remote.Outgoing) (string, error) {
	return "", errors.New("not implemented")
}
func (g *stubGraph) React(context.Context, remote.Target, string, string) error {
	return errors.New("not implemented")
}
func (g *stubGraph) EditMessage(context.Context, remote.Target, string, string) error {
	return errors.New("not implemented")
}
func (g *stubGraph) DeleteMessage(context.Context, remote.Target, string) error {
	return errors.New("not implemented")
}
func (g *stubGraph) Disconnect(context.Context, string, string) error {
	return errors.New("not implemented")
}
func (g *stubGraph) SetMute(context.Context, string, string, bool) error {
	return errors.New("not implemented")
}
func (g *stubGraph) SetDeaf(context.Context, string, string, bool) error {
	return errors.New("not implemented")
}

func testGraph() *stubGraph {
	joined := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &stubGraph{
		servers: []remote.Server{
			{ID: "1", Name: "Alpha", Roles: []remote.Role{{ID: "r1", Name: "Mods"}}},
		},
		members: map[string][]remote.Member{
			"1": {
				{
					User:     remote.User{ID: "10", Username: "alice", Discriminator: "1"},
					ServerID: "1", Nick: "Ali", RoleIDs: []string{"r1"}, JoinedAt: joined,
					Voice:    &remote.VoiceState{ChannelID: "3"},
					Presence: &remote.Presence{UserID: "10", Status: "online"},
				},
				{
					User:     remote.User{ID: "11", Username: "robo", Bot: true},
					ServerID: "1", JoinedAt: joined,
				},
			},
		},
		channels: map[string][]remote.Channel{
			"1": {
				{ID: "2", ServerID: "1", Name: "general", Type: remote.ChannelText},
				{ID: "3", ServerID: "1", Name: "Lounge", Type: remote.ChannelVoice},
				{ID: "4", ServerID: "1", ParentID: "2", Name: "thread", Type: remote.ChannelText},
			},
		},
		failMembers: map[string]error{},
	}
}

func newTestEngine(t *testing.T, g *stubGraph) (*Engine, *statestore.Pebble) {
	t.Helper()
	store := openTestStore(t)
	cache := NewSuppressionCache(store)
	index := NewPathIndex()
	return NewEngine(store, cache, g, index, NewProjector(cache, index), 2), store
}

func TestPassBuildsTree(t *testing.T) {
	eng, store := newTestEngine(t, testGraph())
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	srv, err := store.GetObject("servers.1")
	if err != nil || srv.Name != "Alpha" {
		t.Fatalf("server container: %+v err=%v", srv, err)
	}

	tag, err := store.GetValue("servers.1.members.10.tag")
	if err != nil {
		t.Fatalf("member tag: %v", err)
	}
	if tag.Val != "alice#1" || !tag.Ack {
		t.Fatalf("unexpected tag value: %+v", tag)
	}

	// sub-channel nests under its parent and carries the combined name
	child, err := store.GetObject("servers.1.channels.2.channels.4")
	if err != nil || child.Name != "general / thread" {
		t.Fatalf("sub-channel: %+v err=%v", child, err)
	}

	// text channels grow command leaves; they are write-only
	send, err := store.GetObject("servers.1.channels.2.send")
	if err != nil {
		t.Fatalf("send leaf: %v", err)
	}
	if !send.Write || send.Read {
		t.Fatalf("send leaf flags: %+v", send)
	}
	// voice channels do not
	if _, err := store.GetObject("servers.1.channels.3.send"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("voice channel has a send leaf: %v", err)
	}
	// the voice occupant shows on the channel members leaf
	occ, err := store.GetValue("servers.1.channels.3.members")
	if err != nil || occ.Val != "Ali" {
		t.Fatalf("voice occupancy: %+v err=%v", occ, err)
	}

	// the member's user lands in the parallel users subtree with presence
	status, err := store.GetValue("users.10.status")
	if err != nil || status.Val != "online" {
		t.Fatalf("user status: %+v err=%v", status, err)
	}
	// bots are not mirrored as users
	if _, err := store.GetObject("users.11"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("bot mirrored into users subtree: %v", err)
	}

	stats := eng.LastStats()
	if stats.Servers != 1 || stats.Members != 2 || stats.Channels != 3 || stats.Users != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// A second pass over unchanged remote state must produce zero writes.
func TestPassIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t, testGraph())
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	stats := eng.LastStats()
	if stats.Writes != 0 {
		t.Fatalf("second pass wrote %d times", stats.Writes)
	}
	if stats.Swept != 0 {
		t.Fatalf("second pass swept %d subtrees", stats.Swept)
	}
}

func TestSweepRemovesVanishedEntities(t *testing.T) {
	g := testGraph()
	eng, store := newTestEngine(t, g)
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// externally written leaf values on surviving nodes are untouched
	if err := store.SetValue("servers.1.channels.2.message", statestore.Value{Val: "hi", Ack: true}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	// the sub-channel disappears remotely
	g.channels["1"] = g.channels["1"][:2]
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if _, err := store.GetObject("servers.1.channels.2.channels.4"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("vanished sub-channel not swept: %v", err)
	}
	if eng.LastStats().Swept == 0 {
		t.Fatalf("sweep count not recorded")
	}
	if v, err := store.GetValue("servers.1.channels.2.message"); err != nil || v.Val != "hi" {
		t.Fatalf("surviving leaf value lost: %+v err=%v", v, err)
	}
}

// A failed per-server listing must protect the server's whole subtree from
// the sweep instead of deleting it.
func TestListingFailureProtectsSubtree(t *testing.T) {
	g := testGraph()
	eng, store := newTestEngine(t, g)
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	g.failMembers["1"] = errors.New("listing unavailable")
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("degraded pass: %v", err)
	}

	if _, err := store.GetObject("servers.1.members.10"); err != nil {
		t.Fatalf("protected member subtree swept: %v", err)
	}
	stats := eng.LastStats()
	if stats.Errors == 0 {
		t.Fatalf("listing failure not counted")
	}
	if stats.Swept != 0 {
		t.Fatalf("degraded pass swept %d subtrees", stats.Swept)
	}
}

// A not-found listing means the server vanished between the top-level
// listing and the per-server fetch; its subtree is swept, not protected.
func TestVanishedServerListingIsSwept(t *testing.T) {
	g := testGraph()
	eng, store := newTestEngine(t, g)
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	g.failMembers["1"] = &remote.Error{Kind: remote.KindNotFound, Op: "members.list", Err: errors.New("unknown server")}
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	if _, err := store.GetObject("servers.1"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("vanished server not swept: %v", err)
	}
	if eng.LastStats().Errors == 0 {
		t.Fatalf("listing failure not counted")
	}
}

// A failed top-level server listing aborts the pass without sweeping.
func TestServerListingFailureAbortsPass(t *testing.T) {
	g := testGraph()
	eng, store := newTestEngine(t, g)
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	g.failServers = true
	if err := eng.Reconcile(context.Background()); err == nil {
		t.Fatalf("failed listing did not surface")
	}
	if _, err := store.GetObject("servers.1"); err != nil {
		t.Fatalf("tree swept after aborted pass: %v", err)
	}
}

func TestPathIndexTracksChannelsAndUsers(t *testing.T) {
	g := testGraph()
	store := openTestStore(t)
	cache := NewSuppressionCache(store)
	index := NewPathIndex()
	eng := NewEngine(store, cache, g, index, NewProjector(cache, index), 2)
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if p, ok := index.ChannelPath("2"); !ok || p != "servers.1.channels.2" {
		t.Fatalf("channel index: (%q, %v)", p, ok)
	}
	if p, ok := index.ChannelPath("4"); !ok || p != "servers.1.channels.2.channels.4" {
		t.Fatalf("sub-channel index: (%q, %v)", p, ok)
	}
	if _, ok := index.ChannelPath("3"); ok {
		t.Fatalf("voice channel indexed as message target")
	}
	if p, ok := index.UserPath("10"); !ok || p != "users.10" {
		t.Fatalf("user index: (%q, %v)", p, ok)
	}
}

// A channel that stops being text capable keeps its container but loses its
// index entry, so later messages for that id are no longer routed to it.
func TestChannelTypeChangeDropsIndexEntry(t *testing.T) {
	g := testGraph()
	store := openTestStore(t)
	cache := NewSuppressionCache(store)
	index := NewPathIndex()
	eng := NewEngine(store, cache, g, index, NewProjector(cache, index), 2)
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, ok := index.ChannelPath("2"); !ok {
		t.Fatalf("text channel not indexed")
	}

	g.channels["1"][0].Type = remote.ChannelVoice
	if err := eng.Reconcile(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if p, ok := index.ChannelPath("2"); ok {
		t.Fatalf("stale index entry survived type change: %q", p)
	}
	if _, err := store.GetObject("servers.1.channels.2"); err != nil {
		t.Fatalf("channel container lost: %v", err)
	}
}
