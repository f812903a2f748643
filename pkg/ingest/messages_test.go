package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatmirror/pkg/authz"
	"chatmirror/pkg/config"
	"chatmirror/pkg/mirror"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
)

type captureSink struct {
	paths []string
	msgs  []remote.Message
}

func (c *captureSink) HandleTextCommand(_ context.Context, path string, msg remote.Message) error {
	c.paths = append(c.paths, path)
	c.msgs = append(c.msgs, msg)
	return nil
}

func openTestStore(t *testing.T) *statestore.Pebble {
	t.Helper()
	s, err := statestore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func channelMessage() remote.Message {
	return remote.Message{
		ID:        "501",
		ChannelID: "2",
		ServerID:  "1",
		Author:    remote.User{ID: "10", Username: "alice", Discriminator: "1"},
		Content:   "hello",
		Timestamp: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestRouteMirrorsMessageLeaves(t *testing.T) {
	store := openTestStore(t)
	cache := mirror.NewSuppressionCache(store)
	index := mirror.NewPathIndex()
	index.SetChannel("2", "servers.1.channels.2")
	r := NewMessageRouter(store, cache, index, authz.NewPolicy(config.AuthorizationConfig{}), nil, nil, config.TextCommandsConfig{})

	if err := r.Route(context.Background(), channelMessage()); err != nil {
		t.Fatalf("Route: %v", err)
	}

	checks := map[string]string{
		"servers.1.channels.2.message":          "hello",
		"servers.1.channels.2.messageId":        "501",
		"servers.1.channels.2.messageAuthor":    "alice#1",
		"servers.1.channels.2.messageTimestamp": "2025-06-01T09:30:00Z",
	}
	for path, want := range checks {
		v, err := store.GetValue(path)
		if err != nil {
			t.Fatalf("GetValue %s: %v", path, err)
		}
		if v.Val != want || !v.Ack {
			t.Fatalf("%s: got %+v want %q", path, v, want)
		}
	}
	if _, err := store.GetValue("servers.1.channels.2.messageJson"); err != nil {
		t.Fatalf("messageJson missing: %v", err)
	}
}

func TestRouteSkipsUnmappedChannels(t *testing.T) {
	store := openTestStore(t)
	cache := mirror.NewSuppressionCache(store)
	r := NewMessageRouter(store, cache, mirror.NewPathIndex(), authz.NewPolicy(config.AuthorizationConfig{}), nil, nil, config.TextCommandsConfig{})

	if err := r.Route(context.Background(), channelMessage()); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, err := store.GetValue("servers.1.channels.2.message"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("unmapped message mirrored anyway: %v", err)
	}
}

func TestRouteDirectMessageLandsOnUserNode(t *testing.T) {
	store := openTestStore(t)
	cache := mirror.NewSuppressionCache(store)
	index := mirror.NewPathIndex()
	index.SetUser("10", "users.10")
	r := NewMessageRouter(store, cache, index, authz.NewPolicy(config.AuthorizationConfig{}), nil, nil, config.TextCommandsConfig{})

	msg := channelMessage()
	msg.ServerID = ""
	msg.ChannelID = "dm-55"
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	v, err := store.GetValue("users.10.message")
	if err != nil || v.Val != "hello" {
		t.Fatalf("DM not mirrored on user node: %+v err=%v", v, err)
	}
}

// An unauthorized author's message is dropped entirely unless the config
// keeps mirroring and only withholds forwarding.
func TestRouteUnauthorizedAuthor(t *testing.T) {
	policy := authz.NewPolicy(config.AuthorizationConfig{
		Enabled: true,
		Users:   []config.UserGrant{{ID: "trusted", TextCommand: true}},
	})
	msg := channelMessage()
	msg.ServerID = ""
	msg.ChannelID = "dm-55"

	// drop mode
	store := openTestStore(t)
	cache := mirror.NewSuppressionCache(store)
	index := mirror.NewPathIndex()
	index.SetUser("10", "users.10")
	r := NewMessageRouter(store, cache, index, policy, nil, nil, config.TextCommandsConfig{ProcessUnauthorized: false})
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, err := store.GetValue("users.10.message"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("unauthorized message mirrored in drop mode: %v", err)
	}

	// mirror-only mode
	store2 := openTestStore(t)
	cache2 := mirror.NewSuppressionCache(store2)
	index2 := mirror.NewPathIndex()
	index2.SetUser("10", "users.10")
	sink := &captureSink{}
	r2 := NewMessageRouter(store2, cache2, index2, policy, nil, sink, config.TextCommandsConfig{Enabled: true, ProcessUnauthorized: true})
	if err := store2.SetNodeConfig("users.10.message", statestore.NodeConfig{ForwardText: true}); err != nil {
		t.Fatalf("SetNodeConfig: %v", err)
	}
	if err := r2.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, err := store2.GetValue("users.10.message"); err != nil {
		t.Fatalf("message not mirrored in mirror-only mode: %v", err)
	}
	if len(sink.paths) != 0 {
		t.Fatalf("unauthorized message forwarded: %+v", sink.paths)
	}
}

// Forwarding requires the global toggle plus the per-node opt-in.
func TestRouteForwardsTextCommands(t *testing.T) {
	store := openTestStore(t)
	cache := mirror.NewSuppressionCache(store)
	index := mirror.NewPathIndex()
	index.SetChannel("2", "servers.1.channels.2")
	sink := &captureSink{}
	r := NewMessageRouter(store, cache, index, authz.NewPolicy(config.AuthorizationConfig{}), nil, sink, config.TextCommandsConfig{Enabled: true})

	// no per-node opt-in yet
	if err := r.Route(context.Background(), channelMessage()); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(sink.paths) != 0 {
		t.Fatalf("forwarded without per-node opt-in")
	}

	if err := store.SetNodeConfig("servers.1.channels.2.message", statestore.NodeConfig{ForwardText: true}); err != nil {
		t.Fatalf("SetNodeConfig: %v", err)
	}
	if err := r.Route(context.Background(), channelMessage()); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(sink.paths) != 1 || sink.paths[0] != "servers.1.channels.2" {
		t.Fatalf("forward paths: %+v", sink.paths)
	}
	if sink.msgs[0].Content != "hello" {
		t.Fatalf("forwarded content: %q", sink.msgs[0].Content)
	}
}

func TestHandleEventDecodesPayload(t *testing.T) {
	store := openTestStore(t)
	cache := mirror.NewSuppressionCache(store)
	index := mirror.NewPathIndex()
	index.SetChannel("2", "servers.1.channels.2")
	r := NewMessageRouter(store, cache, index, authz.NewPolicy(config.AuthorizationConfig{}), nil, nil, config.TextCommandsConfig{})

	payload := []byte(`{"id":"501","channel_id":"2","server_id":"1","author":{"id":"10","username":"alice"},"content":"hey","timestamp":"2025-06-01T09:30:00Z"}`)
	if err := r.HandleEvent(context.Background(), payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	v, err := store.GetValue("servers.1.channels.2.message")
	if err != nil || v.Val != "hey" {
		t.Fatalf("decoded message not mirrored: %+v err=%v", v, err)
	}

	if err := r.HandleEvent(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("malformed payload accepted")
	}
}
