package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"chatmirror/pkg/authz"
	"chatmirror/pkg/config"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
)

// fakeRemote records the mutating calls a dispatch issues and serves lookup
// responses from fixed maps.
type fakeRemote struct {
	channels map[string]remote.Channel
	users    map[string]remote.User
	members  map[string]remote.Member

	sends         []remote.Outgoing
	replies       []string
	reacts        []string
	fetchMessages []string
	mutes         []bool
	deafens       []bool
	disconnects   int
}

func (f *fakeRemote) Servers(context.Context) ([]remote.Server, error)         { return nil, nil }
func (f *fakeRemote) Members(context.Context, string) ([]remote.Member, error) { return nil, nil }
func (f *fakeRemote) Channels(context.Context, string) ([]remote.Channel, error) {
	return nil, nil
}

func (f *fakeRemote) FetchChannel(_ context.Context, _, channelID string) (*remote.Channel, error) {
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "channel.fetch"}
	}
	return &ch, nil
}

func (f *fakeRemote) FetchUser(_ context.Context, userID string) (*remote.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "user.fetch"}
	}
	return &u, nil
}

func (f *fakeRemote) FetchMember(_ context.Context, serverID, userID string) (*remote.Member, error) {
	m, ok := f.members[serverID+"/"+userID]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "member.fetch"}
	}
	return &m, nil
}

func (f *fakeRemote) FetchMessage(_ context.Context, _ remote.Target, messageID string) (*remote.Message, error) {
	f.fetchMessages = append(f.fetchMessages, messageID)
	return &remote.Message{ID: messageID}, nil
}

func (f *fakeRemote) Send(_ context.Context, _ remote.Target, out remote.Outgoing) (string, error) {
	f.sends = append(f.sends, out)
	return fmt.Sprintf("msg-%d", len(f.sends)), nil
}

func (f *fakeRemote) Reply(_ context.Context, _ remote.Target, messageID string, out remote.Outgoing) (string, error) {
	f.replies = append(f.replies, messageID+"|"+out.Content)
	return "reply-1", nil
}

func (f *fakeRemote) React(_ context.Context, _ remote.Target, messageID, emoji string) error {
	f.reacts = append(f.reacts, messageID+"|"+emoji)
	return nil
}

func (f *fakeRemote) EditMessage(context.Context, remote.Target, string, string) error { return nil }
func (f *fakeRemote) DeleteMessage(context.Context, remote.Target, string) error       { return nil }

func (f *fakeRemote) Disconnect(context.Context, string, string) error {
	f.disconnects++
	return nil
}

func (f *fakeRemote) SetMute(_ context.Context, _, _ string, mute bool) error {
	f.mutes = append(f.mutes, mute)
	return nil
}

func (f *fakeRemote) SetDeaf(_ context.Context, _, _ string, deaf bool) error {
	f.deafens = append(f.deafens, deaf)
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

func textChannelFake() *fakeRemote {
	return &fakeRemote{
		channels: map[string]remote.Channel{
			"2": {ID: "2", ServerID: "1", Name: "general", Type: remote.ChannelText},
			"3": {ID: "3", ServerID: "1", Name: "lounge", Type: remote.ChannelVoice},
		},
		users: map[string]remote.User{
			"44": {ID: "44", Username: "pat"},
		},
	}
}

func TestDispatchSendToChannel(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	r := NewRouter(store, fake, authz.NewPolicy(config.AuthorizationConfig{}))

	path := "servers.1.channels.2.send"
	if !r.Handles(path) {
		t.Fatalf("router does not handle %s", path)
	}
	res, err := r.Dispatch(context.Background(), path, statestore.Value{Val: "hello"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Action != paths.ActionSend || res.MessageID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(fake.sends) != 1 || fake.sends[0].Content != "hello" {
		t.Fatalf("unexpected sends: %+v", fake.sends)
	}
}

func TestDispatchSendToUserDM(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	r := NewRouter(store, fake, authz.NewPolicy(config.AuthorizationConfig{}))

	if _, err := r.Dispatch(context.Background(), "users.44.send", statestore.Value{Val: "hey"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fake.sends) != 1 {
		t.Fatalf("expected one send, got %d", len(fake.sends))
	}
}

// A malformed options object must fail before any remote call is made.
func TestDispatchMalformedSendNoRemoteCall(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	r := NewRouter(store, fake, authz.NewPolicy(config.AuthorizationConfig{}))

	_, err := r.Dispatch(context.Background(), "servers.1.channels.2.send", statestore.Value{Val: "{content:}"})
	if err == nil {
		t.Fatalf("malformed send accepted")
	}
	if len(fake.sends) != 0 {
		t.Fatalf("remote call issued for malformed payload")
	}
}

func TestDispatchNonTextChannelRejected(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	r := NewRouter(store, fake, authz.NewPolicy(config.AuthorizationConfig{}))

	if _, err := r.Dispatch(context.Background(), "servers.1.channels.3.send", statestore.Value{Val: "hi"}); err == nil {
		t.Fatalf("send to voice channel accepted")
	}
}

func TestDispatchReplyUsesMirroredID(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	r := NewRouter(store, fake, authz.NewPolicy(config.AuthorizationConfig{}))

	prefix := "servers.1.channels.2"
	if err := store.SetValue(prefix+".messageId", statestore.Value{Val: "111", Ack: true}); err != nil {
		t.Fatalf("seed messageId: %v", err)
	}

	if _, err := r.Dispatch(context.Background(), prefix+".sendReply", statestore.Value{Val: "hello"}); err != nil {
		t.Fatalf("fallback reply: %v", err)
	}
	if len(fake.replies) != 1 || fake.replies[0] != "111|hello" {
		t.Fatalf("unexpected replies: %+v", fake.replies)
	}

	if _, err := r.Dispatch(context.Background(), prefix+".sendReply", statestore.Value{Val: "222|hi there"}); err != nil {
		t.Fatalf("explicit reply: %v", err)
	}
	if fake.replies[1] != "222|hi there" {
		t.Fatalf("unexpected explicit reply: %q", fake.replies[1])
	}
}

func TestDispatchReactionSkipsFetchForMirroredID(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	r := NewRouter(store, fake, authz.NewPolicy(config.AuthorizationConfig{}))

	prefix := "servers.1.channels.2"
	if err := store.SetValue(prefix+".messageId", statestore.Value{Val: "111", Ack: true}); err != nil {
		t.Fatalf("seed messageId: %v", err)
	}

	if _, err := r.Dispatch(context.Background(), prefix+".sendReaction", statestore.Value{Val: "👍"}); err != nil {
		t.Fatalf("mirrored reaction: %v", err)
	}
	if len(fake.fetchMessages) != 0 {
		t.Fatalf("fetched the already-mirrored message")
	}

	if _, err := r.Dispatch(context.Background(), prefix+".sendReaction", statestore.Value{Val: "555|🎉"}); err != nil {
		t.Fatalf("explicit reaction: %v", err)
	}
	if len(fake.fetchMessages) != 1 || fake.fetchMessages[0] != "555" {
		t.Fatalf("explicit id not resolved remotely: %+v", fake.fetchMessages)
	}
	if len(fake.reacts) != 2 {
		t.Fatalf("unexpected reacts: %+v", fake.reacts)
	}
}

func TestDispatchUnauthorized(t *testing.T) {
	store := openTestStore(t)
	fake := textChannelFake()
	policy := authz.NewPolicy(config.AuthorizationConfig{
		Enabled: true,
		Users:   []config.UserGrant{{ID: "writer", Write: true}},
	})
	r := NewRouter(store, fake, policy)

	_, err := r.Dispatch(context.Background(), "servers.1.channels.2.send", statestore.Value{Val: "hi", Actor: "stranger"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(fake.sends) != 0 {
		t.Fatalf("remote call issued for unauthorized actor")
	}

	if _, err := r.Dispatch(context.Background(), "servers.1.channels.2.send", statestore.Value{Val: "hi", Actor: "writer"}); err != nil {
		t.Fatalf("granted actor denied: %v", err)
	}
}

func TestVoiceHandlerApply(t *testing.T) {
	fake := textChannelFake()
	fake.members = map[string]remote.Member{
		"1/2": {User: remote.User{ID: "2"}, ServerID: "1"},
	}
	h := NewVoiceHandler(fake, authz.NewPolicy(config.AuthorizationConfig{}))
	ctx := context.Background()

	if !h.Apply(ctx, paths.VoiceAction{ServerID: "1", MemberID: "2", Action: paths.ActionServerMute}, statestore.Value{Val: true}) {
		t.Fatalf("mute not applied")
	}
	if len(fake.mutes) != 1 || !fake.mutes[0] {
		t.Fatalf("unexpected mutes: %+v", fake.mutes)
	}

	// a falsy disconnect is a no-op
	if h.Apply(ctx, paths.VoiceAction{ServerID: "1", MemberID: "2", Action: paths.ActionDisconnect}, statestore.Value{Val: false}) {
		t.Fatalf("falsy disconnect acknowledged")
	}
	if fake.disconnects != 0 {
		t.Fatalf("disconnect issued for falsy value")
	}
	if !h.Apply(ctx, paths.VoiceAction{ServerID: "1", MemberID: "2", Action: paths.ActionDisconnect}, statestore.Value{Val: true}) {
		t.Fatalf("truthy disconnect not applied")
	}

	// unknown member resolves to nothing; no ack
	if h.Apply(ctx, paths.VoiceAction{ServerID: "1", MemberID: "9", Action: paths.ActionServerDeafen}, statestore.Value{Val: true}) {
		t.Fatalf("action on unknown member acknowledged")
	}
}

// Dispatch outcomes bucket policy denials with remote authorization
// failures, and transient remote failures separately from hard errors.
func TestOutcomeLabels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrUnauthorized, "unauthorized"},
		{&remote.Error{Kind: remote.KindUnauthorized, Op: "messages.create", Err: errors.New("status 403")}, "unauthorized"},
		{&remote.Error{Kind: remote.KindTransient, Op: "messages.create", Err: errors.New("status 503")}, "transient"},
		{fmt.Errorf("resolve channel 2: %w", &remote.Error{Kind: remote.KindTransient, Op: "channel.fetch", Err: errors.New("status 500")}), "transient"},
		{errors.New("empty message content"), "error"},
	}
	for _, c := range cases {
		if got := outcomeLabel(c.err); got != c.want {
			t.Fatalf("outcomeLabel(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
