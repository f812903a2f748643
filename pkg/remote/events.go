package remote

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies a gateway event type.
type EventKind string

const (
	EventReady            EventKind = "ready"
	EventServerCreate     EventKind = "server_create"
	EventServerUpdate     EventKind = "server_update"
	EventServerDelete     EventKind = "server_delete"
	EventChannelCreate    EventKind = "channel_create"
	EventChannelUpdate    EventKind = "channel_update"
	EventChannelDelete    EventKind = "channel_delete"
	EventRoleUpdate       EventKind = "role_update"
	EventMemberJoin       EventKind = "member_join"
	EventMemberUpdate     EventKind = "member_update"
	EventMemberLeave      EventKind = "member_leave"
	EventMessageCreate    EventKind = "message_create"
	EventPresenceUpdate   EventKind = "presence_update"
	EventVoiceStateUpdate EventKind = "voice_state_update"
)

// Event is one decoded gateway frame: a kind plus its raw payload.
type Event struct {
	Kind    EventKind
	Payload []byte
}

// envelope is the wire shape of a gateway frame.
type envelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

// wire event names to kinds
var eventNames = map[string]EventKind{
	"READY":              EventReady,
	"SERVER_CREATE":      EventServerCreate,
	"SERVER_UPDATE":      EventServerUpdate,
	"SERVER_DELETE":      EventServerDelete,
	"CHANNEL_CREATE":     EventChannelCreate,
	"CHANNEL_UPDATE":     EventChannelUpdate,
	"CHANNEL_DELETE":     EventChannelDelete,
	"ROLE_UPDATE":        EventRoleUpdate,
	"MEMBER_JOIN":        EventMemberJoin,
	"MEMBER_UPDATE":      EventMemberUpdate,
	"MEMBER_LEAVE":       EventMemberLeave,
	"MESSAGE_CREATE":     EventMessageCreate,
	"PRESENCE_UPDATE":    EventPresenceUpdate,
	"VOICE_STATE_UPDATE": EventVoiceStateUpdate,
}

// DecodeEvent parses a raw gateway frame into an Event. Unknown event names
// are returned as an error so the session can count and skip them.
func DecodeEvent(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("malformed gateway frame: %w", err)
	}
	kind, ok := eventNames[env.T]
	if !ok {
		return Event{}, fmt.Errorf("unknown gateway event %q", env.T)
	}
	return Event{Kind: kind, Payload: env.D}, nil
}
