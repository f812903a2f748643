package remote

import "context"

// Accessor is the remote-graph boundary: full listings for reconciliation,
// point lookups for command target resolution, and the mutating calls the
// outbound command surface issues. Implementations return *Error values so
// callers can classify failures.
type Accessor interface {
	// Listings used by reconciliation passes.
	Servers(ctx context.Context) ([]Server, error)
	Members(ctx context.Context, serverID string) ([]Member, error)
	Channels(ctx context.Context, serverID string) ([]Channel, error)

	// Point lookups used to resolve live handles at dispatch time.
	FetchChannel(ctx context.Context, serverID, channelID string) (*Channel, error)
	FetchUser(ctx context.Context, userID string) (*User, error)
	FetchMember(ctx context.Context, serverID, userID string) (*Member, error)
	FetchMessage(ctx context.Context, target Target, messageID string) (*Message, error)

	// Mutating message calls. Send and Reply return the assigned remote
	// message id on success.
	Send(ctx context.Context, target Target, out Outgoing) (string, error)
	Reply(ctx context.Context, target Target, messageID string, out Outgoing) (string, error)
	React(ctx context.Context, target Target, messageID, emoji string) error
	EditMessage(ctx context.Context, target Target, messageID, content string) error
	DeleteMessage(ctx context.Context, target Target, messageID string) error

	// Voice-state mutations on a member.
	Disconnect(ctx context.Context, serverID, userID string) error
	SetMute(ctx context.Context, serverID, userID string, mute bool) error
	SetDeaf(ctx context.Context, serverID, userID string, deaf bool) error
}
