// Package remote models the remote chat graph: typed entity snapshots, the
// accessor used to fetch and mutate them, and the gateway event stream.
package remote

import "time"

// Server is a top-level community the connected account can see.
type Server struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IconURL     string `json:"icon_url,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	MemberCount int    `json:"member_count"`
	Roles       []Role `json:"roles,omitempty"`
}

// Role is a named permission group inside a server.
type Role struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color int    `json:"color,omitempty"`
}

// ChannelType classifies channels by capability.
type ChannelType string

const (
	ChannelText     ChannelType = "text"
	ChannelVoice    ChannelType = "voice"
	ChannelCategory ChannelType = "category"
	ChannelNews     ChannelType = "news"
)

// Channel is a server channel. ParentID is empty for top-level channels.
type Channel struct {
	ID       string      `json:"id"`
	ServerID string      `json:"server_id"`
	ParentID string      `json:"parent_id,omitempty"`
	Name     string      `json:"name"`
	Topic    string      `json:"topic,omitempty"`
	Type     ChannelType `json:"type"`
	Position int         `json:"position"`
}

// TextCapable reports whether messages can be sent to the channel.
func (c Channel) TextCapable() bool {
	return c.Type == ChannelText || c.Type == ChannelNews
}

// User is a platform account, independent of any server.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	Bot           bool   `json:"bot"`
}

// Tag returns the canonical unique handle for the user.
func (u User) Tag() string {
	if u.Discriminator == "" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// Member is a user's membership in one server, with per-server state.
type Member struct {
	User     User        `json:"user"`
	ServerID string      `json:"server_id"`
	Nick     string      `json:"nick,omitempty"`
	RoleIDs  []string    `json:"role_ids,omitempty"`
	JoinedAt time.Time   `json:"joined_at"`
	Voice    *VoiceState `json:"voice,omitempty"`
	Presence *Presence   `json:"presence,omitempty"`
}

// DisplayName returns the nickname when set, otherwise the account name.
func (m Member) DisplayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.DisplayName != "" {
		return m.User.DisplayName
	}
	return m.User.Username
}

// VoiceState is a member's live voice connection state.
type VoiceState struct {
	ChannelID    string `json:"channel_id,omitempty"`
	Muted        bool   `json:"muted"`
	Deafened     bool   `json:"deafened"`
	SelfMuted    bool   `json:"self_muted"`
	SelfDeafened bool   `json:"self_deafened"`
}

// Presence is a user's live status and activity.
type Presence struct {
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"` // online|idle|dnd|offline
	Activities []Activity `json:"activities,omitempty"`
}

// Activity is one entry of a presence's activity list.
type Activity struct {
	Type string `json:"type"` // playing|listening|watching|streaming|custom
	Name string `json:"name"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an inbound or fetched message snapshot.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	ServerID    string       `json:"server_id,omitempty"`
	Author      User         `json:"author"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReferenceID string       `json:"reference_id,omitempty"`
}

// File is an outbound upload: in-memory data with a display filename.
type File struct {
	Name string
	Data []byte
}

// Outgoing is the payload of an outbound send or reply.
type Outgoing struct {
	Content string
	Files   []File
	Embeds  []map[string]any
}

// Target addresses an outbound call: a server channel or a user DM.
type Target struct {
	ServerID  string
	ChannelID string
	UserID    string
}
