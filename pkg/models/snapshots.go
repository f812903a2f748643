// Package models defines the composite snapshot shapes written to the
// aggregate json leaves of mirrored entities.
package models

import (
	"encoding/json"
	"sort"
	"time"

	"chatmirror/pkg/remote"
)

// ServerSnapshot aggregates one server's mirrored scalar state.
type ServerSnapshot struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IconURL     string   `json:"iconUrl,omitempty"`
	OwnerID     string   `json:"ownerId,omitempty"`
	MemberCount int      `json:"memberCount"`
	Roles       []string `json:"roles,omitempty"`
}

// NewServerSnapshot projects a remote server onto its snapshot shape.
func NewServerSnapshot(s remote.Server) ServerSnapshot {
	roles := make([]string, 0, len(s.Roles))
	for _, r := range s.Roles {
		roles = append(roles, r.Name)
	}
	sort.Strings(roles)
	return ServerSnapshot{
		ID:          s.ID,
		Name:        s.Name,
		IconURL:     s.IconURL,
		OwnerID:     s.OwnerID,
		MemberCount: s.MemberCount,
		Roles:       roles,
	}
}

// MemberSnapshot aggregates one member's mirrored state.
type MemberSnapshot struct {
	ID          string   `json:"id"`
	Tag         string   `json:"tag"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles,omitempty"`
	JoinedAt    string   `json:"joinedAt,omitempty"`
	Bot         bool     `json:"bot,omitempty"`

	VoiceChannelID    string `json:"voiceChannelId,omitempty"`
	VoiceMuted        bool   `json:"voiceMuted,omitempty"`
	VoiceDeafened     bool   `json:"voiceDeafened,omitempty"`
	VoiceSelfMuted    bool   `json:"voiceSelfMuted,omitempty"`
	VoiceSelfDeafened bool   `json:"voiceSelfDeafened,omitempty"`
}

// NewMemberSnapshot projects a remote member onto its snapshot shape. Role
// names are resolved against the server role list and sorted so the shape
// is stable across passes.
func NewMemberSnapshot(m remote.Member, roles []remote.Role) MemberSnapshot {
	byID := make(map[string]string, len(roles))
	for _, r := range roles {
		byID[r.ID] = r.Name
	}
	names := make([]string, 0, len(m.RoleIDs))
	for _, id := range m.RoleIDs {
		if n, ok := byID[id]; ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	snap := MemberSnapshot{
		ID:          m.User.ID,
		Tag:         m.User.Tag(),
		DisplayName: m.DisplayName(),
		Roles:       names,
		Bot:         m.User.Bot,
	}
	if !m.JoinedAt.IsZero() {
		snap.JoinedAt = m.JoinedAt.UTC().Format(time.RFC3339)
	}
	if v := m.Voice; v != nil {
		snap.VoiceChannelID = v.ChannelID
		snap.VoiceMuted = v.Muted
		snap.VoiceDeafened = v.Deafened
		snap.VoiceSelfMuted = v.SelfMuted
		snap.VoiceSelfDeafened = v.SelfDeafened
	}
	return snap
}

// ChannelSnapshot aggregates one channel's mirrored state.
type ChannelSnapshot struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Topic       string   `json:"topic,omitempty"`
	Type        string   `json:"type"`
	MemberCount int      `json:"memberCount"`
	Members     []string `json:"members,omitempty"`
}

// NewChannelSnapshot projects a remote channel plus the display names of
// the members currently associated with it.
func NewChannelSnapshot(c remote.Channel, memberNames []string) ChannelSnapshot {
	names := append([]string(nil), memberNames...)
	sort.Strings(names)
	return ChannelSnapshot{
		ID:          c.ID,
		Name:        c.Name,
		Topic:       c.Topic,
		Type:        string(c.Type),
		MemberCount: len(names),
		Members:     names,
	}
}

// UserSnapshot aggregates one user's mirrored state, including the presence
// projection shared by every server the user appears in.
type UserSnapshot struct {
	ID        string `json:"id"`
	Tag       string `json:"tag"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
	Status    string `json:"status"`
	Activity  string `json:"activity,omitempty"`
}

// NewUserSnapshot projects a remote user and an optional presence.
func NewUserSnapshot(u remote.User, p *remote.Presence) UserSnapshot {
	snap := UserSnapshot{
		ID:        u.ID,
		Tag:       u.Tag(),
		AvatarURL: u.AvatarURL,
		Bot:       u.Bot,
		Status:    "offline",
	}
	if p != nil {
		if p.Status != "" {
			snap.Status = p.Status
		}
		snap.Activity = ActivityText(p)
	}
	return snap
}

// ActivityText flattens a presence's first activity into display text.
func ActivityText(p *remote.Presence) string {
	if p == nil || len(p.Activities) == 0 {
		return ""
	}
	a := p.Activities[0]
	switch a.Type {
	case "playing":
		return "Playing " + a.Name
	case "listening":
		return "Listening to " + a.Name
	case "watching":
		return "Watching " + a.Name
	case "streaming":
		return "Streaming " + a.Name
	default:
		return a.Name
	}
}

// MessageSnapshot is the shape written to the messageJson leaf when a
// message is mirrored into a channel or user node.
type MessageSnapshot struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Author      string   `json:"author"`
	AuthorID    string   `json:"authorId"`
	Timestamp   string   `json:"timestamp"`
	Attachments []string `json:"attachments,omitempty"`
}

// NewMessageSnapshot projects a remote message onto its snapshot shape.
func NewMessageSnapshot(m remote.Message) MessageSnapshot {
	var atts []string
	for _, a := range m.Attachments {
		atts = append(atts, a.URL)
	}
	return MessageSnapshot{
		ID:          m.ID,
		Content:     m.Content,
		Author:      m.Author.Tag(),
		AuthorID:    m.Author.ID,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339),
		Attachments: atts,
	}
}

// JSONString marshals a snapshot for storage in a json-typed leaf.
func JSONString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
