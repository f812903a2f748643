// Package paths defines the dot-separated key grammar that addresses
// mirrored nodes, and the matchers that recover entity ids from a path.
package paths

import (
	"regexp"
	"strings"
)

// Root namespaces of the mirrored tree.
const (
	ServersRoot = "servers"
	UsersRoot   = "users"
)

// Outbound command leaf names.
const (
	ActionSend         = "send"
	ActionSendFile     = "sendFile"
	ActionSendReply    = "sendReply"
	ActionSendReaction = "sendReaction"
)

// Voice action leaf names on member nodes.
const (
	ActionDisconnect   = "disconnect"
	ActionServerMute   = "serverMute"
	ActionServerDeafen = "serverDeafen"
)

var (
	channelPrefixRe = regexp.MustCompile(`^servers\.(\d+)\.channels\.(\d+)(?:\.channels\.(\d+))?$`)
	userPrefixRe    = regexp.MustCompile(`^users\.(\d+)$`)
	memberActionRe  = regexp.MustCompile(`^servers\.(\d+)\.members\.(\d+)\.(disconnect|serverMute|serverDeafen)$`)
	serverIDRe      = regexp.MustCompile(`^servers\.(\d+)(?:\.|$)`)
	userIDRe        = regexp.MustCompile(`^users\.(\d+)(?:\.|$)`)
)

// Server returns the container path for a server.
func Server(serverID string) string { return ServersRoot + "." + serverID }

// Member returns the container path for a member of a server.
func Member(serverID, memberID string) string {
	return Server(serverID) + ".members." + memberID
}

// Channel returns the container path for a channel, nesting sub-channels
// under their parent channel node.
func Channel(serverID string, channelChain ...string) string {
	p := Server(serverID)
	for _, id := range channelChain {
		p += ".channels." + id
	}
	return p
}

// User returns the container path for a user in the parallel users subtree.
func User(userID string) string { return UsersRoot + "." + userID }

// Join appends leaf segments to a container path.
func Join(prefix string, segs ...string) string {
	if len(segs) == 0 {
		return prefix
	}
	return prefix + "." + strings.Join(segs, ".")
}

// SplitAction strips the final path segment and returns (prefix, action).
// ok is false when the path has no separator.
func SplitAction(path string) (prefix, action string, ok bool) {
	i := strings.LastIndex(path, ".")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// SendTarget identifies the remote destination implied by a path prefix:
// either a (server, channel[, sub-channel]) triple or a user.
type SendTarget struct {
	ServerID     string
	ChannelID    string
	SubChannelID string
	UserID       string
}

// IsUser reports whether the target is a direct-message user target.
func (t SendTarget) IsUser() bool { return t.UserID != "" }

// EffectiveChannelID returns the deepest channel id of a channel target.
func (t SendTarget) EffectiveChannelID() string {
	if t.SubChannelID != "" {
		return t.SubChannelID
	}
	return t.ChannelID
}

// ParseSendTarget matches a path prefix against the channel and user
// patterns and recovers the entity ids.
func ParseSendTarget(prefix string) (SendTarget, bool) {
	if m := channelPrefixRe.FindStringSubmatch(prefix); m != nil {
		return SendTarget{ServerID: m[1], ChannelID: m[2], SubChannelID: m[3]}, true
	}
	if m := userPrefixRe.FindStringSubmatch(prefix); m != nil {
		return SendTarget{UserID: m[1]}, true
	}
	return SendTarget{}, false
}

// VoiceAction identifies a member voice-state mutation implied by a path.
type VoiceAction struct {
	ServerID string
	MemberID string
	Action   string
}

// ParseVoiceAction matches a full path against the member action pattern.
func ParseVoiceAction(path string) (VoiceAction, bool) {
	m := memberActionRe.FindStringSubmatch(path)
	if m == nil {
		return VoiceAction{}, false
	}
	return VoiceAction{ServerID: m[1], MemberID: m[2], Action: m[3]}, true
}

// IsCommandAction reports whether the leaf name is one of the write-only
// outbound command leaves.
func IsCommandAction(action string) bool {
	switch action {
	case ActionSend, ActionSendFile, ActionSendReply, ActionSendReaction:
		return true
	}
	return false
}

// ServerIDOf extracts the server id from any path under the servers root.
func ServerIDOf(path string) (string, bool) {
	m := serverIDRe.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// UserIDOf extracts the user id from any path under the users root.
func UserIDOf(path string) (string, bool) {
	m := userIDRe.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}
