// Package authz evaluates per-user and per-role grants against the actions
// a principal attempts through the mirrored tree.
package authz

import (
	"chatmirror/pkg/config"
	"chatmirror/pkg/logger"
)

// Grant is the capability set attached to a user or a server role.
type Grant struct {
	Read        bool
	Write       bool
	TextCommand bool
}

// merge folds another grant in; capabilities accumulate and never revoke.
func (g Grant) merge(o Grant) Grant {
	return Grant{
		Read:        g.Read || o.Read,
		Write:       g.Write || o.Write,
		TextCommand: g.TextCommand || o.TextCommand,
	}
}

func (g Grant) holds(req Requirement) bool {
	switch req {
	case RequireRead:
		return g.Read
	case RequireWrite:
		return g.Write
	case RequireTextCommand:
		return g.TextCommand
	}
	return false
}

func (g Grant) any() bool { return g.Read || g.Write || g.TextCommand }

// Principal identifies who is attempting an action: a user id plus the
// roles they hold on the server the action touches.
type Principal struct {
	UserID   string
	ServerID string
	RoleIDs  []string
}

// Requirement names the capability an action needs.
type Requirement int

const (
	RequireRead Requirement = iota
	RequireWrite
	RequireTextCommand
)

// Policy resolves effective grants from the configured authorization lists.
// When disabled every check passes.
type Policy struct {
	enabled bool
	users   map[string]Grant
	roles   map[roleKey]Grant
}

type roleKey struct {
	serverID string
	roleID   string
}

// NewPolicy compiles the configured grant lists into lookup maps.
func NewPolicy(cfg config.AuthorizationConfig) *Policy {
	p := &Policy{
		enabled: cfg.Enabled,
		users:   make(map[string]Grant, len(cfg.Users)),
		roles:   make(map[roleKey]Grant, len(cfg.Roles)),
	}
	for _, u := range cfg.Users {
		g := Grant{Read: u.Read, Write: u.Write, TextCommand: u.TextCommand}
		p.users[u.ID] = p.users[u.ID].merge(g)
	}
	for _, r := range cfg.Roles {
		k := roleKey{serverID: r.Server, roleID: r.Role}
		g := Grant{Read: r.Read, Write: r.Write, TextCommand: r.TextCommand}
		p.roles[k] = p.roles[k].merge(g)
	}
	return p
}

// Enabled reports whether authorization checks are active.
func (p *Policy) Enabled() bool { return p.enabled }

// Effective returns the merged grant for a principal: the union of the
// user's own grant and every grant of a role the principal holds on the
// action's server.
func (p *Policy) Effective(pr Principal) Grant {
	g := p.users[pr.UserID]
	if pr.ServerID != "" {
		for _, rid := range pr.RoleIDs {
			g = g.merge(p.roles[roleKey{serverID: pr.ServerID, roleID: rid}])
		}
	}
	return g
}

// IsAuthorized reports whether the principal holds every required
// capability. Requirements are evaluated against the merged effective grant,
// so a combination may be satisfied across grant sources. With no
// requirement, holding any grant at all suffices. With authorization
// disabled it always returns true.
func (p *Policy) IsAuthorized(pr Principal, reqs ...Requirement) bool {
	if !p.enabled {
		return true
	}
	g := p.Effective(pr)
	if len(reqs) == 0 && !g.any() {
		logger.Debug("authz_denied", "user", pr.UserID, "server", pr.ServerID, "requirement", "any")
		return false
	}
	for _, req := range reqs {
		if !g.holds(req) {
			logger.Debug("authz_denied", "user", pr.UserID, "server", pr.ServerID, "requirement", int(req))
			return false
		}
	}
	return true
}
