package commands

import (
	"context"

	"chatmirror/pkg/authz"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
)

// VoiceHandler maps writes on member action leaves to remote voice-state
// mutations. The returned boolean tells the caller whether to acknowledge
// the triggering write.
type VoiceHandler struct {
	remote remote.Accessor
	policy *authz.Policy
}

// NewVoiceHandler wires the voice action handler.
func NewVoiceHandler(acc remote.Accessor, policy *authz.Policy) *VoiceHandler {
	return &VoiceHandler{remote: acc, policy: policy}
}

// Apply performs one voice action. Disconnect only fires on a truthy value;
// there is no remote operation to undo a disconnect. Mute and deafen set
// the remote flag to the boolean coercion of the value.
func (h *VoiceHandler) Apply(ctx context.Context, act paths.VoiceAction, v statestore.Value) bool {
	if h.policy.Enabled() {
		pr := authz.Principal{UserID: v.Actor, ServerID: act.ServerID}
		if v.Actor != "" {
			if mem, err := h.remote.FetchMember(ctx, act.ServerID, v.Actor); err == nil {
				pr.RoleIDs = mem.RoleIDs
			}
		}
		if !h.policy.IsAuthorized(pr, authz.RequireWrite) {
			logger.Debug("voice_unauthorized", "server", act.ServerID, "member", act.MemberID, "actor", v.Actor)
			return false
		}
	}

	if _, err := h.remote.FetchMember(ctx, act.ServerID, act.MemberID); err != nil {
		logger.Warn("voice_member_resolve_failed", "server", act.ServerID, "member", act.MemberID, "error", err)
		return false
	}

	truthy := Truthy(v.Val)
	var err error
	switch act.Action {
	case paths.ActionDisconnect:
		if !truthy {
			return false
		}
		err = h.remote.Disconnect(ctx, act.ServerID, act.MemberID)
	case paths.ActionServerMute:
		err = h.remote.SetMute(ctx, act.ServerID, act.MemberID, truthy)
	case paths.ActionServerDeafen:
		err = h.remote.SetDeaf(ctx, act.ServerID, act.MemberID, truthy)
	default:
		return false
	}
	if err != nil {
		logger.Warn("voice_action_failed", "server", act.ServerID, "member", act.MemberID, "action", act.Action, "error", err)
		return false
	}
	return true
}
