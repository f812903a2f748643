package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chatmirror/pkg/authz"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
)

var metricDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatmirror_commands_dispatched_total",
	Help: "Outbound command dispatches, by action and outcome.",
}, []string{"action", "outcome"})

// ErrUnauthorized marks a dispatch denied by the authorization policy.
// Callers drop these without acknowledging the triggering write.
var ErrUnauthorized = errors.New("principal not authorized")

// Result reports a successful dispatch. MessageID carries the assigned
// remote message id for actions that create one.
type Result struct {
	Action    string
	MessageID string
}

// Router decodes command leaf writes and issues exactly one remote mutating
// call per successful dispatch. It is invoked only for writes with the
// acknowledgement flag unset.
type Router struct {
	store  statestore.Store
	remote remote.Accessor
	policy *authz.Policy
}

// NewRouter wires the outbound command router.
func NewRouter(store statestore.Store, acc remote.Accessor, policy *authz.Policy) *Router {
	return &Router{store: store, remote: acc, policy: policy}
}

// Handles reports whether path addresses a command leaf this router owns.
func (r *Router) Handles(path string) bool {
	_, action, ok := paths.SplitAction(path)
	return ok && paths.IsCommandAction(action)
}

// Dispatch resolves the target from the path prefix, parses the value per
// the action grammar, and performs the remote call. The target handle is
// re-resolved on every dispatch; stale mirrors fail without side effects.
func (r *Router) Dispatch(ctx context.Context, path string, v statestore.Value) (Result, error) {
	prefix, action, ok := paths.SplitAction(path)
	if !ok || !paths.IsCommandAction(action) {
		return Result{}, fmt.Errorf("not a command leaf: %s", path)
	}
	res, err := r.dispatch(ctx, prefix, action, v)
	metricDispatched.WithLabelValues(action, outcomeLabel(err)).Inc()
	return res, err
}

// outcomeLabel buckets dispatch results for the metric: policy and remote
// authorization failures count together, transient remote failures get
// their own bucket since a retry of the same write may succeed.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized) || remote.IsUnauthorized(err):
		return "unauthorized"
	case remote.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func (r *Router) dispatch(ctx context.Context, prefix, action string, v statestore.Value) (Result, error) {
	target, ok := paths.ParseSendTarget(prefix)
	if !ok {
		return Result{}, fmt.Errorf("no send target in path %s", prefix)
	}
	if !r.authorized(ctx, target, v.Actor) {
		logger.Debug("command_unauthorized", "path", prefix, "action", action, "actor", v.Actor)
		return Result{}, ErrUnauthorized
	}
	rt, err := r.resolveTarget(ctx, target)
	if err != nil {
		return Result{}, err
	}

	raw := asString(v.Val)
	switch action {
	case paths.ActionSend:
		return r.doSend(ctx, rt, raw)
	case paths.ActionSendFile:
		return r.doSendFile(ctx, rt, raw)
	case paths.ActionSendReply:
		return r.doReply(ctx, rt, prefix, raw)
	case paths.ActionSendReaction:
		return r.doReact(ctx, rt, prefix, raw)
	}
	return Result{}, fmt.Errorf("unknown action %q", action)
}

// authorized checks the actor's write grant. Writes without an actor are
// host-initiated and pass when the policy is disabled or when the policy
// grants nothing to check them against.
func (r *Router) authorized(ctx context.Context, target paths.SendTarget, actor string) bool {
	if !r.policy.Enabled() {
		return true
	}
	pr := authz.Principal{UserID: actor, ServerID: target.ServerID}
	if actor != "" && target.ServerID != "" {
		if mem, err := r.remote.FetchMember(ctx, target.ServerID, actor); err == nil {
			pr.RoleIDs = mem.RoleIDs
		}
	}
	return r.policy.IsAuthorized(pr, authz.RequireWrite)
}

// resolveTarget fetches the live remote handle for the mirrored prefix.
func (r *Router) resolveTarget(ctx context.Context, t paths.SendTarget) (remote.Target, error) {
	if t.IsUser() {
		u, err := r.remote.FetchUser(ctx, t.UserID)
		if err != nil {
			return remote.Target{}, fmt.Errorf("resolve user %s: %w", t.UserID, err)
		}
		return remote.Target{UserID: u.ID}, nil
	}
	cid := t.EffectiveChannelID()
	ch, err := r.remote.FetchChannel(ctx, t.ServerID, cid)
	if err != nil {
		return remote.Target{}, fmt.Errorf("resolve channel %s: %w", cid, err)
	}
	if !ch.TextCapable() {
		return remote.Target{}, fmt.Errorf("channel %s is not text capable", cid)
	}
	return remote.Target{ServerID: t.ServerID, ChannelID: ch.ID}, nil
}

func (r *Router) doSend(ctx context.Context, rt remote.Target, raw string) (Result, error) {
	payload, err := ParseSend(raw)
	if err != nil {
		return Result{}, err
	}
	out := remote.Outgoing{Content: payload.Content, Embeds: payload.Embeds}
	for _, ref := range payload.Files {
		f, err := ResolveFile(ref)
		if err != nil {
			return Result{}, err
		}
		out.Files = append(out.Files, f)
	}
	id, err := r.remote.Send(ctx, rt, out)
	if err != nil {
		return Result{}, err
	}
	return Result{Action: paths.ActionSend, MessageID: id}, nil
}

func (r *Router) doSendFile(ctx context.Context, rt remote.Target, raw string) (Result, error) {
	ref, content, _ := SplitPipe(raw)
	if ref == "" {
		return Result{}, errors.New("empty file reference")
	}
	f, err := ResolveFile(ref)
	if err != nil {
		return Result{}, err
	}
	id, err := r.remote.Send(ctx, rt, remote.Outgoing{Content: content, Files: []remote.File{f}})
	if err != nil {
		return Result{}, err
	}
	return Result{Action: paths.ActionSendFile, MessageID: id}, nil
}

func (r *Router) doReply(ctx context.Context, rt remote.Target, prefix, raw string) (Result, error) {
	msgID, content, err := ParseReply(raw, r.lastMessageID(prefix))
	if err != nil {
		return Result{}, err
	}
	id, err := r.remote.Reply(ctx, rt, msgID, remote.Outgoing{Content: content})
	if err != nil {
		return Result{}, err
	}
	return Result{Action: paths.ActionSendReply, MessageID: id}, nil
}

// doReact resolves the target message via the mirrored leaf first and only
// falls back to a remote fetch for explicitly referenced ids.
func (r *Router) doReact(ctx context.Context, rt remote.Target, prefix, raw string) (Result, error) {
	mirrored := r.lastMessageID(prefix)
	msgID, emoji, err := ParseReaction(raw, mirrored)
	if err != nil {
		return Result{}, err
	}
	if msgID != mirrored {
		if _, err := r.remote.FetchMessage(ctx, rt, msgID); err != nil {
			return Result{}, fmt.Errorf("resolve message %s: %w", msgID, err)
		}
	}
	if err := r.remote.React(ctx, rt, msgID, emoji); err != nil {
		return Result{}, err
	}
	return Result{Action: paths.ActionSendReaction, MessageID: msgID}, nil
}

// lastMessageID reads the most recently mirrored message id for a prefix.
func (r *Router) lastMessageID(prefix string) string {
	v, err := r.store.GetValue(paths.Join(prefix, "messageId"))
	if err != nil {
		return ""
	}
	return asString(v.Val)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
