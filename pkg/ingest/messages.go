package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chatmirror/pkg/authz"
	"chatmirror/pkg/config"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/mirror"
	"chatmirror/pkg/models"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
)

// TextCommandSink receives the content of mirrored messages whose leaf has
// text-command forwarding enabled.
type TextCommandSink interface {
	HandleTextCommand(ctx context.Context, path string, msg remote.Message) error
}

// LogSink is a TextCommandSink that only logs forwarded commands. Used when
// no external collaborator is configured.
type LogSink struct{}

func (LogSink) HandleTextCommand(_ context.Context, path string, msg remote.Message) error {
	logger.Info("text_command", "path", path, "author", msg.Author.ID, "content", msg.Content)
	return nil
}

// MessageRouter mirrors inbound message events onto the message leaves of
// the channel or user node they belong to, and forwards content to the
// text-command sink when the node opts in.
type MessageRouter struct {
	store  statestore.Store
	cache  *mirror.SuppressionCache
	index  *mirror.PathIndex
	policy *authz.Policy
	remote remote.Accessor
	sink   TextCommandSink
	cfg    config.TextCommandsConfig
}

// NewMessageRouter wires the ingestion router. A nil sink falls back to
// LogSink.
func NewMessageRouter(store statestore.Store, cache *mirror.SuppressionCache, index *mirror.PathIndex, policy *authz.Policy, acc remote.Accessor, sink TextCommandSink, cfg config.TextCommandsConfig) *MessageRouter {
	if sink == nil {
		sink = LogSink{}
	}
	return &MessageRouter{
		store:  store,
		cache:  cache,
		index:  index,
		policy: policy,
		remote: acc,
		sink:   sink,
		cfg:    cfg,
	}
}

// HandleEvent is the dispatcher handler for message-create events.
func (r *MessageRouter) HandleEvent(ctx context.Context, payload []byte) error {
	var msg remote.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	return r.Route(ctx, msg)
}

// Route mirrors one message. Messages for channels or users not present in
// the mirrored tree are skipped; the next reconciliation pass creates the
// node and later messages land.
func (r *MessageRouter) Route(ctx context.Context, msg remote.Message) error {
	prefix, ok := r.resolvePrefix(msg)
	if !ok {
		logger.Debug("message_unmapped", "channel", msg.ChannelID, "author", msg.Author.ID)
		return nil
	}

	authorized := r.authorized(ctx, msg)
	if !authorized && !r.cfg.ProcessUnauthorized {
		logger.Debug("message_dropped_unauthorized", "author", msg.Author.ID)
		return nil
	}

	if err := r.mirrorLeaves(prefix, msg); err != nil {
		return err
	}

	if authorized && r.cfg.Enabled && r.forwardEnabled(prefix) {
		metricForwarded.Inc()
		if err := r.sink.HandleTextCommand(ctx, prefix, msg); err != nil {
			logger.Warn("text_command_forward_failed", "path", prefix, "error", err)
		}
	}
	return nil
}

func (r *MessageRouter) resolvePrefix(msg remote.Message) (string, bool) {
	if msg.ServerID != "" {
		return r.index.ChannelPath(msg.ChannelID)
	}
	return r.index.UserPath(msg.Author.ID)
}

// authorized evaluates the author's text-command grant. Role grants need
// the author's memberships, fetched only when the policy is active.
func (r *MessageRouter) authorized(ctx context.Context, msg remote.Message) bool {
	if !r.policy.Enabled() {
		return true
	}
	pr := authz.Principal{UserID: msg.Author.ID, ServerID: msg.ServerID}
	if msg.ServerID != "" {
		if mem, err := r.remote.FetchMember(ctx, msg.ServerID, msg.Author.ID); err == nil {
			pr.RoleIDs = mem.RoleIDs
		}
	}
	return r.policy.IsAuthorized(pr, authz.RequireTextCommand)
}

// forwardEnabled checks the per-node opt-in attached to the message leaf.
func (r *MessageRouter) forwardEnabled(prefix string) bool {
	cfg, err := r.store.GetNodeConfig(paths.Join(prefix, "message"))
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			logger.Warn("node_config_read_failed", "path", prefix, "error", err)
		}
		return false
	}
	return cfg.ForwardText
}

func (r *MessageRouter) mirrorLeaves(prefix string, msg remote.Message) error {
	writes := []struct {
		leaf string
		val  any
	}{
		{"message", msg.Content},
		{"messageId", msg.ID},
		{"messageAuthor", msg.Author.Tag()},
		{"messageTimestamp", msg.Timestamp.UTC().Format(time.RFC3339)},
	}
	for _, w := range writes {
		if _, err := r.cache.UpsertValue(paths.Join(prefix, w.leaf), w.val); err != nil {
			return err
		}
	}
	raw := models.JSONString(models.NewMessageSnapshot(msg))
	_, err := r.cache.UpsertSnapshot(paths.Join(prefix, "messageJson"), raw)
	return err
}
