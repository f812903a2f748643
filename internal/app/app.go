// Package app wires the mirror components together and owns the process
// lifecycle: store, reconciliation engine, gateway session, ingest loop,
// outbound command routing and the admin HTTP server.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/adhocore/gronx"

	"chatmirror/internal/retention"
	"chatmirror/pkg/authz"
	"chatmirror/pkg/commands"
	"chatmirror/pkg/config"
	"chatmirror/pkg/ingest"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/mirror"
	"chatmirror/pkg/paths"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/state"
	"chatmirror/pkg/statestore"
	"chatmirror/pkg/telemetry"
)

// App encapsulates the mirror components and lifecycle.
type App struct {
	eff     config.EffectiveConfigResult
	version string

	store     *statestore.Pebble
	cache     *mirror.SuppressionCache
	index     *mirror.PathIndex
	presences *mirror.Projector
	engine    *mirror.Engine
	policy    *authz.Policy
	accessor  remote.Accessor

	queue      *ingest.Queue
	dispatcher *ingest.Dispatcher
	session    *remote.Session
	messages   *ingest.MessageRouter
	commands   *commands.Router
	voice      *commands.VoiceHandler

	unsubscribe     func()
	retentionCancel context.CancelFunc
	srv             *http.Server
}

// New initializes resources that do not require a running context: state
// directories, the store and the component graph. Call Run to connect and
// block until shutdown.
func New(eff config.EffectiveConfigResult, version string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}
	store, err := statestore.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	a := &App{eff: eff, version: version, store: store}

	if tc := cfg.Logging.Telemetry; tc.SampleRate > 0 {
		telemetry.SetSampleRate(tc.SampleRate)
	}
	if tc := cfg.Logging.Telemetry; tc.SlowThreshold.Duration() > 0 {
		telemetry.SetSlowThreshold(tc.SlowThreshold.Duration())
	}

	a.policy = authz.NewPolicy(cfg.Authorization)
	a.cache = mirror.NewSuppressionCache(store)
	a.index = mirror.NewPathIndex()
	a.presences = mirror.NewProjector(a.cache, a.index)
	a.accessor = remote.NewRESTClient(
		cfg.Remote.APIURL,
		cfg.Remote.Token,
		cfg.Remote.RateLimit.RPS,
		cfg.Remote.RateLimit.Burst,
		cfg.Remote.RequestTimeout.Duration(),
	)
	a.engine = mirror.NewEngine(store, a.cache, a.accessor, a.index, a.presences, cfg.Mirror.Workers)

	a.queue = ingest.NewQueue(cfg.Ingest.Queue.Capacity, cfg.Ingest.Queue.MaxPooledBufferBytes.Int64())
	a.dispatcher = ingest.NewDispatcher(a.queue)
	a.messages = ingest.NewMessageRouter(store, a.cache, a.index, a.policy, a.accessor, nil, cfg.Mirror.TextCommands)
	a.commands = commands.NewRouter(store, a.accessor, a.policy)
	a.voice = commands.NewVoiceHandler(a.accessor, a.policy)
	a.registerEventHandlers()

	if cfg.Remote.GatewayURL != "" {
		a.session = remote.NewSession(cfg.Remote.GatewayURL, cfg.Remote.Token, a.queue, remote.DefaultSessionSettings())
	}

	a.unsubscribe = store.SubscribeValues(a.onValueWrite)
	return a, nil
}

// validateConfig fails fast on configuration the process cannot run with.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("no effective config")
	}
	if eff.Config.Remote.APIURL == "" {
		return fmt.Errorf("remote.api_url is required")
	}
	if eff.Config.Remote.Token == "" {
		return fmt.Errorf("remote token is required (flag --token, config or CHATMIRROR_TOKEN)")
	}
	if c := eff.Config.Mirror.ReconcileCron; c != "" && !gronx.IsValid(c) {
		return fmt.Errorf("invalid reconcile cron expression: %s", c)
	}
	return nil
}

// Run starts the gateway session, ingest loop, schedulers and HTTP server,
// and blocks until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	retCancel, err := retention.Start(runCtx, a.eff.Config.Retention, a.store, a.cache)
	if err != nil {
		return err
	}
	a.retentionCancel = retCancel

	go a.dispatcher.Run(runCtx)
	if a.session != nil {
		go a.session.Run(runCtx)
	} else {
		logger.Info("gateway_disabled", "mode", "reconcile_only")
	}
	if cron := a.eff.Config.Mirror.ReconcileCron; cron != "" {
		go a.runReconcileCron(runCtx, cron)
	}

	// converge before serving traffic
	go a.triggerReconcile("startup")

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	a.engine.Stop()
	a.queue.Close()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.retentionCancel != nil {
		a.retentionCancel()
	}
	a.stopHTTP()
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}

// registerEventHandlers fills the dispatch table. Messages and presences
// apply directly; every structural event triggers a coalesced full pass.
func (a *App) registerEventHandlers() {
	a.dispatcher.Handle(remote.EventMessageCreate, a.messages.HandleEvent)
	a.dispatcher.Handle(remote.EventPresenceUpdate, a.handlePresence)

	resync := func(_ context.Context, _ []byte) error {
		go a.triggerReconcile("gateway_event")
		return nil
	}
	for _, kind := range []remote.EventKind{
		remote.EventReady,
		remote.EventServerCreate,
		remote.EventServerUpdate,
		remote.EventServerDelete,
		remote.EventChannelCreate,
		remote.EventChannelUpdate,
		remote.EventChannelDelete,
		remote.EventRoleUpdate,
		remote.EventMemberJoin,
		remote.EventMemberUpdate,
		remote.EventMemberLeave,
		remote.EventVoiceStateUpdate,
	} {
		a.dispatcher.Handle(kind, resync)
	}
}

func (a *App) handlePresence(_ context.Context, payload []byte) error {
	var p remote.Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return a.presences.Apply(&p)
}

func (a *App) triggerReconcile(reason string) {
	if err := a.engine.Reconcile(context.Background()); err != nil {
		logger.Warn("reconcile_failed", "reason", reason, "error", err)
	}
}

// runReconcileCron schedules periodic full passes in addition to startup and
// event-driven triggers.
func (a *App) runReconcileCron(ctx context.Context, cronExpr string) {
	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("reconcile_cron_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
			a.triggerReconcile("cron")
		case <-ctx.Done():
			return
		}
	}
}

// onValueWrite observes every leaf write. Acknowledged writes are the
// mirror's own; unacknowledged ones are external and routed outbound. The
// store invokes handlers synchronously, so routing hops to a goroutine.
func (a *App) onValueWrite(path string, v statestore.Value) {
	if v.Ack {
		return
	}
	go a.routeOutbound(path, v)
}

func (a *App) routeOutbound(path string, v statestore.Value) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if act, ok := paths.ParseVoiceAction(path); ok {
		if a.voice.Apply(ctx, act, v) {
			a.ack(path, v)
		}
		return
	}
	if a.commands.Handles(path) {
		res, err := a.commands.Dispatch(ctx, path, v)
		if err != nil {
			logger.Warn("command_dispatch_failed", "path", path, "error", err)
			return
		}
		logger.Info("command_dispatched", "path", path, "action", res.Action, "message_id", res.MessageID)
		a.ack(path, v)
		return
	}
	logger.Debug("external_write_ignored", "path", path)
}

// ack rewrites the value with the acknowledgement flag set so the write is
// not routed again.
func (a *App) ack(path string, v statestore.Value) {
	if err := a.store.SetValue(path, statestore.Value{Val: v.Val, Ack: true, Actor: v.Actor}); err != nil {
		logger.Warn("ack_write_failed", "path", path, "error", err)
	}
}
