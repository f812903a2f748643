package remote

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatmirror/pkg/logger"
)

// SessionSettings tunes the gateway websocket session.
type SessionSettings struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultSessionSettings returns the settings used when none are provided.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		PingInterval: 30 * time.Second,
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 60 * time.Second,
	}
}

// EventSink receives decoded gateway events. Offer must not block; it
// reports whether the event was accepted.
type EventSink interface {
	Offer(ev Event) bool
}

// Session maintains the gateway websocket connection with reconnect and
// backoff, decoding frames into events pushed at the sink.
type Session struct {
	url      string
	token    string
	sink     EventSink
	settings SessionSettings

	connected atomic.Bool
	dropped   atomic.Uint64
}

// NewSession builds a gateway session. Run must be called to connect.
func NewSession(url, token string, sink EventSink, settings SessionSettings) *Session {
	if settings.PingInterval <= 0 {
		settings = DefaultSessionSettings()
	}
	return &Session{url: url, token: token, sink: sink, settings: settings}
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool { return s.connected.Load() }

// Dropped returns the count of events discarded because the sink was full.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

type identifyFrame struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

// Run connects and serves the session until ctx is done, reconnecting with
// exponential backoff on any failure.
func (s *Session) Run(ctx context.Context) {
	backoff := s.settings.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws, err := s.connect(ctx)
		if err != nil {
			logger.Warn("gateway_connect_failed", "url", s.url, "error", err, "retry_in", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.settings.ReconnectMax {
				backoff = s.settings.ReconnectMax
			}
			continue
		}
		backoff = s.settings.ReconnectMin
		s.serve(ctx, ws)
	}
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	auth, err := json.Marshal(identifyFrame{Op: "identify", Token: s.token})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, auth); err != nil {
		return nil, err
	}

	success = true
	return ws, nil
}

func (s *Session) serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()
	s.connected.Store(true)
	defer s.connected.Store(false)
	logger.Info("gateway_connected", "url", s.url)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ping loop; a write deadline timeout on a websocket cannot be
	// recovered, so any failure tears the connection down
	go func() {
		defer cancel()
		ticker := time.NewTicker(s.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// read loop on this goroutine
	for {
		select {
		case <-serveCtx.Done():
			return
		default:
		}
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			logger.Warn("gateway_read_failed", "error", err)
			return
		}
		if messageType != websocket.TextMessage || len(frame) == 0 {
			continue
		}
		ev, err := DecodeEvent(frame)
		if err != nil {
			logger.Debug("gateway_frame_skipped", "error", err)
			continue
		}
		if !s.sink.Offer(ev) {
			s.dropped.Add(1)
			logger.Warn("gateway_event_dropped", "kind", string(ev.Kind))
		}
	}
}
