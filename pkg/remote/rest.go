package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatmirror/pkg/logger"
	"chatmirror/pkg/telemetry"
)

// limiterPool keeps one rate limiter per major API route so a burst of
// message sends cannot starve reconciliation listings.
type limiterPool struct {
	rps   float64
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func (p *limiterPool) get(route string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[route]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 10
	}
	burst := p.burst
	if burst <= 0 {
		burst = 20
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[route] = l
	return l
}

// RESTClient is an Accessor backed by the remote HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
	limits  *limiterPool
}

var _ Accessor = (*RESTClient)(nil)

// NewRESTClient builds a client for the remote HTTP API. rps/burst bound
// the per-route request rate; timeout bounds each individual request.
func NewRESTClient(baseURL, token string, rps float64, burst int, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limits:  &limiterPool{rps: rps, burst: burst},
	}
}

func (c *RESTClient) Servers(ctx context.Context) ([]Server, error) {
	var out []Server
	if err := c.do(ctx, "servers.list", http.MethodGet, "/v1/servers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) Members(ctx context.Context, serverID string) ([]Member, error) {
	var out []Member
	p := "/v1/servers/" + url.PathEscape(serverID) + "/members"
	if err := c.do(ctx, "members.list", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) Channels(ctx context.Context, serverID string) ([]Channel, error) {
	var out []Channel
	p := "/v1/servers/" + url.PathEscape(serverID) + "/channels"
	if err := c.do(ctx, "channels.list", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) FetchChannel(ctx context.Context, serverID, channelID string) (*Channel, error) {
	var out Channel
	p := "/v1/servers/" + url.PathEscape(serverID) + "/channels/" + url.PathEscape(channelID)
	if err := c.do(ctx, "channel.fetch", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) FetchUser(ctx context.Context, userID string) (*User, error) {
	var out User
	p := "/v1/users/" + url.PathEscape(userID)
	if err := c.do(ctx, "user.fetch", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) FetchMember(ctx context.Context, serverID, userID string) (*Member, error) {
	var out Member
	p := "/v1/servers/" + url.PathEscape(serverID) + "/members/" + url.PathEscape(userID)
	if err := c.do(ctx, "member.fetch", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) FetchMessage(ctx context.Context, target Target, messageID string) (*Message, error) {
	var out Message
	p := c.messagesPath(target) + "/" + url.PathEscape(messageID)
	if err := c.do(ctx, "message.fetch", http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type sendRequest struct {
	Content     string           `json:"content,omitempty"`
	Embeds      []map[string]any `json:"embeds,omitempty"`
	ReferenceID string           `json:"reference_id,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

func (c *RESTClient) Send(ctx context.Context, target Target, out Outgoing) (string, error) {
	return c.createMessage(ctx, "message.send", target, sendRequest{Content: out.Content, Embeds: out.Embeds}, out.Files)
}

func (c *RESTClient) Reply(ctx context.Context, target Target, messageID string, out Outgoing) (string, error) {
	req := sendRequest{Content: out.Content, Embeds: out.Embeds, ReferenceID: messageID}
	return c.createMessage(ctx, "message.reply", target, req, out.Files)
}

func (c *RESTClient) React(ctx context.Context, target Target, messageID, emoji string) error {
	p := c.messagesPath(target) + "/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(emoji)
	return c.do(ctx, "message.react", http.MethodPut, p, nil, nil)
}

func (c *RESTClient) EditMessage(ctx context.Context, target Target, messageID, content string) error {
	p := c.messagesPath(target) + "/" + url.PathEscape(messageID)
	return c.do(ctx, "message.edit", http.MethodPatch, p, sendRequest{Content: content}, nil)
}

func (c *RESTClient) DeleteMessage(ctx context.Context, target Target, messageID string) error {
	p := c.messagesPath(target) + "/" + url.PathEscape(messageID)
	return c.do(ctx, "message.delete", http.MethodDelete, p, nil, nil)
}

type voiceRequest struct {
	ChannelID *string `json:"channel_id,omitempty"`
	Muted     *bool   `json:"muted,omitempty"`
	Deafened  *bool   `json:"deafened,omitempty"`
}

func (c *RESTClient) Disconnect(ctx context.Context, serverID, userID string) error {
	empty := ""
	return c.patchVoice(ctx, serverID, userID, voiceRequest{ChannelID: &empty})
}

func (c *RESTClient) SetMute(ctx context.Context, serverID, userID string, mute bool) error {
	return c.patchVoice(ctx, serverID, userID, voiceRequest{Muted: &mute})
}

func (c *RESTClient) SetDeaf(ctx context.Context, serverID, userID string, deaf bool) error {
	return c.patchVoice(ctx, serverID, userID, voiceRequest{Deafened: &deaf})
}

func (c *RESTClient) patchVoice(ctx context.Context, serverID, userID string, req voiceRequest) error {
	p := "/v1/servers/" + url.PathEscape(serverID) + "/members/" + url.PathEscape(userID) + "/voice"
	return c.do(ctx, "voice.update", http.MethodPatch, p, req, nil)
}

// messagesPath returns the messages collection for a target: a server
// channel or a user DM.
func (c *RESTClient) messagesPath(target Target) string {
	if target.UserID != "" {
		return "/v1/users/" + url.PathEscape(target.UserID) + "/messages"
	}
	return "/v1/channels/" + url.PathEscape(target.ChannelID) + "/messages"
}

func (c *RESTClient) createMessage(ctx context.Context, op string, target Target, req sendRequest, files []File) (string, error) {
	var out sendResponse
	p := c.messagesPath(target)
	if len(files) == 0 {
		if err := c.do(ctx, op, http.MethodPost, p, req, &out); err != nil {
			return "", err
		}
		return out.ID, nil
	}
	if err := c.doMultipart(ctx, op, p, req, files, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// do performs a JSON request with per-route rate limiting and maps HTTP
// failures onto the error taxonomy.
func (c *RESTClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limits.get(routeKey(method, path)).Wait(ctx); err != nil {
		return newError(KindTransient, op, err)
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return newError(KindBadPayload, op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return newError(KindBadPayload, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(op, req, out)
}

func (c *RESTClient) doMultipart(ctx context.Context, op, path string, payload sendRequest, files []File, out any) error {
	if err := c.limits.get(routeKey(http.MethodPost, path)).Wait(ctx); err != nil {
		return newError(KindTransient, op, err)
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	meta, err := json.Marshal(payload)
	if err != nil {
		return newError(KindBadPayload, op, err)
	}
	if err := w.WriteField("payload", string(meta)); err != nil {
		return newError(KindBadPayload, op, err)
	}
	for i, f := range files {
		part, err := w.CreateFormFile(fmt.Sprintf("file%d", i), f.Name)
		if err != nil {
			return newError(KindBadPayload, op, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return newError(KindBadPayload, op, err)
		}
	}
	if err := w.Close(); err != nil {
		return newError(KindBadPayload, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return newError(KindBadPayload, op, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.send(op, req, out)
}

// send executes the request with a telemetry span named after the remote
// operation, so slow or sampled calls land in the local telemetry log.
func (c *RESTClient) send(op string, req *http.Request, out any) error {
	finish := telemetry.StartOp("remote." + op)
	err := c.roundTrip(op, req, out)
	finish(err)
	return err
}

func (c *RESTClient) roundTrip(op string, req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bot "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return newError(KindTransient, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return newError(KindBadPayload, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return newError(KindNotFound, op, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newError(KindUnauthorized, op, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logger.Warn("remote_transient_error", "op", op, "status", resp.StatusCode)
		return newError(KindTransient, op, err)
	default:
		return newError(KindBadPayload, op, err)
	}
}

// routeKey buckets paths by their leading segments so limiters are shared
// across requests against the same collection.
func routeKey(method, path string) string {
	segs := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 4)
	if len(segs) > 3 {
		segs = segs[:3]
	}
	return method + " /" + strings.Join(segs, "/")
}
