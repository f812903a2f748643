package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"chatmirror/pkg/config"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/utils"
)

// Role classifies the API key presented by a caller.
type Role int

const (
	RoleUnauth Role = iota
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

type limiterPool struct {
	rps   float64
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		if p.m == nil {
			p.m = make(map[string]*rate.Limiter)
		}
		rps := p.rps
		if rps <= 0 {
			rps = 5
		}
		burst := p.burst
		if burst <= 0 {
			burst = 10
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// AuthenticateRequestMiddleware gates the admin API behind API keys, CORS
// and per-key rate limiting. Health probes pass unauthenticated.
func AuthenticateRequestMiddleware(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	backendKeys := toSet(cfg.APIKeys.Backend)
	adminKeys := toSet(cfg.APIKeys.Admin)
	limiters := &limiterPool{rps: cfg.RateLimit.RPS, burst: cfg.RateLimit.Burst}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.LogRequest(r)

			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.CORS.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Actor-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") && r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			role, key := authenticate(r, backendKeys, adminKeys)
			if role == RoleUnauth {
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			r.Header.Set("X-Role-Name", role.String())

			// admin-only surface
			if role != RoleAdmin && adminOnly(r) {
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				logger.Warn("request_forbidden", "reason", "admin_required", "path", r.URL.Path)
				return
			}

			if !limiters.allow(key) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "path", r.URL.Path)
				return
			}

			logger.Debug("request_allowed", "method", r.Method, "path", r.URL.Path, "role", role.String())
			next.ServeHTTP(w, r)
		})
	}
}

// adminOnly marks endpoints reserved for admin keys: pass triggers and
// grant inspection.
func adminOnly(r *http.Request) bool {
	if r.URL.Path == "/v1/reconcile" || strings.HasPrefix(r.URL.Path, "/v1/grants") {
		return true
	}
	return false
}

func authenticate(r *http.Request, backend, admin map[string]struct{}) (Role, string) {
	auth := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		key = strings.TrimSpace(auth[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		return RoleUnauth, clientIP(r)
	}
	if _, ok := admin[key]; ok {
		return RoleAdmin, key
	}
	if _, ok := backend[key]; ok {
		return RoleBackend, key
	}
	return RoleUnauth, key
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func toSet(keys []string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}
