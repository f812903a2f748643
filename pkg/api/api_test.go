package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"chatmirror/pkg/config"
	"chatmirror/pkg/statestore"
)

func testSecurity() config.SecurityConfig {
	var cfg config.SecurityConfig
	cfg.APIKeys.Backend = []string{"backend-key"}
	cfg.APIKeys.Admin = []string{"admin-key"}
	cfg.CORS.AllowedOrigins = []string{"https://ops.example.test"}
	cfg.RateLimit.RPS = 100
	cfg.RateLimit.Burst = 100
	return cfg
}

func wrap(h http.Handler) http.Handler {
	return AuthenticateRequestMiddleware(testSecurity())(h)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	srv := httptest.NewServer(wrap(okHandler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestMiddlewareHealthProbesPassUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(wrap(okHandler()))
	defer srv.Close()

	for _, p := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: got %d", p, resp.StatusCode)
		}
	}
}

func TestMiddlewareAdminOnlySurface(t *testing.T) {
	srv := httptest.NewServer(wrap(okHandler()))
	defer srv.Close()

	do := func(key, path string) int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, nil)
		req.Header.Set("X-API-Key", key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := do("backend-key", "/v1/reconcile"); got != http.StatusForbidden {
		t.Fatalf("backend key on admin surface: got %d", got)
	}
	if got := do("admin-key", "/v1/reconcile"); got != http.StatusOK {
		t.Fatalf("admin key on admin surface: got %d", got)
	}
	if got := do("backend-key", "/v1/status"); got != http.StatusOK {
		t.Fatalf("backend key on general surface: got %d", got)
	}
}

func TestMiddlewareBearerToken(t *testing.T) {
	srv := httptest.NewServer(wrap(okHandler()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer backend-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: got %d", resp.StatusCode)
	}
}

func TestMiddlewareCORSPreflight(t *testing.T) {
	srv := httptest.NewServer(wrap(okHandler()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/status", nil)
	req.Header.Set("Origin", "https://ops.example.test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://ops.example.test" {
		t.Fatalf("allow-origin header missing")
	}
}

func openTestStore(t *testing.T) *statestore.Pebble {
	t.Helper()
	s, err := statestore.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testServer(t *testing.T) (*Server, *statestore.Pebble) {
	t.Helper()
	store := openTestStore(t)
	return &Server{Store: store, Version: "test"}, store
}

func TestPutStateWritesUnacknowledgedValue(t *testing.T) {
	api, store := testServer(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	if err := store.SetObject("users.1.send", statestore.ObjectDef{Type: statestore.NodeLeaf, Name: "Send", ValueType: statestore.ValueString, Write: true}); err != nil {
		t.Fatalf("seed leaf: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/state/users.1.send", strings.NewReader(`{"val":"hello"}`))
	req.Header.Set("X-Actor-ID", "10")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("PUT status: got %d", resp.StatusCode)
	}

	v, err := store.GetValue("users.1.send")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v.Val != "hello" || v.Ack || v.Actor != "10" {
		t.Fatalf("unexpected stored value: %+v", v)
	}
}

func TestPutStateRejectsReadOnlyAndMissingLeaves(t *testing.T) {
	api, store := testServer(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	if err := store.SetObject("users.1.status", statestore.ObjectDef{Type: statestore.NodeLeaf, Name: "Status", ValueType: statestore.ValueString, Read: true}); err != nil {
		t.Fatalf("seed leaf: %v", err)
	}
	if err := store.SetObject("users.1", statestore.ObjectDef{Type: statestore.NodeContainer, Name: "User"}); err != nil {
		t.Fatalf("seed container: %v", err)
	}

	put := func(path string) int {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/state/"+path, strings.NewReader(`{"val":true}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := put("users.1.status"); got != http.StatusForbidden {
		t.Fatalf("read-only leaf: got %d", got)
	}
	if got := put("users.1"); got != http.StatusBadRequest {
		t.Fatalf("container: got %d", got)
	}
	if got := put("users.2.send"); got != http.StatusNotFound {
		t.Fatalf("missing node: got %d", got)
	}
}

func TestTreeEndpoint(t *testing.T) {
	api, store := testServer(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	for _, p := range []string{"servers.1", "servers.1.members.2", "users.3"} {
		if err := store.SetObject(p, statestore.ObjectDef{Type: statestore.NodeContainer, Name: p}); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/tree?prefix=servers.1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Prefix string `json:"prefix"`
		Nodes  []struct {
			Path string `json:"path"`
		} `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Nodes) != 2 {
		t.Fatalf("unexpected nodes: %+v", body.Nodes)
	}
}

func TestNodeConfigEndpoint(t *testing.T) {
	api, store := testServer(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	if err := store.SetObject("users.1.message", statestore.ObjectDef{Type: statestore.NodeLeaf, Name: "Last message", Read: true}); err != nil {
		t.Fatalf("seed leaf: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/config/users.1.message", strings.NewReader(`{"forward_text":true}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status: got %d", resp.StatusCode)
	}
	c, err := store.GetNodeConfig("users.1.message")
	if err != nil || !c.ForwardText {
		t.Fatalf("config not stored: %+v err=%v", c, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	api, _ := testServer(t)
	api.QueueLen = func() int { return 3 }
	api.QueueDropped = func() uint64 { return 1 }
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Version        string `json:"version"`
		QueueLength    int    `json:"queue_length"`
		StoreSizeBytes uint64 `json:"store_size_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "test" || body.QueueLength != 3 {
		t.Fatalf("unexpected status body: %+v", body)
	}
	// an opened pebble store always has on-disk files
	if body.StoreSizeBytes == 0 {
		t.Fatalf("store size not reported")
	}
}
