// Package api serves the admin HTTP surface: health, status, reconcile
// triggers, tree browsing, grant inspection, and the external leaf-write
// path that feeds the outbound command router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"chatmirror/pkg/config"
	"chatmirror/pkg/logger"
	"chatmirror/pkg/mirror"
	"chatmirror/pkg/remote"
	"chatmirror/pkg/statestore"
	"chatmirror/pkg/utils"
)

// Server bundles the collaborators the admin API exposes.
type Server struct {
	Store   statestore.Store
	Engine  *mirror.Engine
	Session *remote.Session
	Grants  config.AuthorizationConfig
	Version string

	// QueueLen and QueueDropped report ingest queue pressure for /v1/status.
	QueueLen     func() int
	QueueDropped func() uint64
}

// Handler builds the admin API router. Authentication is applied by the
// caller via AuthenticateRequestMiddleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/reconcile", s.handleReconcile).Methods(http.MethodPost)
	r.HandleFunc("/v1/tree", s.handleTree).Methods(http.MethodGet)
	r.HandleFunc("/v1/state/{path:.+}", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/v1/state/{path:.+}", s.handlePutState).Methods(http.MethodPut)
	r.HandleFunc("/v1/config/{path:.+}", s.handlePutNodeConfig).Methods(http.MethodPut)
	r.HandleFunc("/v1/grants", s.handleGrants).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	type readier interface{ Ready() bool }
	if rd, ok := s.Store.(readier); ok && !rd.Ready() {
		utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Version          string           `json:"version,omitempty"`
	GatewayConnected bool             `json:"gateway_connected"`
	GatewayDropped   uint64           `json:"gateway_dropped"`
	QueueLength      int              `json:"queue_length"`
	QueueDropped     uint64           `json:"queue_dropped"`
	StoreSizeBytes   uint64           `json:"store_size_bytes"`
	LastPass         mirror.PassStats `json:"last_pass"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Version: s.Version}
	if s.Session != nil {
		resp.GatewayConnected = s.Session.Connected()
		resp.GatewayDropped = s.Session.Dropped()
	}
	type diskMetricser interface{ GetDiskMetrics() statestore.DiskMetrics }
	if dm, ok := s.Store.(diskMetricser); ok {
		resp.StoreSizeBytes = dm.GetDiskMetrics().SizeBytes
	}
	if s.QueueLen != nil {
		resp.QueueLength = s.QueueLen()
	}
	if s.QueueDropped != nil {
		resp.QueueDropped = s.QueueDropped()
	}
	if s.Engine != nil {
		resp.LastPass = s.Engine.LastStats()
	}
	_ = utils.JSONWrite(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := s.Engine.Reconcile(context.Background()); err != nil {
			logger.Warn("manual_reconcile_failed", "error", err)
		}
	}()
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "reconcile triggered"})
}

type treeNode struct {
	Path string               `json:"path"`
	Def  *statestore.ObjectDef `json:"def,omitempty"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	paths, err := s.Store.ListObjects(prefix)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nodes := make([]treeNode, 0, len(paths))
	for _, p := range paths {
		def, err := s.Store.GetObject(p)
		if err != nil {
			continue
		}
		nodes = append(nodes, treeNode{Path: p, Def: def})
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"prefix": prefix, "nodes": nodes})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	v, err := s.Store.GetValue(path)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "no value at path")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, v)
}

type putStateRequest struct {
	Val any `json:"val"`
}

// handlePutState is the external write path. Writes land with ack=false and
// the acting principal from X-Actor-ID; the value subscription routes
// command leaves outbound.
func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	def, err := s.Store.GetObject(path)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "no node at path")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if def.Type != statestore.NodeLeaf {
		utils.JSONError(w, http.StatusBadRequest, "path is not a leaf")
		return
	}
	if !def.Write {
		utils.JSONError(w, http.StatusForbidden, "leaf is not writable")
		return
	}

	var req putStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	v := statestore.Value{
		Val:   req.Val,
		Ack:   false,
		Actor: strings.TrimSpace(r.Header.Get("X-Actor-ID")),
	}
	if err := s.Store.SetValue(path, v); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("state_written", "path", path, "actor", v.Actor)
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "accepted", "path": path})
}

// handlePutNodeConfig attaches per-node configuration, currently the
// text-command forwarding toggle on message leaves.
func (s *Server) handlePutNodeConfig(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	if _, err := s.Store.GetObject(path); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "no node at path")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var cfg statestore.NodeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Store.SetNodeConfig(path, cfg); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("node_config_written", "path", path, "forward_text", cfg.ForwardText)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok", "path": path})
}

func (s *Server) handleGrants(w http.ResponseWriter, _ *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{
		"enabled": s.Grants.Enabled,
		"users":   s.Grants.Users,
		"roles":   s.Grants.Roles,
	})
}
