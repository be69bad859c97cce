// Package httpapi exposes the bridge's operational HTTP surface: health and
// provisioning probes, redacted mapping listings, webhook ingress from the
// agent service and advisory conversation registration.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ajisai/watari/common/version"
	"github.com/ajisai/watari/internal/watari/store"
)

// Provisioning health thresholds: agents without a room count as missing.
const (
	degradedThreshold  = 1
	unhealthyThreshold = 4
)

// Reconciler is the trigger surface of the lifecycle reconciler.
type Reconciler interface {
	Trigger()
}

// Pinner registers advisory conversation pins with the router.
type Pinner interface {
	PinConversation(room, agent, user, conversationID string)
}

// Deduper is the seen-set used to make webhook delivery idempotent.
type Deduper interface {
	Record(ctx context.Context, eventID string) (bool, error)
}

// ResponsePoster delivers webhook-pushed agent responses into rooms.
type ResponsePoster interface {
	PostAgentResponse(ctx context.Context, agentID, roomID, replyTo, text string) error
}

// Server is the bridge's HTTP endpoint. It is optional; the bridge runs
// without it when the listen address is empty.
type Server struct {
	addr       string
	secret     []byte
	store      *store.Store
	reconciler Reconciler
	pinner     Pinner
	dedupe     Deduper
	poster     ResponsePoster

	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
	now       func() time.Time
}

// New creates and configures the server (does not start it). secret enables
// webhook signature verification; empty disables it.
func New(addr, secret string, s *store.Store, r Reconciler, p Pinner, d Deduper, rp ResponsePoster) *Server {
	mux := http.NewServeMux()
	srv := &Server{
		addr:       addr,
		secret:     []byte(secret),
		store:      s,
		reconciler: r,
		pinner:     p,
		dedupe:     d,
		poster:     rp,
		startedAt:  time.Now(),
		mux:        mux,
		now:        time.Now,
	}
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /health/provisioning", srv.handleProvisioning)
	mux.HandleFunc("GET /agents/mappings", srv.handleMappings)
	mux.HandleFunc("GET /agents/{id}/room", srv.handleAgentRoom)
	mux.HandleFunc("POST /webhook/new-agent", srv.signed(srv.handleNewAgent))
	mux.HandleFunc("POST /webhooks/agent-response", srv.signed(srv.handleAgentResponse))
	mux.HandleFunc("POST /conversations/register", srv.handleRegisterConversation)
	return srv
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest.NewRecorder.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
}

type healthResponse struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Commit  string  `json:"commit"`
	Uptime  float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
		Uptime:  time.Since(s.startedAt).Seconds(),
	})
}

type provisioningResponse struct {
	Status   string `json:"status"`
	Total    int    `json:"total"`
	WithRoom int    `json:"with_room"`
	Missing  int    `json:"missing"`
}

func (s *Server) handleProvisioning(w http.ResponseWriter, r *http.Request) {
	total, withRoom, err := s.store.CountProvisioning(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}

	missing := total - withRoom
	resp := provisioningResponse{Total: total, WithRoom: withRoom, Missing: missing}
	code := http.StatusOK
	switch {
	case missing >= unhealthyThreshold:
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case missing >= degradedThreshold:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}
	writeJSON(w, code, resp)
}

// handleMappings lists agent mappings with credentials redacted. The summary
// projection is the only mapping shape reachable over HTTP.
func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListSummaries(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type agentRoomResponse struct {
	AgentID string `json:"agent_id"`
	RoomID  string `json:"room_id"`
}

func (s *Server) handleAgentRoom(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	m, err := s.store.GetByAgentID(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	if !m.RoomID.Valid || m.RoomID.String == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent has no room yet"})
		return
	}
	writeJSON(w, http.StatusOK, agentRoomResponse{AgentID: m.AgentID, RoomID: m.RoomID.String})
}

// handleNewAgent nudges the reconciler so a freshly created agent gets its
// room without waiting for the next periodic pass.
func (s *Server) handleNewAgent(w http.ResponseWriter, r *http.Request) {
	s.reconciler.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconcile triggered"})
}

type registerConversationRequest struct {
	RoomID         string `json:"room_id"`
	AgentID        string `json:"agent_id"`
	UserMXID       string `json:"user_mxid"`
	ConversationID string `json:"conversation_id"`
}

// handleRegisterConversation records an advisory pin: the next message in the
// (room, agent[, user]) scope binds to the given conversation instead of
// creating a fresh one.
func (s *Server) handleRegisterConversation(w http.ResponseWriter, r *http.Request) {
	var req registerConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}
	if req.RoomID == "" || req.AgentID == "" || req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "room_id, agent_id and conversation_id are required"})
		return
	}
	s.pinner.PinConversation(req.RoomID, req.AgentID, req.UserMXID, req.ConversationID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "pinned"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}
