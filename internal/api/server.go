// Package api is the node's HTTP surface: request submission plus
// health and lifecycle diagnostics.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ciphernode/internal/events"
	"ciphernode/internal/logger"
	"ciphernode/internal/router"
)

const (
	// maxBodySize bounds a request submission body.
	maxBodySize = 1 << 16
)

// Publisher injects events into the local bus.
type Publisher interface {
	Publish(ev events.Event)
}

// Gossiper spreads events to network peers.
type Gossiper interface {
	GossipEvent(ev events.Event) error
}

// Directory exposes the live request set for monitoring.
type Directory interface {
	Active() []events.RequestID
	Lookup(id events.RequestID) (router.Info, bool)
}

// Status exposes node-level state for monitoring.
type Status interface {
	LocalID() events.NodeID
	PeerCount() int
	RegisteredNodes() int
}

// Server is the HTTP API server.
type Server struct {
	addr      string     // addr is the HTTP listen address
	publisher Publisher  // publisher feeds the local bus
	gossiper  Gossiper   // gossiper forwards submissions to peers
	directory Directory  // directory lists live requests
	status    Status     // status provides node state
	server    *http.Server
}

// New creates an HTTP API server.
func New(addr string, publisher Publisher, gossiper Gossiper, directory Directory, status Status) *Server {
	return &Server{
		addr:      addr,
		publisher: publisher,
		gossiper:  gossiper,
		directory: directory,
		status:    status,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests", s.handleCreateRequest)
	mux.HandleFunc("GET /requests", s.handleListRequests)
	mux.HandleFunc("GET /requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// createRequestBody is the POST /requests payload.
type createRequestBody struct {
	Min   int    `json:"min"`            // Min is the reconstruction threshold
	Total int    `json:"total"`          // Total is the committee size
	Seed  string `json:"seed,omitempty"` // Seed is optional hex, random if empty
}

// handleCreateRequest handles POST /requests.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req createRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	if req.Min < 1 || req.Total < req.Min {
		writeError(w, http.StatusBadRequest, "thresholds must satisfy 1 <= min <= total")
		return
	}

	var seed [32]byte

	if req.Seed != "" {
		raw, err := hex.DecodeString(req.Seed)
		if err != nil || len(raw) != 32 {
			writeError(w, http.StatusBadRequest, "seed must be 32 hex-encoded bytes")
			return
		}
		copy(seed[:], raw)
	} else if _, err := rand.Read(seed[:]); err != nil {
		writeError(w, http.StatusInternalServerError, "seed generation failed")
		return
	}

	var id events.RequestID
	if _, err := rand.Read(id[:]); err != nil {
		writeError(w, http.StatusInternalServerError, "id generation failed")
		return
	}

	ev := events.RequestCreated{
		RequestID: id,
		Seed:      seed,
		Min:       req.Min,
		Total:     req.Total,
	}

	s.publisher.Publish(ev)

	// Peers open the same request so shares reach every aggregating node.
	if s.gossiper != nil {
		if err := s.gossiper.GossipEvent(ev); err != nil {
			logger.Debug("request gossip failed", "request", id, "error", err)
		}
	}

	logger.Debug("request submitted", "request", id, "min", req.Min, "total", req.Total)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": hex.EncodeToString(id[:]),
	})
}

// handleListRequests handles GET /requests.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	active := s.directory.Active()

	ids := make([]string, 0, len(active))
	for _, id := range active {
		ids = append(ids, hex.EncodeToString(id[:]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": ids,
	})
}

// handleGetRequest handles GET /requests/{id}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(r.PathValue("id"))
	if err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, "id must be 32 hex-encoded bytes")
		return
	}

	var id events.RequestID
	copy(id[:], raw)

	info, ok := s.directory.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}

	committee := make([]string, 0, len(info.Committee))
	for _, n := range info.Committee {
		committee = append(committee, hex.EncodeToString(n[:]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":        hex.EncodeToString(id[:]),
		"committee":        committee,
		"min":              info.Min,
		"deadline":         info.Deadline.Format(time.RFC3339),
		"publicKeyState":   info.PublicKeyState,
		"publicKeyShares":  info.PublicKeyShares,
		"decryptionState":  info.DecryptionState,
		"decryptionShares": info.DecryptionShares,
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	local := s.status.LocalID()

	writeJSON(w, http.StatusOK, map[string]any{
		"node":            hex.EncodeToString(local[:]),
		"peers":           s.status.PeerCount(),
		"registeredNodes": s.status.RegisteredNodes(),
		"activeRequests":  len(s.directory.Active()),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
