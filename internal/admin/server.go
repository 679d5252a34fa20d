package admin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/apibara/dna/internal/alert"
	"github.com/apibara/dna/internal/cursor"
	"github.com/apibara/dna/internal/streampb"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// StatusProvider reports chain extent and active stream counts. It is
// satisfied by *server.Server.
type StatusProvider interface {
	Status(ctx context.Context, req *streampb.StatusRequest) (*streampb.StatusResponse, error)
}

// CheckpointProvider looks up the last cursor durably checkpointed for a
// sink. It is satisfied by *postgres.CheckpointRepo.
type CheckpointProvider interface {
	Get(ctx context.Context, sinkID string) (cursor.Cursor, bool, error)
}

// Server provides an HTTP-based admin API for operational management of a
// running ingestion/streaming node: chain extent, active stream count,
// manual alert dispatch for on-call drills, and checkpoint inspection.
type Server struct {
	status      StatusProvider
	alerter     alert.Alerter
	checkpoints CheckpointProvider
	logger      *slog.Logger
	rateLimit   *RateLimitMiddleware
}

// NewServer creates a new admin API server.
func NewServer(status StatusProvider, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		status: status,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rateLimit == nil {
		s.rateLimit = NewRateLimitMiddleware(s.logger)
	}
	return s
}

// Stop releases background resources owned by the admin server, such as
// the rate limiter's cleanup goroutine.
func (s *Server) Stop() {
	s.rateLimit.Stop()
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithAlerter sets the alerter used by the manual alert-test endpoint.
func WithAlerter(a alert.Alerter) ServerOption {
	return func(s *Server) { s.alerter = a }
}

// WithRateLimitMiddleware overrides the default per-endpoint rate limiter.
func WithRateLimitMiddleware(rl *RateLimitMiddleware) ServerOption {
	return func(s *Server) { s.rateLimit = rl }
}

// WithCheckpoints attaches the durable checkpoint store backing
// GET /admin/v1/checkpoints/{sinkID}.
func WithCheckpoints(c CheckpointProvider) ServerOption {
	return func(s *Server) { s.checkpoints = c }
}

// Handler returns the HTTP handler for the admin API, wrapped with
// per-endpoint, per-IP rate limiting and an audit log of mutating
// requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/status", s.handleGetStatus)
	mux.HandleFunc("POST /admin/v1/alerts/test", s.handleTestAlert)
	mux.HandleFunc("GET /admin/v1/checkpoints/{sinkID}", s.handleGetCheckpoint)
	return AuditMiddleware(s.logger, s.rateLimit.Wrap(mux))
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

type statusResponse struct {
	HeadNumber      uint64 `json:"head_number"`
	FinalizedNumber uint64 `json:"finalized_number"`
	ActiveStreams   int    `json:"active_streams"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status.Status(r.Context(), &streampb.StatusRequest{})
	if err != nil {
		s.logger.Error("get status failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		HeadNumber:      resp.Head.Number,
		FinalizedNumber: resp.Finalized.Number,
		ActiveStreams:   resp.ActiveStreams,
	})
}

type checkpointResponse struct {
	SinkID string `json:"sink_id"`
	Number uint64 `json:"block_number"`
	Hash   string `json:"block_hash"`
	Found  bool   `json:"found"`
}

// handleGetCheckpoint reports the last cursor durably checkpointed for a
// sink, so an operator can tell how far behind a reconnecting client will
// resume from.
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		http.Error(w, `{"error":"checkpoint store not configured"}`, http.StatusServiceUnavailable)
		return
	}

	sinkID := r.PathValue("sinkID")
	cur, found, err := s.checkpoints.Get(r.Context(), sinkID)
	if err != nil {
		s.logger.Error("get checkpoint failed", "error", err, "sink_id", sinkID)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, checkpointResponse{
		SinkID: sinkID,
		Number: cur.Number,
		Hash:   hex.EncodeToString(cur.Hash),
		Found:  found,
	})
}

type testAlertRequest struct {
	Type    string            `json:"type"`
	Chain   string            `json:"chain"`
	Network string            `json:"network"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

// handleTestAlert lets an operator verify alert-channel wiring without
// waiting for a real reorg or quota outage.
func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerter == nil {
		http.Error(w, `{"error":"alerting not configured"}`, http.StatusServiceUnavailable)
		return
	}

	var req testAlertRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Type == "" || req.Title == "" {
		http.Error(w, `{"error":"type and title are required"}`, http.StatusBadRequest)
		return
	}

	err := s.alerter.Send(r.Context(), alert.Alert{
		Type:    alert.AlertType(req.Type),
		Chain:   req.Chain,
		Network: req.Network,
		Title:   req.Title,
		Message: req.Message,
		Fields:  req.Fields,
	})
	if err != nil {
		s.logger.Error("test alert failed", "error", err)
		http.Error(w, `{"error":"alert dispatch failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
