// Package api provides the relay's HTTP API: envelope submission, mailbox
// access for authenticated agents, and the almanac registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/relay/internal/auth"
	"github.com/amurg-ai/agentwire/relay/internal/config"
	"github.com/amurg-ai/agentwire/relay/internal/store"
)

const defaultPageSize = 100

// Server is the relay HTTP API server.
type Server struct {
	store   store.Store
	auth    *auth.Service
	streams *streams
	clock   clock.Clock
	logger  *slog.Logger
	mux     *chi.Mux
	rl      *rateLimiter

	startTime       time.Time
	maxBodyBytes    int64
	registrationTTL time.Duration
	maxPerMailbox   int
	pageSize        int
}

// NewServer creates the API server.
func NewServer(s store.Store, a *auth.Service, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.New()
	}
	srv := &Server{
		store:           s,
		auth:            a,
		streams:         newStreams(),
		clock:           clk,
		logger:          logger.With("component", "relay-api"),
		startTime:       clk.Now(),
		maxBodyBytes:    cfg.Server.MaxBodyBytes,
		registrationTTL: cfg.Storage.RegistrationTTL.Duration,
		maxPerMailbox:   cfg.Storage.MaxPerMailbox,
		pageSize:        defaultPageSize,
		rl:              newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))

		r.Post("/v1/submit", srv.handleSubmit)
		r.Get("/v1/auth/challenge", srv.handleChallenge)
		r.Post("/v1/auth/prove", srv.handleProve)
		r.Post("/v1/almanac/agents", srv.handleRegister)
		r.Get("/v1/almanac/agents/{address}", srv.handleGetAgent)

		r.Group(func(r chi.Router) {
			r.Use(srv.authMiddleware)
			r.Get("/v1/mailbox", srv.handleListMailbox)
			r.Delete("/v1/mailbox/{id}", srv.handleDeleteEnvelope)
			r.Get("/v1/mailbox/ws", srv.handleStream)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Mailbox ---

// handleSubmit stores an envelope for its target and pushes it to any open
// stream.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}
	if msg := s.checkEnvelope(&env); msg != "" {
		s.logger.Warn("rejected submitted envelope", "sender", env.Sender, "target", env.Target, "reason", msg)
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	n, err := s.store.CountEnvelopes(ctx, env.Target)
	if err != nil {
		s.logger.Error("count envelopes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if n >= s.maxPerMailbox {
		writeError(w, http.StatusInsufficientStorage, "mailbox full")
		return
	}

	e := &store.Envelope{
		ID:         uuid.NewString(),
		Address:    env.Target,
		Sender:     env.Sender,
		Envelope:   env,
		ReceivedAt: s.clock.Now(),
	}
	if env.Expires != nil {
		e.ExpiresAt = time.Unix(*env.Expires, 0)
	}
	if err := s.store.PutEnvelope(ctx, e); err != nil {
		s.logger.Error("store envelope failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Debug("envelope stored", "uuid", e.ID, "sender", env.Sender, "target", env.Target)
	s.streams.notify(env.Target, e.Stored())
	writeJSON(w, http.StatusOK, struct{}{})
}

// checkEnvelope returns a reason the relay will not hold env, or "".
func (s *Server) checkEnvelope(env *protocol.Envelope) string {
	if env.Version != protocol.EnvelopeVersion {
		return "unsupported envelope version"
	}
	if !identity.IsAgentAddress(env.Target) {
		return "invalid target address"
	}
	if env.SchemaDigest == "" {
		return "missing schema digest"
	}
	if env.Expired(s.clock.Now().Unix()) {
		return "envelope expired"
	}
	if identity.IsUserAddress(env.Sender) {
		return ""
	}
	ok, err := env.Verify()
	if err != nil || !ok {
		return "invalid signature"
	}
	return ""
}

func (s *Server) handleListMailbox(w http.ResponseWriter, r *http.Request) {
	address := addressFromContext(r.Context())
	items, err := s.store.ListEnvelopes(r.Context(), address, s.pageSize)
	if err != nil {
		s.logger.Error("list envelopes failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.StoredEnvelope, 0, len(items))
	for i := range items {
		out = append(out, items[i].Stored())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteEnvelope(w http.ResponseWriter, r *http.Request) {
	address := addressFromContext(r.Context())
	id := chi.URLParam(r, "id")
	err := s.store.DeleteEnvelope(r.Context(), address, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "envelope not found")
		return
	}
	if err != nil {
		s.logger.Error("delete envelope failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Auth ---

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.auth.Challenge(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	writeJSON(w, http.StatusOK, protocol.ChallengeResponse{Challenge: challenge})
}

func (s *Server) handleProve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req protocol.ProveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, expiry, err := s.auth.Prove(req)
	if err != nil {
		s.logger.Warn("identity proof rejected", "address", req.Address, "error", err)
		writeError(w, http.StatusUnauthorized, "identity proof rejected")
		return
	}
	writeJSON(w, http.StatusOK, protocol.ProveResponse{AccessToken: token, Expiry: expiry})
}

// --- Almanac ---

// handleRegister accepts a signed attestation. Attestations older than the
// stored one are refused.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var att protocol.Attestation
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		writeError(w, http.StatusBadRequest, "invalid attestation")
		return
	}
	if !identity.IsAgentAddress(att.AgentAddress) {
		writeError(w, http.StatusBadRequest, "invalid agent address")
		return
	}
	if ok, err := att.Verify(); err != nil || !ok {
		writeError(w, http.StatusBadRequest, "invalid attestation signature")
		return
	}

	ctx := r.Context()
	existing, err := s.store.GetRegistration(ctx, att.AgentAddress)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("get registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil && att.Timestamp < existing.Timestamp {
		writeError(w, http.StatusConflict, "stale attestation")
		return
	}

	now := s.clock.Now()
	reg := &store.Registration{
		Address:   att.AgentAddress,
		Protocols: att.Protocols,
		Endpoints: att.Endpoints,
		Timestamp: att.Timestamp,
		UpdatedAt: now,
		Expiry:    now.Add(s.registrationTTL),
	}
	if reg.Protocols == nil {
		reg.Protocols = []string{}
	}
	if reg.Endpoints == nil {
		reg.Endpoints = []protocol.Endpoint{}
	}
	if err := s.store.UpsertRegistration(ctx, reg); err != nil {
		s.logger.Error("upsert registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("agent registered", "address", att.AgentAddress, "endpoints", len(att.Endpoints))
	writeJSON(w, http.StatusOK, reg.Record())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	reg, err := s.store.GetRegistration(r.Context(), address)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !reg.Expiry.After(s.clock.Now())) {
		writeError(w, http.StatusNotFound, "agent not registered")
		return
	}
	if err != nil {
		s.logger.Error("get registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, reg.Record())
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  s.clock.Since(s.startTime).Truncate(time.Second).String(),
		"streams": s.streams.count(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
