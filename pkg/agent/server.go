package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/agentwire/pkg/dispatch"
	"github.com/amurg-ai/agentwire/pkg/eventbus"
	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// deliverEnvelope verifies env and hands it to the dispatcher. It is the
// inbound path shared by HTTP and mailbox transports.
func deliverEnvelope(ctx context.Context, d *dispatch.Dispatcher, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger, env *protocol.Envelope) error {
	if err := verifyEnvelope(clk, env); err != nil {
		logger.Warn("rejected envelope", "sender", env.Sender, "target", env.Target, "error", err)
		bus.Emit(eventbus.EnvelopeRejected, env.Target, eventbus.EnvelopeInfo{
			Sender: env.Sender, Target: env.Target, Session: env.Session.String(),
			SchemaDigest: env.SchemaDigest, Reason: err.Error(),
		})
		return err
	}
	if !d.Contains(env.Target) {
		return fmt.Errorf("%w: %s", ErrUnroutable, env.Target)
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	ok := d.Dispatch(ctx, dispatch.Message{
		Sender:         env.Sender,
		Target:         env.Target,
		Session:        env.Session,
		SchemaDigest:   env.SchemaDigest,
		ProtocolDigest: env.ProtocolDigest,
		Payload:        payload,
	})
	if !ok {
		return fmt.Errorf("%w: dispatch to %s failed", ErrUnroutable, env.Target)
	}
	return nil
}

// verifyEnvelope checks version, expiry and, for agent senders, the
// signature. User senders are trusted front-ends and carry no signature.
func verifyEnvelope(clk clock.Clock, env *protocol.Envelope) error {
	if env.Version != protocol.EnvelopeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrVerification, env.Version)
	}
	if env.SchemaDigest == "" || env.Target == "" {
		return fmt.Errorf("%w: missing target or schema digest", ErrVerification)
	}
	if env.Expired(clk.Now().Unix()) {
		return fmt.Errorf("%w: envelope expired", ErrVerification)
	}
	if identity.IsUserAddress(env.Sender) {
		return nil
	}
	ok, err := env.Verify()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !ok {
		return fmt.Errorf("%w: invalid signature", ErrVerification)
	}
	return nil
}

// submitServer serves POST /submit for one agent or a whole bureau.
type submitServer struct {
	dispatcher  *dispatch.Dispatcher
	lookup      func(address string) *Agent
	clock       clock.Clock
	bus         *eventbus.Bus
	logger      *slog.Logger
	syncTimeout time.Duration
}

func newSubmitServer(d *dispatch.Dispatcher, lookup func(string) *Agent, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger, syncTimeout time.Duration) *submitServer {
	return &submitServer{
		dispatcher:  d,
		lookup:      lookup,
		clock:       clk,
		bus:         bus,
		logger:      logger.With("component", "submit"),
		syncTimeout: syncTimeout,
	}
}

func (s *submitServer) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Post(protocol.SubmitPath, s.handleSubmit)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *submitServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}

	sync := r.Header.Get(protocol.HeaderConnection) == protocol.ConnectionSync
	var (
		wait    <-chan queryReply
		release func()
	)
	if sync {
		target := s.lookup(env.Target)
		if target == nil {
			writeError(w, http.StatusNotFound, "unable to route envelope")
			return
		}
		wait, release = target.queries.add(env.Sender, env.Session)
		defer release()
	}

	err := deliverEnvelope(r.Context(), s.dispatcher, s.clock, s.bus, s.logger, &env)
	switch {
	case errors.Is(err, ErrVerification):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrUnroutable):
		writeError(w, http.StatusNotFound, "unable to route envelope")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !sync {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	timer := s.clock.Timer(s.syncTimeout)
	defer timer.Stop()
	select {
	case reply := <-wait:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(protocol.HeaderSchemaDigest, reply.schemaDigest)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply.payload)
	case <-timer.C:
		writeError(w, http.StatusRequestTimeout, "timed out waiting for reply")
	case <-r.Context().Done():
	}
}

// serveHTTP runs handler on addr until ctx ends.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}
