package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/magicrune/pkg/gate"
	"github.com/Mindburn-Labs/magicrune/pkg/spell"
)

// MaxRequestBytes bounds the size of a request document.
const MaxRequestBytes = 8 << 20

// Response headers set on successful runs.
const (
	HeaderRunID       = "X-Magicrune-Run-Id"
	HeaderFingerprint = "X-Magicrune-Fingerprint"
	HeaderReplayed    = "X-Magicrune-Replayed"
	HeaderExitCode    = "X-Magicrune-Exit-Code"
)

// Executor runs a request at most once per fingerprint. *gate.Gate
// implements it.
type Executor interface {
	Run(ctx context.Context, req spell.Request, opts ...gate.ExecOption) (*gate.Outcome, error)
}

// Server serves direct invocations of the gate over HTTP.
type Server struct {
	exec    Executor
	strict  bool
	limiter *ClientRateLimiter
	ready   func(ctx context.Context) error
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStrictRequests requires every request field to be present.
func WithStrictRequests(strict bool) ServerOption {
	return func(s *Server) { s.strict = strict }
}

// WithClientRateLimit enables per-client rate limiting.
func WithClientRateLimit(rl *ClientRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithReadiness makes /healthz report unavailable while check fails.
func WithReadiness(check func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.ready = check }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func NewServer(exec Executor, opts ...ServerOption) *Server {
	s := &Server{exec: exec, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/spells", s.HandleSpell)
	mux.HandleFunc("/v1/schemas/request", serveSchema(spell.RequestSchema()))
	mux.HandleFunc("/v1/schemas/result", serveSchema(spell.ResultSchema()))
	mux.HandleFunc("/healthz", s.HandleHealth)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestID(AccessLog(s.logger)(h))
}

// HandleSpell handles POST /v1/spells.
func (s *Server) HandleSpell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Too Large", "request document exceeds "+strconv.Itoa(MaxRequestBytes)+" bytes")
			return
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "unreadable request body")
		return
	}

	req, err := spell.DecodeRequest(data, s.strict)
	if err != nil {
		WriteGateError(w, r, &gate.Error{Code: gate.CodeInputInvalid, Message: "request rejected", Cause: err})
		return
	}

	out, err := s.exec.Run(r.Context(), *req, gate.WithSource("http"))
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderRunID, out.Result.RunID)
	w.Header().Set(HeaderFingerprint, out.Fingerprint)
	w.Header().Set(HeaderReplayed, strconv.FormatBool(out.Replayed))
	w.Header().Set(HeaderExitCode, strconv.Itoa(gate.ExitCode(out.Result, nil)))
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out.Result)
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteMethodNotAllowed(w)
		return
	}
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			WriteErrorR(w, r, http.StatusServiceUnavailable, "Unavailable", "dependency check failed")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

func serveSchema(doc []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		_, _ = w.Write(doc)
	}
}
