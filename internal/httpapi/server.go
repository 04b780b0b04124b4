package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/tides/internal/capability"
	"github.com/antoniostano/tides/internal/config"
	"github.com/antoniostano/tides/internal/conversation"
	"github.com/antoniostano/tides/internal/identity"
	"github.com/antoniostano/tides/internal/observability"
	"github.com/antoniostano/tides/internal/orchestrator"
	"github.com/antoniostano/tides/internal/protocol"
	"github.com/antoniostano/tides/internal/records"
)

// Coordinator routes one request for a verified caller.
type Coordinator interface {
	Handle(ctx context.Context, req protocol.Request, caller identity.Caller) (orchestrator.Outcome, error)
}

// PartitionLister reports the partitions a caller may read, in priority
// order.
type PartitionLister interface {
	DescribePartitions(caller identity.Caller) []records.PartitionInfo
}

type Deps struct {
	Coordinator   Coordinator
	Registry      *capability.Registry
	Partitions    PartitionLister
	Conversations *conversation.Store
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	InferenceMode string
}

type Server struct {
	cfg           config.Config
	coordinator   Coordinator
	registry      *capability.Registry
	partitions    PartitionLister
	conversations *conversation.Store
	metrics       *observability.Metrics
	logger        *zap.Logger
	inferenceMode string
	upgrader      websocket.Upgrader
	now           func() time.Time
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		coordinator:   deps.Coordinator,
		registry:      deps.Registry,
		partitions:    deps.Partitions,
		conversations: deps.Conversations,
		metrics:       deps.Metrics,
		logger:        logger,
		inferenceMode: deps.InferenceMode,
		now:           time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Gateways and other non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/capabilities", s.handleListCapabilities)
	r.Get("/v1/partitions", s.handleListPartitions)
	r.Get("/v1/conversations/{id}", s.handleGetConversation)
	r.Delete("/v1/conversations/{id}", s.handleResetConversation)
	r.Post("/v1/coordinator", s.handleCoordinate)
	r.Get("/v1/coordinator/ws", s.handleCoordinatorWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"routing_mode":       s.cfg.RoutingMode,
		"conversation_store": s.cfg.ConversationStore,
		"inference_mode":     s.inferenceMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil || s.registry.Len() == 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": "no capabilities registered"})
		return
	}
	body := map[string]any{
		"status":       "ready",
		"capabilities": s.registry.Len(),
	}
	if s.conversations != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		n, err := s.conversations.Count(ctx)
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": err.Error()})
			return
		}
		body["conversations"] = n
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.registry.Descriptors(),
	})
}

func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerOrReject(w, r)
	if !ok {
		return
	}
	if s.partitions == nil {
		respondJSON(w, http.StatusOK, map[string]any{"partitions": []records.PartitionInfo{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"partitions": s.partitions.DescribePartitions(caller),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerOrReject(w, r)
	if !ok {
		return
	}
	st, ok := s.ownedConversation(w, r, caller)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerOrReject(w, r)
	if !ok {
		return
	}
	st, ok := s.ownedConversation(w, r, caller)
	if !ok {
		return
	}
	if err := s.conversations.Reset(r.Context(), st.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "conversation_reset_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedConversation loads the conversation named in the path. Another
// caller's conversation is reported as missing.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request, caller identity.Caller) (*conversation.State, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_conversation_id", "missing conversation id")
		return nil, false
	}
	if s.conversations == nil {
		respondError(w, http.StatusNotFound, "conversation_not_found", "conversation store not configured")
		return nil, false
	}
	st, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "conversation_load_failed", err.Error())
		return nil, false
	}
	if st == nil || st.CallerID != caller.ID {
		respondError(w, http.StatusNotFound, "conversation_not_found", conversation.ErrNotFound.Error())
		return nil, false
	}
	return st, true
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.coordinatorCaller(w, r)
	if !ok {
		return
	}

	var req protocol.Request
	if err := decodeJSON(r, &req); err != nil {
		s.respondFailed(w, http.StatusBadRequest, fmt.Errorf("%w: %w", protocol.ErrValidation, err))
		return
	}

	out, err := s.coordinator.Handle(r.Context(), req, caller)
	if err != nil {
		s.logger.Info("coordinator request failed",
			zap.String("caller_id", caller.ID),
			zap.String("capability", out.Capability),
			zap.Error(err),
		)
	}
	respondJSON(w, statusFor(err), out.Envelope(err, s.now()))
}

// coordinatorCaller is callerOrReject for the routing endpoints, which
// answer every outcome with an envelope.
func (s *Server) coordinatorCaller(w http.ResponseWriter, r *http.Request) (identity.Caller, bool) {
	caller, err := identity.FromHeaders(r.Header)
	if err != nil {
		s.respondFailed(w, http.StatusUnauthorized, err)
		return identity.Caller{}, false
	}
	if s.coordinator == nil {
		s.respondFailed(w, http.StatusNotImplemented, errCoordinatorMissing)
		return identity.Caller{}, false
	}
	return caller, true
}

func (s *Server) respondFailed(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, protocol.FailedEnvelope(err, s.now()))
}

func (s *Server) callerOrReject(w http.ResponseWriter, r *http.Request) (identity.Caller, bool) {
	caller, err := identity.FromHeaders(r.Header)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "missing_caller", err.Error())
		return identity.Caller{}, false
	}
	return caller, true
}

// statusFor maps a routing error to the HTTP status of its envelope.
func statusFor(err error) int {
	var execErr *orchestrator.ExecutionError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orchestrator.ErrRouting), errors.Is(err, records.ErrDataUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, records.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &execErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var (
	errEmptyBody          = errors.New("empty body")
	errCoordinatorMissing = errors.New("coordinator not configured")
)

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
