package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/directory"
	"github.com/23blocks-OS/ai-maestro-amp/internal/envelope"
	"github.com/23blocks-OS/ai-maestro-amp/internal/federation"
	"github.com/23blocks-OS/ai-maestro-amp/internal/peers"
	"github.com/23blocks-OS/ai-maestro-amp/internal/relay"
	"github.com/23blocks-OS/ai-maestro-amp/internal/routing"
)

// ProviderHeader identifies the sending provider on federation requests.
const ProviderHeader = "X-AMP-Provider"

type ctxKey int

const agentKey ctxKey = iota

// errorBody is the wire shape of every structured error.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAgent)
		r.Post("/route", s.handleRoute)
		r.Get("/messages/pending", s.handlePending)
		r.Delete("/messages/pending", s.handleAcknowledge)
		r.Post("/messages/pending/ack", s.handleAcknowledgeBatch)
	})

	r.Post("/federation/deliver", s.handleFederationDeliver)
	r.Post("/hosts/register-peer", s.handleRegisterPeer)
	r.Get("/hosts/identity", s.handleIdentity)

	return r
}

// requireAgent resolves the bearer token to a local agent. Failures never
// reveal whether any particular token or agent exists.
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		agent, ok := s.agents.FindByToken(strings.TrimSpace(token))
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)))
	})
}

func callerAgent(r *http.Request) directory.Agent {
	agent, _ := r.Context().Value(agentKey).(directory.Agent)
	return agent
}

type routeRequest struct {
	To        string           `json:"to"`
	Subject   string           `json:"subject"`
	Payload   envelope.Payload `json:"payload"`
	Priority  string           `json:"priority,omitempty"`
	InReplyTo string           `json:"in_reply_to,omitempty"`
}

type routeResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Method      string `json:"method"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	QueuedAt    string `json:"queued_at,omitempty"`
	Trust       string `json:"trust,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.observeLatency("route", time.Since(start)) }()

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, routing.KindInvalidField, "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.To) == "" {
		s.writeError(w, http.StatusBadRequest, routing.KindMissingField, "to is required")
		return
	}
	priority, ok := envelope.ParsePriority(req.Priority)
	if !ok {
		s.writeError(w, http.StatusBadRequest, routing.KindInvalidField, "unknown priority "+req.Priority)
		return
	}
	payloadType, ok := envelope.ParsePayloadType(string(req.Payload.Type))
	if !ok {
		s.writeError(w, http.StatusBadRequest, routing.KindInvalidField, "unknown payload type "+string(req.Payload.Type))
		return
	}
	req.Payload.Type = payloadType

	res, err := s.engine.Route(r.Context(), callerAgent(r), req.To, req.Subject, req.Payload, priority, req.InReplyTo)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}
	s.metrics.recordRoute(res.Status, res.Method)
	s.writeJSON(w, http.StatusOK, resultResponse(res))
}

type federationRequest struct {
	Envelope        envelope.Envelope `json:"envelope"`
	Payload         envelope.Payload  `json:"payload"`
	SenderPublicKey string            `json:"sender_public_key,omitempty"`
}

func (s *Server) handleFederationDeliver(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.observeLatency("federation_deliver", time.Since(start)) }()

	var req federationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.recordFederation(federation.KindInvalidRequest)
		s.writeError(w, http.StatusBadRequest, federation.KindInvalidRequest, "malformed JSON body")
		return
	}

	var senderKey []byte
	if req.SenderPublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.SenderPublicKey)
		if err != nil {
			s.metrics.recordFederation(federation.KindInvalidRequest)
			s.writeError(w, http.StatusBadRequest, federation.KindInvalidRequest, "sender_public_key must be base64")
			return
		}
		senderKey = decoded
	}

	provider := strings.TrimSpace(r.Header.Get(ProviderHeader))
	res, err := s.gateway.Receive(r.Context(), provider, req.Envelope, req.Payload, senderKey)
	if err != nil {
		s.metrics.recordFederation(errorKind(err))
		s.writeRoutingError(w, err)
		return
	}
	s.metrics.recordFederation(res.Status)
	s.writeJSON(w, http.StatusOK, resultResponse(res))
}

type pendingResponse struct {
	Messages []relay.Entry `json:"messages"`
	Count    int           `json:"count"`
}

// handlePending drains the caller's relay queue. Entries queued before the
// agent had a stable id live under its bare name, so an empty id lookup
// retries by name.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	agent := callerAgent(r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, routing.KindInvalidField, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries := s.queue.Pending(agent.ID, limit)
	if len(entries) == 0 {
		entries = s.queue.Pending(agent.Name, limit)
	}
	if entries == nil {
		entries = []relay.Entry{}
	}
	s.writeJSON(w, http.StatusOK, pendingResponse{Messages: entries, Count: len(entries)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	agent := callerAgent(r)

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, routing.KindMissingField, "id is required")
		return
	}

	acked := s.queue.Acknowledge(agent.ID, id)
	if !acked {
		acked = s.queue.Acknowledge(agent.Name, id)
	}
	if acked {
		s.metrics.recordAcks(1)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": acked})
}

type batchAckRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleAcknowledgeBatch(w http.ResponseWriter, r *http.Request) {
	agent := callerAgent(r)

	var req batchAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, routing.KindInvalidField, "malformed JSON body")
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, routing.KindMissingField, "ids is required")
		return
	}
	if len(req.IDs) > relay.MaxBatchAck {
		s.writeError(w, http.StatusBadRequest, routing.KindInvalidField,
			"at most "+strconv.Itoa(relay.MaxBatchAck)+" ids per call")
		return
	}

	count := s.queue.AcknowledgeBatch(agent.ID, req.IDs)
	if count == 0 {
		count = s.queue.AcknowledgeBatch(agent.Name, req.IDs)
	}
	s.metrics.recordAcks(count)
	s.writeJSON(w, http.StatusOK, map[string]int{"acknowledged": count})
}

type registerPeerRequest struct {
	Host   peerHostBody       `json:"host"`
	Source *propagationSource `json:"source,omitempty"`
}

type peerHostBody struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

type propagationSource struct {
	Initiator        string `json:"initiator"`
	PropagationID    string `json:"propagation_id,omitempty"`
	PropagationDepth int    `json:"propagation_depth"`
}

type registerPeerResponse struct {
	Success      bool         `json:"success"`
	Registered   bool         `json:"registered"`
	AlreadyKnown bool         `json:"already_known"`
	Host         peers.Host   `json:"host"`
	KnownHosts   []peers.Host `json:"known_hosts"`
	Error        string       `json:"error,omitempty"`
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req registerPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.recordPeerRegistration("invalid")
		s.writeError(w, http.StatusBadRequest, routing.KindInvalidField, "malformed JSON body")
		return
	}

	host := peers.Host{
		ID:          req.Host.ID,
		Name:        req.Host.Name,
		URL:         req.Host.URL,
		Description: req.Host.Description,
		Aliases:     req.Host.Aliases,
	}
	var prop peers.Propagation
	if req.Source != nil {
		prop = peers.Propagation{
			Initiator: req.Source.Initiator,
			ID:        req.Source.PropagationID,
			Depth:     req.Source.PropagationDepth,
		}
	}

	res, err := s.peers.Register(host, prop)
	if err != nil {
		s.writePeerError(w, err)
		return
	}

	outcome := "registered"
	if res.AlreadyKnown {
		outcome = "already_known"
	}
	s.metrics.recordPeerRegistration(outcome)

	// Forward fresh registrations to the rest of the mesh. Re-announcements
	// of known peers are not forwarded; they would only echo around.
	if res.Registered && s.propagator != nil {
		go s.propagator.Announce(context.WithoutCancel(r.Context()), host, prop)
	}

	if res.KnownPeers == nil {
		res.KnownPeers = []peers.Host{}
	}
	s.writeJSON(w, http.StatusOK, registerPeerResponse{
		Success:      true,
		Registered:   res.Registered,
		AlreadyKnown: res.AlreadyKnown,
		Host:         res.Self,
		KnownHosts:   res.KnownPeers,
	})
}

type identityResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Tailscale   bool   `json:"tailscale"`
	IsSelf      bool   `json:"isSelf"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	self := s.peers.Self()
	s.writeJSON(w, http.StatusOK, identityResponse{
		ID:          self.ID,
		Name:        self.Name,
		URL:         self.URL,
		Description: self.Description,
		Version:     s.version,
		Tailscale:   s.tailscale,
		IsSelf:      true,
	})
}

func resultResponse(res routing.Result) routeResponse {
	out := routeResponse{
		ID:     res.ID,
		Status: res.Status,
		Method: res.Method,
		Trust:  string(res.Trust),
	}
	if !res.DeliveredAt.IsZero() {
		out.DeliveredAt = res.DeliveredAt.UTC().Format(time.RFC3339Nano)
	}
	if !res.QueuedAt.IsZero() {
		out.QueuedAt = res.QueuedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func errorKind(err error) string {
	var rerr *routing.RouteError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	var gerr *federation.GateError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return routing.KindInternal
}

// writeRoutingError maps routing and federation error kinds to HTTP
// statuses. Internal detail stays in the logs.
func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	kind := errorKind(err)
	s.metrics.recordError(kind)

	var gerr *federation.GateError
	if errors.As(err, &gerr) && gerr.Kind == federation.KindRateLimited {
		retryAfter := int(gerr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	status := http.StatusInternalServerError
	message := err.Error()
	switch kind {
	case routing.KindInvalidField, routing.KindMissingField,
		federation.KindMissingHeader, federation.KindInvalidRequest:
		status = http.StatusBadRequest
	case routing.KindForbidden:
		status = http.StatusForbidden
	case routing.KindNotFound:
		status = http.StatusNotFound
	case federation.KindDuplicateMessage:
		status = http.StatusConflict
	case federation.KindRateLimited:
		status = http.StatusTooManyRequests
	default:
		message = "internal error"
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeError(w, status, kind, message)
}

func (s *Server) writePeerError(w http.ResponseWriter, err error) {
	s.metrics.recordPeerRegistration("rejected")

	status := http.StatusBadRequest
	switch {
	case errors.Is(err, peers.ErrDepthExceeded):
		status = http.StatusForbidden
	case errors.Is(err, peers.ErrDuplicateBroadcast):
		status = http.StatusConflict
	case errors.Is(err, peers.ErrSelfRegistration),
		errors.Is(err, peers.ErrMissingID),
		errors.Is(err, peers.ErrMissingURL):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
		s.log.Error("peer registration failed", zap.Error(err))
		s.writeJSON(w, status, registerPeerResponse{Success: false, Error: "internal error"})
		return
	}
	s.writeJSON(w, status, registerPeerResponse{Success: false, Error: err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, errorBody{Error: kind, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", zap.Error(err))
	}
}
