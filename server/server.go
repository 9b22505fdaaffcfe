// Package server exposes the mailbox service over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"tempmail-notifier/mailtm"
	"tempmail-notifier/pkg/mailbox"
	"tempmail-notifier/poll"
	"tempmail-notifier/render"
	"tempmail-notifier/service"
	"time"
)

const maxRequestBytes = 64 << 10

// Service is the request-path API.
type Service interface {
	Provision(ctx context.Context, sub mailbox.SubscriberID, localPart, secret string) (*service.Provisioned, error)
	CheckNow(ctx context.Context, sub mailbox.SubscriberID, cred mailbox.Credential) (*mailbox.Snapshot, error)
	FetchBody(ctx context.Context, sub mailbox.SubscriberID, cred mailbox.Credential, id string) (*service.Content, error)
	Stats(ctx context.Context) (service.Stats, error)
}

// Poller runs one poll pass on demand.
type Poller interface {
	Tick(ctx context.Context) (poll.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	service Service
	poller  Poller
	logger  *slog.Logger
	limiter *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Service            Service
	Poller             Poller
	Logger             *slog.Logger
	ProvisionPerMinute int // per client IP
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	perMinute := cfg.ProvisionPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Server{
		service: cfg.Service,
		poller:  cfg.Poller,
		logger:  cfg.Logger,
		limiter: newRateLimiter(perMinute, time.Minute),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/provision", s.handleProvision)
	mux.HandleFunc("/check", s.handleCheck)
	mux.HandleFunc("/message", s.handleMessage)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // provisioning waits on the provider
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	res, err := s.poller.Tick(r.Context())
	if errors.Is(err, poll.ErrBusy) {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "poll already in progress"})
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "check failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		poll.Result
	}{Status: "completed", Result: res})
}

type provisionRequest struct {
	LocalPart  string `json:"local_part"`
	Secret     string `json:"secret"`
	Subscriber int64  `json:"subscriber"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Provision rate limit exceeded", "ip", ip)
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests, try again later"})
		return
	}

	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Subscriber == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subscriber is required"})
		return
	}

	p, err := s.service.Provision(r.Context(), mailbox.SubscriberID(req.Subscriber), req.LocalPart, req.Secret)
	if err != nil {
		s.writeError(w, "provision", err)
		return
	}

	s.logger.Info("Mailbox provisioned", "subscriber", req.Subscriber, "address", p.Address, "ip", ip)
	s.writeJSON(w, http.StatusCreated, p)
}

type checkRequest struct {
	Credential string `json:"credential"`
	Subscriber int64  `json:"subscriber"`
}

type checkResponse struct {
	FetchedAt time.Time         `json:"fetched_at"`
	Display   string            `json:"display"`
	Messages  []mailbox.Message `json:"messages"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Subscriber == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subscriber is required"})
		return
	}

	snap, err := s.service.CheckNow(r.Context(), mailbox.SubscriberID(req.Subscriber), mailbox.Credential(strings.TrimSpace(req.Credential)))
	if err != nil {
		s.writeError(w, "check", err)
		return
	}
	s.writeJSON(w, http.StatusOK, checkResponse{
		FetchedAt: snap.FetchedAt,
		Messages:  snap.Messages,
		Display:   render.Inbox(snap.Messages),
	})
}

type messageResponse struct {
	service.Content

	Display string `json:"display"`
}

// handleMessage reads one message. The credential, if any, comes from the
// Authorization header so it never lands in access logs.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	sub, err := strconv.ParseInt(q.Get("subscriber"), 10, 64)
	if err != nil || sub == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subscriber is required"})
		return
	}
	id := q.Get("id")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id is required"})
		return
	}
	cred := mailbox.Credential(strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")))

	content, err := s.service.FetchBody(r.Context(), mailbox.SubscriberID(sub), cred, id)
	if err != nil {
		s.writeError(w, "read message", err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{
		Content: *content,
		Display: render.Message(content.From, content.Subject, content.Text),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeError(w, "stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status, msg := classify(err)
	if status >= 500 {
		s.logger.Error("Request failed", "op", op, "status", status, "error", err)
	} else {
		s.logger.Info("Request rejected", "op", op, "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNoSession):
		return http.StatusBadRequest, "no active mailbox, check one with a credential first"
	case mailtm.IsInvalidCredential(err):
		return http.StatusUnauthorized, "credential rejected by the mailbox provider"
	case mailtm.IsNotFound(err):
		return http.StatusNotFound, "message not found"
	case errors.Is(err, service.ErrNoContent):
		return http.StatusNotFound, "content unavailable"
	case errors.Is(err, mailtm.ErrAddressTaken):
		return http.StatusConflict, "address already taken, choose another"
	case errors.Is(err, service.ErrDomainUnavailable):
		return http.StatusBadGateway, "could not get a mailbox domain, try again"
	case errors.Is(err, service.ErrCredentialMintFailed):
		return http.StatusBadGateway, "could not get a credential for the new mailbox"
	default:
		return http.StatusBadGateway, "mailbox provider error"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
