// Package api exposes the registry-mutation and delivery-toggle entry points
// over HTTP. Chat-platform command parsing stays outside the relay; whatever
// frontend exists talks to these endpoints instead.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/M1keZulu/3Commas-Discord/deliver"
	"github.com/M1keZulu/3Commas-Discord/registry"
)

// Subscriber is the session surface the API needs: add and remove
// subscriptions on the shared connection.
type Subscriber interface {
	Subscribe(ctx context.Context, cred registry.Credential) error
	Unsubscribe(ctx context.Context, name string) (registry.Credential, error)
}

type Handler struct {
	session       Subscriber
	registry      *registry.Registry
	confirmations *deliver.Toggle
	logger        *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger.WithGroup("api") }
}

func NewHandler(session Subscriber, reg *registry.Registry, confirmations *deliver.Toggle, opts ...Option) *Handler {
	h := &Handler{
		session:       session,
		registry:      reg,
		confirmations: confirmations,
		logger:        slog.Default().WithGroup("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/subscriptions", h.listSubscriptions)
	mux.HandleFunc("POST /api/subscriptions", h.createSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{name}", h.deleteSubscription)
	mux.HandleFunc("GET /api/confirmations", h.getConfirmations)
	mux.HandleFunc("PUT /api/confirmations", h.setConfirmations)
	mux.HandleFunc("GET /api/healthz", h.healthz)
}

type subscriptionRequest struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.registry.Names()})
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Name == "" || req.APIKey == "" || req.SecretKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name, api_key and secret_key are required"})
		return
	}

	cred := registry.Credential{Name: req.Name, APIKey: req.APIKey, SecretKey: req.SecretKey}
	if err := h.session.Subscribe(r.Context(), cred); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "subscription with provided credentials already exists"})
			return
		}
		h.logger.Error("subscribe failed", slog.String("name", req.Name), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "subscribe failed"})
		return
	}

	h.logger.Info("subscription added", slog.String("name", req.Name))
	// The secret never goes back out.
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if _, err := h.session.Unsubscribe(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "subscription not found"})
			return
		}
		h.logger.Error("unsubscribe failed", slog.String("name", name), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "unsubscribe failed"})
		return
	}

	h.logger.Info("subscription removed", slog.String("name", name))
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (h *Handler) getConfirmations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.confirmations.Enabled()})
}

func (h *Handler) setConfirmations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	h.confirmations.Set(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"subscriptions": h.registry.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
