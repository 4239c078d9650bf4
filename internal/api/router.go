// Package api serves the read side of the relay: conversation lists,
// message history and read markers.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/omochice/pairchat/internal/auth"
	"github.com/omochice/pairchat/internal/store"
)

// Verifier authorizes bearer tokens.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Handler serves the history routes.
type Handler struct {
	store    store.Store
	verifier Verifier
	logger   *slog.Logger
}

// New creates a Handler.
func New(s store.Store, verifier Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{store: s, verifier: verifier, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/conversations", h.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{roomId}/messages", h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{roomId}/read", h.markRead).Methods(http.MethodPost)
}

// NewRouter returns a router serving only the history routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

type identityKey struct{}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}
