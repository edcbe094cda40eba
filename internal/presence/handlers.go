package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
)

// claims are the JWT claims staff device tokens carry. Identity is the
// device identity the carrier rings.
type claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// Handlers exposes the presence API: register/heartbeat, logout, and an
// online listing for dashboards. All routes require a bearer token signed
// with the shared presence secret.
type Handlers struct {
	store  *Store
	secret []byte
	logger *slog.Logger
}

// NewHandlers creates presence Handlers.
func NewHandlers(store *Store, secret string, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:  store,
		secret: []byte(secret),
		logger: logger.With("component", "presence_api"),
	}
}

// Routes mounts the presence API on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Use(h.requireToken)
	r.Post("/register", h.handleRegister)
	r.Post("/logout", h.handleLogout)
	r.Get("/", h.handleList)
}

// requireToken rejects requests without a valid bearer token. Handlers
// parse the token again to read the device identity.
func (h *Handlers) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.identityFrom(r); err != nil {
			h.logger.Warn("rejected presence request", "error", err, "remote_addr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) identityFrom(r *http.Request) (string, error) {
	if len(h.secret) == 0 {
		return "", fmt.Errorf("presence secret not configured")
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", fmt.Errorf("missing bearer token")
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !parsed.Valid || c.Identity == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return c.Identity, nil
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identityFrom(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	h.store.Touch(identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identityFrom(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	h.store.Remove(identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "offline"})
}

func (h *Handlers) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"online": h.store.OnlineIdentities()})
}

// IssueToken mints a device token; used by the admin API and tests.
func (h *Handlers) IssueToken(identity string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Identity: identity})
	return token.SignedString(h.secret)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}
