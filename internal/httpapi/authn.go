package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"keysafe.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if !auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole enforces that the caller holds one of the given roles. With
// auth disabled every caller passes.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	if !auth.Enabled() {
		return true
	}
	for _, role := range roles {
		if auth.HasRole(r.Context(), role) {
			return true
		}
	}
	writeError(w, r, http.StatusForbidden, "insufficient role")
	return false
}

// actorID resolves the acting user from the token, if any.
func (a *API) actorID(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

type tokenRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// handleToken mints a signed token for a user. The endpoint is a stand-in for
// a real identity provider; the directory stays the source of user records.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	token, err := auth.GenerateToken(req.UserID, req.Roles, time.Hour)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "token signing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(time.Hour.Seconds()),
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
