package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/careloop-health/careslot/libs/auth"
	"github.com/careloop-health/careslot/libs/httpx"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/actor"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/directory"
)

// Authenticator resolves the acting identity once at the HTTP boundary and
// stores it in the request context. Two credential shapes are accepted:
// a bearer JWT (patients and staff), or a provider API key pair
// (X-Provider-Id + X-Api-Key) for back-office integrations, which acts as
// a receptionist of that provider.
type Authenticator struct {
	secret string
	dir    *directory.PgDirectory
}

func NewAuthenticator(secret string, dir *directory.PgDirectory) *Authenticator {
	return &Authenticator{secret: secret, dir: dir}
}

func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		act, ok := a.resolve(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(actor.WithContext(r.Context(), act)))
	})
}

func (a *Authenticator) resolve(w http.ResponseWriter, r *http.Request) (actor.Context, bool) {
	if raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); raw != "" && raw != r.Header.Get("Authorization") {
		claims, err := auth.ParseAndVerifyHS256(raw, a.secret)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return actor.Context{}, false
		}
		act, err := actor.FromClaims(claims)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "malformed token subject")
			return actor.Context{}, false
		}
		return act, true
	}

	providerID := strings.TrimSpace(r.Header.Get("X-Provider-Id"))
	apiKey := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if providerID != "" && apiKey != "" {
		pid, err := uuid.Parse(providerID)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "malformed provider id")
			return actor.Context{}, false
		}
		if err := a.dir.VerifyAPIKey(r.Context(), pid, apiKey); err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "provider api key rejected")
			return actor.Context{}, false
		}
		return actor.Context{ID: pid, Role: actor.RoleReceptionist, ProviderID: pid}, true
	}

	httpx.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
	return actor.Context{}, false
}
