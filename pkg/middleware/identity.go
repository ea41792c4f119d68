package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"slotboard/pkg/auth"
	apperrors "slotboard/pkg/errors"
	httputil "slotboard/pkg/http"
	"slotboard/pkg/logger"
	"slotboard/pkg/model"
)

const identityKey contextKey = "identity"

type TokenValidator interface {
	ValidateToken(token string) (*model.Identity, error)
}

// Authenticate attaches the bearer token's identity to the request context.
// Requests without an Authorization header pass through anonymously so the
// public endpoints stay reachable; a present but bad token is rejected.
func Authenticate(tokens TokenValidator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				httputil.WriteError(w, apperrors.Unauthorized("Authorization header must be a bearer token"))
				return
			}

			identity, err := tokens.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				log.Warn("Rejected bearer token",
					"request_id", RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
					"error", err,
				)
				msg := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Token expired"
				}
				httputil.WriteError(w, apperrors.Unauthorized(msg))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func WithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the authenticated principal, or nil.
func IdentityFromContext(ctx context.Context) *model.Identity {
	identity, _ := ctx.Value(identityKey).(*model.Identity)
	return identity
}
