package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/a-essam23/spacesync/internal/auth"
)

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// NewAuthMiddleware requires a Bearer token on the request and records the
// verified user id in the request metadata.
func NewAuthMiddleware(logger *slog.Logger, verifier TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}

			identity, err := verifier.Verify(r.Context(), r.Header.Get("Authorization"))
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				writeJSONError(w, http.StatusUnauthorized, "Missing token")
				return
			case errors.Is(err, auth.ErrExpiredToken):
				writeJSONError(w, http.StatusUnauthorized, "Token expired")
				return
			case errors.Is(err, auth.ErrRevokedToken):
				writeJSONError(w, http.StatusUnauthorized, "Token revoked")
				return
			case errors.Is(err, auth.ErrInvalidToken):
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP))
				writeJSONError(w, http.StatusUnauthorized, "Invalid token")
				return
			case err != nil:
				logger.Error("Token verification failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				writeJSONError(w, http.StatusServiceUnavailable, "Authentication unavailable")
				return
			}

			reqMeta.UserID = identity.UserID
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
