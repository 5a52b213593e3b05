package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
)

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity is what a verified token tells us about its bearer.
type Identity struct {
	UserID    string
	Name      string
	TokenID   string
	ExpiresAt time.Time
}

// RevocationList reports tokens withdrawn before their expiry.
type RevocationList interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Verifier checks HMAC-signed session tokens.
type Verifier struct {
	secret  []byte
	revoked RevocationList
	logger  *slog.Logger
}

func NewVerifier(logger *slog.Logger, jwtSecret string, revoked RevocationList) *Verifier {
	return &Verifier{
		secret:  []byte(jwtSecret),
		revoked: revoked,
		logger:  logger.With(slog.String("component", "verifier")),
	}
}

func (v *Verifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	// Parse and validate the JWT token with HMAC signing
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, ErrExpiredToken
	}
	if err != nil || !token.Valid {
		v.logger.Debug("Rejected token", slog.Any("error", err))
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Identity{}, ErrRevokedToken
		}
	}

	identity := Identity{UserID: claims.Subject, Name: claims.Name, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// IssueToken signs a token for userID. Token issuance normally happens in
// the login service; this exists for tooling and tests.
func IssueToken(jwtSecret, userID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AppClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
