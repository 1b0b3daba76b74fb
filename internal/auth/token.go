package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the bearer token payload. Subject holds the user id.
type Claims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"caps,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// TokenService signs and verifies HS256 bearer tokens.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService returns a token service for the shared secret.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer}, nil
}

// Issue signs a token for the user with the given capabilities.
func (s *TokenService) Issue(userID uuid.UUID, capabilities []Capability, ttl time.Duration) (string, error) {
	now := time.Now()
	caps := make([]string, len(capabilities))
	for i, c := range capabilities {
		caps[i] = string(c)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capabilities: caps,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse verifies the token and returns the principal it describes.
func (s *TokenService) Parse(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, errors.New("invalid or expired token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid user id in token: %w", err)
	}
	return NewPrincipal(userID, claims.Capabilities, claims.Roles), nil
}

// Middleware authenticates every request with a bearer token and stores the
// principal in the request context. Requests without a valid token get 401.
func (s *TokenService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeUnauthorized(w, "missing or invalid token")
			return
		}
		principal, err := s.Parse(tokenString)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
