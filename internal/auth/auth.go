// Package auth issues and checks admin JWTs for the pipeline control endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flashreport/flashreport/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const userIDContextKey contextKey = "userID"

const issuer = "flashreport"

// ErrDisabled is returned when admin auth is not configured.
var ErrDisabled = errors.New("admin authentication is not configured")

// Authenticator checks the admin password and signs tokens.
type Authenticator struct {
	secret        []byte
	passwordHash  string
	tokenDuration time.Duration
	now           func() time.Time
}

// New creates an Authenticator from cfg.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:        []byte(cfg.JWTSecret),
		passwordHash:  cfg.AdminPasswordHash,
		tokenDuration: cfg.TokenDuration,
		now:           time.Now,
	}
}

// Enabled reports whether both a signing secret and a password hash are set.
// Without them every protected endpoint refuses access.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0 && a.passwordHash != ""
}

// Claims represents the JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Login checks password and returns a signed token with its expiry.
func (a *Authenticator) Login(password string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	if !CheckPassword(password, a.passwordHash) {
		return "", time.Time{}, fmt.Errorf("invalid credentials")
	}
	return a.GenerateToken("admin")
}

// GenerateToken creates a new JWT for userID.
func (a *Authenticator) GenerateToken(userID string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.tokenDuration)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT and returns the user ID.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", ErrDisabled
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.UserID, nil
	}
	return "", fmt.Errorf("invalid token")
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a password with a hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || tokenString == "" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		userID, err := a.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}
