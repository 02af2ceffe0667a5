// Package auth issues and verifies the bearer tokens that gate the
// HTTP surface and the worker/observer WebSocket upgrade handshakes.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims identifies the caller and, for worker sockets, carries a
// server_id. The hub does not compare that server_id with the one a
// worker sends in its register message.
type Claims struct {
	Subject  string `json:"sub"`
	Role     string `json:"role"`
	ServerID string `json:"server_id,omitempty"`
	jwt.RegisteredClaims
}

const (
	RoleWorker   = "worker"
	RoleObserver = "observer"
	RoleAdmin    = "admin"
	RoleUser     = "user"
)

type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl}
}

func (m *Manager) Generate(subject, role, serverID string) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject:  subject,
		Role:     role,
		ServerID: serverID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractTokenFromHeader reads "Authorization: Bearer <token>".
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}

// ExtractTokenFromQuery reads ?token=<token>, used by the WebSocket
// upgrade path where browser clients cannot set a custom header.
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	t := r.URL.Query().Get("token")
	if t == "" {
		return "", ErrMissingToken
	}
	return t, nil
}

// Authenticate tries the header first, falling back to the query
// string, and verifies whatever token it finds against requiredRole.
func (m *Manager) Authenticate(r *http.Request, requiredRole string) (*Claims, error) {
	tok, err := ExtractTokenFromHeader(r)
	if err != nil {
		tok, err = ExtractTokenFromQuery(r)
		if err != nil {
			return nil, err
		}
	}
	claims, err := m.Verify(tok)
	if err != nil {
		return nil, err
	}
	if requiredRole != "" && claims.Role != requiredRole {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware wraps an http.Handler requiring a valid token of
// requiredRole, used on the task/user admin routes.
func (m *Manager) Middleware(requiredRole string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.Authenticate(r, requiredRole)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := withClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
