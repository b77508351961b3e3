// Package session issues and checks the signed wheel_sess cookie and guards
// admin-only routes.
package session

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	CookieName     = "wheel_sess"
	AdminKeyHeader = "X-Admin-Key"
	MaxAge         = 30 * 24 * time.Hour
	audience       = "spin-overlay"
)

var ErrUnauthorized = errors.New("unauthorized")

type claims struct {
	jwt.RegisteredClaims
	BroadcasterID int64 `json:"bid"`
}

// Manager signs sessions with an HMAC secret and checks the admin key.
type Manager struct {
	secret   []byte
	adminKey string
	secure   bool
	now      func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager marks cookies Secure when secure is set (production).
func NewManager(secret, adminKey string, secure bool, opts ...Option) *Manager {
	m := &Manager{secret: []byte(secret), adminKey: adminKey, secure: secure, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue sets a session cookie for broadcasterID on w.
func (m *Manager) Issue(w http.ResponseWriter, broadcasterID int64) error {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(broadcasterID, 10),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(MaxAge)),
		},
		BroadcasterID: broadcasterID,
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// BroadcasterID returns the id carried by a valid session cookie.
func (m *Manager) BroadcasterID(r *http.Request) (int64, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return 0, ErrUnauthorized
	}

	var parsed claims
	_, err = jwt.ParseWithClaims(cookie.Value, &parsed, func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if parsed.BroadcasterID == 0 {
		return 0, ErrUnauthorized
	}
	return parsed.BroadcasterID, nil
}

// HasAdminKey reports whether r carries the configured admin key. An empty
// configured key never matches.
func (m *Manager) HasAdminKey(r *http.Request) bool {
	got := r.Header.Get(AdminKeyHeader)
	return m.adminKey != "" && subtle.ConstantTimeCompare([]byte(got), []byte(m.adminKey)) == 1
}

// Authorized accepts either the admin key or a valid session.
func (m *Manager) Authorized(r *http.Request) bool {
	if m.HasAdminKey(r) {
		return true
	}
	_, err := m.BroadcasterID(r)
	return err == nil
}

// RequireAdmin wraps next so it only runs for authorized requests; others
// get 401 {"ok":false,"error":"Unauthorized"}.
func (m *Manager) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.Authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"ok":false,"error":"Unauthorized"}`))
			return
		}
		next(w, r)
	}
}
