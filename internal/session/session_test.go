package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueCookie(t *testing.T, m *Manager, bid int64) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Issue(rec, bid))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestSessionRoundTrip(t *testing.T) {
	m := NewManager("secret", "", true)
	c := issueCookie(t, m, 4242)

	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int(MaxAge.Seconds()), c.MaxAge)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	bid, err := m.BroadcasterID(req)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), bid)
}

func TestSessionRejectsForeignSecret(t *testing.T) {
	c := issueCookie(t, NewManager("other", "", false), 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	_, err := NewManager("secret", "", false).BroadcasterID(req)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessionExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager("secret", "", false, WithClock(func() time.Time { return now }))
	c := issueCookie(t, m, 7)

	later := NewManager("secret", "", false, WithClock(func() time.Time { return now.Add(MaxAge + time.Minute) }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	_, err := later.BroadcasterID(req)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessionRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		BroadcasterID: 1,
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: signed})
	_, err = NewManager("secret", "", false).BroadcasterID(req)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestClearExpiresCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	NewManager("secret", "", false).Clear(rec)
	c := rec.Result().Cookies()[0]
	assert.Equal(t, CookieName, c.Name)
	assert.Negative(t, c.MaxAge)
}

func TestRequireAdmin(t *testing.T) {
	m := NewManager("secret", "admin-key", false)
	h := m.RequireAdmin(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"no credentials", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set(AdminKeyHeader, "nope") }, http.StatusUnauthorized},
		{"admin key", func(r *http.Request) { r.Header.Set(AdminKeyHeader, "admin-key") }, http.StatusNoContent},
		{"session", func(r *http.Request) { r.AddCookie(issueCookie(t, m, 9)) }, http.StatusNoContent},
		{"garbage cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: "x.y.z"}) }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/config", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestEmptyAdminKeyNeverMatches(t *testing.T) {
	m := NewManager("secret", "", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(AdminKeyHeader, "")
	assert.False(t, m.HasAdminKey(req))
}
