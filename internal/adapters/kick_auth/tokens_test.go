package kick_auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, tok *Tokens) *FileStore {
	t.Helper()
	s := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	if tok != nil {
		require.NoError(t, s.Save(*tok))
	}
	return s
}

func oauthServer(t *testing.T, calls *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "csecret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadMissingFile(t *testing.T) {
	_, err := newStore(t, nil).Load()
	require.ErrorIs(t, err, ErrNoTokens)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoTokens)
}

func TestAccessTokenFresh(t *testing.T) {
	var calls atomic.Int32
	srv := oauthServer(t, &calls, http.StatusOK, `{}`)
	store := newStore(t, &Tokens{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixedNow.Add(time.Hour).UnixMilli()})
	ts := NewTokenSource(store, srv.URL, "cid", "csecret", WithClock(func() time.Time { return fixedNow }))

	tok, err := ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1", tok)
	assert.Zero(t, calls.Load())
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := oauthServer(t, &calls, http.StatusOK, `{"access_token":"a2","expires_in":3600,"scope":"chat:write"}`)
	store := newStore(t, &Tokens{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixedNow.Add(10 * time.Minute).UnixMilli()})
	ts := NewTokenSource(store, srv.URL+"/", "cid", "csecret", WithClock(func() time.Time { return fixedNow }))

	tok, err := ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", tok)
	assert.EqualValues(t, 1, calls.Load())

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a2", saved.AccessToken)
	assert.Equal(t, "r1", saved.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, "chat:write", saved.Scope)
	assert.Equal(t, fixedNow.Add(45*time.Minute).UnixMilli(), saved.ExpiresAt)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := oauthServer(t, &calls, http.StatusOK, `{"access_token":"a2","refresh_token":"r2","expires_in":7200}`)
	store := newStore(t, &Tokens{AccessToken: "a1", RefreshToken: "r1"})
	ts := NewTokenSource(store, srv.URL, "cid", "csecret", WithClock(func() time.Time { return fixedNow }))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "a2", tok)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	store := newStore(t, &Tokens{AccessToken: "a1"})
	ts := NewTokenSource(store, "http://127.0.0.1:0", "cid", "csecret", WithClock(func() time.Time { return fixedNow }))

	_, err := ts.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrNoRefreshToken)

	refreshed, err := ts.RefreshIfSoon(context.Background())
	require.NoError(t, err)
	assert.False(t, refreshed)
}

func TestRefreshFailureSurfacesStatus(t *testing.T) {
	var calls atomic.Int32
	srv := oauthServer(t, &calls, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	store := newStore(t, &Tokens{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixedNow.UnixMilli()})
	ts := NewTokenSource(store, srv.URL, "cid", "csecret", WithClock(func() time.Time { return fixedNow }))

	refreshed, err := ts.RefreshIfSoon(context.Background())
	require.Error(t, err)
	assert.False(t, refreshed)
	assert.Contains(t, err.Error(), "400")

	saved, _ := store.Load()
	assert.Equal(t, "a1", saved.AccessToken)
}

func TestRefreshIfSoonSkipsLongLivedToken(t *testing.T) {
	var calls atomic.Int32
	srv := oauthServer(t, &calls, http.StatusOK, `{}`)
	store := newStore(t, &Tokens{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: fixedNow.Add(2 * time.Hour).UnixMilli()})
	ts := NewTokenSource(store, srv.URL, "cid", "csecret", WithClock(func() time.Time { return fixedNow }))

	refreshed, err := ts.RefreshIfSoon(context.Background())
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Zero(t, calls.Load())
}

func TestStatus(t *testing.T) {
	ts := NewTokenSource(newStore(t, nil), "", "", "")
	assert.Equal(t, Status{}, ts.Status())

	store := newStore(t, &Tokens{AccessToken: "a1", RefreshToken: "r1", Scope: "user:read", ExpiresAt: fixedNow.Add(time.Minute).UnixMilli()})
	ts = NewTokenSource(store, "", "", "", WithClock(func() time.Time { return fixedNow }))
	assert.Equal(t, Status{HasTokens: true, SecondsLeft: 60, Scope: "user:read", CanRefresh: true}, ts.Status())
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "****", Mask("short"))
	assert.Equal(t, "abcd…wxyz", Mask("abcdefghijklmnopqrstuvwxyz"))
}
