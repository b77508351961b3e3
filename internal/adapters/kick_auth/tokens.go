package kick_auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	// RefreshWindow is how close to expiry a token is refreshed.
	RefreshWindow = 15 * time.Minute
	// expirySkew is subtracted from expires_in when a token is stored.
	expirySkew = 15 * time.Minute
)

var (
	ErrNoTokens       = errors.New("no tokens stored")
	ErrNoRefreshToken = errors.New("no refresh_token stored")
)

// Tokens is the on-disk token file. ExpiresAt is Unix milliseconds.
type Tokens struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiresIn    *float64 `json:"expires_in,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

// TimeLeft is the remaining lifetime, negative once expired or unknown.
func (t Tokens) TimeLeft(now time.Time) time.Duration {
	if t.ExpiresAt == 0 {
		return -1
	}
	return time.UnixMilli(t.ExpiresAt).Sub(now)
}

// FileStore reads and writes the token JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Tokens{}, ErrNoTokens
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("read tokens: %w", err)
	}
	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return Tokens{}, fmt.Errorf("parse tokens %s: %w", s.path, err)
	}
	if t.AccessToken == "" {
		return Tokens{}, ErrNoTokens
	}
	return t, nil
}

func (s *FileStore) Save(t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	telemetry.Infof("kick_auth: tokens saved access=%s refresh=%s expires_at=%d scope=%q",
		Mask(t.AccessToken), Mask(t.RefreshToken), t.ExpiresAt, t.Scope)
	return nil
}

// TokenSource hands out a valid access token, refreshing it through the Kick
// OAuth server when it is close to expiry. Concurrent callers share a single
// refresh.
type TokenSource struct {
	store        *FileStore
	oauthHost    string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
	sf           singleflight.Group
}

type Option func(*TokenSource)

func WithHTTPClient(c *http.Client) Option { return func(ts *TokenSource) { ts.httpClient = c } }

func WithClock(now func() time.Time) Option { return func(ts *TokenSource) { ts.now = now } }

func NewTokenSource(store *FileStore, oauthHost, clientID, clientSecret string, opts ...Option) *TokenSource {
	ts := &TokenSource{
		store:        store,
		oauthHost:    strings.TrimRight(oauthHost, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// AccessToken returns the stored access token, refreshing first when fewer
// than RefreshWindow remain.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) {
	t, err := ts.store.Load()
	if err != nil {
		return "", err
	}
	if left := t.TimeLeft(ts.now()); left > RefreshWindow {
		return t.AccessToken, nil
	}
	refreshed, err := ts.refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// RefreshIfSoon refreshes when the stored token is within RefreshWindow of
// expiry. Without a refresh token it does nothing.
func (ts *TokenSource) RefreshIfSoon(ctx context.Context) (bool, error) {
	t, err := ts.store.Load()
	if err != nil || t.RefreshToken == "" {
		return false, nil
	}
	left := t.TimeLeft(ts.now())
	if left > RefreshWindow {
		return false, nil
	}
	telemetry.Infof("kick_auth: watchdog refresh (left %s)", left.Round(time.Second))
	if _, err := ts.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Status summarizes the stored token for the status endpoint.
type Status struct {
	HasTokens   bool   `json:"hasTokens"`
	SecondsLeft int64  `json:"secondsLeft"`
	Scope       string `json:"scope,omitempty"`
	CanRefresh  bool   `json:"canRefresh"`
}

func (ts *TokenSource) Status() Status {
	t, err := ts.store.Load()
	if err != nil {
		return Status{}
	}
	return Status{
		HasTokens:   true,
		SecondsLeft: int64(t.TimeLeft(ts.now()).Seconds()),
		Scope:       t.Scope,
		CanRefresh:  t.RefreshToken != "",
	}
}

func (ts *TokenSource) refresh(ctx context.Context) (Tokens, error) {
	v, err, shared := ts.sf.Do("refresh", func() (any, error) {
		current, err := ts.store.Load()
		if err != nil {
			return Tokens{}, err
		}
		// Another caller may have refreshed while we waited.
		if current.TimeLeft(ts.now()) > RefreshWindow {
			return current, nil
		}
		if current.RefreshToken == "" {
			return Tokens{}, ErrNoRefreshToken
		}

		telemetry.Infof("kick_auth: refreshing access token (left %s)", current.TimeLeft(ts.now()).Round(time.Second))
		fresh, err := ts.exchange(ctx, current.RefreshToken)
		if err != nil {
			return Tokens{}, err
		}
		merged := merge(current, fresh, ts.now())
		if err := ts.store.Save(merged); err != nil {
			return Tokens{}, err
		}
		return merged, nil
	})
	if err != nil {
		return Tokens{}, err
	}
	if shared {
		telemetry.Debugf("kick_auth: joined in-flight refresh")
	}
	return v.(Tokens), nil
}

func (ts *TokenSource) exchange(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", ts.clientID)
	form.Set("client_secret", ts.clientSecret)
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.oauthHost+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("refresh: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Tokens{}, fmt.Errorf("refresh failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var t Tokens
	if err := json.Unmarshal(body, &t); err != nil {
		return Tokens{}, fmt.Errorf("parse refresh response: %w", err)
	}
	if t.AccessToken == "" {
		return Tokens{}, fmt.Errorf("refresh response has no access_token")
	}
	return t, nil
}

// merge overlays fresh onto current and recomputes expires_at from
// expires_in.
func merge(current, fresh Tokens, now time.Time) Tokens {
	out := current
	out.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		out.RefreshToken = fresh.RefreshToken
	}
	if fresh.TokenType != "" {
		out.TokenType = fresh.TokenType
	}
	if fresh.Scope != "" {
		out.Scope = fresh.Scope
	}
	if fresh.ExpiresIn != nil {
		out.ExpiresIn = fresh.ExpiresIn
		lifetime := time.Duration(*fresh.ExpiresIn * float64(time.Second))
		out.ExpiresAt = now.Add(lifetime - expirySkew).UnixMilli()
	}
	return out
}

// Mask shortens a secret for logging.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
