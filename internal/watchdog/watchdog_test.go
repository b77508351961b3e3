package watchdog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/spin-overlay/internal/adapters/outbound/kick_http"
)

type fakeAPI struct {
	mu        sync.Mutex
	subs      []kick_http.Subscription
	listErr   error
	bidErr    error
	created   []string
	listCalls int
}

func (f *fakeAPI) BroadcasterID(context.Context) (int64, error) {
	if f.bidErr != nil {
		return 0, f.bidErr
	}
	return 4242, nil
}

func (f *fakeAPI) ListSubscriptions(_ context.Context, bid int64) ([]kick_http.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]kick_http.Subscription(nil), f.subs...), nil
}

func (f *fakeAPI) SubscribeGifts(_ context.Context, bid int64, callback string) ([]kick_http.SubscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, callback)
	f.subs = append(f.subs, kick_http.Subscription{ID: "new", Event: kick_http.GiftsEventName, Callback: callback, BroadcasterUserID: bid})
	return []kick_http.SubscribeResult{{Name: kick_http.GiftsEventName, Version: 1, SubscriptionID: "new"}}, nil
}

func (f *fakeAPI) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeTokens struct {
	calls     atomic.Int32
	refreshed bool
	err       error
}

func (f *fakeTokens) RefreshIfSoon(context.Context) (bool, error) {
	f.calls.Add(1)
	return f.refreshed, f.err
}

func TestCallbackStoreOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cb", "callback_url")

	s := NewCallbackStore(path, "https://public.example.com/")
	assert.Equal(t, "https://public.example.com/webhook", s.URL())

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("https://file.example.com/webhook\n"), 0o644))
	s = NewCallbackStore(path, "https://public.example.com")
	assert.Equal(t, "https://file.example.com/webhook", s.URL())

	require.NoError(t, s.Set("https://memory.example.com/webhook"))
	assert.Equal(t, "https://memory.example.com/webhook", s.URL())

	// persisted for the next process
	assert.Equal(t, "https://memory.example.com/webhook", NewCallbackStore(path, "").URL())
}

func TestCallbackStoreEmpty(t *testing.T) {
	s := NewCallbackStore(filepath.Join(t.TempDir(), "missing"), "")
	assert.Equal(t, "", s.URL())
	assert.Error(t, s.Set("   "))
}

func TestWebhookURL(t *testing.T) {
	assert.Equal(t, "", WebhookURL(""))
	assert.Equal(t, "https://x.dev/webhook", WebhookURL("https://x.dev"))
	assert.Equal(t, "https://x.dev/webhook", WebhookURL("https://x.dev/webhook/"))
	assert.Equal(t, "https://x.dev/hooks/webhook", WebhookURL("https://x.dev/hooks/webhook"))
}

func TestEnsureSubscribedCreatesOnce(t *testing.T) {
	api := &fakeAPI{subs: []kick_http.Subscription{{ID: "other", Event: "chat.message.sent", Callback: "https://x.dev/webhook"}}}
	w := New(api, &fakeTokens{}, NewCallbackStore("", "https://x.dev"))

	res, err := w.EnsureSubscribed(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Subscribed)
	assert.Equal(t, []string{"https://x.dev/webhook"}, api.created)

	res, err = w.EnsureSubscribed(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Subscribed)
	require.NotNil(t, res.Subscription)
	assert.Equal(t, "new", res.Subscription.ID)
	assert.Equal(t, 1, api.createdCount())

	st := w.Status()
	assert.True(t, st.Subscribed)
	assert.Equal(t, "https://x.dev/webhook", st.CallbackURL)
	assert.Empty(t, st.LastError)
}

func TestEnsureSubscribedWithoutURL(t *testing.T) {
	api := &fakeAPI{}
	w := New(api, &fakeTokens{}, NewCallbackStore("", ""))

	res, err := w.EnsureSubscribed(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Subscribed)
	assert.Zero(t, api.listCalls)
}

func TestEnsureSubscribedListErrorStillSubscribes(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("boom")}
	w := New(api, &fakeTokens{}, NewCallbackStore("", "https://x.dev"))

	res, err := w.EnsureSubscribed(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestEnsureSubscribedRecordsError(t *testing.T) {
	api := &fakeAPI{bidErr: errors.New("no tokens stored")}
	w := New(api, &fakeTokens{}, NewCallbackStore("", "https://x.dev"))

	_, err := w.EnsureSubscribed(context.Background())
	require.Error(t, err)
	assert.Equal(t, "no tokens stored", w.Status().LastError)
}

func TestSubscribePersistsURL(t *testing.T) {
	api := &fakeAPI{}
	path := filepath.Join(t.TempDir(), "callback_url")
	w := New(api, &fakeTokens{}, NewCallbackStore(path, ""))

	_, err := w.Subscribe(context.Background(), "https://tunnel.dev/webhook")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://tunnel.dev/webhook"}, api.created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://tunnel.dev/webhook", string(data))
}

func TestLookupDoesNotCreate(t *testing.T) {
	api := &fakeAPI{}
	w := New(api, &fakeTokens{}, NewCallbackStore("", ""))

	res, err := w.Lookup(context.Background(), "https://x.dev/webhook")
	require.NoError(t, err)
	assert.False(t, res.Subscribed)
	assert.Nil(t, res.Subscription)
	assert.Zero(t, api.createdCount())
}

func TestRefreshTokenRecordsTime(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tokens := &fakeTokens{refreshed: true}
	w := New(&fakeAPI{}, tokens, NewCallbackStore("", ""), WithClock(func() time.Time { return now }))

	w.RefreshToken(context.Background())
	assert.Equal(t, now, w.Status().LastTokenRefresh)

	tokens.err = errors.New("refresh failed: 400")
	tokens.refreshed = false
	w.RefreshToken(context.Background())
	assert.Equal(t, now, w.Status().LastTokenRefresh)
}

func TestRunChecksSubscriptionAndToken(t *testing.T) {
	api := &fakeAPI{}
	tokens := &fakeTokens{}
	w := New(api, tokens, NewCallbackStore("", "https://x.dev"),
		WithIntervals(5*time.Millisecond, time.Hour, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return api.createdCount() == 1 && tokens.calls.Load() >= 1 },
		time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
