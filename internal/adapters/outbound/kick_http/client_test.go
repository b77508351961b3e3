package kick_http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) AccessToken(context.Context) (string, error) { return "", errors.New("no tokens stored") }

type fakeKick struct {
	userCalls atomic.Int32
	mu        sync.Mutex
	chats     []chatRequest
	subs      []subscribeRequest
	listed    []Subscription
}

func (f *fakeKick) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /public/v1/users", func(w http.ResponseWriter, r *http.Request) {
		f.userCalls.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"user_id":4242,"name":"streamer"}]}`))
	})
	mux.HandleFunc("GET /public/v1/events/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4242", r.URL.Query().Get("broadcaster_user_id"))
		_ = json.NewEncoder(w).Encode(subscriptionsResponse{Data: f.listed})
	})
	mux.HandleFunc("POST /public/v1/events/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var req subscribeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.subs = append(f.subs, req)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"data":[{"name":"channel.subscription.gifts","version":1,"subscription_id":"sub_1"}]}`))
	})
	mux.HandleFunc("POST /public/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.chats = append(f.chats, req)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"data":{"is_sent":true,"message_id":"m1"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBroadcasterIDCached(t *testing.T) {
	fk := &fakeKick{}
	c := NewClient(fk.serve(t).URL, staticToken("tok"))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bid, err := c.BroadcasterID(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, int64(4242), bid)
		}()
	}
	wg.Wait()

	bid, err := c.BroadcasterID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4242), bid)
	assert.EqualValues(t, 1, fk.userCalls.Load())
}

func TestSubscribeGiftsRequestShape(t *testing.T) {
	fk := &fakeKick{}
	c := NewClient(fk.serve(t).URL+"/", staticToken("tok"))

	res, err := c.SubscribeGifts(context.Background(), 4242, "https://example.com/webhook")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "sub_1", res[0].SubscriptionID)

	require.Len(t, fk.subs, 1)
	got := fk.subs[0]
	assert.Equal(t, int64(4242), got.BroadcasterUserID)
	assert.Equal(t, "webhook", got.Method)
	assert.Equal(t, "https://example.com/webhook", got.Callback)
	assert.Equal(t, []subscribeEvent{{Name: GiftsEventName, Version: 1}}, got.Events)
}

func TestListSubscriptions(t *testing.T) {
	fk := &fakeKick{listed: []Subscription{
		{ID: "a", Event: GiftsEventName, Callback: "https://x/webhook"},
		{ID: "b", Event: "chat.message.sent", Callback: "https://x/webhook"},
	}}
	c := NewClient(fk.serve(t).URL, staticToken("tok"))

	subs, err := c.ListSubscriptions(context.Background(), 4242)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.True(t, subs[0].Matches("https://x/webhook"))
	assert.False(t, subs[1].Matches("https://x/webhook"))
	assert.False(t, subs[0].Matches("https://y/webhook"))
}

func TestListSubscriptionsEmpty(t *testing.T) {
	c := NewClient((&fakeKick{}).serve(t).URL, staticToken("tok"))
	subs, err := c.ListSubscriptions(context.Background(), 4242)
	require.NoError(t, err)
	assert.NotNil(t, subs)
	assert.Empty(t, subs)
}

func TestAnnounce(t *testing.T) {
	fk := &fakeKick{}
	c := NewClient(fk.serve(t).URL, staticToken("tok"))

	res, err := c.Announce(context.Background(), "  Free hug ")
	require.NoError(t, err)
	assert.True(t, res.IsSent)

	require.Len(t, fk.chats, 1)
	assert.Equal(t, "🎯 Wheel of fortune: Free hug", fk.chats[0].Content)
	assert.Equal(t, "user", fk.chats[0].Type)
	assert.Equal(t, int64(4242), fk.chats[0].BroadcasterUserID)
}

func TestAnnouncementTextTruncated(t *testing.T) {
	got := AnnouncementText(strings.Repeat("é", 600))
	assert.Equal(t, MaxChatLength, len([]rune(got)))
	assert.True(t, strings.HasPrefix(got, "🎯 Wheel of fortune: "))
}

func TestStatusErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthorized"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, staticToken("tok")).BroadcasterID(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
}

func TestTokenErrorStopsRequest(t *testing.T) {
	fk := &fakeKick{}
	c := NewClient(fk.serve(t).URL, failingToken{})
	_, err := c.Announce(context.Background(), "x")
	require.Error(t, err)
	assert.Zero(t, fk.userCalls.Load())
}
