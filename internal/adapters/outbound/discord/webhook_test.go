package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/spin-overlay/internal/events"
)

type capture struct {
	mu       sync.Mutex
	payloads []webhookPayload
	status   int
}

func (c *capture) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := NewNotifier("")
	assert.False(t, n.Enabled())
	require.NoError(t, n.SendText(context.Background(), "hi"))

	bus := events.NewBus()
	n.Subscribe(bus)
	bus.Publish(events.Event{Type: events.EventGiftSubscriptions, Payload: events.GiftSubscriptionsEvent{}})
	n.Wait()
}

func TestSendEmbedStampsTime(t *testing.T) {
	c := &capture{}
	n := NewNotifier(c.serve(t).URL)

	require.NoError(t, n.SendEmbed(context.Background(), Embed{Title: "x"}))
	require.Len(t, c.payloads, 1)
	_, err := time.Parse(time.RFC3339, c.payloads[0].Embeds[0].Timestamp)
	assert.NoError(t, err)
}

func TestSendErrors(t *testing.T) {
	c := &capture{status: http.StatusTooManyRequests}
	n := NewNotifier(c.serve(t).URL)
	assert.ErrorContains(t, n.SendText(context.Background(), "x"), "rate limited")

	c.status = http.StatusBadRequest
	assert.ErrorContains(t, n.SendText(context.Background(), "x"), "status=400")
}

func TestBusAlerts(t *testing.T) {
	c := &capture{}
	n := NewNotifier(c.serve(t).URL)
	bus := events.NewBus()
	n.Subscribe(bus)

	bus.Publish(events.Event{Type: events.EventGiftSubscriptions, Payload: events.GiftSubscriptionsEvent{
		Gifter: "alice", GiftCount: 10, Spins: 2,
	}})
	bus.Publish(events.Event{Type: events.EventSpinRolledBack, Payload: events.SpinEvent{Pending: 3}})
	n.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.payloads, 2)
	titles := []string{c.payloads[0].Embeds[0].Title, c.payloads[1].Embeds[0].Title}
	assert.ElementsMatch(t, []string{"alice gifted 10 sub(s)", "Spin waiting for overlay"}, titles)
}

func TestGiftEmbed(t *testing.T) {
	e := GiftEmbed(events.GiftSubscriptionsEvent{Gifter: "bob", GiftCount: 5, Spins: 1})
	assert.Equal(t, ColorGreen, e.Color)
	assert.Equal(t, "1", e.Fields[2].Value)

	e = GiftEmbed(events.GiftSubscriptionsEvent{Gifter: "bob", GiftCount: 2})
	assert.Equal(t, ColorBlue, e.Color)
}
