package kick_http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

const (
	GiftsEventName    = "channel.subscription.gifts"
	GiftsEventVersion = 1
)

// Subscription is one Kick event subscription.
type Subscription struct {
	ID                string `json:"id"`
	AppID             string `json:"app_id,omitempty"`
	BroadcasterUserID int64  `json:"broadcaster_user_id"`
	Event             string `json:"event"`
	Version           int    `json:"version"`
	Method            string `json:"method"`
	Callback          string `json:"callback,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// Matches reports whether s delivers gift events to callback.
func (s Subscription) Matches(callback string) bool {
	return s.Event == GiftsEventName && s.Callback == callback
}

type subscriptionsResponse struct {
	Data []Subscription `json:"data"`
}

type subscribeEvent struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

type subscribeRequest struct {
	BroadcasterUserID int64            `json:"broadcaster_user_id"`
	Events            []subscribeEvent `json:"events"`
	Method            string           `json:"method"`
	Callback          string           `json:"callback,omitempty"`
}

// SubscribeResult is the per-event result returned by Kick.
type SubscribeResult struct {
	Name           string `json:"name"`
	Version        int    `json:"version"`
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error,omitempty"`
}

type subscribeResponse struct {
	Data []SubscribeResult `json:"data"`
}

// ListSubscriptions returns the broadcaster's event subscriptions.
func (c *Client) ListSubscriptions(ctx context.Context, broadcasterID int64) ([]Subscription, error) {
	var resp subscriptionsResponse
	path := "/public/v1/events/subscriptions?broadcaster_user_id=" + strconv.FormatInt(broadcasterID, 10)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if resp.Data == nil {
		return []Subscription{}, nil
	}
	return resp.Data, nil
}

// SubscribeGifts creates a webhook subscription for gift events delivered to
// callback.
func (c *Client) SubscribeGifts(ctx context.Context, broadcasterID int64, callback string) ([]SubscribeResult, error) {
	req := subscribeRequest{
		BroadcasterUserID: broadcasterID,
		Events:            []subscribeEvent{{Name: GiftsEventName, Version: GiftsEventVersion}},
		Method:            "webhook",
		Callback:          callback,
	}
	var resp subscribeResponse
	if err := c.post(ctx, "/public/v1/events/subscriptions", req, &resp); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", GiftsEventName, err)
	}
	return resp.Data, nil
}

// DeleteSubscriptions removes subscriptions by id.
func (c *Client) DeleteSubscriptions(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	path := "/public/v1/events/subscriptions?"
	for i, id := range ids {
		if i > 0 {
			path += "&"
		}
		path += "id=" + id
	}
	if _, _, err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	return nil
}
