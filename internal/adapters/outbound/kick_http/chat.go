package kick_http

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	MaxChatLength  = 500
	announcePrefix = "🎯 Wheel of fortune: "
)

type chatRequest struct {
	BroadcasterUserID int64  `json:"broadcaster_user_id"`
	Content           string `json:"content"`
	Type              string `json:"type"`
}

// ChatResult is Kick's reply to a chat post.
type ChatResult struct {
	IsSent    bool   `json:"is_sent"`
	MessageID string `json:"message_id"`
}

type chatResponse struct {
	Data ChatResult `json:"data"`
}

// PostChat sends content to the broadcaster's chat as the token owner.
func (c *Client) PostChat(ctx context.Context, content string) (ChatResult, error) {
	bid, err := c.BroadcasterID(ctx)
	if err != nil {
		return ChatResult{}, err
	}
	req := chatRequest{
		BroadcasterUserID: bid,
		Content:           truncate(content, MaxChatLength),
		Type:              "user",
	}
	var resp chatResponse
	if err := c.post(ctx, "/public/v1/chat", req, &resp); err != nil {
		return ChatResult{}, fmt.Errorf("post chat: %w", err)
	}
	return resp.Data, nil
}

// Announce posts the wheel result for label.
func (c *Client) Announce(ctx context.Context, label string) (ChatResult, error) {
	res, err := c.PostChat(ctx, AnnouncementText(label))
	if err != nil {
		telemetry.Metrics.ChatErrors.Inc()
		telemetry.Warnf("kick_http: announce %q failed: %v", label, err)
		return ChatResult{}, err
	}
	telemetry.Metrics.ChatAnnouncements.Inc()
	return res, nil
}

// AnnouncementText formats the chat line for a wheel result.
func AnnouncementText(label string) string {
	return truncate(announcePrefix+strings.TrimSpace(label), MaxChatLength)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
