package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charleschow/spin-overlay/internal/events"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const sendTimeout = 10 * time.Second

// Notifier posts moderator alerts to a Discord webhook. With no webhook URL
// every call is a no-op.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	wg         sync.WaitGroup
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

func (n *Notifier) SendText(ctx context.Context, msg string) error {
	return n.send(ctx, webhookPayload{Content: msg})
}

func (n *Notifier) SendEmbed(ctx context.Context, embed Embed) error {
	if embed.Timestamp == "" {
		embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return n.send(ctx, webhookPayload{Embeds: []Embed{embed}})
}

func (n *Notifier) send(ctx context.Context, payload webhookPayload) error {
	if !n.Enabled() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		telemetry.Warnf("discord: rate limited")
		return fmt.Errorf("discord rate limited")
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook: status=%d", resp.StatusCode)
	}
	return nil
}

const (
	ColorGreen  = 0x2ECC71
	ColorRed    = 0xE74C3C
	ColorYellow = 0xF1C40F
	ColorBlue   = 0x3498DB
)

// Subscribe posts an alert for every gift event and every spin that found no
// overlay connected. Alerts are sent in the background; the bus publisher is
// never blocked on Discord.
func (n *Notifier) Subscribe(bus *events.Bus) {
	if !n.Enabled() {
		return
	}
	bus.Subscribe(events.EventGiftSubscriptions, n.onGift)
	bus.Subscribe(events.EventSpinRolledBack, n.onRollback)
}

// Wait blocks until background alerts have been sent.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) onGift(evt events.Event) error {
	gift, ok := evt.Payload.(events.GiftSubscriptionsEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Payload)
	}
	n.async(GiftEmbed(gift))
	return nil
}

func (n *Notifier) onRollback(evt events.Event) error {
	spin, ok := evt.Payload.(events.SpinEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Payload)
	}
	n.async(Embed{
		Title:       "Spin waiting for overlay",
		Description: "No overlay is connected; the spin stays queued until one is.",
		Color:       ColorYellow,
		Fields:      []Field{{Name: "Pending", Value: fmt.Sprint(spin.Pending), Inline: true}},
	})
	return nil
}

func (n *Notifier) async(embed Embed) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := n.SendEmbed(ctx, embed); err != nil {
			telemetry.Warnf("discord: %s: %v", embed.Title, err)
		}
	}()
}

// GiftEmbed summarizes one gift webhook.
func GiftEmbed(g events.GiftSubscriptionsEvent) Embed {
	color := ColorBlue
	if g.Spins > 0 {
		color = ColorGreen
	}
	return Embed{
		Title: fmt.Sprintf("%s gifted %d sub(s)", g.Gifter, g.GiftCount),
		Color: color,
		Fields: []Field{
			{Name: "Gifter", Value: g.Gifter, Inline: true},
			{Name: "Gifts", Value: fmt.Sprint(g.GiftCount), Inline: true},
			{Name: "Spins", Value: fmt.Sprint(g.Spins), Inline: true},
		},
	}
}
