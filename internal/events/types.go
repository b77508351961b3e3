package events

// GiftSubscriptionsEvent is published once per verified, non-duplicate
// channel.subscription.gifts webhook.
type GiftSubscriptionsEvent struct {
	MessageID string `json:"message_id"`
	Gifter    string `json:"gifter"`
	GiftCount int    `json:"gift_count"`
	Spins     int    `json:"spins"`
}

// SpinEvent describes one transition of the spin engine. Pending is the
// counter value after the transition.
type SpinEvent struct {
	Pending    int   `json:"pending"`
	Recipients int   `json:"recipients,omitempty"`
	CooldownMs int64 `json:"cooldown_ms,omitempty"`
	TimedOut   bool  `json:"timed_out,omitempty"`
}
