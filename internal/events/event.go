package events

import "time"

// Event is the envelope that flows through the event bus.
// Every domain event (gift webhook, spin lifecycle change) is wrapped in one.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type EventType string

const (
	// Kick webhook events
	EventGiftSubscriptions EventType = "gift_subscriptions"
	// Spin lifecycle events
	EventSpinDelivered  EventType = "spin_delivered"
	EventSpinRolledBack EventType = "spin_rolled_back"
	EventSpinCompleted  EventType = "spin_completed"
)
