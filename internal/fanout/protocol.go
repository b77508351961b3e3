package fanout

import (
	"encoding/json"
	"fmt"
)

// Message actions and types understood by the overlay.
const (
	ActionSpin    = "spin"
	ActionPending = "pending"
	TypeDelay     = "delay"
	TypeConfig    = "config"
)

// SpinMessage tells overlays to run one spin now.
type SpinMessage struct {
	Action string `json:"action"`
	Times  int    `json:"times"`
}

// DelayMessage is the countdown shown while a spin waits for its cooldown.
type DelayMessage struct {
	Type          string `json:"type"`
	TimeUntilNext int    `json:"timeUntilNext"`
	Pending       int    `json:"pending"`
}

// PendingMessage greets a freshly connected overlay with the current backlog.
type PendingMessage struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// ConfigMessage pushes a saved wheel configuration to overlays.
type ConfigMessage struct {
	Type  string `json:"type"`
	Items any    `json:"items"`
	Theme string `json:"theme"`
}

func NewSpin() SpinMessage { return SpinMessage{Action: ActionSpin, Times: 1} }

func NewDelay(secondsLeft, pending int) DelayMessage {
	return DelayMessage{Type: TypeDelay, TimeUntilNext: secondsLeft, Pending: pending}
}

func NewPending(count int) PendingMessage { return PendingMessage{Action: ActionPending, Count: count} }

func NewConfig(items any, theme string) ConfigMessage {
	return ConfigMessage{Type: TypeConfig, Items: items, Theme: theme}
}

// Inbound is the decoded form of any message an overlay can receive. Exactly
// one of Action or Type is set.
type Inbound struct {
	Action        string          `json:"action,omitempty"`
	Type          string          `json:"type,omitempty"`
	Times         int             `json:"times,omitempty"`
	Count         int             `json:"count,omitempty"`
	TimeUntilNext int             `json:"timeUntilNext,omitempty"`
	Pending       int             `json:"pending,omitempty"`
	Theme         string          `json:"theme,omitempty"`
	Items         json.RawMessage `json:"items,omitempty"`
}

// Kind returns the action or type discriminator.
func (m Inbound) Kind() string {
	if m.Action != "" {
		return m.Action
	}
	return m.Type
}

// Decode parses one overlay message.
func Decode(data []byte) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, fmt.Errorf("unmarshal overlay message: %w", err)
	}
	if m.Kind() == "" {
		return m, fmt.Errorf("overlay message has neither action nor type")
	}
	return m, nil
}
