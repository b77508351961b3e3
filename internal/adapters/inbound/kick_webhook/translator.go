package kick_webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventGiftSubscriptions    = "channel.subscription.gifts"
	EventCallbackVerification = "webhook_callback_verification"
	DefaultGiftsPerSpin       = 5
	unknownEventType          = "unknown"
)

type Kind int

const (
	KindIgnored Kind = iota
	KindSpin
	KindChallenge
)

func (k Kind) String() string {
	switch k {
	case KindSpin:
		return "spin"
	case KindChallenge:
		return "challenge"
	default:
		return "ignored"
	}
}

// Schema identifies which gift payload layout a webhook used.
type Schema string

const (
	SchemaGiftees  Schema = "giftees"  // Kick v1: {"gifter":{…},"giftees":[…]}
	SchemaEnvelope Schema = "envelope" // {"data":{"gift_count":n}} or {"data":{"count":n}}
	SchemaFlat     Schema = "flat"     // {"gift_count":n} or {"count":n}
	SchemaUnknown  Schema = "unknown"
)

// Translation is the outcome of reading one verified webhook. Count is the
// number of spins owed and may be 0 for small gifts.
type Translation struct {
	Kind      Kind
	EventType string
	Schema    Schema
	GiftCount int
	Count     int
	Gifter    string
	Challenge json.RawMessage
}

type giftPayload struct {
	Type      json.RawMessage `json:"type"`
	Event     json.RawMessage `json:"event"`
	Name      json.RawMessage `json:"name"`
	Challenge json.RawMessage `json:"challenge"`
	Giftees   json.RawMessage `json:"giftees"`
	Data      json.RawMessage `json:"data"`
	GiftCount json.RawMessage `json:"gift_count"`
	Count     json.RawMessage `json:"count"`
	Gifter    json.RawMessage `json:"gifter"`
}

type giftEnvelopeData struct {
	GiftCount json.RawMessage `json:"gift_count"`
	Count     json.RawMessage `json:"count"`
}

type gifter struct {
	Username string `json:"username"`
}

// Translate maps a verified webhook body to a spin count, a verification
// challenge, or nothing. The only error is a body that is not JSON.
func Translate(eventType string, body []byte, giftsPerSpin int) (Translation, error) {
	if !json.Valid(body) {
		return Translation{}, fmt.Errorf("invalid JSON body (%d bytes)", len(body))
	}
	if giftsPerSpin <= 0 {
		giftsPerSpin = DefaultGiftsPerSpin
	}

	// Non-object JSON decodes to an empty payload.
	var p giftPayload
	_ = json.Unmarshal(body, &p)

	t := Translation{Kind: KindIgnored, EventType: effectiveType(eventType, p)}

	if t.EventType == EventCallbackVerification && truthy(p.Challenge) {
		t.Kind = KindChallenge
		t.Challenge = p.Challenge
		return t, nil
	}

	if t.EventType == EventGiftSubscriptions || jsonString(p.Name) == EventGiftSubscriptions {
		t.Kind = KindSpin
		t.Schema, t.GiftCount = giftCount(p)
		t.Count = t.GiftCount / giftsPerSpin
		t.Gifter = gifterName(p.Gifter)
	}
	return t, nil
}

func effectiveType(header string, p giftPayload) string {
	if header != "" {
		return header
	}
	for _, raw := range []json.RawMessage{p.Type, p.Event, p.Name} {
		if s := jsonString(raw); s != "" {
			return s
		}
	}
	return unknownEventType
}

// giftCount picks the first schema whose marker field is present.
func giftCount(p giftPayload) (Schema, int) {
	if isArray(p.Giftees) {
		var giftees []json.RawMessage
		if err := json.Unmarshal(p.Giftees, &giftees); err == nil {
			return SchemaGiftees, len(giftees)
		}
	}
	if truthy(p.Data) {
		var d giftEnvelopeData
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return SchemaEnvelope, 0
		}
		return SchemaEnvelope, firstCount(d.GiftCount, d.Count)
	}
	if truthy(p.GiftCount) || truthy(p.Count) {
		return SchemaFlat, firstCount(p.GiftCount, p.Count)
	}
	return SchemaUnknown, 0
}

// firstCount returns the first truthy value as a count. Non-numeric or
// negative values count as 0.
func firstCount(candidates ...json.RawMessage) int {
	for _, raw := range candidates {
		if truthy(raw) {
			return toCount(raw)
		}
	}
	return 0
}

func toCount(raw json.RawMessage) int {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}

	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		if x {
			f = 1
		}
	}
	if f <= 0 || f > 1e9 {
		return 0
	}
	return int(f)
}

func gifterName(raw json.RawMessage) string {
	var g gifter
	if len(raw) == 0 || json.Unmarshal(raw, &g) != nil || g.Username == "" {
		return "Anon"
	}
	return g.Username
}

func jsonString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

// truthy mirrors the loose truthiness webhook producers rely on: absent,
// null, false, 0 and "" are all "not set".
func truthy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f != 0
	}
	return true
}
