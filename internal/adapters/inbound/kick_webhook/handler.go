package kick_webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/charleschow/spin-overlay/internal/events"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	maxBodyBytes     = 2 << 20
	defaultMaxSkew   = 5 * time.Minute
	defaultRateRPS   = 20
	defaultRateBurst = 50
)

// Handler receives Kick webhook POSTs, verifies and deduplicates them, and
// publishes gift events onto the bus.
//
// Routes:
//
//	POST /webhook  -> verify, dedup, translate, publish
//	GET  /webhook  -> reachability ping
//	HEAD /webhook  -> reachability ping
type Handler struct {
	verifier     *Verifier
	ledger       *Ledger
	bus          *events.Bus
	recorder     Recorder
	limiter      *rate.Limiter
	now          func() time.Time
	giftsPerSpin int
	maxSkew      time.Duration
}

type HandlerOption func(*Handler)

func WithRecorder(r Recorder) HandlerOption { return func(h *Handler) { h.recorder = r } }

func WithClock(now func() time.Time) HandlerOption { return func(h *Handler) { h.now = now } }

func WithGiftsPerSpin(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.giftsPerSpin = n
		}
	}
}

func WithMaxSkew(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.maxSkew = d
		}
	}
}

// WithRateLimit bounds inbound webhook throughput. Excess requests get 429
// and are retried by Kick.
func WithRateLimit(rps float64, burst int) HandlerOption {
	return func(h *Handler) { h.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewHandler(verifier *Verifier, ledger *Ledger, bus *events.Bus, opts ...HandlerOption) *Handler {
	h := &Handler{
		verifier:     verifier,
		ledger:       ledger,
		bus:          bus,
		limiter:      rate.NewLimiter(defaultRateRPS, defaultRateBurst),
		now:          time.Now,
		giftsPerSpin: DefaultGiftsPerSpin,
		maxSkew:      defaultMaxSkew,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires HTTP routes onto the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", h.handle)
	mux.HandleFunc("GET /webhook", h.ping)
	mux.HandleFunc("HEAD /webhook", h.ping)
}

type envelope struct {
	MessageID string
	Timestamp string
	Signature string
	EventType string
	Body      []byte
}

func readEnvelope(r *http.Request) envelope {
	return envelope{
		MessageID: headerOr(r, HeaderMessageID, legacyHeaderMessageID),
		Timestamp: headerOr(r, HeaderMessageTimestamp, legacyHeaderTimestamp),
		Signature: headerOr(r, HeaderSignature, legacyHeaderSignature),
		EventType: headerOr(r, HeaderEventType, legacyHeaderEventType),
	}
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	began := time.Now()
	start := h.now()
	telemetry.Metrics.WebhooksReceived.Inc()
	defer func() { telemetry.Metrics.WebhookLatency.Record(time.Since(began)) }()

	if !h.limiter.Allow() {
		h.reject(w, http.StatusTooManyRequests, "Rate limited")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "Bad webhook")
		return
	}

	env := readEnvelope(r)
	env.Body = body

	if env.MessageID == "" || env.Timestamp == "" || env.Signature == "" {
		telemetry.Warnf("webhook: %v (id=%q ts=%q sig_len=%d)", ErrMissingHeaders, env.MessageID, env.Timestamp, len(env.Signature))
		h.reject(w, http.StatusBadRequest, "Missing signature headers")
		return
	}

	if h.ledger.Seen(env.MessageID) {
		telemetry.Metrics.WebhookDuplicates.Inc()
		telemetry.Infof("webhook: duplicate message id %s", env.MessageID)
		writeText(w, http.StatusOK, "ok-duplicate")
		return
	}

	if err := CheckFreshness(env.Timestamp, h.now(), h.maxSkew); err != nil {
		telemetry.Warnf("webhook: %s rejected: %v", env.MessageID, err)
		if errors.Is(err, ErrStaleTimestamp) {
			h.reject(w, http.StatusBadRequest, "Stale timestamp")
		} else {
			h.reject(w, http.StatusBadRequest, "Invalid timestamp")
		}
		return
	}

	if !h.verifier.Verify(env.MessageID, env.Timestamp, env.Body, env.Signature) {
		telemetry.Warnf("webhook: %s signature mismatch (body=%d bytes)", env.MessageID, len(env.Body))
		h.reject(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	// A concurrent delivery of the same id may have passed Seen too.
	if !h.ledger.Claim(env.MessageID) {
		telemetry.Metrics.WebhookDuplicates.Inc()
		telemetry.Infof("webhook: duplicate message id %s (concurrent delivery)", env.MessageID)
		writeText(w, http.StatusOK, "ok-duplicate")
		return
	}

	t, err := Translate(env.EventType, env.Body, h.giftsPerSpin)
	if err != nil {
		telemetry.Warnf("webhook: %s: %v", env.MessageID, err)
		h.reject(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	h.record(env, t, start)

	switch t.Kind {
	case KindChallenge:
		telemetry.Infof("webhook: answering callback verification challenge")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(struct {
			Challenge json.RawMessage `json:"challenge"`
		}{t.Challenge})
		return

	case KindSpin:
		telemetry.Metrics.GiftEvents.Inc()
		telemetry.Infof("webhook: %s gifted %d sub(s) -> %d spin(s) [%s]", t.Gifter, t.GiftCount, t.Count, t.Schema)
		if t.Count > 0 {
			h.bus.Publish(events.Event{
				ID:        env.MessageID,
				Type:      events.EventGiftSubscriptions,
				Timestamp: start,
				Payload: events.GiftSubscriptionsEvent{
					MessageID: env.MessageID,
					Gifter:    t.Gifter,
					GiftCount: t.GiftCount,
					Spins:     t.Count,
				},
			})
		}

	default:
		telemetry.Infof("webhook: unhandled event type %s (%d bytes)", t.EventType, len(env.Body))
	}

	writeText(w, http.StatusOK, "ok")
}

func (h *Handler) record(env envelope, t Translation, at time.Time) {
	if h.recorder == nil {
		return
	}
	h.recorder.RecordWebhook(WebhookRecord{
		MessageID: env.MessageID,
		EventType: t.EventType,
		Kind:      t.Kind.String(),
		Schema:    string(t.Schema),
		GiftCount: t.GiftCount,
		Spins:     t.Count,
		Gifter:    t.Gifter,
		Received:  at,
		Body:      env.Body,
	})
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string) {
	telemetry.Metrics.WebhooksRejected.Inc()
	writeText(w, status, msg)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	telemetry.Debugf("webhook: %s ping from %s", r.Method, r.RemoteAddr)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeText(w, http.StatusOK, "webhook-get-ok")
}

func headerOr(r *http.Request, primary, legacy string) string {
	if v := r.Header.Get(primary); v != "" {
		return v
	}
	return r.Header.Get(legacy)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}
