package overlay_api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charleschow/spin-overlay/internal/adapters/kick_auth"
	"github.com/charleschow/spin-overlay/internal/adapters/outbound/kick_http"
	"github.com/charleschow/spin-overlay/internal/core/spins"
	"github.com/charleschow/spin-overlay/internal/core/wheel"
	"github.com/charleschow/spin-overlay/internal/session"
	"github.com/charleschow/spin-overlay/internal/telemetry"
	"github.com/charleschow/spin-overlay/internal/watchdog"
)

const (
	maxJSONBody       = 1 << 20
	defaultTriggerMax = 10
	// manualSpinMax bounds /test/{n}.
	manualSpinMax = 100
)

// SpinQueue is the spin engine as seen by the control routes.
type SpinQueue interface {
	EnqueueSpins(n int) int
	MarkSpinComplete() bool
	PendingCount() int
	TimeUntilNextSpin() time.Duration
	State() spins.State
}

// Broadcaster pushes messages to connected overlays.
type Broadcaster interface {
	Broadcast(msg any) int
	ClientCount() int
}

type Announcer interface {
	Announce(ctx context.Context, label string) (kick_http.ChatResult, error)
}

// Subscriptions manages the Kick gift subscription.
type Subscriptions interface {
	Lookup(ctx context.Context, url string) (watchdog.Result, error)
	Subscribe(ctx context.Context, url string) (watchdog.Result, error)
	EnsureSubscribed(ctx context.Context) (watchdog.Result, error)
	Status() watchdog.Status
}

type TokenStatus interface {
	Status() kick_auth.Status
}

type BroadcasterLookup interface {
	BroadcasterID(ctx context.Context) (int64, error)
}

// Handler serves the overlay control surface: spin completion and triggers,
// wheel configuration, goals, chat announcements, Kick subscription
// management, status and sessions.
//
// Routes:
//
//	POST /spin/complete       -> end the in-flight spin
//	GET  /spins/pending       -> backlog and countdown
//	GET  /trigger/spin        -> key-guarded manual enqueue (?key=&n=)
//	POST /test/{n}            -> admin manual enqueue
//	GET  /config, POST /config
//	GET  /goals,  POST /goals
//	POST /chat/announce       -> post the wheel result to chat
//	GET  /subscribe, POST /subscribe, POST /subscribe/check
//	GET  /status
//	POST /auth/session, POST /auth/logout
//	GET  /health
type Handler struct {
	spins      SpinQueue
	overlays   Broadcaster
	wheel      *wheel.Store
	sessions   *session.Manager
	announcer  Announcer
	subs       Subscriptions
	tokens     TokenStatus
	users      BroadcasterLookup
	triggerKey string
	triggerMax int
	started    time.Time
}

type Option func(*Handler)

func WithAnnouncer(a Announcer) Option { return func(h *Handler) { h.announcer = a } }

func WithSubscriptions(s Subscriptions) Option { return func(h *Handler) { h.subs = s } }

func WithTokenStatus(t TokenStatus) Option { return func(h *Handler) { h.tokens = t } }

func WithBroadcasterLookup(l BroadcasterLookup) Option { return func(h *Handler) { h.users = l } }

// WithTrigger sets the /trigger/spin key and the per-call cap. An empty key
// disables the route.
func WithTrigger(key string, maxSpins int) Option {
	return func(h *Handler) {
		h.triggerKey = key
		if maxSpins > 0 {
			h.triggerMax = maxSpins
		}
	}
}

func NewHandler(q SpinQueue, overlays Broadcaster, store *wheel.Store, sessions *session.Manager, opts ...Option) *Handler {
	h := &Handler{
		spins:      q,
		overlays:   overlays,
		wheel:      store,
		sessions:   sessions,
		triggerMax: defaultTriggerMax,
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires HTTP routes onto the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	admin := h.sessions.RequireAdmin

	mux.HandleFunc("POST /spin/complete", h.complete)
	mux.HandleFunc("GET /spins/pending", h.pending)
	mux.HandleFunc("GET /trigger/spin", h.trigger)
	mux.HandleFunc("POST /test/{n}", admin(h.manual))

	mux.HandleFunc("GET /config", h.getConfig)
	mux.HandleFunc("POST /config", admin(h.saveConfig))
	mux.HandleFunc("GET /goals", h.getGoals)
	mux.HandleFunc("POST /goals", admin(h.saveGoals))

	mux.HandleFunc("POST /chat/announce", admin(h.announce))

	mux.HandleFunc("GET /subscribe", h.getSubscription)
	mux.HandleFunc("POST /subscribe", admin(h.subscribe))
	mux.HandleFunc("POST /subscribe/check", admin(h.checkSubscription))
	mux.HandleFunc("GET /status", h.status)

	mux.HandleFunc("POST /auth/session", h.issueSession)
	mux.HandleFunc("POST /auth/logout", h.logout)

	mux.HandleFunc("GET /health", h.health)
}

func (h *Handler) complete(w http.ResponseWriter, _ *http.Request) {
	completed := h.spins.MarkSpinComplete()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"completed": completed,
		"pending":   h.spins.PendingCount(),
	})
}

func (h *Handler) pending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"count":         h.spins.PendingCount(),
		"timeUntilNext": ceilSeconds(h.spins.TimeUntilNextSpin()),
		"state":         h.spins.State().String(),
	})
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.triggerKey == "" || !constantTimeEqual(q.Get("key"), h.triggerKey) {
		telemetry.Warnf("overlay_api: /trigger/spin rejected from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	n := clamp(parseIntOr(q.Get("n"), 1), 1, h.triggerMax)
	pending := h.spins.EnqueueSpins(n)
	telemetry.Infof("overlay_api: trigger enqueued %d spin(s)", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"requested": n,
		"pending":   pending,
	})
}

func (h *Handler) manual(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "n must be a positive integer")
		return
	}
	n = min(n, manualSpinMax)
	pending := h.spins.EnqueueSpins(n)
	telemetry.Infof("overlay_api: test enqueued %d spin(s)", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"requested": n,
		"pending":   pending,
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.Warnf("overlay_api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	return dec.Decode(v)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func parseIntOr(s string, fallback int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int(f)
	}
	return fallback
}

func clamp(n, lo, hi int) int {
	return max(lo, min(n, hi))
}
