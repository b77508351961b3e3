// Package watchdog keeps the Kick gift subscription and OAuth token alive in
// the background.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/charleschow/spin-overlay/internal/adapters/outbound/kick_http"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	defaultInitialDelay  = 2 * time.Second
	defaultSubInterval   = 5 * time.Minute
	defaultTokenInterval = 2 * time.Minute
)

// KickAPI is the subset of the Kick client the watchdog needs.
type KickAPI interface {
	BroadcasterID(ctx context.Context) (int64, error)
	ListSubscriptions(ctx context.Context, broadcasterID int64) ([]kick_http.Subscription, error)
	SubscribeGifts(ctx context.Context, broadcasterID int64, callback string) ([]kick_http.SubscribeResult, error)
}

type TokenRefresher interface {
	RefreshIfSoon(ctx context.Context) (bool, error)
}

// Result describes one subscription check.
type Result struct {
	CallbackURL  string                      `json:"callbackUrl"`
	Subscribed   bool                        `json:"subscribed"`
	Created      bool                        `json:"created"`
	Subscription *kick_http.Subscription     `json:"subscription"`
	Results      []kick_http.SubscribeResult `json:"results,omitempty"`
	All          []kick_http.Subscription    `json:"allSubscriptions"`
}

// Status is the watchdog's last known state.
type Status struct {
	CallbackURL      string    `json:"callbackUrl"`
	Subscribed       bool      `json:"subscribed"`
	LastCheck        time.Time `json:"lastCheck,omitzero"`
	LastError        string    `json:"lastError,omitempty"`
	LastTokenRefresh time.Time `json:"lastTokenRefresh,omitzero"`
}

type Watchdog struct {
	api       KickAPI
	tokens    TokenRefresher
	callbacks *CallbackStore
	now       func() time.Time

	initialDelay  time.Duration
	subInterval   time.Duration
	tokenInterval time.Duration

	checkMu sync.Mutex // serializes subscription checks

	mu     sync.Mutex
	status Status
}

type Option func(*Watchdog)

func WithIntervals(initialDelay, subscription, token time.Duration) Option {
	return func(w *Watchdog) {
		w.initialDelay = initialDelay
		w.subInterval = subscription
		w.tokenInterval = token
	}
}

func WithClock(now func() time.Time) Option { return func(w *Watchdog) { w.now = now } }

func New(api KickAPI, tokens TokenRefresher, callbacks *CallbackStore, opts ...Option) *Watchdog {
	w := &Watchdog{
		api:           api,
		tokens:        tokens,
		callbacks:     callbacks,
		now:           time.Now,
		initialDelay:  defaultInitialDelay,
		subInterval:   defaultSubInterval,
		tokenInterval: defaultTokenInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnsureSubscribed subscribes to gift events for the stored callback URL
// unless a matching subscription already exists. Without a callback URL it
// does nothing.
func (w *Watchdog) EnsureSubscribed(ctx context.Context) (Result, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	url := w.callbacks.URL()
	if url == "" {
		telemetry.Infof("watchdog: no callback url known yet, skipping subscription check")
		return Result{}, nil
	}

	res, err := w.ensure(ctx, url)
	w.record(res, err)
	return res, err
}

// Subscribe stores url as the callback and makes sure it is subscribed.
func (w *Watchdog) Subscribe(ctx context.Context, url string) (Result, error) {
	if err := w.callbacks.Set(url); err != nil {
		return Result{}, err
	}
	return w.EnsureSubscribed(ctx)
}

// Lookup reports whether a gift subscription exists for url without
// creating one.
func (w *Watchdog) Lookup(ctx context.Context, url string) (Result, error) {
	bid, err := w.api.BroadcasterID(ctx)
	if err != nil {
		return Result{}, err
	}
	subs, err := w.api.ListSubscriptions(ctx, bid)
	if err != nil {
		return Result{}, err
	}
	res := Result{CallbackURL: url, All: subs}
	if sub, ok := find(subs, url); ok {
		res.Subscribed = true
		res.Subscription = &sub
	}
	return res, nil
}

func (w *Watchdog) ensure(ctx context.Context, url string) (Result, error) {
	bid, err := w.api.BroadcasterID(ctx)
	if err != nil {
		telemetry.Warnf("watchdog: broadcaster id: %v", err)
		return Result{CallbackURL: url}, err
	}

	subs, err := w.api.ListSubscriptions(ctx, bid)
	if err != nil {
		// An unreadable list is treated as empty; Kick rejects true duplicates.
		telemetry.Warnf("watchdog: list subscriptions: %v", err)
		subs = []kick_http.Subscription{}
	}
	res := Result{CallbackURL: url, All: subs}
	if sub, ok := find(subs, url); ok {
		res.Subscribed = true
		res.Subscription = &sub
		telemetry.Debugf("watchdog: gift subscription %s present for %s", sub.ID, url)
		return res, nil
	}

	telemetry.Infof("watchdog: no gift subscription for %s, subscribing", url)
	created, err := w.api.SubscribeGifts(ctx, bid, url)
	if err != nil {
		telemetry.Warnf("watchdog: subscribe: %v", err)
		return res, err
	}
	res.Subscribed = true
	res.Created = true
	res.Results = created
	return res, nil
}

func find(subs []kick_http.Subscription, url string) (kick_http.Subscription, bool) {
	for _, s := range subs {
		if s.Matches(url) {
			return s, true
		}
	}
	return kick_http.Subscription{}, false
}

func (w *Watchdog) record(res Result, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.CallbackURL = res.CallbackURL
	w.status.Subscribed = res.Subscribed
	w.status.LastCheck = w.now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
}

// RefreshToken refreshes the OAuth token when it is about to expire.
func (w *Watchdog) RefreshToken(ctx context.Context) {
	refreshed, err := w.tokens.RefreshIfSoon(ctx)
	if err != nil {
		telemetry.Warnf("watchdog: token refresh failed: %v", err)
		return
	}
	if refreshed {
		w.mu.Lock()
		w.status.LastTokenRefresh = w.now()
		w.mu.Unlock()
	}
}

func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Run checks the subscription after the initial delay and then on every
// subscription interval, and the token on every token interval, until ctx is
// cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	first := time.NewTimer(w.initialDelay)
	defer first.Stop()
	subTicker := time.NewTicker(w.subInterval)
	defer subTicker.Stop()
	tokTicker := time.NewTicker(w.tokenInterval)
	defer tokTicker.Stop()

	telemetry.Infof("watchdog: started (subscription every %s, token every %s)", w.subInterval, w.tokenInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			_, _ = w.EnsureSubscribed(ctx)
		case <-subTicker.C:
			_, _ = w.EnsureSubscribed(ctx)
		case <-tokTicker.C:
			w.RefreshToken(ctx)
		}
	}
}
