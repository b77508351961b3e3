package overlay_api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/charleschow/spin-overlay/internal/telemetry"
	"github.com/charleschow/spin-overlay/internal/watchdog"
)

const kickCallTimeout = 15 * time.Second

func (h *Handler) announce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	_ = decodeJSON(r, &req)
	label := strings.TrimSpace(req.Label)
	if label == "" {
		writeError(w, http.StatusBadRequest, "Missing label")
		return
	}
	if h.announcer == nil {
		writeError(w, http.StatusServiceUnavailable, "Chat not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), kickCallTimeout)
	defer cancel()
	if _, err := h.announcer.Announce(ctx, label); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	if h.subs == nil {
		writeError(w, http.StatusServiceUnavailable, "Kick API not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), kickCallTimeout)
	defer cancel()

	callback := watchdog.WebhookURL(requestBaseURL(r))
	res, err := h.subs.Lookup(ctx, callback)
	if err != nil {
		telemetry.Warnf("overlay_api: GET /subscribe: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"subscribed":       res.Subscribed,
		"callbackUrl":      callback,
		"subscription":     res.Subscription,
		"allSubscriptions": res.All,
	})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	if h.subs == nil {
		writeError(w, http.StatusServiceUnavailable, "Kick API not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), kickCallTimeout)
	defer cancel()

	callback := watchdog.WebhookURL(requestBaseURL(r))
	res, err := h.subs.Subscribe(ctx, callback)
	if err != nil {
		telemetry.Warnf("overlay_api: POST /subscribe: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": res})
}

func (h *Handler) checkSubscription(w http.ResponseWriter, r *http.Request) {
	if h.subs == nil {
		writeError(w, http.StatusServiceUnavailable, "Kick API not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), kickCallTimeout)
	defer cancel()

	telemetry.Infof("overlay_api: manual subscription check")
	if _, err := h.subs.EnsureSubscribed(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Subscription check completed"})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"ok":                  true,
		"hasTokens":           false,
		"scope":               nil,
		"broadcaster_user_id": nil,
		"subscriptions":       []any{},
		"overlays":            h.overlays.ClientCount(),
		"pending":             h.spins.PendingCount(),
		"state":               h.spins.State().String(),
		"timeUntilNext":       ceilSeconds(h.spins.TimeUntilNextSpin()),
		"uptimeSec":           int(time.Since(h.started).Seconds()),
	}

	if h.tokens != nil {
		ts := h.tokens.Status()
		out["hasTokens"] = ts.HasTokens
		out["tokens"] = ts
		if ts.Scope != "" {
			out["scope"] = ts.Scope
		}
	}
	if h.subs != nil {
		out["watchdog"] = h.subs.Status()
	}

	if hasTokens, _ := out["hasTokens"].(bool); hasTokens && h.users != nil {
		ctx, cancel := context.WithTimeout(r.Context(), kickCallTimeout)
		defer cancel()
		if bid, err := h.users.BroadcasterID(ctx); err == nil {
			out["broadcaster_user_id"] = bid
		} else {
			out["hasTokens"] = false
			out["error"] = err.Error()
		}
		if h.subs != nil && out["error"] == nil {
			if res, err := h.subs.Lookup(ctx, h.subs.Status().CallbackURL); err == nil {
				out["subscriptions"] = res.All
			}
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// issueSession exchanges the admin key for a session cookie bound to the
// broadcaster id from the body, or the token owner's id when omitted.
func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.HasAdminKey(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		BroadcasterID int64 `json:"broadcaster_user_id"`
	}
	_ = decodeJSON(r, &req)

	bid := req.BroadcasterID
	if bid == 0 {
		if h.users == nil {
			writeError(w, http.StatusBadRequest, "Missing broadcaster_user_id")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), kickCallTimeout)
		defer cancel()
		id, err := h.users.BroadcasterID(ctx)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		bid = id
	}

	if err := h.sessions.Issue(w, bid); err != nil {
		telemetry.Errorf("overlay_api: %v", err)
		writeError(w, http.StatusInternalServerError, "Session failed")
		return
	}
	telemetry.Infof("overlay_api: session issued for broadcaster %d", bid)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "broadcaster_user_id": bid})
}

func (h *Handler) logout(w http.ResponseWriter, _ *http.Request) {
	h.sessions.Clear(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requestBaseURL rebuilds the public origin, honouring reverse proxy headers.
func requestBaseURL(r *http.Request) string {
	proto := firstValue(r.Header.Get("X-Forwarded-Proto"))
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	host := firstValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
