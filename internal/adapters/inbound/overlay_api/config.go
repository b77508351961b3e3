package overlay_api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/charleschow/spin-overlay/internal/core/wheel"
	"github.com/charleschow/spin-overlay/internal/fanout"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

type configRequest struct {
	Items json.RawMessage `json:"items"`
	Theme json.RawMessage `json:"theme"`
}

type goalsRequest struct {
	Goals json.RawMessage `json:"goals"`
}

func (h *Handler) getConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := h.wheel.LoadConfig()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"items": cfg.Items,
		"theme": cfg.Theme,
	})
}

func (h *Handler) saveConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing items[]")
		return
	}
	var items []wheel.ItemInput
	if !isArray(req.Items) || json.Unmarshal(req.Items, &items) != nil {
		writeError(w, http.StatusBadRequest, "Missing items[]")
		return
	}
	var theme *string
	var s string
	if json.Unmarshal(req.Theme, &s) == nil && isString(req.Theme) {
		theme = &s
	}

	saved, err := h.wheel.SaveConfig(items, theme)
	if err != nil {
		telemetry.Errorf("overlay_api: %v", err)
		writeError(w, http.StatusInternalServerError, "Save failed")
		return
	}

	n := h.overlays.Broadcast(fanout.NewConfig(saved.Items, saved.Theme))
	telemetry.Infof("overlay_api: config pushed to %d overlay(s)", n)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"items": saved.Items,
		"theme": saved.Theme,
	})
}

func (h *Handler) getGoals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "goals": h.wheel.LoadGoals()})
}

func (h *Handler) saveGoals(w http.ResponseWriter, r *http.Request) {
	var req goalsRequest
	_ = decodeJSON(r, &req)

	goals := []string{}
	if isArray(req.Goals) {
		var raw []json.RawMessage
		if json.Unmarshal(req.Goals, &raw) == nil {
			for _, g := range raw {
				goals = append(goals, stringify(g))
			}
		}
	}

	saved, err := h.wheel.SaveGoals(goals)
	if err != nil {
		telemetry.Errorf("overlay_api: %v", err)
		writeError(w, http.StatusInternalServerError, "Save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "goals": saved})
}

func isArray(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '['
}

func isString(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 0 && b[0] == '"'
}

// stringify keeps strings verbatim and stores any other value as its JSON
// text.
func stringify(raw json.RawMessage) string {
	var s string
	if isString(raw) && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
