// overlay_sim is a headless stand-in for the OBS overlay. It connects to the
// server's /ws endpoint, logs every message, and reports each spin as
// finished after a fixed animation time, optionally announcing a random
// wheel segment in chat.
//
// Usage:
//
//	go run ./cmd/overlay_sim -server http://localhost:3000 -spin 8s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charleschow/spin-overlay/internal/core/wheel"
	"github.com/charleschow/spin-overlay/internal/fanout"
	"github.com/charleschow/spin-overlay/internal/session"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

func main() {
	server := flag.String("server", "http://localhost:3000", "overlay server base URL")
	spinTime := flag.Duration("spin", 8*time.Second, "simulated wheel animation time")
	announce := flag.Bool("announce", false, "post the landed segment to /chat/announce")
	adminKey := flag.String("admin-key", os.Getenv("ADMIN_KEY"), "admin key for /chat/announce")
	logLevel := flag.String("log", "info", "log level")
	flag.Parse()

	telemetry.Init(telemetry.ParseLogLevel(*logLevel))

	base := strings.TrimRight(*server, "/")
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := &simulator{
		base:     base,
		spinTime: *spinTime,
		announce: *announce,
		adminKey: *adminKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		spins:    make(chan struct{}, 64),
	}
	go sim.runSpins(ctx)

	client := fanout.NewClient(wsURL, sim.onMessage)
	client.ConnectWithRetry(ctx)
	telemetry.Infof("overlay_sim: stopped")
}

type simulator struct {
	base     string
	spinTime time.Duration
	announce bool
	adminKey string
	http     *http.Client
	spins    chan struct{}
}

func (s *simulator) onMessage(msg fanout.Inbound) {
	switch msg.Kind() {
	case fanout.ActionSpin:
		telemetry.Infof("overlay_sim: SPIN x%d", msg.Times)
		select {
		case s.spins <- struct{}{}:
		default:
			telemetry.Warnf("overlay_sim: spin queue full, dropping")
		}
	case fanout.ActionPending:
		telemetry.Infof("overlay_sim: greeted, %d pending", msg.Count)
	case fanout.TypeDelay:
		telemetry.Infof("overlay_sim: next spin in %ds (%d pending)", msg.TimeUntilNext, msg.Pending)
	case fanout.TypeConfig:
		telemetry.Infof("overlay_sim: config update theme=%s", msg.Theme)
	default:
		telemetry.Debugf("overlay_sim: unknown message %+v", msg)
	}
}

// runSpins animates one spin at a time, like the real overlay.
func (s *simulator) runSpins(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.spins:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.spinTime):
		}

		if s.announce {
			s.announceResult(ctx)
		}
		s.complete(ctx)
	}
}

func (s *simulator) complete(ctx context.Context) {
	var out struct {
		Completed bool `json:"completed"`
		Pending   int  `json:"pending"`
	}
	if err := s.call(ctx, http.MethodPost, "/spin/complete", nil, &out); err != nil {
		telemetry.Warnf("overlay_sim: complete: %v", err)
		return
	}
	telemetry.Infof("overlay_sim: spin complete (accepted=%t pending=%d)", out.Completed, out.Pending)
}

func (s *simulator) announceResult(ctx context.Context) {
	var cfg struct {
		Items []wheel.Item `json:"items"`
	}
	if err := s.call(ctx, http.MethodGet, "/config", nil, &cfg); err != nil || len(cfg.Items) == 0 {
		telemetry.Warnf("overlay_sim: no wheel config to announce from (%v)", err)
		return
	}
	label := pick(cfg.Items).Label
	body := strings.NewReader(fmt.Sprintf(`{"label":%q}`, label))
	if err := s.call(ctx, http.MethodPost, "/chat/announce", body, nil); err != nil {
		telemetry.Warnf("overlay_sim: announce %q: %v", label, err)
		return
	}
	telemetry.Infof("overlay_sim: announced %q", label)
}

// pick draws a segment with probability proportional to its weight.
func pick(items []wheel.Item) wheel.Item {
	total := 0
	for _, it := range items {
		total += it.Weight
	}
	if total <= 0 {
		return items[rand.IntN(len(items))]
	}
	r := rand.IntN(total)
	for _, it := range items {
		if r < it.Weight {
			return it
		}
		r -= it.Weight
	}
	return items[len(items)-1]
}

func (s *simulator) call(ctx context.Context, method, path string, body *strings.Reader, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, s.base+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, s.base+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.adminKey != "" {
		req.Header.Set(session.AdminKeyHeader, s.adminKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status=%d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
