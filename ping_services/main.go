// Ping the services the overlay depends on to measure network latency.
//
// Measures cold and warm HTTP round-trips against the Kick public API, the
// Kick OAuth host and the overlay server's /health route, and optionally
// websocket ping/pong latency on the overlay's /ws endpoint (the path OBS
// overlays use).
//
// Usage:
//
//	go run ./ping_services                          # default: 20 requests
//	go run ./ping_services -n 50                    # 50 requests per endpoint
//	go run ./ping_services -server https://my.host  # remote overlay server
//	go run ./ping_services --ws                     # also measure /ws ping/pong
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/spin-overlay/internal/config"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	kickAPIProbePath = "/public/v1/users"
	oauthProbePath   = "/.well-known/openid-configuration"
	httpTimeout      = 10 * time.Second
	ipifyV4          = "https://api4.ipify.org"
)

type target struct {
	name string
	url  string
}

func main() {
	cfg := config.Load()

	n := flag.Int("n", 20, "Number of requests per endpoint")
	server := flag.String("server", "http://localhost:"+fmt.Sprint(cfg.HTTPPort), "Overlay server base URL")
	ws := flag.Bool("ws", false, "Also measure overlay WebSocket ping/pong latency")
	flag.Parse()

	ipv4 := fetchURL(ipifyV4)
	if ipv4 == "" {
		ipv4 = "unavailable"
	}
	fmt.Printf("\nPinging services from %s\n", ipv4)

	base := strings.TrimRight(*server, "/")
	targets := []target{
		{"KICK API", cfg.KickAPIBaseURL + kickAPIProbePath},
		{"KICK OAUTH", cfg.KickOAuthHost + oauthProbePath},
		{"OVERLAY SERVER", base + "/health"},
	}
	for _, t := range targets {
		pingHTTP(t, *n)
	}

	if *ws {
		wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
		pingOverlayWS(wsURL, *n)
	}
	fmt.Println()
}

func header(title string) {
	fmt.Printf("\n== %s %s\n", title, strings.Repeat("=", max(0, 60-len(title))))
}

// pingHTTP reports latency for any status code; an unauthenticated Kick API
// call answering 401 still measures the round-trip.
func pingHTTP(t target, n int) {
	header(t.name + " " + t.url)

	cold, code, err := measureHTTP(t.url, nil)
	if err != nil {
		fmt.Printf("  cold: FAILED %v\n", err)
		return
	}
	fmt.Printf("  cold (DNS + TLS + HTTP): %s  (HTTP %d)\n", cold.Round(100*time.Microsecond), code)

	client := &http.Client{Timeout: httpTimeout}
	if _, _, err := measureHTTP(t.url, client); err != nil {
		fmt.Printf("  warm-up: FAILED %v\n", err)
		return
	}
	samples := make([]time.Duration, 0, n)
	failures := 0
	for range n {
		d, _, err := measureHTTP(t.url, client)
		if err != nil {
			failures++
			continue
		}
		samples = append(samples, d)
	}
	if failures > 0 {
		fmt.Printf("  %d/%d warm requests failed\n", failures, n)
	}
	printStats(samples, "warm keep-alive")
}

func measureHTTP(url string, client *http.Client) (time.Duration, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	c := client
	if c == nil {
		c = &http.Client{Timeout: httpTimeout}
	}
	start := time.Now()
	resp, err := c.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	return elapsed, resp.StatusCode, nil
}

// pingOverlayWS connects like an overlay does. The connection counts as a
// recipient while open, so avoid running it during a live stream.
func pingOverlayWS(wsURL string, n int) {
	header("OVERLAY WEBSOCKET " + wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		fmt.Printf("  dial: FAILED %v\n", err)
		return
	}
	defer conn.Close()

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	// Control frames are only processed while reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	samples := make([]time.Duration, 0, n)
	defer func() { printStats(samples, "ping/pong") }()
	for range n {
		start := time.Now()
		if err := conn.WriteControl(websocket.PingMessage, nil, start.Add(5*time.Second)); err != nil {
			fmt.Printf("  ping: FAILED %v\n", err)
			return
		}
		select {
		case <-pongCh:
			samples = append(samples, time.Since(start))
		case <-time.After(5 * time.Second):
			fmt.Printf("  pong timeout after %d samples\n", len(samples))
			return
		}
	}
}

type summary struct {
	n                   int
	min, max, mean, p50 time.Duration
	p99, stdev          time.Duration
}

func summarize(samples []time.Duration) summary {
	lt := telemetry.NewLatencyTracker(len(samples))
	sum := summary{n: len(samples), min: samples[0], max: samples[0]}
	var total time.Duration
	for _, d := range samples {
		lt.Record(d)
		total += d
		sum.min = min(sum.min, d)
		sum.max = max(sum.max, d)
	}
	sum.mean = total / time.Duration(len(samples))
	sum.p50 = lt.P50()
	sum.p99 = lt.P99()

	var sq float64
	for _, d := range samples {
		diff := float64(d - sum.mean)
		sq += diff * diff
	}
	sum.stdev = time.Duration(math.Sqrt(sq / float64(len(samples)-1)))
	return sum
}

func printStats(samples []time.Duration, label string) {
	if len(samples) < 2 {
		fmt.Printf("\n  Not enough %s samples for statistics.\n", label)
		return
	}
	s := summarize(samples)
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

	fmt.Printf("\n  %s: %d samples\n", label, s.n)
	fmt.Printf("  %-8s %7.1f ms\n", "min", ms(s.min))
	fmt.Printf("  %-8s %7.1f ms\n", "p50", ms(s.p50))
	fmt.Printf("  %-8s %7.1f ms\n", "mean", ms(s.mean))
	fmt.Printf("  %-8s %7.1f ms\n", "p99", ms(s.p99))
	fmt.Printf("  %-8s %7.1f ms\n", "max", ms(s.max))
	fmt.Printf("  %-8s %7.1f ms\n", "stdev", ms(s.stdev))
}

func fetchURL(u string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var b [64]byte
	n, _ := resp.Body.Read(b[:])
	return strings.TrimSpace(string(b[:n]))
}
