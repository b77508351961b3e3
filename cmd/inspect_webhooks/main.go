package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charleschow/spin-overlay/internal/adapters/inbound/kick_webhook"
)

func main() {
	match := flag.String("match", "", "substring to search for in the raw body (case-insensitive)")
	n := flag.Int("n", 10, "max results to return")
	kind := flag.String("kind", "", "filter webhooks by kind (spin, challenge, ignored)")
	spins := flag.Bool("spins", false, "list spin transitions instead of webhooks")
	pretty := flag.Bool("pretty", false, "pretty-print JSON")
	dbPath := flag.String("db", "data/webhooks.db", "path to webhook store")
	flag.Parse()

	if _, err := os.Stat(*dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "usage: go run ./cmd/inspect_webhooks [-db data/webhooks.db] [-n 10] [-match text] [-kind spin] [-spins] [-pretty]\n%v\n", err)
		os.Exit(1)
	}

	store, err := kick_webhook.OpenStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *spins {
		printSpins(store, *n)
		return
	}

	// Filtering happens client-side, so scan a wider window than n.
	recs, err := store.RecentWebhooks(max(*n*20, 200))
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}

	needle := strings.ToLower(*match)
	count := 0
	for _, rec := range recs {
		if count >= *n {
			break
		}
		if *kind != "" && rec.Kind != *kind {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(string(rec.Body)), needle) {
			continue
		}
		count++

		body := string(rec.Body)
		if *pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, rec.Body, "", "  "); err == nil {
				body = buf.String()
			}
		}
		fmt.Printf("--- id=%d msg=%s type=%s kind=%s schema=%s gifts=%d spins=%d gifter=%s received=%s bytes=%d ---\n%s\n\n",
			rec.ID, rec.MessageID, rec.EventType, rec.Kind, rec.Schema, rec.GiftCount, rec.Spins, rec.Gifter,
			rec.Received.Format("2006-01-02 15:04:05"), rec.ByteSize, body)
	}
	if count == 0 {
		fmt.Println("(no webhooks matching filters found)")
	} else {
		fmt.Printf("(%d results, %d compressed bytes stored)\n", count, store.TotalBytes())
	}
}

func printSpins(store *kick_webhook.Store, n int) {
	recs, err := store.RecentSpins(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		os.Exit(1)
	}
	for _, rec := range recs {
		extra := ""
		if rec.TimedOut {
			extra = " timed_out"
		}
		fmt.Printf("%s  %-12s pending=%d recipients=%d%s\n",
			rec.At.Format("2006-01-02 15:04:05.000"), rec.Kind, rec.Pending, rec.Recipients, extra)
	}
	if len(recs) == 0 {
		fmt.Println("(no spin events recorded)")
	}
}
