// webhook_mock sends signed Kick gift webhooks to a locally running overlay
// server to exercise the pipeline end-to-end: verify, dedup, translate,
// enqueue, deliver.
//
// The server must trust the mock's key. Generate one and start the server
// with the matching public key:
//
//	go run ./cmd/webhook_mock -gen -key data/mock_key.pem
//	KICK_PUBLIC_KEY_FILE=data/mock_key.pub.pem go run ./cmd
//	go run ./cmd/webhook_mock -key data/mock_key.pem -gifts 5,10,1 -dup
package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/charleschow/spin-overlay/internal/adapters/inbound/kick_webhook"
)

func main() {
	target := flag.String("target", "http://localhost:3000/webhook", "webhook URL")
	keyPath := flag.String("key", "data/mock_key.pem", "RSA private key (PEM)")
	gen := flag.Bool("gen", false, "generate a key pair at -key (public key next to it) and exit")
	gifts := flag.String("gifts", "5", "comma-separated gift counts, one webhook each")
	gifter := flag.String("gifter", "mock_gifter", "gifter username")
	dup := flag.Bool("dup", false, "replay every webhook once with the same message id")
	challenge := flag.Bool("challenge", false, "send a callback verification challenge first")
	interval := flag.Duration("interval", time.Second, "pause between webhooks")
	flag.Parse()

	if *gen {
		if err := generateKey(*keyPath); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	signer, err := kick_webhook.NewSignerFromFile(*keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n(run with -gen to create a key pair)\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Kick Webhook Mock ===")
	fmt.Printf("target=%s key=%s\n\n", *target, *keyPath)

	if *challenge {
		body := []byte(`{"challenge":"mock-challenge-` + strconv.FormatInt(time.Now().Unix(), 10) + `"}`)
		send(signer, *target, uuid.NewString(), kick_webhook.EventCallbackVerification, body, "challenge")
	}

	for i, part := range strings.Split(*gifts, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "skipping gift count %q\n", part)
			continue
		}
		if i > 0 {
			time.Sleep(*interval)
		}

		id := uuid.NewString()
		body := giftBody(*gifter, n)
		label := fmt.Sprintf("%d gifted sub(s) -> expect %d spin(s)", n, n/kick_webhook.DefaultGiftsPerSpin)
		send(signer, *target, id, kick_webhook.EventGiftSubscriptions, body, label)
		if *dup {
			send(signer, *target, id, kick_webhook.EventGiftSubscriptions, body, "  replay (expect ok-duplicate)")
		}
	}

	fmt.Println("\nDone!")
}

func giftBody(gifter string, n int) []byte {
	type user struct {
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
	}
	giftees := make([]user, n)
	for i := range giftees {
		giftees[i] = user{UserID: int64(1000 + i), Username: fmt.Sprintf("giftee_%d", i+1)}
	}
	body, _ := json.Marshal(map[string]any{
		"broadcaster": user{UserID: 1, Username: "mock_streamer"},
		"gifter":      user{UserID: 2, Username: gifter},
		"giftees":     giftees,
		"created_at":  time.Now().UTC().Format(time.RFC3339),
	})
	return body
}

func send(signer *kick_webhook.Signer, target, id, eventType string, body []byte, label string) {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		fmt.Printf("  %-48s ERROR %v\n", label, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if err := signer.SignRequest(req, id, eventType, body, time.Now()); err != nil {
		fmt.Printf("  %-48s ERROR %v\n", label, err)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("  %-48s ERROR %v\n", label, err)
		return
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	fmt.Printf("  %-48s -> %d %s\n", label, resp.StatusCode, strings.TrimSpace(string(reply)))
}

func generateKey(path string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return err
	}

	pub, err := kick_webhook.NewSigner(key).PublicKeyPEM()
	if err != nil {
		return err
	}
	pubPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".pub.pem"
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return err
	}
	fmt.Printf("private key: %s\npublic key:  %s\n", path, pubPath)
	return nil
}
