package watchdog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

// CallbackStore remembers the webhook callback URL last used to subscribe.
// Lookup order: memory, the persisted file, then the public base URL.
type CallbackStore struct {
	path    string
	baseURL string

	mu   sync.Mutex
	last string
}

func NewCallbackStore(path, publicBaseURL string) *CallbackStore {
	return &CallbackStore{path: path, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

// URL returns the callback URL to subscribe with, or "" when none is known.
func (s *CallbackStore) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != "" {
		return s.last
	}
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			telemetry.Warnf("watchdog: read %s: %v", s.path, err)
		}
		if u := strings.TrimSpace(string(data)); u != "" {
			s.last = u
			return u
		}
	}
	return WebhookURL(s.baseURL)
}

// Set records url in memory and persists it.
func (s *CallbackStore) Set(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("empty callback url")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = url
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create callback dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(url), 0o644); err != nil {
		return fmt.Errorf("persist callback url: %w", err)
	}
	return nil
}

// WebhookURL appends /webhook to base unless it already points there.
func WebhookURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	if strings.Contains(base, "/webhook") {
		return base
	}
	return base + "/webhook"
}
