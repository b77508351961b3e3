package spins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

// CounterStore persists the pending-spin counter. Load never fails: absent or
// unreadable state is reported as 0. Save is best-effort.
type CounterStore interface {
	Load() int
	Save(n int)
}

// FileCounterStore keeps the counter as a bare JSON integer in a single file.
type FileCounterStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCounterStore(path string) *FileCounterStore {
	return &FileCounterStore{path: path}
}

func (s *FileCounterStore) Path() string { return s.path }

func (s *FileCounterStore) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			telemetry.Warnf("pending: read %s: %v", s.path, err)
		}
		return 0
	}

	n, err := decodeCounter(data)
	if err != nil {
		telemetry.Warnf("pending: %s is corrupt, starting from 0: %v", s.path, err)
		return 0
	}
	return n
}

func (s *FileCounterStore) Save(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(max(n, 0)); err != nil {
		telemetry.Warnf("pending: save failed: %v", err)
	}
}

// write replaces the file atomically so a crash mid-write leaves the
// previous value readable.
func (s *FileCounterStore) write(n int) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(strconv.Itoa(n)); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// decodeCounter accepts a JSON number or a JSON string holding one.
// Fractions are truncated and negatives clamp to 0.
func decodeCounter(data []byte) (int, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, err
	}

	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unexpected %T", raw)
	}

	if f <= 0 {
		return 0, nil
	}
	return int(f), nil
}
