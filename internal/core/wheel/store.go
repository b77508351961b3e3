package wheel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const DefaultTheme = "wood"

// Config is the saved wheel. Items is nil until a wheel has been saved.
type Config struct {
	Items []Item `json:"items"`
	Theme string `json:"theme"`
}

// Store persists the wheel configuration and goal list as JSON files.
type Store struct {
	configPath string
	goalsPath  string
	mu         sync.Mutex
}

func NewStore(configPath, goalsPath string) *Store {
	return &Store{configPath: configPath, goalsPath: goalsPath}
}

// LoadConfig returns the saved wheel, or a themed empty config when none
// exists or the file is unreadable.
func (s *Store) LoadConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadConfigLocked()
}

func (s *Store) loadConfigLocked() Config {
	var raw struct {
		Items json.RawMessage `json:"items"`
		Theme json.RawMessage `json:"theme"`
	}
	if err := readJSON(s.configPath, &raw); err != nil {
		return Config{Theme: DefaultTheme}
	}

	cfg := Config{Theme: DefaultTheme}
	var items []Item
	if json.Unmarshal(raw.Items, &items) == nil && items != nil {
		cfg.Items = items
	}
	var theme string
	if json.Unmarshal(raw.Theme, &theme) == nil && theme != "" {
		cfg.Theme = theme
	}
	return cfg
}

// SaveConfig normalizes items and writes them. A nil theme keeps the
// previously saved theme.
func (s *Store) SaveConfig(inputs []ItemInput, theme *string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := Config{Items: Normalize(inputs), Theme: s.loadConfigLocked().Theme}
	if theme != nil {
		cfg.Theme = *theme
	}
	if err := writeJSON(s.configPath, cfg); err != nil {
		return Config{}, fmt.Errorf("save wheel config: %w", err)
	}
	telemetry.Infof("wheel: saved %d items (int%% to 100) theme=%s -> %s", len(cfg.Items), cfg.Theme, s.configPath)
	return cfg, nil
}

// LoadGoals returns the saved goals, or an empty list.
func (s *Store) LoadGoals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var goals []string
	if err := readJSON(s.goalsPath, &goals); err != nil || goals == nil {
		return []string{}
	}
	return goals
}

func (s *Store) SaveGoals(goals []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if goals == nil {
		goals = []string{}
	}
	if err := writeJSON(s.goalsPath, goals); err != nil {
		return nil, fmt.Errorf("save goals: %w", err)
	}
	telemetry.Infof("wheel: saved %d goals -> %s", len(goals), s.goalsPath)
	return goals, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			telemetry.Warnf("wheel: read %s: %v", path, err)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		telemetry.Warnf("wheel: %s is not valid JSON: %v", path, err)
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".wheel-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
