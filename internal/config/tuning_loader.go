package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SpinTuning holds the pacing knobs of the spin pipeline. Zero values in the
// YAML file leave the default in place.
type SpinTuning struct {
	CooldownSec   int `yaml:"cooldown_sec"`
	TickMs        int `yaml:"tick_ms"`
	GiftsPerSpin  int `yaml:"gifts_per_spin"`
	DedupCapacity int `yaml:"dedup_capacity"`
	MaxSkewSec    int `yaml:"max_skew_sec"`
	TriggerMax    int `yaml:"trigger_max"`
}

func DefaultSpinTuning() SpinTuning {
	return SpinTuning{
		CooldownSec:   300,
		TickMs:        1000,
		GiftsPerSpin:  5,
		DedupCapacity: 500,
		MaxSkewSec:    300,
		TriggerMax:    10,
	}
}

// LoadTuning reads path and overlays it on the defaults. A missing file is
// not an error.
func LoadTuning(path string) (SpinTuning, error) {
	tuning := DefaultSpinTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return tuning, nil
	}
	if err != nil {
		return tuning, fmt.Errorf("read spin tuning: %w", err)
	}

	var file SpinTuning
	if err := yaml.Unmarshal(data, &file); err != nil {
		return tuning, fmt.Errorf("parse spin tuning: %w", err)
	}

	if file.CooldownSec > 0 {
		tuning.CooldownSec = file.CooldownSec
	}
	if file.TickMs > 0 {
		tuning.TickMs = file.TickMs
	}
	if file.GiftsPerSpin > 0 {
		tuning.GiftsPerSpin = file.GiftsPerSpin
	}
	if file.DedupCapacity > 0 {
		tuning.DedupCapacity = file.DedupCapacity
	}
	if file.MaxSkewSec > 0 {
		tuning.MaxSkewSec = file.MaxSkewSec
	}
	if file.TriggerMax > 0 {
		tuning.TriggerMax = file.TriggerMax
	}
	return tuning, nil
}

func (t SpinTuning) Cooldown() time.Duration     { return time.Duration(t.CooldownSec) * time.Second }
func (t SpinTuning) TickInterval() time.Duration { return time.Duration(t.TickMs) * time.Millisecond }
func (t SpinTuning) MaxSkew() time.Duration      { return time.Duration(t.MaxSkewSec) * time.Second }
