/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loqalabs/virtual-crossover/internal/filter"
	"github.com/loqalabs/virtual-crossover/internal/pipeline"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Filter types accepted in FilterConfig.Type
const (
	FilterFIR      = "fir"
	FilterLowPass  = "lowpass"
	FilterHighPass = "highpass"
	FilterBandPass = "bandpass"
)

type Config struct {
	NodeID   string         `json:"node_id"`
	LogLevel string         `json:"log_level"`
	LogFile  string         `json:"log_file"`
	NATSURL  string         `json:"nats_url"` // empty disables the control plane
	Audio    AudioConfig    `json:"audio"`
	Filter   FilterConfig   `json:"filter"`
	Playback PlaybackConfig `json:"playback"`
}

type AudioConfig struct {
	InputDevice     string  `json:"input_device"`  // name or ID, empty for the default
	OutputDevice    string  `json:"output_device"` // name or ID, empty for the default
	SampleRate      float64 `json:"sample_rate"`   // 0 follows the input device
	FramesPerBuffer int     `json:"frames_per_buffer"`
	HandoffDepth    int     `json:"handoff_depth"`
	DropPolicy      string  `json:"drop_policy"` // "drop-oldest" or "drop-newest"
}

type FilterConfig struct {
	Type     string    `json:"type"`
	Taps     []float64 `json:"taps,omitempty"`
	CutoffHz float64   `json:"cutoff_hz,omitempty"`
	Q        float64   `json:"q,omitempty"` // 0 selects filter.DefaultQFor(type)
}

type PlaybackConfig struct {
	Volume   float64 `json:"volume"`
	Channels int     `json:"channels"` // 0 follows the output device
}

// Default returns the built-in configuration.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "crossover"
	}
	return &Config{
		NodeID:   host,
		LogLevel: "info",
		Audio: AudioConfig{
			FramesPerBuffer: pipeline.DefaultFramesPerBuffer,
			HandoffDepth:    pipeline.DefaultHandoffDepth,
			DropPolicy:      pipeline.DropOldest.String(),
		},
		Filter: FilterConfig{
			Type:     FilterLowPass,
			CutoffHz: 200,
		},
		Playback: PlaybackConfig{
			Volume: 1.0,
		},
	}
}

// Load reads the config at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path as indented JSON
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks the fields the audio layers cannot check themselves.
// Filter math is validated when the filter is built.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is empty"))
	}
	if c.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("sample_rate %v is negative", c.Audio.SampleRate))
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("frames_per_buffer must be positive, got %d", c.Audio.FramesPerBuffer))
	}
	if c.Audio.HandoffDepth <= 0 {
		errs = append(errs, fmt.Errorf("handoff_depth must be positive, got %d", c.Audio.HandoffDepth))
	}
	if _, err := pipeline.ParseDropPolicy(c.Audio.DropPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Filter.kind(); err != nil {
		errs = append(errs, err)
	}
	if ch := c.Playback.Channels; ch < 0 || ch > 2 {
		errs = append(errs, fmt.Errorf("playback channels must be 1 or 2, got %d", ch))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// PipelineOptions converts the audio section for the stream pipeline
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	policy, err := pipeline.ParseDropPolicy(c.Audio.DropPolicy)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		SampleRate:      c.Audio.SampleRate,
		FramesPerBuffer: c.Audio.FramesPerBuffer,
		HandoffDepth:    c.Audio.HandoffDepth,
		DropPolicy:      policy,
	}, nil
}

// IsFIR reports whether the config selects the FIR filter
func (f FilterConfig) IsFIR() bool {
	t := strings.ToLower(f.Type)
	return t == "" || t == FilterFIR
}

// kind returns the biquad kind of a non-FIR filter type
func (f FilterConfig) kind() (filter.Kind, error) {
	if f.IsFIR() {
		return 0, nil
	}
	k, err := filter.ParseKind(f.Type)
	if err != nil {
		return 0, fmt.Errorf("unknown filter type %q", f.Type)
	}
	return k, nil
}

// Build constructs the filter for a stream at sampleRateHz. Its signature
// matches offline.SpecBuilder.
func (f FilterConfig) Build(sampleRateHz float64) (filter.Spec, error) {
	if f.IsFIR() {
		fir, err := filter.NewFIR(f.Taps)
		if err != nil {
			return nil, err
		}
		return fir, nil
	}

	kind, err := f.kind()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", filter.ErrInvalidFilterParameter, err)
	}
	q := f.Q
	if q == 0 {
		q = filter.DefaultQFor(kind)
	}
	bq, err := filter.NewBiquad(kind, f.CutoffHz, sampleRateHz, q)
	if err != nil {
		return nil, err
	}
	return bq, nil
}

// DefaultPath returns the platform-specific config file path
func DefaultPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support")
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = filepath.Join(os.Getenv("HOME"), ".config")
		}
	}

	return filepath.Join(base, "virtual-crossover", "config.json")
}
