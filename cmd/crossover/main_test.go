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

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/codec"
	"github.com/loqalabs/virtual-crossover/internal/config"
	"github.com/loqalabs/virtual-crossover/internal/offline"
)

func newMockBackend() *audio.MockAudioBackend {
	return audio.NewMockAudioBackend()
}

// runMain runs the program against a fresh mock backend with an isolated
// config path.
func runMain(t *testing.T, ctx context.Context, backend audio.AudioBackend, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"-config", filepath.Join(t.TempDir(), "config.json")}, args...)
	code := run(ctx, args, &stdout, &stderr, backend)
	return code, stdout.String(), stderr.String()
}

func writeTone(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	b := audio.Silence(2400, 1, 48000)
	for i := range b.Samples {
		b.Samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	require.NoError(t, codec.WriteWAV(path, b))
	return path
}

func TestApplicationFlags(t *testing.T) {
	code, _, stderr := runMain(t, context.Background(), newMockBackend(), "-h")
	assert.Equal(t, 0, code)

	for _, flag := range []string{"-config", "-list", "-in", "-out", "-file", "-export", "-nats", "-id", "-log-level", "-filter", "-taps", "-cutoff", "-q", "-volume"} {
		assert.Contains(t, stderr, flag, "should document flag %s", flag)
	}
}

func TestApplicationStartup_InvalidArguments(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"unknown_flag", []string{"-bogus"}},
		{"positional_argument", []string{"extra"}},
		{"bad_taps", []string{"-taps", "1,abc"}},
		{"export_without_file", []string{"-export", "out.wav"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, _ := runMain(t, context.Background(), newMockBackend(), tc.args...)
			assert.Equal(t, 2, code)
		})
	}
}

func TestApplicationStartup_InvalidConfig(t *testing.T) {
	t.Run("unparsable_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{"-config", path}, &stdout, &stderr, newMockBackend())
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "Failed to load config")
	})

	t.Run("invalid_values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"audio":{"drop_policy":"sometimes"}}`), 0o644))

		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{"-config", path}, &stdout, &stderr, newMockBackend())
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr.String(), "Invalid configuration")
	})

	t.Run("audio_init_failure", func(t *testing.T) {
		backend := newMockBackend()
		backend.SetInitError(errors.New("no sound card"))

		code, _, stderr := runMain(t, context.Background(), backend)
		assert.Equal(t, 1, code)
		assert.Contains(t, stderr, "Failed to initialize audio")
	})
}

func TestListDevices(t *testing.T) {
	code, stdout, _ := runMain(t, context.Background(), newMockBackend(), "-list")
	require.Equal(t, 0, code)

	assert.Contains(t, stdout, "Input devices:")
	assert.Contains(t, stdout, "Output devices:")
	assert.Contains(t, stdout, "* Mock Microphone")
	assert.Contains(t, stdout, "mock:speakers, 2 ch, 48000 Hz")
}

func TestPlayFile(t *testing.T) {
	backend := newMockBackend()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, _, stderr := runMain(t, ctx, backend, "-file", writeTone(t), "-filter", "bandpass", "-cutoff", "440", "-q", "2", "-volume", "0.8")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "Playing file")
	assert.NotEmpty(t, backend.GetPlaybackAudioData())
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestPlayFileMissing(t *testing.T) {
	code, _, stderr := runMain(t, context.Background(), newMockBackend(), "-file", filepath.Join(t.TempDir(), "nope.mp3"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Playback failed")
}

func TestExportFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "filtered.wav")
	code, _, stderr := runMain(t, context.Background(), newMockBackend(), "-file", writeTone(t), "-export", dest, "-taps", "0.5")
	require.Equal(t, 0, code, stderr)

	s, err := codec.DefaultRegistry().Open(dest)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 48000, s.SampleRate())
}

func TestLiveStream_SignalHandling(t *testing.T) {
	backend := newMockBackend()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan int, 1)
	var stderr string
	go func() {
		code, _, errOut := runMain(t, ctx, backend, "-log-level", "debug")
		stderr = errOut
		done <- code
	}()

	require.Eventually(t, func() bool { return len(backend.GetPlaybackAudioData()) > 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
		assert.Contains(t, stderr, "Starting virtual crossover")
		assert.Contains(t, stderr, "Shutting down")
	case <-time.After(5 * time.Second):
		t.Fatal("Application did not shut down within timeout")
	}
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestLiveStream_FaultExits(t *testing.T) {
	backend := newMockBackend()
	backend.SetReadError(errors.New("device unplugged"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, _, stderr := runMain(t, ctx, backend)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Stream stopped unexpectedly")
	assert.True(t, strings.Contains(stderr, "device unplugged"), stderr)
}

func TestLiveStream_UnknownDevice(t *testing.T) {
	code, _, stderr := runMain(t, context.Background(), newMockBackend(), "-in", "Nonexistent")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to start stream")
}

func TestExitCode(t *testing.T) {
	partial := &offline.PartialDecodeError{Path: "a.mp3", Frames: 3, Err: errors.New("bad frame")}

	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"partial_decode", partial, 0},
		{"wrapped_partial", fmt.Errorf("playing: %w", partial), 0},
		{"interrupted", context.Canceled, 0},
		{"interrupted_partial", errors.Join(context.Canceled, partial), 0},
		{"sink_fault_with_partial", errors.Join(errors.New("playback render: device unplugged"), partial), 1},
		{"plain_failure", errors.New("cannot open"), 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(zerolog.Nop(), tc.err, "Playback failed"))
		})
	}
}

func TestTerminateErrorIsOnlyLogged(t *testing.T) {
	backend := newMockBackend()
	backend.SetTerminateError(errors.New("host api busy"))

	code, _, stderr := runMain(t, context.Background(), backend, "-list")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "Failed to terminate audio backend")
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	o, set, err := parseFlags([]string{"-in", "USB", "-nats", "nats://hub:4222", "-id", "desk", "-taps", "0.25, 0.5,0.25"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, applyFlags(cfg, o, set))

	assert.Equal(t, "USB", cfg.Audio.InputDevice)
	assert.Equal(t, "", cfg.Audio.OutputDevice)
	assert.Equal(t, "nats://hub:4222", cfg.NATSURL)
	assert.Equal(t, "desk", cfg.NodeID)
	assert.Equal(t, config.FilterFIR, cfg.Filter.Type, "taps alone select the FIR filter")
	assert.Equal(t, []float64{0.25, 0.5, 0.25}, cfg.Filter.Taps)
	assert.Equal(t, 1.0, cfg.Playback.Volume, "unset flags keep config values")

	cfg = config.Default()
	o, set, err = parseFlags([]string{"-filter", "highpass", "-cutoff", "120"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, applyFlags(cfg, o, set))
	assert.Equal(t, config.FilterConfig{Type: "highpass", CutoffHz: 120}, cfg.Filter)
}
