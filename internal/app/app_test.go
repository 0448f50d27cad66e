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

package app

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/codec"
	"github.com/loqalabs/virtual-crossover/internal/config"
	"github.com/loqalabs/virtual-crossover/internal/filter"
	"github.com/loqalabs/virtual-crossover/internal/offline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestApp(t *testing.T, mutate func(*config.Config)) (*App, *audio.MockAudioBackend) {
	t.Helper()
	backend := audio.NewMockAudioBackend()
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Terminate() }) // Ignore errors during test cleanup

	cfg := config.Default()
	cfg.NodeID = "test"
	cfg.Audio.FramesPerBuffer = 256
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg, backend, codec.DefaultRegistry(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, backend
}

func writeTone(t *testing.T, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	b := audio.Silence(frames, 1, 48000)
	for i := range b.Samples {
		b.Samples[i] = float32(0.5 * math.Sin(2*math.Pi*100*float64(i)/48000))
	}
	require.NoError(t, codec.WriteWAV(path, b))
	return path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	backend := audio.NewMockAudioBackend()
	cfg := config.Default()
	cfg.Audio.DropPolicy = "sometimes"

	_, err := New(cfg, backend, nil, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStreamLifecycle(t *testing.T) {
	a, backend := newTestApp(t, nil)

	require.NoError(t, a.StartStream("", "", nil))
	require.NoError(t, a.StartStream("Mock Microphone", "mock:speakers", nil), "same pair is a no-op")

	status := a.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, 2, backend.StreamsOpened())

	require.Eventually(t, func() bool { return a.Status().Stats.Captured > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.StopStream("", ""))
	assert.False(t, a.Status().Running)
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestStartStreamErrors(t *testing.T) {
	a, backend := newTestApp(t, nil)

	err := a.StartStream("No Such Mic", "", nil)
	assert.ErrorIs(t, err, audio.ErrDeviceNotFound)

	err = a.StartStream("", "", &config.FilterConfig{Type: "highpass", CutoffHz: 30000})
	assert.ErrorIs(t, err, filter.ErrInvalidFilterParameter)

	assert.Equal(t, 0, backend.StreamsOpened())
	assert.False(t, a.Status().Running)
}

func TestStartStreamUsesConfiguredDevices(t *testing.T) {
	a, _ := newTestApp(t, func(c *config.Config) {
		c.Audio.InputDevice = "missing"
	})

	assert.ErrorIs(t, a.StartStream("", "", nil), audio.ErrDeviceNotFound)
	require.NoError(t, a.StartStream("mock:mic", "", nil), "explicit names win over the config")
}

func TestPlaybackControls(t *testing.T) {
	a, _ := newTestApp(t, nil)

	// Controls without a sink are harmless.
	require.NoError(t, a.Pause())
	require.NoError(t, a.Resume())
	require.NoError(t, a.StopPlayback())
	require.NoError(t, a.SetVolume(1.7))
	assert.Equal(t, 1.0, a.Status().Volume)
	require.NoError(t, a.SetVolume(-0.5))
	assert.Equal(t, 0.0, a.Status().Volume)
	require.NoError(t, a.SetVolume(0.6))

	require.NoError(t, a.Pause())
	path := writeTone(t, 48000)
	require.NoError(t, a.PlayFile(path, nil))

	status := a.Status()
	assert.False(t, status.Paused, "playing a file starts playback")
	assert.Equal(t, 0.6, status.Volume, "volume set before the sink opened is applied")
	assert.Positive(t, status.Pending)

	require.NoError(t, a.Pause())
	assert.True(t, a.Status().Paused)
	require.NoError(t, a.Resume())
	assert.False(t, a.Status().Paused)

	require.NoError(t, a.StopPlayback())
	assert.Zero(t, a.Status().Pending)
}

func TestPlayFileAndWait(t *testing.T) {
	a, backend := newTestApp(t, nil)
	path := writeTone(t, 2400)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.PlayFileAndWait(ctx, path, &config.FilterConfig{Type: "fir", Taps: []float64{1}}))

	var nonZero int
	for _, buf := range backend.GetPlaybackAudioData() {
		for _, v := range buf {
			if v != 0 {
				nonZero++
			}
		}
	}
	assert.Positive(t, nonZero)
}

func TestFaultedSinkIsReplaced(t *testing.T) {
	a, backend := newTestApp(t, nil)
	path := writeTone(t, 4800)

	require.NoError(t, a.PlayFile(path, nil))
	require.NoError(t, a.SetVolume(0.3))
	first := a.currentSink()
	require.NotNil(t, first)

	backend.SetWriteError(errors.New("device unplugged"))
	require.Eventually(t, func() bool { return first.Err() != nil }, time.Second, 5*time.Millisecond)
	backend.SetWriteError(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.PlayFileAndWait(ctx, path, nil), "playback reopens the device instead of hanging")

	second := a.currentSink()
	assert.NotSame(t, first, second)
	assert.NoError(t, second.Err())
	assert.InDelta(t, 0.3, a.Status().Volume, 1e-9, "volume survives the reopen")
	assert.Equal(t, 1, backend.OpenStreams(), "the faulted sink's stream is released")
}

func TestPlayFileMissing(t *testing.T) {
	a, _ := newTestApp(t, nil)
	err := a.PlayFile(filepath.Join(t.TempDir(), "missing.mp3"), nil)
	assert.ErrorIs(t, err, codec.ErrCannotOpen)
}

func TestExportFile(t *testing.T) {
	a, _ := newTestApp(t, func(c *config.Config) { c.Playback.Channels = 2 })
	src := writeTone(t, 4800)
	dest := filepath.Join(t.TempDir(), "out.wav")

	require.NoError(t, a.ExportFile(src, dest, &config.FilterConfig{Type: "fir", Taps: []float64{0.5}}))

	out, err := offline.New(codec.DefaultRegistry(), zerolog.Nop()).Run(dest, mustFIR(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Channels, "exported with the configured channel count")
	assert.Equal(t, 4800, out.Frames())

	var peak float64
	for _, v := range out.Samples {
		peak = math.Max(peak, math.Abs(float64(v)))
	}
	assert.InDelta(t, 0.25, peak, 0.01)
}

func mustFIR(t *testing.T, taps ...float64) filter.FIR {
	t.Helper()
	fir, err := filter.NewFIR(taps)
	require.NoError(t, err)
	return fir
}

func TestCloseStopsEverything(t *testing.T) {
	a, backend := newTestApp(t, nil)

	require.NoError(t, a.StartStream("", "", nil))
	require.NoError(t, a.PlayFile(writeTone(t, 480), nil))
	assert.Equal(t, 3, backend.OpenStreams())

	require.NoError(t, a.Close())
	assert.Equal(t, 0, backend.OpenStreams())
	assert.NoError(t, a.Close())

	assert.Error(t, a.PlayFile(writeTone(t, 480), nil))
}
