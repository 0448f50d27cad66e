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

package pipeline

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/filter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testOptions = Options{FramesPerBuffer: 256}

// newBackend returns a mock backend that paces reads and writes like a
// real device, so the render loop cannot spin.
func newBackend(t *testing.T) *audio.MockAudioBackend {
	t.Helper()
	backend := audio.NewMockAudioBackend()
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Terminate() }) // Ignore errors during test cleanup
	return backend
}

func passthrough(t *testing.T) filter.Spec {
	t.Helper()
	fir, err := filter.NewFIR([]float64{1})
	require.NoError(t, err)
	return fir
}

func TestSessionLifecycle(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.ID())

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))
	assert.True(t, s.IsRunning())
	assert.Equal(t, Running, s.State())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 2, backend.OpenStreams())

	require.Eventually(t, func() bool {
		return s.Stats().Captured > 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 0, backend.OpenStreams(), "both goroutines should close their streams")
}

func TestSessionStartIsIdempotent(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))
	id := s.ID()
	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))

	assert.Equal(t, 2, backend.StreamsOpened(), "second start must not open more streams")
	assert.Equal(t, id, s.ID())
	require.NoError(t, s.Stop())
}

func TestSessionStopWhenIdle(t *testing.T) {
	s := NewSession(newBackend(t), testOptions, zerolog.Nop())
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}

func TestSessionStopImmediatelyAfterStart(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestSessionStreamCloseErrorsAreLogged(t *testing.T) {
	backend := newBackend(t)
	backend.SetStreamStopError(errors.New("stop refused"))
	backend.SetStreamCloseError(errors.New("close refused"))

	var logs bytes.Buffer
	s := NewSession(backend, testOptions, zerolog.New(zerolog.SyncWriter(&logs)))

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))
	require.NoError(t, s.Stop(), "teardown errors are not pipeline faults")

	out := logs.String()
	assert.Contains(t, out, "Failed to stop stream")
	assert.Contains(t, out, "Failed to close stream")
	assert.Contains(t, out, "close refused")
	assert.Equal(t, 0, backend.OpenStreams())
}

func TestSessionRestart(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))
	first := s.ID()
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))
	assert.NotEqual(t, first, s.ID())
	require.NoError(t, s.Stop())
	assert.Equal(t, 4, backend.StreamsOpened())
}

func TestSessionDeviceOpenFailure(t *testing.T) {
	t.Run("output_open_fails", func(t *testing.T) {
		backend := newBackend(t)
		backend.SetOutputOpenError(errors.New("device busy"))
		s := NewSession(backend, testOptions, zerolog.Nop())

		err := s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t))
		require.ErrorIs(t, err, ErrDeviceOpenFailed)
		assert.Contains(t, err.Error(), "device busy")

		assert.Equal(t, Idle, s.State())
		assert.False(t, s.IsRunning())
		assert.Equal(t, 1, backend.StreamsOpened())
		assert.Equal(t, 0, backend.OpenStreams(), "input stream must be released")
	})

	t.Run("input_open_fails", func(t *testing.T) {
		backend := newBackend(t)
		backend.SetCreateStreamError(errors.New("no such device"))
		s := NewSession(backend, testOptions, zerolog.Nop())

		err := s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t))
		require.ErrorIs(t, err, ErrDeviceOpenFailed)
		assert.Equal(t, Idle, s.State())
		assert.Equal(t, 0, backend.OpenStreams())
	})

	t.Run("device_without_channels", func(t *testing.T) {
		s := NewSession(newBackend(t), testOptions, zerolog.Nop())

		err := s.Start(audio.MockOutputDevice, audio.MockOutputDevice, passthrough(t))
		require.ErrorIs(t, err, ErrDeviceOpenFailed)
		assert.Equal(t, Idle, s.State())
	})
}

func TestSessionRejectsNilSpec(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())

	err := s.Start(audio.MockInputDevice, audio.MockOutputDevice, nil)
	require.ErrorIs(t, err, filter.ErrInvalidFilterParameter)
	assert.Equal(t, 0, backend.StreamsOpened())
}

func TestSessionCaptureFault(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())
	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))

	readErr := errors.New("device unplugged")
	backend.SetReadError(readErr)

	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)

	err := s.Stop()
	require.ErrorIs(t, err, ErrPipelineFault)
	assert.ErrorIs(t, err, readErr)
	assert.Contains(t, err.Error(), "capture")
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 0, backend.OpenStreams())

	assert.NoError(t, s.Stop(), "fault is reported once")
}

func TestSessionRenderFault(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())
	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))

	backend.SetWriteError(errors.New("output lost"))
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)

	err := s.Stop()
	require.ErrorIs(t, err, ErrPipelineFault)
	assert.Contains(t, err.Error(), "render")
}

func TestSessionFaultReportedByNextStart(t *testing.T) {
	backend := newBackend(t)
	s := NewSession(backend, testOptions, zerolog.Nop())
	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))

	backend.SetReadError(errors.New("device unplugged"))
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 5*time.Millisecond)
	backend.SetReadError(nil)

	err := s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t))
	require.ErrorIs(t, err, ErrPipelineFault)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 0, backend.OpenStreams())

	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t)))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Stop())
}

func TestSessionFiltersAndRemixes(t *testing.T) {
	backend := newBackend(t)
	backend.SetAudioDataGenerator(func(data []float32) {
		for i := range data {
			data[i] = 0.5
		}
	})

	// A single tap of 0.5 halves the constant input.
	half, err := filter.NewFIR([]float64{0.5})
	require.NoError(t, err)

	s := NewSession(backend, testOptions, zerolog.Nop())
	require.NoError(t, s.Start(audio.MockInputDevice, audio.MockOutputDevice, half))
	require.Eventually(t, func() bool { return s.Stats().Rendered > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	var found bool
	for _, buf := range backend.GetPlaybackAudioData() {
		require.Len(t, buf, testOptions.FramesPerBuffer*2, "render buffers follow the output layout")
		if buf[0] == 0 {
			continue // underrun
		}
		found = true
		for _, v := range buf {
			assert.InDelta(t, 0.25, v, 1e-6)
		}
	}
	assert.True(t, found, "at least one filtered block should reach the output")
}

func TestManagerReusesSessionPerPair(t *testing.T) {
	backend := newBackend(t)
	m := NewManager(backend, testOptions, zerolog.Nop())

	s1, err := m.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t))
	require.NoError(t, err)
	s2, err := m.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t))
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Len(t, m.Running(), 1)
	assert.Equal(t, 2, backend.StreamsOpened())

	require.NoError(t, m.Stop(audio.MockInputDevice, audio.MockOutputDevice))
	assert.Empty(t, m.Running())
	assert.NoError(t, m.StopAll())
}

func TestManagerStopAllJoinsFaults(t *testing.T) {
	backend := newBackend(t)
	m := NewManager(backend, testOptions, zerolog.Nop())

	_, err := m.Start(audio.MockInputDevice, audio.MockOutputDevice, passthrough(t))
	require.NoError(t, err)

	backend.SetWriteError(errors.New("output lost"))
	require.Eventually(t, func() bool { return len(m.Running()) == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.StopAll(), ErrPipelineFault)
	assert.NoError(t, m.Stop(audio.MockInputDevice, audio.MockOutputDevice))
}
