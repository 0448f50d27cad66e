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

// Package playback renders queued audio blocks to an output device.
//
// A Sink keeps its output stream running for its whole lifetime and feeds
// it one quantum at a time from a FIFO queue. Play, Pause, Stop and
// SetVolume only change shared state under the sink lock; the render
// goroutine observes them at the start of its next quantum.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/audio"
)

// ErrSinkClosed is returned by operations on a closed sink
var ErrSinkClosed = errors.New("playback sink closed")

const (
	defaultSampleRate      = 44100
	defaultFramesPerBuffer = 512
)

// Options configure a sink. Zero values take the device defaults.
// A zero Volume means full volume; call SetVolume(0) to mute.
type Options struct {
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
	Volume          float64
}

// Sink is a continuously running output connection with a playback queue.
type Sink struct {
	stream   audio.StreamInterface
	rate     int
	channels int
	frames   int
	log      zerolog.Logger

	mu     sync.Mutex
	queue  []audio.Block
	pos    int // sample offset into queue[0]
	volume float64
	paused bool
	closed bool
	empty  chan struct{} // closed while the queue is empty

	running atomic.Bool
	wg      sync.WaitGroup
	fault   error
}

func newSink(rate, channels, frames int, volume float64, log zerolog.Logger) *Sink {
	empty := make(chan struct{})
	close(empty)
	s := &Sink{
		rate:     rate,
		channels: channels,
		frames:   frames,
		log:      log,
		volume:   1,
		empty:    empty,
	}
	if volume != 0 {
		s.volume = clampVolume(volume)
	}
	return s
}

// New opens an output stream on device and starts rendering silence until
// blocks are enqueued.
func New(backend audio.AudioBackend, device audio.Device, opts Options, log zerolog.Logger) (*Sink, error) {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = device.DefaultSampleRate
	}
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = device.Channels(audio.Output)
	}
	if channels < 1 || channels > audio.MaxChannels {
		return nil, fmt.Errorf("unsupported playback channel count %d", channels)
	}
	frames := opts.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}

	params := audio.StreamParams{SampleRate: rate, Channels: channels, FramesPerBuffer: frames}
	stream, err := backend.CreateOutputStream(device, params)
	if err != nil {
		return nil, fmt.Errorf("failed to open playback stream on %s: %w", device.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close() // Ignore close error, start failure is reported
		return nil, fmt.Errorf("failed to start playback stream on %s: %w", device.Name, err)
	}

	s := newSink(int(rate), channels, frames, opts.Volume, log.With().Str("device", device.Name).Logger())
	s.stream = stream
	s.running.Store(true)
	s.wg.Add(1)
	go s.render(params.BufferLen())

	s.log.Info().
		Float64("sample_rate", rate).
		Int("channels", channels).
		Msg("Playback sink started")
	return s, nil
}

// SampleRate returns the rate blocks are converted to on enqueue
func (s *Sink) SampleRate() int { return s.rate }

// Channels returns the sink's channel count
func (s *Sink) Channels() int { return s.channels }

// Enqueue appends a copy of b to the queue, converted to the sink's
// channel count and sample rate. After a render fault it returns the fault.
func (s *Sink) Enqueue(b audio.Block) error {
	if b.Empty() {
		return nil
	}
	converted := b.Remix(s.channels)
	if converted.SampleRate > 0 && converted.SampleRate != s.rate {
		converted = converted.Resample(s.rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.fault != nil {
		return s.fault
	}
	if len(s.queue) == 0 {
		s.empty = make(chan struct{})
	}
	s.queue = append(s.queue, converted)
	return nil
}

// Play starts or continues rendering the queue
func (s *Sink) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Pause renders silence while keeping the queue and position
func (s *Sink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume is Play
func (s *Sink) Resume() {
	s.Play()
}

// Stop drops everything queued. Output turns silent at the next quantum.
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.pos = 0
	s.signalEmptyLocked()
}

// SetVolume sets the gain, clamped to [0, 1]
func (s *Sink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = clampVolume(v)
}

// Volume returns the current gain
func (s *Sink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Paused reports whether the sink is paused
func (s *Sink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pending returns the number of frames still queued
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := -s.pos
	for _, b := range s.queue {
		samples += len(b.Samples)
	}
	return samples / s.channels
}

// Wait blocks until the queue has drained or ctx is done. A render fault
// empties the queue and is returned.
func (s *Sink) Wait(ctx context.Context) error {
	s.mu.Lock()
	empty, fault := s.empty, s.fault
	s.mu.Unlock()
	if fault != nil {
		return fault
	}

	select {
	case <-empty:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fault that stopped the render goroutine, if any
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Close stops rendering and releases the output stream. It returns the
// render fault, if one occurred.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.pos = 0
	s.signalEmptyLocked()
	s.mu.Unlock()

	s.running.Store(false)
	s.wg.Wait()

	var errs []error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Err(); err != nil {
		errs = append(errs, err)
	}

	s.log.Info().Msg("Playback sink closed")
	return errors.Join(errs...)
}

func (s *Sink) render(bufferLen int) {
	defer s.wg.Done()

	buf := make([]float32, bufferLen)
	for s.running.Load() {
		s.fill(buf)
		if err := s.stream.Write(buf); err != nil {
			s.log.Error().Err(err).Msg("Playback render failed")
			s.mu.Lock()
			s.fault = fmt.Errorf("playback render: %w", err)
			s.queue = nil
			s.pos = 0
			s.signalEmptyLocked()
			s.mu.Unlock()
			s.running.Store(false)
			return
		}
	}
}

// fill produces one render quantum. The lock is held once per quantum.
func (s *Sink) fill(dst []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || len(s.queue) == 0 {
		clear(dst)
		return
	}

	gain := float32(s.volume)
	n := 0
	for n < len(dst) && len(s.queue) > 0 {
		head := s.queue[0].Samples
		copied := copy(dst[n:], head[s.pos:])
		for i := n; i < n+copied; i++ {
			dst[i] *= gain
		}
		n += copied
		s.pos += copied
		if s.pos >= len(head) {
			s.queue[0] = audio.Block{}
			s.queue = s.queue[1:]
			s.pos = 0
		}
	}
	clear(dst[n:])

	if len(s.queue) == 0 {
		s.signalEmptyLocked()
	}
}

func (s *Sink) signalEmptyLocked() {
	select {
	case <-s.empty:
	default:
		close(s.empty)
	}
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
