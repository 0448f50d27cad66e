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

// Package pipeline runs the live capture → filter → render path.
//
// A Session owns exactly two goroutines while running: capture reads a
// block from the input device, filters it with one filter state per
// channel and pushes it into a bounded Handoff; render takes the freshest
// waiting block for every quantum the output device asks for, writing
// silence when nothing is ready. Under DropNewest render consumes blocks in
// order instead, so latency can grow to HandoffDepth blocks. Both goroutines poll a shared atomic flag
// between device calls, so Stop returns within one buffer period.
package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/filter"
)

var (
	// ErrDeviceOpenFailed is returned by Start when a stream cannot be
	// opened or started. The session stays Idle.
	ErrDeviceOpenFailed = errors.New("device open failed")
	// ErrPipelineFault reports a capture or render goroutine that exited
	// on its own while the session was running.
	ErrPipelineFault = errors.New("pipeline fault")
)

// State of a Session
type State int32

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultFramesPerBuffer is used when Options leaves FramesPerBuffer unset.
const DefaultFramesPerBuffer = 512

// fallbackSampleRate applies when neither Options nor the device name a rate.
const fallbackSampleRate = 48000

// Options tune a session. Zero values select defaults.
type Options struct {
	// SampleRate for both streams; 0 uses the input device's default rate.
	SampleRate      float64
	FramesPerBuffer int
	HandoffDepth    int
	DropPolicy      DropPolicy
}

func (o Options) withDefaults() Options {
	if o.FramesPerBuffer <= 0 {
		o.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if o.HandoffDepth <= 0 {
		o.HandoffDepth = DefaultHandoffDepth
	}
	return o
}

// StreamRate returns the rate both streams run at when capturing from input.
// Filters for a session must be designed for this rate.
func (o Options) StreamRate(input audio.Device) float64 {
	switch {
	case o.SampleRate > 0:
		return o.SampleRate
	case input.DefaultSampleRate > 0:
		return input.DefaultSampleRate
	default:
		return fallbackSampleRate
	}
}

// Stats counts blocks moving through a session. Drops and underruns are
// routine under load and are not treated as errors.
type Stats struct {
	Captured  uint64 `json:"captured"`
	Rendered  uint64 `json:"rendered"`
	Dropped   uint64 `json:"dropped"`
	Underruns uint64 `json:"underruns"`
}

// Session is one capture/render pair. The zero value is not usable; create
// sessions with NewSession or through a Manager.
type Session struct {
	backend audio.AudioBackend
	opts    Options
	baseLog zerolog.Logger

	// mu serialises Start and Stop; the goroutines never take it.
	mu      sync.Mutex
	state   atomic.Int32
	running atomic.Bool
	wg      sync.WaitGroup

	// Written under mu before the goroutines start, read-only afterwards.
	id      xid.ID
	log     zerolog.Logger
	spec    filter.Spec
	input   audio.Device
	output  audio.Device
	handoff *Handoff

	faultMu sync.Mutex
	fault   error

	captured  atomic.Uint64
	rendered  atomic.Uint64
	dropped   atomic.Uint64
	underruns atomic.Uint64
}

// NewSession creates an idle session over an initialized backend
func NewSession(backend audio.AudioBackend, opts Options, log zerolog.Logger) *Session {
	return &Session{
		backend: backend,
		opts:    opts.withDefaults(),
		baseLog: log,
		log:     log,
	}
}

// Start opens both devices and launches the capture and render goroutines.
// Calling Start on a running session does nothing and returns nil.
//
// If the previous run ended with a fault that no Stop observed, Start
// returns that fault (wrapping ErrPipelineFault) and leaves the session
// Idle; the next Start proceeds normally.
func (s *Session) Start(input, output audio.Device, spec filter.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}
	if err := s.reapLocked(); err != nil {
		return err
	}
	if spec == nil {
		return fmt.Errorf("%w: nil filter spec", filter.ErrInvalidFilterParameter)
	}

	inChannels := input.Channels(audio.Input)
	if inChannels == 0 {
		return fmt.Errorf("%w: %s has no input channels", ErrDeviceOpenFailed, input.Name)
	}
	outChannels := output.Channels(audio.Output)
	if outChannels == 0 {
		return fmt.Errorf("%w: %s has no output channels", ErrDeviceOpenFailed, output.Name)
	}

	rate := s.opts.StreamRate(input)

	bank, err := filter.NewBank(spec, inChannels)
	if err != nil {
		return err
	}

	inParams := audio.StreamParams{SampleRate: rate, Channels: inChannels, FramesPerBuffer: s.opts.FramesPerBuffer}
	outParams := audio.StreamParams{SampleRate: rate, Channels: outChannels, FramesPerBuffer: s.opts.FramesPerBuffer}

	inStream, outStream, err := s.openStreams(input, output, inParams, outParams)
	if err != nil {
		return err
	}

	s.id = xid.New()
	s.spec = spec
	s.input = input
	s.output = output
	s.handoff = NewHandoff(s.opts.HandoffDepth, s.opts.DropPolicy)
	s.log = s.baseLog.With().
		Str("session", s.id.String()).
		Str("input", input.Name).
		Str("output", output.Name).
		Logger()
	s.captured.Store(0)
	s.rendered.Store(0)
	s.dropped.Store(0)
	s.underruns.Store(0)

	s.running.Store(true)
	s.state.Store(int32(Running))

	s.wg.Add(2)
	go s.capture(inStream, bank, inParams, int(rate))
	go s.render(outStream, outParams)

	s.log.Info().
		Stringer("filter", spec).
		Float64("sample_rate", rate).
		Int("frames_per_buffer", s.opts.FramesPerBuffer).
		Int("handoff_depth", s.handoff.Cap()).
		Stringer("drop_policy", s.opts.DropPolicy).
		Msg("Stream session started")
	return nil
}

// openStreams opens and starts both streams, releasing whatever was
// opened if any step fails.
func (s *Session) openStreams(input, output audio.Device, inParams, outParams audio.StreamParams) (audio.StreamInterface, audio.StreamInterface, error) {
	inStream, err := s.backend.CreateInputStream(input, inParams)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: input %s: %w", ErrDeviceOpenFailed, input.Name, err)
	}

	outStream, err := s.backend.CreateOutputStream(output, outParams)
	if err != nil {
		s.closeStream(inStream, "capture")
		return nil, nil, fmt.Errorf("%w: output %s: %w", ErrDeviceOpenFailed, output.Name, err)
	}

	if err := inStream.Start(); err != nil {
		s.closeStream(inStream, "capture")
		s.closeStream(outStream, "render")
		return nil, nil, fmt.Errorf("%w: start input %s: %w", ErrDeviceOpenFailed, input.Name, err)
	}
	if err := outStream.Start(); err != nil {
		s.closeStream(inStream, "capture")
		s.closeStream(outStream, "render")
		return nil, nil, fmt.Errorf("%w: start output %s: %w", ErrDeviceOpenFailed, output.Name, err)
	}
	return inStream, outStream, nil
}

// Stop clears the running flag and waits for both goroutines, which close
// their streams before exiting. Stop on an idle session returns nil.
// A fault observed during the run is returned wrapping ErrPipelineFault.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == Idle {
		return nil
	}

	s.state.Store(int32(Stopping))
	s.running.Store(false)
	s.wg.Wait()
	s.handoff.Drain()
	s.state.Store(int32(Idle))

	stats := s.Stats()
	s.log.Info().
		Uint64("captured", stats.Captured).
		Uint64("rendered", stats.Rendered).
		Msg("Stream session stopped")
	s.log.Debug().
		Uint64("dropped", stats.Dropped).
		Uint64("underruns", stats.Underruns).
		Msg("Stream session hand-off summary")

	return s.takeFault()
}

// reapLocked joins goroutines that exited on their own and surfaces their fault.
func (s *Session) reapLocked() error {
	if State(s.state.Load()) == Idle {
		return nil
	}
	s.wg.Wait()
	s.handoff.Drain()
	s.state.Store(int32(Idle))
	return s.takeFault()
}

// IsRunning reports whether both goroutines are live. It turns false as
// soon as either one faults.
func (s *Session) IsRunning() bool {
	return s.running.Load()
}

// State returns the lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the block counters for the current or last run
func (s *Session) Stats() Stats {
	return Stats{
		Captured:  s.captured.Load(),
		Rendered:  s.rendered.Load(),
		Dropped:   s.dropped.Load(),
		Underruns: s.underruns.Load(),
	}
}

// ID returns the identifier of the current or last run
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id.IsNil() {
		return ""
	}
	return s.id.String()
}

// Spec returns the filter of the current or last run
func (s *Session) Spec() filter.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

func (s *Session) fail(stage string, err error) {
	s.faultMu.Lock()
	if s.fault == nil {
		s.fault = fmt.Errorf("%w: %s: %w", ErrPipelineFault, stage, err)
	}
	s.faultMu.Unlock()

	// Only a fault that races ahead of Stop moves the session out of Running.
	if s.running.CompareAndSwap(true, false) {
		s.state.CompareAndSwap(int32(Running), int32(Stopping))
		s.log.Error().Err(err).Str("stage", stage).Msg("Stream session fault")
	}
}

func (s *Session) takeFault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	err := s.fault
	s.fault = nil
	return err
}

func (s *Session) closeStream(stream audio.StreamInterface, stage string) {
	if err := stream.Stop(); err != nil {
		s.log.Warn().Err(err).Str("stage", stage).Msg("Failed to stop stream")
	}
	if err := stream.Close(); err != nil {
		s.log.Warn().Err(err).Str("stage", stage).Msg("Failed to close stream")
	}
}

func (s *Session) recoverFault(stage string) {
	if r := recover(); r != nil {
		s.fail(stage, fmt.Errorf("panic: %v", r))
	}
}

// capture reads, filters and hands off blocks until the flag clears.
func (s *Session) capture(stream audio.StreamInterface, bank *filter.Bank, params audio.StreamParams, rate int) {
	defer s.wg.Done()
	defer s.closeStream(stream, "capture")
	defer s.recoverFault("capture")

	buf := make([]float32, params.BufferLen())
	for s.running.Load() {
		if err := stream.Read(buf); err != nil {
			s.fail("capture", err)
			return
		}

		block := audio.NewBlock(slices.Clone(buf), params.Channels, rate)
		bank.ProcessInterleaved(block.Samples)
		s.captured.Add(1)

		if n := s.handoff.Push(block); n > 0 {
			s.dropped.Add(uint64(n))
		}
	}
}

// render feeds the output device one quantum at a time until the flag clears.
func (s *Session) render(stream audio.StreamInterface, params audio.StreamParams) {
	defer s.wg.Done()
	defer s.closeStream(stream, "render")
	defer s.recoverFault("render")

	latest := s.opts.DropPolicy == DropOldest
	buf := make([]float32, params.BufferLen())
	for s.running.Load() {
		ok, skipped := renderQuantum(s.handoff, buf, params.Channels, latest)
		if skipped > 0 {
			s.dropped.Add(uint64(skipped))
		}
		if ok {
			s.rendered.Add(1)
		} else {
			s.underruns.Add(1)
		}

		if err := stream.Write(buf); err != nil {
			s.fail("render", err)
			return
		}
	}
}

// renderQuantum fills dst from a waiting block, remixed to channels and
// truncated or zero-padded to len(dst). With latest set it takes the newest
// block and reports how many older ones it skipped; otherwise the oldest.
// On underrun dst is zeroed and ok is false.
func renderQuantum(h *Handoff, dst []float32, channels int, latest bool) (ok bool, skipped int) {
	var block audio.Block
	if latest {
		block, skipped, ok = h.PopLatest()
	} else {
		block, ok = h.Pop()
	}
	if !ok {
		clear(dst)
		return false, 0
	}
	block.FitInto(dst, channels)
	return true, skipped
}
