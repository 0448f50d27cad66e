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

// Package offline decodes a whole file, filters it and hands the result to
// a playback sink.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/codec"
	"github.com/loqalabs/virtual-crossover/internal/filter"
)

// ErrPartialDecode marks a result cut short by a decode fault
var ErrPartialDecode = errors.New("partial decode")

// PartialDecodeError is returned by Run alongside the audio decoded before
// the fault.
type PartialDecodeError struct {
	Path string
	// Frames is the number of decoder frames that made it into the result
	Frames int
	Err    error
}

func (e *PartialDecodeError) Error() string {
	return fmt.Sprintf("partial decode of %s after %d frames: %v", e.Path, e.Frames, e.Err)
}

func (e *PartialDecodeError) Unwrap() []error {
	return []error{ErrPartialDecode, e.Err}
}

// Opener opens decoded streams; *codec.Registry satisfies it.
type Opener interface {
	Open(path string) (codec.Stream, error)
}

// Sink receives the filtered result; *playback.Sink satisfies it.
type Sink interface {
	Enqueue(b audio.Block) error
	Play()
	Wait(ctx context.Context) error
}

// SpecBuilder returns the filter for a stream at the given sample rate.
// Biquad coefficients depend on the rate, which is only known once the
// file is open.
type SpecBuilder func(sampleRateHz float64) (filter.Spec, error)

// Fixed returns a builder that ignores the rate
func Fixed(spec filter.Spec) SpecBuilder {
	return func(float64) (filter.Spec, error) { return spec, nil }
}

// Option configures a Player
type Option func(*Player)

// WithOutputChannels fixes the result's channel count. Mono sources are
// duplicated to stereo and stereo sources are averaged to mono.
func WithOutputChannels(n int) Option {
	return func(p *Player) {
		p.channels = n
	}
}

// Player runs decode → filter → accumulate synchronously on the caller's
// goroutine.
type Player struct {
	opener   Opener
	log      zerolog.Logger
	channels int
}

// New creates a player
func New(opener Opener, log zerolog.Logger, opts ...Option) *Player {
	p := &Player{opener: opener, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Player) outputChannels(source int) (int, error) {
	n := p.channels
	if n == 0 {
		n = min(source, audio.MaxChannels)
	}
	if n < 1 || n > audio.MaxChannels {
		return 0, fmt.Errorf("%w: %d output channels", codec.ErrUnsupportedFormat, n)
	}
	return n, nil
}

// Run decodes path to the end, filtering every channel with its own state
// carried across frames. On a decode fault it returns what was decoded so
// far together with a *PartialDecodeError.
func (p *Player) Run(path string, spec filter.Spec) (audio.Block, error) {
	return p.RunWith(path, Fixed(spec))
}

// RunWith is Run with the filter built for the file's sample rate.
func (p *Player) RunWith(path string, build SpecBuilder) (out audio.Block, err error) {
	stream, err := p.opener.Open(path)
	if err != nil {
		return audio.Block{}, err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			p.log.Warn().Err(cerr).Str("path", path).Msg("Failed to close decoder")
		}
	}()

	channels, err := p.outputChannels(stream.Channels())
	if err != nil {
		return audio.Block{}, err
	}
	spec, err := build(float64(stream.SampleRate()))
	if err != nil {
		return audio.Block{}, err
	}
	bank, err := filter.NewBank(spec, channels)
	if err != nil {
		return audio.Block{}, err
	}

	out = audio.Block{Channels: channels, SampleRate: stream.SampleRate()}
	frames := 0

	defer func() {
		if r := recover(); r != nil {
			err = &PartialDecodeError{Path: path, Frames: frames, Err: fmt.Errorf("decoder panic: %v", r)}
		}
		if err != nil {
			p.log.Warn().Err(err).Str("path", path).Int("frames", frames).Msg("Decode stopped early")
		}
	}()

	for {
		frame, nerr := stream.Next()
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			return out, &PartialDecodeError{Path: path, Frames: frames, Err: nerr}
		}

		if frame.Channels != channels {
			frame = frame.Remix(channels)
		}
		bank.ProcessInterleaved(frame.Samples)
		out.Append(frame)
		frames++
	}

	p.log.Debug().
		Str("path", path).
		Stringer("filter", spec).
		Int("frames", frames).
		Dur("duration", out.Duration()).
		Msg("Decoded and filtered file")
	return out, nil
}

// Play runs path and queues the result on sink without waiting for it to
// finish. A partial result is still played and its error returned.
func (p *Player) Play(path string, build SpecBuilder, sink Sink) error {
	partial, err := p.play(path, build, sink)
	if err != nil {
		return err
	}
	return partial
}

// PlayFile is Play followed by waiting for the sink to drain.
func (p *Player) PlayFile(ctx context.Context, path string, build SpecBuilder, sink Sink) error {
	partial, err := p.play(path, build, sink)
	if err != nil {
		return err
	}
	if err := sink.Wait(ctx); err != nil {
		return errors.Join(err, partial)
	}
	return partial
}

// play separates a partial decode, which still plays, from hard failures.
func (p *Player) play(path string, build SpecBuilder, sink Sink) (partial, err error) {
	block, err := p.RunWith(path, build)
	var pde *PartialDecodeError
	if errors.As(err, &pde) {
		partial, err = err, nil
	}
	if err != nil {
		return nil, err
	}

	if !block.Empty() {
		if err := sink.Enqueue(block); err != nil {
			return nil, errors.Join(err, partial)
		}
		sink.Play()
	}
	return partial, nil
}
