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

package filter

import "fmt"

// Bank owns one independent State per channel of an interleaved stream.
type Bank struct {
	spec    Spec
	states  []State
	scratch []float32
}

// NewBank creates channels independent states from spec
func NewBank(spec Spec, channels int) (*Bank, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil filter spec", ErrInvalidFilterParameter)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidFilterParameter, channels)
	}
	states := make([]State, channels)
	for i := range states {
		states[i] = spec.NewState()
	}
	return &Bank{spec: spec, states: states}, nil
}

// Channels returns the number of per-channel states
func (b *Bank) Channels() int { return len(b.states) }

// Spec returns the filter the bank was built from
func (b *Bank) Spec() Spec { return b.spec }

// ProcessInterleaved filters interleaved samples in place. Each channel is
// gathered into contiguous scratch memory, run through its own state and
// scattered back. A trailing partial frame is left untouched.
func (b *Bank) ProcessInterleaved(samples []float32) {
	channels := len(b.states)
	if channels == 1 {
		b.states[0].Process(samples)
		return
	}

	frames := len(samples) / channels
	if cap(b.scratch) < frames {
		b.scratch = make([]float32, frames)
	}
	scratch := b.scratch[:frames]

	for c, state := range b.states {
		for f := range frames {
			scratch[f] = samples[f*channels+c]
		}
		state.Process(scratch)
		for f := range frames {
			samples[f*channels+c] = scratch[f]
		}
	}
}

// Reset zeroes every channel's state
func (b *Bank) Reset() {
	for _, s := range b.states {
		s.Reset()
	}
}
