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

// Package filter implements the crossover's digital filters: causal FIR
// convolution and RBJ-cookbook second-order IIR sections.
//
// Construction validates parameters and never fails later; a Spec is
// immutable and may be shared. Mutable delay registers live in State values,
// one per audio channel, created with Spec.NewState or through a Bank.
package filter

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFilterParameter is returned for empty taps, cutoffs outside
// (0, Nyquist), non-positive Q and non-positive sample rates.
var ErrInvalidFilterParameter = errors.New("invalid filter parameter")

// DefaultQ is used for low-pass and high-pass sections when q is zero.
const DefaultQ = 0.5

// DefaultBandPassQ is used for band-pass sections when q is zero. It keeps
// at least 20 dB of attenuation a decade either side of the centre.
const DefaultBandPassQ = math.Sqrt2

// DefaultQFor returns the Q a zero q selects for kind.
func DefaultQFor(kind Kind) float64 {
	if kind == BandPass {
		return DefaultBandPassQ
	}
	return DefaultQ
}

// Spec is an immutable filter description.
type Spec interface {
	// NewState returns fresh, zeroed working state for one channel.
	NewState() State
	String() string
}

// State filters one channel's contiguous samples in place, carrying any
// delay registers across calls.
type State interface {
	Process(samples []float32)
	Reset()
}

// ApplyFIR convolves input with taps:
//
//	output[i] = Σ taps[j] * input[i-j] for 0 <= j < len(taps), j <= i
//
// The left boundary is zero-padded and len(output) == len(input). Cost is
// O(len(input)*len(taps)); real-time callers bound the tap count.
func ApplyFIR(taps []float64, input []float32) []float32 {
	output := make([]float32, len(input))
	for i := range input {
		var sum float64
		for j := 0; j < len(taps) && j <= i; j++ {
			sum += taps[j] * float64(input[i-j])
		}
		output[i] = float32(sum)
	}
	return output
}

// FIR is a finite impulse response filter with fixed taps.
type FIR struct {
	taps []float64
}

// NewFIR copies taps into a new FIR spec.
func NewFIR(taps []float64) (FIR, error) {
	if len(taps) == 0 {
		return FIR{}, fmt.Errorf("%w: FIR needs at least one tap", ErrInvalidFilterParameter)
	}
	for i, tap := range taps {
		if math.IsNaN(tap) || math.IsInf(tap, 0) {
			return FIR{}, fmt.Errorf("%w: tap %d is not finite", ErrInvalidFilterParameter, i)
		}
	}
	return FIR{taps: append([]float64(nil), taps...)}, nil
}

// Taps returns a copy of the coefficients
func (f FIR) Taps() []float64 {
	return append([]float64(nil), f.taps...)
}

// Len returns the tap count
func (f FIR) Len() int { return len(f.taps) }

func (f FIR) NewState() State { return &firState{taps: f.taps} }

func (f FIR) String() string { return fmt.Sprintf("fir(%d taps)", len(f.taps)) }

// firState holds no history: every Process call is self-contained.
type firState struct {
	taps []float64
}

func (s *firState) Process(samples []float32) {
	copy(samples, ApplyFIR(s.taps, samples))
}

func (s *firState) Reset() {}
