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

import (
	"fmt"
	"math"
	"strings"
)

// Kind selects the response of a biquad section
type Kind int

const (
	LowPass Kind = iota
	HighPass
	BandPass
)

func (k Kind) String() string {
	switch k {
	case LowPass:
		return "lowpass"
	case HighPass:
		return "highpass"
	case BandPass:
		return "bandpass"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "lowpass", "highpass" and "bandpass", with or without
// a hyphen or underscore.
func ParseKind(s string) (Kind, error) {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
	switch norm {
	case "lowpass", "lp":
		return LowPass, nil
	case "highpass", "hp":
		return HighPass, nil
	case "bandpass", "bp":
		return BandPass, nil
	}
	return 0, fmt.Errorf("%w: unknown biquad kind %q", ErrInvalidFilterParameter, s)
}

// Coefficients of a direct-form second-order section, normalised so a0 == 1:
//
//	y[n] = B0*x[n] + B1*x[n-1] + B2*x[n-2] - A1*y[n-1] - A2*y[n-2]
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// MakeBiquad derives coefficients from the RBJ audio EQ cookbook. The
// band-pass variant has 0 dB peak gain at cutoffHz.
func MakeBiquad(kind Kind, cutoffHz, sampleRateHz, q float64) (Coefficients, error) {
	switch {
	case !(sampleRateHz > 0) || math.IsInf(sampleRateHz, 0):
		return Coefficients{}, fmt.Errorf("%w: sample rate %v", ErrInvalidFilterParameter, sampleRateHz)
	case !(cutoffHz > 0):
		return Coefficients{}, fmt.Errorf("%w: cutoff %v Hz must be positive", ErrInvalidFilterParameter, cutoffHz)
	case cutoffHz >= sampleRateHz/2:
		return Coefficients{}, fmt.Errorf("%w: cutoff %v Hz at or above Nyquist (%v Hz)",
			ErrInvalidFilterParameter, cutoffHz, sampleRateHz/2)
	case !(q > 0) || math.IsInf(q, 0):
		return Coefficients{}, fmt.Errorf("%w: Q %v must be positive", ErrInvalidFilterParameter, q)
	}

	omega := 2.0 * math.Pi * cutoffHz / sampleRateHz
	sinOmega := math.Sin(omega)
	cosOmega := math.Cos(omega)
	alpha := sinOmega / (2.0 * q)

	var b0, b1, b2 float64
	switch kind {
	case LowPass:
		b0 = (1.0 - cosOmega) / 2.0
		b1 = 1.0 - cosOmega
		b2 = (1.0 - cosOmega) / 2.0
	case HighPass:
		b0 = (1.0 + cosOmega) / 2.0
		b1 = -(1.0 + cosOmega)
		b2 = (1.0 + cosOmega) / 2.0
	case BandPass:
		b0 = alpha
		b1 = 0
		b2 = -alpha
	default:
		return Coefficients{}, fmt.Errorf("%w: unknown biquad kind %d", ErrInvalidFilterParameter, int(kind))
	}
	a0 := 1.0 + alpha
	a1 := -2.0 * cosOmega
	a2 := 1.0 - alpha

	return Coefficients{
		B0: b0 / a0,
		B1: b1 / a0,
		B2: b2 / a0,
		A1: a1 / a0,
		A2: a2 / a0,
	}, nil
}

// BiquadState holds the Direct Form I delay registers for one channel
type BiquadState struct {
	X1, X2 float64
	Y1, Y2 float64
}

// ApplyBiquad filters a single sample and returns the advanced state.
func ApplyBiquad(c Coefficients, s BiquadState, x float64) (float64, BiquadState) {
	y := c.B0*x + c.B1*s.X1 + c.B2*s.X2 - c.A1*s.Y1 - c.A2*s.Y2
	return y, BiquadState{X1: x, X2: s.X1, Y1: y, Y2: s.Y1}
}

// Biquad is a validated second-order IIR section
type Biquad struct {
	kind         Kind
	cutoffHz     float64
	sampleRateHz float64
	q            float64
	coeffs       Coefficients
}

// NewBiquad validates parameters and precomputes coefficients
func NewBiquad(kind Kind, cutoffHz, sampleRateHz, q float64) (Biquad, error) {
	coeffs, err := MakeBiquad(kind, cutoffHz, sampleRateHz, q)
	if err != nil {
		return Biquad{}, err
	}
	return Biquad{
		kind:         kind,
		cutoffHz:     cutoffHz,
		sampleRateHz: sampleRateHz,
		q:            q,
		coeffs:       coeffs,
	}, nil
}

// NewLowPass builds a low-pass section; q of 0 selects DefaultQ.
func NewLowPass(cutoffHz, sampleRateHz, q float64) (Biquad, error) {
	return NewBiquad(LowPass, cutoffHz, sampleRateHz, orDefaultQ(LowPass, q))
}

// NewHighPass builds a high-pass section; q of 0 selects DefaultQ.
func NewHighPass(cutoffHz, sampleRateHz, q float64) (Biquad, error) {
	return NewBiquad(HighPass, cutoffHz, sampleRateHz, orDefaultQ(HighPass, q))
}

// NewBandPass builds a band-pass section centred on centerHz; q of 0 selects DefaultBandPassQ.
func NewBandPass(centerHz, sampleRateHz, q float64) (Biquad, error) {
	return NewBiquad(BandPass, centerHz, sampleRateHz, orDefaultQ(BandPass, q))
}

func orDefaultQ(kind Kind, q float64) float64 {
	if q == 0 {
		return DefaultQFor(kind)
	}
	return q
}

func (b Biquad) Kind() Kind                 { return b.kind }
func (b Biquad) CutoffHz() float64          { return b.cutoffHz }
func (b Biquad) SampleRateHz() float64      { return b.sampleRateHz }
func (b Biquad) Q() float64                 { return b.q }
func (b Biquad) Coefficients() Coefficients { return b.coeffs }

func (b Biquad) NewState() State { return &biquadState{coeffs: b.coeffs} }

func (b Biquad) String() string {
	return fmt.Sprintf("%s(%.1f Hz, Q %.3g @ %.0f Hz)", b.kind, b.cutoffHz, b.q, b.sampleRateHz)
}

type biquadState struct {
	coeffs Coefficients
	regs   BiquadState
}

func (s *biquadState) Process(samples []float32) {
	regs := s.regs
	var y float64
	for i, x := range samples {
		y, regs = ApplyBiquad(s.coeffs, regs, float64(x))
		samples[i] = float32(y)
	}
	s.regs = regs
}

func (s *biquadState) Reset() {
	s.regs = BiquadState{}
}
