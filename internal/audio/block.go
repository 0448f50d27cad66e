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

package audio

import (
	"math"
	"time"
)

// Block is a run of interleaved float32 samples in [-1, 1].
// len(Samples) is always Frames()*Channels.
type Block struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// NewBlock wraps samples without copying them.
func NewBlock(samples []float32, channels, sampleRate int) Block {
	return Block{Samples: samples, Channels: channels, SampleRate: sampleRate}
}

// Silence returns a zero-filled block.
func Silence(frames, channels, sampleRate int) Block {
	return Block{
		Samples:    make([]float32, frames*channels),
		Channels:   channels,
		SampleRate: sampleRate,
	}
}

// Frames returns the number of sample frames in the block
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playing time of the block
func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / float64(b.SampleRate) * float64(time.Second))
}

// Empty reports whether the block carries no frames
func (b Block) Empty() bool {
	return b.Frames() == 0
}

// Clone returns a deep copy
func (b Block) Clone() Block {
	samples := make([]float32, len(b.Samples))
	copy(samples, b.Samples)
	return Block{Samples: samples, Channels: b.Channels, SampleRate: b.SampleRate}
}

// Append adds other's samples to b. Both blocks must share a layout.
func (b *Block) Append(other Block) {
	b.Samples = append(b.Samples, other.Samples...)
}

// sampleAt maps frame f, output channel c of a channels-wide layout onto b.
// Mono sources are duplicated to every channel and wider sources are
// averaged down to mono.
func (b Block) sampleAt(f, c, channels int) float32 {
	base := f * b.Channels
	switch {
	case b.Channels == channels:
		return b.Samples[base+c]
	case b.Channels == 1:
		return b.Samples[base]
	case channels == 1:
		var sum float32
		for i := range b.Channels {
			sum += b.Samples[base+i]
		}
		return sum / float32(b.Channels)
	default:
		return b.Samples[base+min(c, b.Channels-1)]
	}
}

// Remix returns the block converted to the given channel count.
func (b Block) Remix(channels int) Block {
	if channels == b.Channels {
		return b.Clone()
	}
	frames := b.Frames()
	out := Silence(frames, channels, b.SampleRate)
	for f := range frames {
		for c := range channels {
			out.Samples[f*channels+c] = b.sampleAt(f, c, channels)
		}
	}
	return out
}

// FitInto copies the block into dst laid out with the given channel count,
// truncating extra frames and zero-padding missing ones. It returns the
// number of frames copied from b.
func (b Block) FitInto(dst []float32, channels int) int {
	if channels <= 0 {
		return 0
	}
	frames := len(dst) / channels
	n := min(frames, b.Frames())
	for f := range n {
		for c := range channels {
			dst[f*channels+c] = b.sampleAt(f, c, channels)
		}
	}
	clear(dst[n*channels:])
	return n
}

// Resample converts the block to rate using Catmull-Rom cubic interpolation.
func (b Block) Resample(rate int) Block {
	if rate <= 0 || b.SampleRate <= 0 || rate == b.SampleRate {
		return b.Clone()
	}
	srcFrames := b.Frames()
	if srcFrames == 0 {
		return Block{Channels: b.Channels, SampleRate: rate}
	}

	ratio := float64(b.SampleRate) / float64(rate)
	dstFrames := int(math.Round(float64(srcFrames) / ratio))
	out := Silence(dstFrames, b.Channels, rate)

	at := func(f, c int) float32 {
		f = max(0, min(f, srcFrames-1))
		return b.Samples[f*b.Channels+c]
	}

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		x := float32(pos - float64(idx))
		for c := range b.Channels {
			out.Samples[i*b.Channels+c] = cubicInterpolate(
				at(idx-1, c), at(idx, c), at(idx+1, c), at(idx+2, c), x)
		}
	}
	return out
}

// cubicInterpolate evaluates a Catmull-Rom spline between y1 and y2 at x in [0, 1].
func cubicInterpolate(y0, y1, y2, y3, x float32) float32 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	a3 := y1

	return a0*x*x*x + a1*x*x + a2*x + a3
}
