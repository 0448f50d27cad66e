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

package codec

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/virtual-crossover/internal/audio"
)

const wavFormatPCM = 1

// WAVDecoder decodes integer PCM WAV files of 8, 16, 24 or 32 bits.
type WAVDecoder struct {
	// FrameSize overrides DefaultFrameSize
	FrameSize int
}

func (d WAVDecoder) Decode(r io.ReadSeeker) (Stream, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: wav encoding %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	format := dec.Format()
	if format.NumChannels <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: wav header has %d channels at %d Hz", ErrUnsupportedFormat, format.NumChannels, format.SampleRate)
	}

	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, bitDepth)
	}

	frames := d.FrameSize
	if frames <= 0 {
		frames = DefaultFrameSize
	}

	return &wavStream{
		dec:      dec,
		channels: format.NumChannels,
		rate:     format.SampleRate,
		bitDepth: bitDepth,
		buf: &goaudio.IntBuffer{
			Format:         format,
			Data:           make([]int, frames*format.NumChannels),
			SourceBitDepth: bitDepth,
		},
	}, nil
}

type wavStream struct {
	dec      *wav.Decoder
	channels int
	rate     int
	bitDepth int
	buf      *goaudio.IntBuffer
}

func (s *wavStream) SampleRate() int { return s.rate }
func (s *wavStream) Channels() int   { return s.channels }
func (s *wavStream) Close() error    { return nil }

func (s *wavStream) Next() (audio.Block, error) {
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return audio.Block{}, err
	}
	if n == 0 {
		return audio.Block{}, io.EOF
	}
	// A truncated final frame is cut to whole sample frames.
	n -= n % s.channels

	samples := make([]float32, n)
	if s.bitDepth == 8 {
		// 8-bit WAV is unsigned
		for i, v := range s.buf.Data[:n] {
			samples[i] = float32(v-128) / 128
		}
	} else {
		scale := float32(int64(1) << (s.bitDepth - 1))
		for i, v := range s.buf.Data[:n] {
			samples[i] = float32(v) / scale
		}
	}
	return audio.NewBlock(samples, s.channels, s.rate), nil
}

// EncodeWAV writes b to w as 16-bit PCM.
func EncodeWAV(w io.WriteSeeker, b audio.Block) error {
	if b.Channels <= 0 || b.SampleRate <= 0 {
		return fmt.Errorf("%w: block has %d channels at %d Hz", ErrUnsupportedFormat, b.Channels, b.SampleRate)
	}

	enc := wav.NewEncoder(w, b.SampleRate, 16, b.Channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: b.Channels,
			SampleRate:  b.SampleRate,
		},
		Data:           make([]int, len(b.Samples)),
		SourceBitDepth: 16,
	}
	for i, v := range b.Samples {
		buf.Data[i] = int(math.Round(float64(clampSample(v)) * math.MaxInt16))
	}

	if err := enc.Write(buf); err != nil {
		_ = enc.Close() // Ignore close error, write failure is reported
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	return enc.Close()
}

// WriteWAV writes b to path as 16-bit PCM, replacing any existing file.
func WriteWAV(path string, b audio.Block) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return errors.Join(EncodeWAV(f, b), f.Close())
}

func clampSample(v float32) float32 {
	return max(-1, min(1, v))
}
