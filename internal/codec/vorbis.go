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

	"github.com/jfreymuth/oggvorbis"

	"github.com/loqalabs/virtual-crossover/internal/audio"
)

type oggReader interface {
	SampleRate() int
	Channels() int
	Read([]float32) (int, error)
}

// VorbisDecoder decodes Ogg Vorbis.
type VorbisDecoder struct {
	// FrameSize overrides DefaultFrameSize
	FrameSize int
}

func (d VorbisDecoder) Decode(r io.ReadSeeker) (Stream, error) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: vorbis: %w", ErrUnsupportedFormat, err)
	}
	if dec.Channels() < 1 {
		return nil, fmt.Errorf("%w: vorbis stream has no channels", ErrUnsupportedFormat)
	}
	return newVorbisStream(dec, d.FrameSize), nil
}

func newVorbisStream(dec oggReader, frames int) *vorbisStream {
	if frames <= 0 {
		frames = DefaultFrameSize
	}
	return &vorbisStream{
		dec: dec,
		buf: make([]float32, frames*dec.Channels()),
	}
}

type vorbisStream struct {
	dec oggReader
	buf []float32
	eof bool
}

func (s *vorbisStream) SampleRate() int { return s.dec.SampleRate() }
func (s *vorbisStream) Channels() int   { return s.dec.Channels() }
func (s *vorbisStream) Close() error    { return nil }

func (s *vorbisStream) Next() (audio.Block, error) {
	channels := s.dec.Channels()
	for !s.eof {
		// Read returns interleaved values, always whole frames.
		n, err := s.dec.Read(s.buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return audio.Block{}, err
		}
		if err != nil {
			s.eof = true
		}
		if n > 0 {
			n -= n % channels
			out := make([]float32, n)
			copy(out, s.buf[:n])
			return audio.NewBlock(out, channels, s.dec.SampleRate()), nil
		}
	}
	return audio.Block{}, io.EOF
}
