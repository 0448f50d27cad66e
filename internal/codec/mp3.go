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

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/loqalabs/virtual-crossover/internal/audio"
)

// mp3Channels is fixed: go-mp3 always produces interleaved stereo.
const mp3Channels = 2

type mp3Reader interface {
	Read([]byte) (int, error)
	SampleRate() int
}

// MP3Decoder decodes MPEG-1/2 Layer III.
type MP3Decoder struct {
	// FrameSize overrides DefaultFrameSize
	FrameSize int
}

func (d MP3Decoder) Decode(r io.ReadSeeker) (Stream, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: mp3: %w", ErrUnsupportedFormat, err)
	}
	return newMP3Stream(dec, d.FrameSize), nil
}

func newMP3Stream(dec mp3Reader, frames int) *mp3Stream {
	if frames <= 0 {
		frames = DefaultFrameSize
	}
	return &mp3Stream{
		dec: dec,
		buf: make([]byte, frames*mp3Channels*2),
	}
}

type mp3Stream struct {
	dec mp3Reader
	buf []byte
	eof bool
}

func (s *mp3Stream) SampleRate() int { return s.dec.SampleRate() }
func (s *mp3Stream) Channels() int   { return mp3Channels }
func (s *mp3Stream) Close() error    { return nil }

func (s *mp3Stream) Next() (audio.Block, error) {
	if s.eof {
		return audio.Block{}, io.EOF
	}

	n, err := io.ReadFull(s.dec, s.buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.eof = true
		if n == 0 {
			return audio.Block{}, io.EOF
		}
	case err != nil:
		return audio.Block{}, err
	}

	// int16 little endian, whole stereo frames only
	samples := n / 2
	samples -= samples % mp3Channels
	out := make([]float32, samples)
	for i := range out {
		v := int16(uint16(s.buf[2*i]) | uint16(s.buf[2*i+1])<<8)
		out[i] = float32(v) / 32768
	}
	return audio.NewBlock(out, mp3Channels, s.dec.SampleRate()), nil
}
