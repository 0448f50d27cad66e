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

// Package codec decodes compressed audio files into PCM blocks, one frame
// at a time.
package codec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/loqalabs/virtual-crossover/internal/audio"
)

var (
	// ErrCannotOpen is returned when a file is missing, unreadable or not
	// a valid stream of its format.
	ErrCannotOpen = errors.New("cannot open audio file")
	// ErrUnsupportedFormat is returned for extensions or encodings no
	// decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// DefaultFrameSize is the number of sample frames a decoder returns per Next call
const DefaultFrameSize = 1024

// Stream is an open decoder.
type Stream interface {
	SampleRate() int
	Channels() int
	// Next returns the next frame of interleaved samples. The caller owns
	// the returned samples. It returns io.EOF at end of stream; any other
	// error is a decode fault.
	Next() (audio.Block, error)
	Close() error
}

// Decoder opens a Stream over encoded data.
type Decoder interface {
	Decode(r io.ReadSeeker) (Stream, error)
}

// Registry maps file extensions to decoders
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry knows WAV, MP3 and Ogg Vorbis.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(".wav", WAVDecoder{})
	r.Register(".wave", WAVDecoder{})
	r.Register(".mp3", MP3Decoder{})
	r.Register(".ogg", VorbisDecoder{})
	r.Register(".oga", VorbisDecoder{})
	return r
}

// Register binds ext (with or without the leading dot) to d.
func (r *Registry) Register(ext string, d Decoder) {
	r.decoders[normalizeExt(ext)] = d
}

// Extensions lists the registered extensions in sorted order
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.decoders))
	for ext := range r.decoders {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// Supports reports whether path has a registered extension
func (r *Registry) Supports(path string) bool {
	_, ok := r.decoders[normalizeExt(filepath.Ext(path))]
	return ok
}

// Open opens path with the decoder registered for its extension. The
// returned stream owns the file and closes it on Close.
func (r *Registry) Open(path string) (Stream, error) {
	ext := normalizeExt(filepath.Ext(path))
	dec, ok := r.decoders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w %q", ErrCannotOpen, path, ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotOpen, err)
	}

	stream, err := dec.Decode(f)
	if err != nil {
		_ = f.Close() // Ignore close error, decode failure is reported
		return nil, fmt.Errorf("%w: %s: %w", ErrCannotOpen, path, err)
	}
	return &fileStream{Stream: stream, file: f}, nil
}

type fileStream struct {
	Stream
	file *os.File
}

func (s *fileStream) Close() error {
	return errors.Join(s.Stream.Close(), s.file.Close())
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
