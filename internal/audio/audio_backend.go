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

// AudioBackend provides an abstraction layer over the host audio system.
// It enumerates devices and opens blocking streams on them, which keeps the
// pipeline and playback code hardware-independent.
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// InputDevices lists devices that can capture audio
	InputDevices() ([]Device, error)

	// OutputDevices lists devices that can render audio
	OutputDevices() ([]Device, error)

	// DefaultInputDevice returns the host's default capture device
	DefaultInputDevice() (Device, error)

	// DefaultOutputDevice returns the host's default render device
	DefaultOutputDevice() (Device, error)

	// CreateInputStream opens a capture stream on device
	CreateInputStream(device Device, params StreamParams) (StreamInterface, error)

	// CreateOutputStream opens a render stream on device
	CreateOutputStream(device Device, params StreamParams) (StreamInterface, error)
}

// StreamInterface abstracts audio stream operations.
// Read and Write block for at most one buffer period.
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// Write audio data to output stream
	Write(data []float32) error

	// Read audio data from input stream
	Read(data []float32) error

	// IsActive returns true if the stream is currently active
	IsActive() bool
}

// StreamParams holds parameters for stream creation
type StreamParams struct {
	SampleRate float64
	Channels   int
	// FramesPerBuffer is the number of frames moved per Read or Write.
	FramesPerBuffer int
}

// BufferLen returns the number of interleaved samples in one buffer.
func (p StreamParams) BufferLen() int {
	return p.FramesPerBuffer * p.Channels
}
