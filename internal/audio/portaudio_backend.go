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
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend using the real PortAudio library
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	err := portaudio.Terminate()
	p.initialized = false
	return err
}

func (p *PortAudioBackend) ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return ErrBackendNotInitialized
	}
	return nil
}

// InputDevices lists devices with at least one input channel
func (p *PortAudioBackend) InputDevices() ([]Device, error) {
	return p.devices(Input)
}

// OutputDevices lists devices with at least one output channel
func (p *PortAudioBackend) OutputDevices() ([]Device, error) {
	return p.devices(Output)
}

func (p *PortAudioBackend) devices(dir Direction) ([]Device, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	result := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := toDevice(info)
		if d.Direction.Supports(dir) {
			result = append(result, d)
		}
	}
	return result, nil
}

// DefaultInputDevice returns PortAudio's default input device
func (p *PortAudioBackend) DefaultInputDevice() (Device, error) {
	if err := p.ready(); err != nil {
		return Device{}, err
	}
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return Device{}, fmt.Errorf("failed to get default input device: %w", err)
	}
	return toDevice(info), nil
}

// DefaultOutputDevice returns PortAudio's default output device
func (p *PortAudioBackend) DefaultOutputDevice() (Device, error) {
	if err := p.ready(); err != nil {
		return Device{}, err
	}
	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return Device{}, fmt.Errorf("failed to get default output device: %w", err)
	}
	return toDevice(info), nil
}

// CreateInputStream opens a blocking input stream on device
func (p *PortAudioBackend) CreateInputStream(device Device, params StreamParams) (StreamInterface, error) {
	info, err := p.lookup(device)
	if err != nil {
		return nil, err
	}

	// Create input buffer
	inputBuffer := make([]float32, params.BufferLen())

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: params.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      params.SampleRate,
		FramesPerBuffer: params.FramesPerBuffer,
	}, inputBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream on %q: %w", device.Name, err)
	}

	return &PortAudioStream{
		stream:      stream,
		inputBuffer: inputBuffer,
		isInput:     true,
	}, nil
}

// CreateOutputStream opens a blocking output stream on device
func (p *PortAudioBackend) CreateOutputStream(device Device, params StreamParams) (StreamInterface, error) {
	info, err := p.lookup(device)
	if err != nil {
		return nil, err
	}

	// Create output buffer
	outputBuffer := make([]float32, params.BufferLen())

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: params.Channels,
			Latency:  info.DefaultLowOutputLatency,
		},
		SampleRate:      params.SampleRate,
		FramesPerBuffer: params.FramesPerBuffer,
	}, outputBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream on %q: %w", device.Name, err)
	}

	return &PortAudioStream{
		stream:       stream,
		outputBuffer: outputBuffer,
		isInput:      false,
	}, nil
}

// lookup maps a Device snapshot back to the live PortAudio device
func (p *PortAudioBackend) lookup(device Device) (*portaudio.DeviceInfo, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, info := range infos {
		if deviceID(info) == device.ID {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, device.ID)
}

func deviceID(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return info.Name
	}
	return info.HostApi.Name + ":" + info.Name
}

func toDevice(info *portaudio.DeviceInfo) Device {
	var dir Direction
	switch {
	case info.MaxInputChannels > 0 && info.MaxOutputChannels > 0:
		dir = Duplex
	case info.MaxInputChannels > 0:
		dir = Input
	case info.MaxOutputChannels > 0:
		dir = Output
	}
	return Device{
		ID:                deviceID(info),
		Name:              info.Name,
		Direction:         dir,
		DefaultSampleRate: info.DefaultSampleRate,
		InputChannels:     info.MaxInputChannels,
		OutputChannels:    info.MaxOutputChannels,
	}
}

// PortAudioStream implements StreamInterface using PortAudio streams
type PortAudioStream struct {
	mu           sync.Mutex
	stream       *portaudio.Stream
	inputBuffer  []float32
	outputBuffer []float32
	isInput      bool
	active       bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	return nil
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	return p.stream.Close()
}

// Write writes audio data to the output stream
func (p *PortAudioStream) Write(data []float32) error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if p.isInput {
		return ErrWrongDirection
	}

	// Copy data to output buffer, zero-padding a short write
	n := copy(p.outputBuffer, data)
	clear(p.outputBuffer[n:])
	if err := p.stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
		return err
	}
	return nil
}

// Read reads audio data from the input stream
func (p *PortAudioStream) Read(data []float32) error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if !p.isInput {
		return ErrWrongDirection
	}

	if err := p.stream.Read(); err != nil {
		// Overflow only means samples were lost before this read.
		if err != portaudio.InputOverflowed {
			return err
		}
	}

	// Copy data from input buffer
	copy(data, p.inputBuffer)
	return nil
}

// IsActive returns true between Start and Stop
func (p *PortAudioStream) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil && p.active
}
