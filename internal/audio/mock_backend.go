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
	"math"
	"sync"
	"time"
)

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	inputs             []Device
	outputs            []Device
	streams            map[string]*MockStream
	streamCounter      int
	opened             int
	initError          error
	terminateError     error
	inputOpenError     error
	outputOpenError    error
	readError          error
	writeError         error
	stopError          error
	closeError         error
	simulateRealTiming bool
	generator          func([]float32)
	recordedAudioData  [][]float32
	playbackAudioData  [][]float32
}

// MockInputDevice and MockOutputDevice are the devices a new mock backend reports.
var (
	MockInputDevice = Device{
		ID:                "mock:mic",
		Name:              "Mock Microphone",
		Direction:         Input,
		DefaultSampleRate: 48000,
		InputChannels:     1,
	}
	MockOutputDevice = Device{
		ID:                "mock:speakers",
		Name:              "Mock Speakers",
		Direction:         Output,
		DefaultSampleRate: 48000,
		OutputChannels:    2,
	}
)

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		inputs:             []Device{MockInputDevice},
		outputs:            []Device{MockOutputDevice},
		streams:            make(map[string]*MockStream),
		simulateRealTiming: true,
		recordedAudioData:  make([][]float32, 0),
		playbackAudioData:  make([][]float32, 0),
	}
}

// SetDevices replaces the devices reported by the backend. The first
// entry of each list is treated as the default.
func (m *MockAudioBackend) SetDevices(inputs, outputs []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = inputs
	m.outputs = outputs
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetCreateStreamError configures the backend to return an error on stream creation
func (m *MockAudioBackend) SetCreateStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputOpenError = err
	m.outputOpenError = err
}

// SetOutputOpenError fails only output stream creation
func (m *MockAudioBackend) SetOutputOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputOpenError = err
}

// SetReadError makes Read fail on every input stream, including open ones
func (m *MockAudioBackend) SetReadError(err error) {
	m.mu.Lock()
	m.readError = err
	streams := m.snapshotLocked()
	m.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.readError = err
		s.mu.Unlock()
	}
}

// SetWriteError makes Write fail on every output stream, including open ones
func (m *MockAudioBackend) SetWriteError(err error) {
	m.mu.Lock()
	m.writeError = err
	streams := m.snapshotLocked()
	m.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.writeError = err
		s.mu.Unlock()
	}
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockAudioBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetStreamStopError makes Stop fail on streams created afterwards
func (m *MockAudioBackend) SetStreamStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetStreamCloseError makes Close report err on streams created afterwards.
// The stream is still released.
func (m *MockAudioBackend) SetStreamCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetSimulateRealTiming controls whether the mock simulates real audio timing
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetAudioDataGenerator sets the input generator used by streams created afterwards
func (m *MockAudioBackend) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// GetRecordedAudioData returns all audio data that was "recorded"
func (m *MockAudioBackend) GetRecordedAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.recordedAudioData))
	copy(result, m.recordedAudioData)
	return result
}

// GetPlaybackAudioData returns all audio data that was "played back"
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// OpenStreams returns the number of streams created and not yet closed
func (m *MockAudioBackend) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// StreamsOpened returns how many streams were ever created
func (m *MockAudioBackend) StreamsOpened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		m.mu.Unlock()
		return m.terminateError
	}
	streams := m.snapshotLocked()

	// Release the lock before calling Stop/Close to avoid deadlocks
	m.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Stop()  // Ignore errors during cleanup
		_ = stream.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

func (m *MockAudioBackend) snapshotLocked() []*MockStream {
	streams := make([]*MockStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}

// InputDevices lists the mock capture devices
func (m *MockAudioBackend) InputDevices() ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}
	return append([]Device(nil), m.inputs...), nil
}

// OutputDevices lists the mock render devices
func (m *MockAudioBackend) OutputDevices() ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}
	return append([]Device(nil), m.outputs...), nil
}

// DefaultInputDevice returns the first mock capture device
func (m *MockAudioBackend) DefaultInputDevice() (Device, error) {
	devices, err := m.InputDevices()
	if err != nil {
		return Device{}, err
	}
	if len(devices) == 0 {
		return Device{}, fmt.Errorf("%w: no default input", ErrDeviceNotFound)
	}
	return devices[0], nil
}

// DefaultOutputDevice returns the first mock render device
func (m *MockAudioBackend) DefaultOutputDevice() (Device, error) {
	devices, err := m.OutputDevices()
	if err != nil {
		return Device{}, err
	}
	if len(devices) == 0 {
		return Device{}, fmt.Errorf("%w: no default output", ErrDeviceNotFound)
	}
	return devices[0], nil
}

// CreateInputStream creates a mock input stream
func (m *MockAudioBackend) CreateInputStream(device Device, params StreamParams) (StreamInterface, error) {
	return m.createStream(device, params, true)
}

// CreateOutputStream creates a mock output stream
func (m *MockAudioBackend) CreateOutputStream(device Device, params StreamParams) (StreamInterface, error) {
	return m.createStream(device, params, false)
}

func (m *MockAudioBackend) createStream(device Device, params StreamParams, isInput bool) (*MockStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, ErrBackendNotInitialized
	}

	if isInput && m.inputOpenError != nil {
		return nil, m.inputOpenError
	}
	if !isInput && m.outputOpenError != nil {
		return nil, m.outputOpenError
	}

	if params.SampleRate <= 0 || params.Channels <= 0 || params.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid stream parameters: %+v", params)
	}

	kind := "output"
	if isInput {
		kind = "input"
	}
	streamID := fmt.Sprintf("%s_%d", kind, m.streamCounter)
	m.streamCounter++
	m.opened++

	stream := &MockStream{
		id:                 streamID,
		backend:            m,
		device:             device,
		params:             params,
		isInput:            isInput,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		readError:          m.readError,
		writeError:         m.writeError,
		stopError:          m.stopError,
		closeError:         m.closeError,
		audioDataGenerator: m.generator,
	}

	m.streams[streamID] = stream
	return stream, nil
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	device             Device
	params             StreamParams
	isInput            bool
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	startError         error
	stopError          error
	closeError         error
	writeError         error
	readError          error
	phase              int
	audioDataGenerator func([]float32) // For generating mock audio input
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetStopError configures the stream to return an error on Stop()
func (m *MockStream) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetCloseError configures the stream to report an error on Close()
func (m *MockStream) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetWriteError configures the stream to return an error on Write()
func (m *MockStream) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetAudioDataGenerator sets a function to generate mock audio input data
func (m *MockStream) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioDataGenerator = generator
}

// Device returns the device the stream was opened on
func (m *MockStream) Device() Device {
	return m.device
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}

	if !m.isOpen {
		return ErrStreamClosed
	}

	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopError != nil {
		return m.stopError
	}

	m.isActive = false
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	closeErr := m.closeError
	if !m.isOpen {
		m.mu.Unlock()
		return closeErr // Already closed
	}

	m.isOpen = false
	m.isActive = false
	m.mu.Unlock()

	m.backend.mu.Lock()
	delete(m.backend.streams, m.id)
	m.backend.mu.Unlock()

	return closeErr
}

// Write writes audio data to the mock output stream
func (m *MockStream) Write(data []float32) error {
	m.mu.Lock()
	if m.writeError != nil {
		m.mu.Unlock()
		return m.writeError
	}

	if !m.isOpen {
		m.mu.Unlock()
		return ErrStreamClosed
	}

	if m.isInput {
		m.mu.Unlock()
		return ErrWrongDirection
	}
	simulate := m.simulateRealTiming
	m.mu.Unlock()

	// Record the audio data
	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, dataCopy)
	m.backend.mu.Unlock()

	// Simulate real timing if enabled
	if simulate {
		time.Sleep(m.period(len(data)))
	}

	return nil
}

// Read reads audio data from the mock input stream
func (m *MockStream) Read(data []float32) error {
	m.mu.Lock()
	if m.readError != nil {
		m.mu.Unlock()
		return m.readError
	}

	if !m.isOpen {
		m.mu.Unlock()
		return ErrStreamClosed
	}

	if !m.isInput {
		m.mu.Unlock()
		return ErrWrongDirection
	}

	// Generate mock audio data
	if m.audioDataGenerator != nil {
		m.audioDataGenerator(data)
	} else {
		// Default: a continuous 440 Hz sine wave
		channels := m.params.Channels
		for i := range data {
			t := float64(m.phase+i/channels) / m.params.SampleRate
			data[i] = float32(0.1 * math.Sin(2*math.Pi*440*t))
		}
		m.phase += len(data) / channels
	}
	simulate := m.simulateRealTiming
	m.mu.Unlock()

	// Record the audio data
	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.recordedAudioData = append(m.backend.recordedAudioData, dataCopy)
	m.backend.mu.Unlock()

	// Simulate real timing if enabled
	if simulate {
		time.Sleep(m.period(len(data)))
	}

	return nil
}

// period is the wall-clock duration of samples interleaved samples
func (m *MockStream) period(samples int) time.Duration {
	frames := samples / m.params.Channels
	return time.Duration(float64(frames) / m.params.SampleRate * float64(time.Second))
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}
