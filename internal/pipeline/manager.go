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

package pipeline

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/filter"
)

type pairKey struct {
	input  string
	output string
}

func keyOf(input, output audio.Device) pairKey {
	return pairKey{input: input.ID, output: output.ID}
}

// Manager keeps one Session per (input, output) device pair so repeated
// start requests for the same pair reuse the running session.
type Manager struct {
	backend audio.AudioBackend
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[pairKey]*Session
}

// NewManager creates a manager whose sessions share opts
func NewManager(backend audio.AudioBackend, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		backend:  backend,
		opts:     opts,
		logger:   logger,
		sessions: make(map[pairKey]*Session),
	}
}

// Session returns the session for the pair, creating an idle one if needed.
func (m *Manager) Session(input, output audio.Device) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyOf(input, output)
	s, ok := m.sessions[key]
	if !ok {
		s = NewSession(m.backend, m.opts, m.logger)
		m.sessions[key] = s
	}
	return s
}

// Start starts the pair's session. It is a no-op for a pair already running.
func (m *Manager) Start(input, output audio.Device, spec filter.Spec) (*Session, error) {
	s := m.Session(input, output)
	return s, s.Start(input, output, spec)
}

// Stop stops the pair's session if there is one
func (m *Manager) Stop(input, output audio.Device) error {
	m.mu.Lock()
	s, ok := m.sessions[keyOf(input, output)]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Stop()
}

// Running returns the sessions whose goroutines are live
func (m *Manager) Running() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running []*Session
	for _, s := range m.sessions {
		if s.IsRunning() {
			running = append(running, s)
		}
	}
	return running
}

// Stats sums the counters of every session the manager has created
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total Stats
	for _, s := range m.sessions {
		st := s.Stats()
		total.Captured += st.Captured
		total.Rendered += st.Rendered
		total.Dropped += st.Dropped
		total.Underruns += st.Underruns
	}
	return total
}

// StopAll stops every session and joins their faults
func (m *Manager) StopAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
