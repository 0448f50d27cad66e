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

// Package app wires the device catalog, stream sessions, playback sink and
// offline player into the operations the command line and the control
// plane expose.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/codec"
	"github.com/loqalabs/virtual-crossover/internal/config"
	"github.com/loqalabs/virtual-crossover/internal/nats"
	"github.com/loqalabs/virtual-crossover/internal/offline"
	"github.com/loqalabs/virtual-crossover/internal/pipeline"
	"github.com/loqalabs/virtual-crossover/internal/playback"
)

// App implements nats.Controller over an initialized audio backend.
type App struct {
	cfg     *config.Config
	backend audio.AudioBackend
	catalog *audio.Catalog
	opts    pipeline.Options
	manager *pipeline.Manager
	player  *offline.Player
	log     zerolog.Logger

	mu     sync.Mutex
	sink   *playback.Sink // opened on first use
	volume float64
	closed bool
}

var _ nats.Controller = (*App)(nil)

// New validates cfg and builds an App. The backend must already be
// initialized; App never terminates it.
func New(cfg *config.Config, backend audio.AudioBackend, opener offline.Opener, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.PipelineOptions()
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = codec.DefaultRegistry()
	}

	var playerOpts []offline.Option
	if cfg.Playback.Channels > 0 {
		playerOpts = append(playerOpts, offline.WithOutputChannels(cfg.Playback.Channels))
	}

	return &App{
		cfg:     cfg,
		backend: backend,
		catalog: audio.NewCatalog(backend),
		opts:    opts,
		manager: pipeline.NewManager(backend, opts, log),
		player:  offline.New(opener, log, playerOpts...),
		log:     log,
		volume:  cfg.Playback.Volume,
	}, nil
}

// Catalog exposes device enumeration
func (a *App) Catalog() *audio.Catalog {
	return a.catalog
}

func (a *App) filterConfig(override *config.FilterConfig) config.FilterConfig {
	if override != nil {
		return *override
	}
	return a.cfg.Filter
}

func orDefault(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func (a *App) resolvePair(input, output string) (audio.Device, audio.Device, error) {
	in, err := a.catalog.ResolveInput(orDefault(input, a.cfg.Audio.InputDevice))
	if err != nil {
		return audio.Device{}, audio.Device{}, err
	}
	out, err := a.catalog.ResolveOutput(orDefault(output, a.cfg.Audio.OutputDevice))
	if err != nil {
		return audio.Device{}, audio.Device{}, err
	}
	return in, out, nil
}

// StartStream starts the live pipeline between two devices. Empty names
// fall back to the configured devices and then to the system defaults.
func (a *App) StartStream(input, output string, f *config.FilterConfig) error {
	in, out, err := a.resolvePair(input, output)
	if err != nil {
		return err
	}

	spec, err := a.filterConfig(f).Build(a.opts.StreamRate(in))
	if err != nil {
		return err
	}

	_, err = a.manager.Start(in, out, spec)
	return err
}

// StopStream stops the pipeline between two devices
func (a *App) StopStream(input, output string) error {
	in, out, err := a.resolvePair(input, output)
	if err != nil {
		return err
	}
	return a.manager.Stop(in, out)
}

// ensureSink opens the playback sink on the configured output device. A
// sink whose device faulted is closed and replaced.
func (a *App) ensureSink() (*playback.Sink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, playback.ErrSinkClosed
	}
	if a.sink != nil {
		fault := a.sink.Err()
		if fault == nil {
			return a.sink, nil
		}
		a.log.Warn().Err(fault).Msg("Reopening faulted playback sink")
		a.volume = a.sink.Volume()
		_ = a.sink.Close() // Ignore close error, the fault is already logged
		a.sink = nil
	}

	dev, err := a.catalog.ResolveOutput(a.cfg.Audio.OutputDevice)
	if err != nil {
		return nil, err
	}
	sink, err := playback.New(a.backend, dev, playback.Options{
		Channels:        a.cfg.Playback.Channels,
		FramesPerBuffer: a.cfg.Audio.FramesPerBuffer,
	}, a.log)
	if err != nil {
		return nil, err
	}
	sink.SetVolume(a.volume)
	a.sink = sink
	return sink, nil
}

func (a *App) currentSink() *playback.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sink
}

// PlayFile decodes, filters and queues path without waiting for it to play
func (a *App) PlayFile(path string, f *config.FilterConfig) error {
	sink, err := a.ensureSink()
	if err != nil {
		return err
	}
	return a.player.Play(path, a.filterConfig(f).Build, sink)
}

// PlayFileAndWait is PlayFile that returns once playback has drained.
func (a *App) PlayFileAndWait(ctx context.Context, path string, f *config.FilterConfig) error {
	sink, err := a.ensureSink()
	if err != nil {
		return err
	}
	return a.player.PlayFile(ctx, path, a.filterConfig(f).Build, sink)
}

// ExportFile writes the filtered rendition of path to a WAV file. A
// partial decode still writes what was decoded.
func (a *App) ExportFile(path, dest string, f *config.FilterConfig) error {
	block, err := a.player.RunWith(path, a.filterConfig(f).Build)
	var partial *offline.PartialDecodeError
	if err != nil && !errors.As(err, &partial) {
		return err
	}
	if block.Empty() {
		return err
	}
	if werr := codec.WriteWAV(dest, block); werr != nil {
		return fmt.Errorf("failed to export %s: %w", dest, werr)
	}
	a.log.Info().Str("source", path).Str("dest", dest).Dur("duration", block.Duration()).Msg("Exported filtered audio")
	return err
}

// Play resumes the playback queue. Without a sink there is nothing to play.
func (a *App) Play() error {
	if sink := a.currentSink(); sink != nil {
		sink.Play()
	}
	return nil
}

func (a *App) Pause() error {
	if sink := a.currentSink(); sink != nil {
		sink.Pause()
	}
	return nil
}

func (a *App) Resume() error {
	if sink := a.currentSink(); sink != nil {
		sink.Resume()
	}
	return nil
}

// StopPlayback clears the playback queue
func (a *App) StopPlayback() error {
	if sink := a.currentSink(); sink != nil {
		sink.Stop()
	}
	return nil
}

// SetVolume sets the playback volume, remembered for a sink opened later.
func (a *App) SetVolume(v float64) error {
	a.mu.Lock()
	sink := a.sink
	if sink == nil {
		if math.IsNaN(v) {
			v = 0
		}
		a.volume = max(0, min(1, v))
	}
	a.mu.Unlock()

	if sink != nil {
		sink.SetVolume(v)
	}
	return nil
}

// Status reports live sessions and playback state
func (a *App) Status() nats.Status {
	running := a.manager.Running()
	status := nats.Status{
		Running:  len(running) > 0,
		Sessions: len(running),
		Stats:    a.manager.Stats(),
	}

	if sink := a.currentSink(); sink != nil {
		status.Paused = sink.Paused()
		status.Volume = sink.Volume()
		status.Pending = sink.Pending()
	} else {
		a.mu.Lock()
		status.Volume = a.volume
		a.mu.Unlock()
	}
	return status
}

// Close stops every session and the playback sink.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sink := a.sink
	a.sink = nil
	a.mu.Unlock()

	errs := []error{a.manager.StopAll()}
	if sink != nil {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}
