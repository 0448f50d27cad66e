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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/app"
	"github.com/loqalabs/virtual-crossover/internal/audio"
	"github.com/loqalabs/virtual-crossover/internal/codec"
	"github.com/loqalabs/virtual-crossover/internal/config"
	"github.com/loqalabs/virtual-crossover/internal/logging"
	"github.com/loqalabs/virtual-crossover/internal/nats"
	"github.com/loqalabs/virtual-crossover/internal/offline"
)

// healthInterval is how often a live stream is checked for faults
const healthInterval = 250 * time.Millisecond

type options struct {
	configPath string
	list       bool
	input      string
	output     string
	file       string
	export     string
	natsURL    string
	nodeID     string
	logLevel   string
	filterType string
	taps       string
	cutoff     float64
	q          float64
	volume     float64
}

func parseFlags(args []string, stderr io.Writer) (*options, map[string]bool, error) {
	o := &options{}
	fs := flag.NewFlagSet("crossover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.configPath, "config", config.DefaultPath(), "Path to the JSON config file")
	fs.BoolVar(&o.list, "list", false, "List audio devices and exit")
	fs.StringVar(&o.input, "in", "", "Input device name or ID (default: system default)")
	fs.StringVar(&o.output, "out", "", "Output device name or ID (default: system default)")
	fs.StringVar(&o.file, "file", "", "Decode, filter and play an audio file (.wav, .mp3, .ogg) instead of streaming")
	fs.StringVar(&o.export, "export", "", "With -file, write the filtered audio to this WAV file instead of playing it")
	fs.StringVar(&o.natsURL, "nats", "", "NATS server URL for remote control (e.g. nats://localhost:4222)")
	fs.StringVar(&o.nodeID, "id", "", "Node ID used in NATS subjects (default: hostname)")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&o.filterType, "filter", "", "Filter type: fir, lowpass, highpass, bandpass")
	fs.StringVar(&o.taps, "taps", "", "Comma separated FIR coefficients")
	fs.Float64Var(&o.cutoff, "cutoff", 0, "Biquad cutoff or centre frequency in Hz")
	fs.Float64Var(&o.q, "q", 0, "Biquad quality factor (default 0.5, band-pass 1.41)")
	fs.Float64Var(&o.volume, "volume", 0, "Playback volume between 0 and 1")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set, nil
}

func parseTaps(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	taps := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tap %q: %w", f, err)
		}
		taps = append(taps, v)
	}
	return taps, nil
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(cfg *config.Config, o *options, set map[string]bool) error {
	if set["in"] {
		cfg.Audio.InputDevice = o.input
	}
	if set["out"] {
		cfg.Audio.OutputDevice = o.output
	}
	if set["nats"] {
		cfg.NATSURL = o.natsURL
	}
	if set["id"] {
		cfg.NodeID = o.nodeID
	}
	if set["log-level"] {
		cfg.LogLevel = o.logLevel
	}
	if set["volume"] {
		cfg.Playback.Volume = o.volume
	}

	if set["filter"] && !strings.EqualFold(o.filterType, cfg.Filter.Type) {
		cfg.Filter = config.FilterConfig{Type: o.filterType}
	}
	if set["taps"] {
		taps, err := parseTaps(o.taps)
		if err != nil {
			return err
		}
		cfg.Filter.Taps = taps
		if !set["filter"] {
			cfg.Filter.Type = config.FilterFIR
		}
	}
	if set["cutoff"] {
		cfg.Filter.CutoffHz = o.cutoff
	}
	if set["q"] {
		cfg.Filter.Q = o.q
	}
	return nil
}

func printDevices(w io.Writer, catalog *audio.Catalog) error {
	for _, dir := range []audio.Direction{audio.Input, audio.Output} {
		var devices []audio.Device
		var def audio.Device
		var err error
		if dir == audio.Input {
			devices, err = catalog.Inputs()
			if err == nil {
				def, _ = catalog.DefaultInput()
			}
		} else {
			devices, err = catalog.Outputs()
			if err == nil {
				def, _ = catalog.DefaultOutput()
			}
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s devices:\n", strings.ToUpper(dir.String()[:1])+dir.String()[1:])
		for _, d := range devices {
			marker := " "
			if d.ID == def.ID {
				marker = "*"
			}
			fmt.Fprintf(w, " %s %-40s %s, %d ch, %.0f Hz\n", marker, d.Name, d.ID, d.Channels(dir), d.DefaultSampleRate)
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, audio.NewPortAudioBackend())
	stop()
	os.Exit(code)
}

// run is the whole program; it returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, backend audio.AudioBackend) int {
	o, set, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := applyFlags(cfg, o, set); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if o.export != "" && o.file == "" {
		fmt.Fprintln(stderr, "-export requires -file")
		return 2
	}

	var extra []io.Writer
	if cfg.LogFile != "" {
		f, err := logging.OpenFile(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		extra = append(extra, f)
	}
	log := logging.NewConsole(stderr, cfg.LogLevel, extra...)

	if err := backend.Initialize(); err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return 1
	}
	defer func() {
		if err := backend.Terminate(); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate audio backend")
		}
	}()

	if o.list {
		if err := printDevices(stdout, audio.NewCatalog(backend)); err != nil {
			log.Error().Err(err).Msg("Failed to list devices")
			return 1
		}
		return 0
	}

	a, err := app.New(cfg, backend, codec.DefaultRegistry(), log)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Shutdown reported errors")
		}
	}()

	switch {
	case o.export != "":
		return exitCode(log, a.ExportFile(o.file, o.export, nil), "Export failed")
	case o.file != "":
		log.Info().Str("file", o.file).Msg("Playing file")
		return exitCode(log, a.PlayFileAndWait(ctx, o.file, nil), "Playback failed")
	}

	return serve(ctx, cfg, a, log)
}

// serve runs the live stream, and the control plane when configured,
// until ctx is cancelled or the stream faults.
func serve(ctx context.Context, cfg *config.Config, a *app.App, log zerolog.Logger) int {
	log.Info().
		Str("node", cfg.NodeID).
		Str("input", cfg.Audio.InputDevice).
		Str("output", cfg.Audio.OutputDevice).
		Str("filter", cfg.Filter.Type).
		Msg("Starting virtual crossover")

	if err := a.StartStream("", "", nil); err != nil {
		log.Error().Err(err).Msg("Failed to start stream")
		return 1
	}

	var control *nats.ControlSubscriber
	if cfg.NATSURL != "" {
		cs, err := nats.NewControlSubscriber(cfg.NATSURL, cfg.NodeID, a, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize NATS control subscriber")
			return 1
		}
		defer cs.Close()
		if err := cs.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start NATS control subscriber")
			return 1
		}
		cs.PublishStatus()
		control = cs
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			if err := a.StopStream("", ""); err != nil {
				log.Error().Err(err).Msg("Stream ended with a fault")
				return 1
			}
			return 0
		case <-ticker.C:
			// Under remote control a stopped stream is expected.
			if control != nil || a.Status().Running {
				continue
			}
			err := a.StopStream("", "")
			log.Error().Err(err).Msg("Stream stopped unexpectedly")
			return 1
		}
	}
}

func exitCode(log zerolog.Logger, err error, msg string) int {
	switch {
	case err == nil:
		return 0
	case onlyPartial(err):
		log.Warn().Err(err).Msg("File was only partly decoded")
		return 0
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Interrupted")
		return 0
	default:
		log.Error().Err(err).Msg(msg)
		return 1
	}
}

// onlyPartial reports whether every error in err's tree is a partial
// decode, which still produced audio.
func onlyPartial(err error) bool {
	if _, ok := err.(*offline.PartialDecodeError); ok {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for _, e := range errs {
			if !onlyPartial(e) {
				return false
			}
		}
		return len(errs) > 0
	}
	if inner := errors.Unwrap(err); inner != nil {
		return onlyPartial(inner)
	}
	return false
}
