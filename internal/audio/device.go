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
	"strings"
)

// Direction describes which way a device can move audio.
type Direction int

const (
	Input Direction = iota + 1
	Output
	Duplex
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	case Duplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// Supports reports whether d covers want.
func (d Direction) Supports(want Direction) bool {
	return d == want || d == Duplex
}

// MaxChannels is the widest layout the crossover handles (stereo).
const MaxChannels = 2

// Device is an immutable snapshot of a host audio device.
type Device struct {
	ID                string
	Name              string
	Direction         Direction
	DefaultSampleRate float64
	InputChannels     int
	OutputChannels    int
}

// Channels returns the default channel count for dir, clamped to mono/stereo.
// It returns 0 when the device cannot be used in that direction.
func (d Device) Channels(dir Direction) int {
	n := d.OutputChannels
	if dir == Input {
		n = d.InputChannels
	}
	if n <= 0 {
		return 0
	}
	return min(n, MaxChannels)
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %.0f Hz)", d.Name, d.Direction, d.DefaultSampleRate)
}

// Catalog enumerates devices through a backend and resolves names to devices.
type Catalog struct {
	backend AudioBackend
}

// NewCatalog creates a catalog over an initialized backend
func NewCatalog(backend AudioBackend) *Catalog {
	return &Catalog{backend: backend}
}

// Inputs lists capture devices
func (c *Catalog) Inputs() ([]Device, error) {
	return c.backend.InputDevices()
}

// Outputs lists render devices
func (c *Catalog) Outputs() ([]Device, error) {
	return c.backend.OutputDevices()
}

// DefaultInput returns the default capture device
func (c *Catalog) DefaultInput() (Device, error) {
	return c.backend.DefaultInputDevice()
}

// DefaultOutput returns the default render device
func (c *Catalog) DefaultOutput() (Device, error) {
	return c.backend.DefaultOutputDevice()
}

// ResolveInput finds a capture device by ID or name. An empty name
// resolves to the default input.
func (c *Catalog) ResolveInput(name string) (Device, error) {
	if name == "" {
		return c.DefaultInput()
	}
	devices, err := c.Inputs()
	if err != nil {
		return Device{}, err
	}
	return find(devices, name)
}

// ResolveOutput finds a render device by ID or name. An empty name
// resolves to the default output.
func (c *Catalog) ResolveOutput(name string) (Device, error) {
	if name == "" {
		return c.DefaultOutput()
	}
	devices, err := c.Outputs()
	if err != nil {
		return Device{}, err
	}
	return find(devices, name)
}

// Names returns the human-readable names of devices in dir.
func (c *Catalog) Names(dir Direction) ([]string, error) {
	var (
		devices []Device
		err     error
	)
	if dir == Input {
		devices, err = c.Inputs()
	} else {
		devices, err = c.Outputs()
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return names, nil
}

// find matches on exact ID first, then case-insensitive name.
func find(devices []Device, name string) (Device, error) {
	for _, d := range devices {
		if d.ID == name {
			return d, nil
		}
	}
	for _, d := range devices {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}
