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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceChannels(t *testing.T) {
	tests := []struct {
		name   string
		device Device
		dir    Direction
		want   int
	}{
		{"mono_input", Device{InputChannels: 1}, Input, 1},
		{"eight_channel_interface_clamped", Device{InputChannels: 8, OutputChannels: 8}, Output, 2},
		{"output_only_device_has_no_input", Device{OutputChannels: 2}, Input, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.device.Channels(tt.dir))
		})
	}
}

func TestDirectionSupports(t *testing.T) {
	assert.True(t, Duplex.Supports(Input))
	assert.True(t, Duplex.Supports(Output))
	assert.True(t, Input.Supports(Input))
	assert.False(t, Input.Supports(Output))
	assert.Equal(t, "duplex", Duplex.String())
	assert.Equal(t, "unknown", Direction(0).String())
}

func TestCatalog(t *testing.T) {
	backend := newTestBackend(t)
	usb := Device{ID: "alsa:usb", Name: "USB Audio", Direction: Duplex, DefaultSampleRate: 44100, InputChannels: 2, OutputChannels: 2}
	backend.SetDevices(
		[]Device{MockInputDevice, usb},
		[]Device{MockOutputDevice, usb},
	)
	catalog := NewCatalog(backend)

	t.Run("empty_name_resolves_default", func(t *testing.T) {
		in, err := catalog.ResolveInput("")
		require.NoError(t, err)
		assert.Equal(t, MockInputDevice, in)

		out, err := catalog.ResolveOutput("")
		require.NoError(t, err)
		assert.Equal(t, MockOutputDevice, out)
	})

	t.Run("resolve_by_id", func(t *testing.T) {
		d, err := catalog.ResolveOutput("alsa:usb")
		require.NoError(t, err)
		assert.Equal(t, usb, d)
	})

	t.Run("resolve_by_name_case_insensitive", func(t *testing.T) {
		d, err := catalog.ResolveInput("usb audio")
		require.NoError(t, err)
		assert.Equal(t, "alsa:usb", d.ID)
	})

	t.Run("unknown_device", func(t *testing.T) {
		_, err := catalog.ResolveInput("Theremin")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("names", func(t *testing.T) {
		names, err := catalog.Names(Output)
		require.NoError(t, err)
		assert.Equal(t, []string{"Mock Speakers", "USB Audio"}, names)
	})
}
