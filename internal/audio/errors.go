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

import "errors"

var (
	// ErrBackendNotInitialized is returned when a backend is used before Initialize.
	ErrBackendNotInitialized = errors.New("audio backend not initialized")
	// ErrDeviceNotFound is returned when a device name cannot be resolved.
	ErrDeviceNotFound = errors.New("audio device not found")
	// ErrWrongDirection is returned when reading from an output stream or writing to an input stream.
	ErrWrongDirection = errors.New("stream direction does not support operation")
	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("stream not open")
)
