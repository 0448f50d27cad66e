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
	"fmt"
	"strings"

	"github.com/loqalabs/virtual-crossover/internal/audio"
)

// DropPolicy decides which block is discarded when the hand-off is full.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued block so the newest always gets in.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming block and keeps the queue intact.
	DropNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDropPolicy accepts "drop-oldest"/"oldest" and "drop-newest"/"newest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "drop-") {
	case "", "oldest":
		return DropOldest, nil
	case "newest":
		return DropNewest, nil
	}
	return 0, fmt.Errorf("unknown drop policy %q", s)
}

// DefaultHandoffDepth is the number of blocks that may wait between
// capture and render.
const DefaultHandoffDepth = 4

// Handoff is a bounded single-producer single-consumer queue of blocks.
// Push never blocks; Pop never blocks.
type Handoff struct {
	ch     chan audio.Block
	policy DropPolicy
}

// NewHandoff creates a hand-off holding at most depth blocks
func NewHandoff(depth int, policy DropPolicy) *Handoff {
	if depth < 1 {
		depth = 1
	}
	return &Handoff{ch: make(chan audio.Block, depth), policy: policy}
}

// Push queues b and returns how many blocks were discarded to make room
// (0 or 1). Only one goroutine may push.
func (h *Handoff) Push(b audio.Block) (dropped int) {
	for {
		select {
		case h.ch <- b:
			return dropped
		default:
		}

		if h.policy == DropNewest {
			return 1
		}

		// Full: evict the oldest. The consumer may have drained it in
		// the meantime, in which case the next send succeeds.
		select {
		case <-h.ch:
			dropped++
		default:
		}
	}
}

// Pop returns the oldest queued block, or false when nothing is ready.
func (h *Handoff) Pop() (audio.Block, bool) {
	select {
	case b := <-h.ch:
		return b, true
	default:
		return audio.Block{}, false
	}
}

// PopLatest returns the newest queued block and discards the older ones,
// reporting how many were skipped. It returns false when nothing is ready.
func (h *Handoff) PopLatest() (b audio.Block, skipped int, ok bool) {
	b, ok = h.Pop()
	if !ok {
		return audio.Block{}, 0, false
	}
	// Bounded so a fast producer cannot pin the consumer here.
	for range h.Cap() {
		next, more := h.Pop()
		if !more {
			break
		}
		b = next
		skipped++
	}
	return b, skipped, true
}

// Len returns the number of queued blocks
func (h *Handoff) Len() int { return len(h.ch) }

// Cap returns the hand-off depth
func (h *Handoff) Cap() int { return cap(h.ch) }

// Drain discards everything queued
func (h *Handoff) Drain() {
	for {
		if _, ok := h.Pop(); !ok {
			return
		}
	}
}
