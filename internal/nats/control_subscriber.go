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

package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/loqalabs/virtual-crossover/internal/config"
	"github.com/loqalabs/virtual-crossover/internal/pipeline"
)

// Control commands
const (
	CommandStreamStart = "stream.start"
	CommandStreamStop  = "stream.stop"
	CommandPlay        = "play"
	CommandPause       = "pause"
	CommandResume      = "resume"
	CommandStop        = "stop"
	CommandVolume      = "volume"
	CommandStatus      = "status"
)

// BroadcastControlSubject reaches every node
const BroadcastControlSubject = "crossover.broadcast.control"

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingVolume  = errors.New("volume command without volume")
)

// ControlSubject is the node's own command subject
func ControlSubject(nodeID string) string {
	return fmt.Sprintf("crossover.%s.control", nodeID)
}

// StatusSubject is where the node publishes its status
func StatusSubject(nodeID string) string {
	return fmt.Sprintf("crossover.%s.status", nodeID)
}

// ControlMessage is a command sent to a node. Fields unused by a command
// are ignored.
type ControlMessage struct {
	Command   string               `json:"command"`
	RequestID string               `json:"request_id,omitempty"`
	Input     string               `json:"input,omitempty"`  // device name or ID, empty for the default
	Output    string               `json:"output,omitempty"` // device name or ID, empty for the default
	Filter    *config.FilterConfig `json:"filter,omitempty"` // nil keeps the configured filter
	Path      string               `json:"path,omitempty"`
	Volume    *float64             `json:"volume,omitempty"`
}

// Status describes what a node is doing
type Status struct {
	NodeID   string         `json:"node_id"`
	Running  bool           `json:"running"`
	Sessions int            `json:"sessions"`
	Paused   bool           `json:"paused"`
	Volume   float64        `json:"volume"`
	Pending  int            `json:"pending"` // frames queued for playback
	Stats    pipeline.Stats `json:"stats"`
}

// Reply answers a command that carried a reply subject
type Reply struct {
	RequestID string  `json:"request_id,omitempty"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	Status    *Status `json:"status,omitempty"`
}

// Controller executes commands received over NATS
type Controller interface {
	StartStream(input, output string, f *config.FilterConfig) error
	StopStream(input, output string) error
	PlayFile(path string, f *config.FilterConfig) error
	Play() error
	Pause() error
	Resume() error
	StopPlayback() error
	SetVolume(v float64) error
	Status() Status
}

// Connection interface for dependency injection
type Connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (c *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, cb)
}

func (c *ConnectionAdapter) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *ConnectionAdapter) Close() {
	c.conn.Close()
}

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Connect dials url, retrying a few times before giving up.
func Connect(url, nodeID string, log zerolog.Logger) (*ConnectionAdapter, error) {
	var nc *nats.Conn
	var err error

	for i := range connectAttempts {
		nc, err = nats.Connect(url,
			nats.Name("crossover-"+nodeID),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("NATS disconnected")
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max", connectAttempts).Msg("Failed to connect to NATS")
		if i < connectAttempts-1 {
			time.Sleep(connectBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, err)
	}

	log.Info().Str("url", url).Msg("Connected to NATS")
	return NewConnectionAdapter(nc), nil
}

// ControlSubscriber maps control messages onto a Controller
type ControlSubscriber struct {
	conn       Connection
	nodeID     string
	controller Controller
	log        zerolog.Logger
}

// NewControlSubscriber connects to url and returns a subscriber for nodeID
func NewControlSubscriber(url, nodeID string, controller Controller, log zerolog.Logger) (*ControlSubscriber, error) {
	conn, err := Connect(url, nodeID, log)
	if err != nil {
		return nil, err
	}
	return NewControlSubscriberWithConnection(conn, nodeID, controller, log), nil
}

// NewControlSubscriberWithConnection uses an existing connection
func NewControlSubscriberWithConnection(conn Connection, nodeID string, controller Controller, log zerolog.Logger) *ControlSubscriber {
	return &ControlSubscriber{
		conn:       conn,
		nodeID:     nodeID,
		controller: controller,
		log:        log.With().Str("node", nodeID).Logger(),
	}
}

// Start subscribes to the node and broadcast control subjects
func (cs *ControlSubscriber) Start() error {
	subjects := []string{ControlSubject(cs.nodeID), BroadcastControlSubject}
	for _, subject := range subjects {
		if _, err := cs.conn.Subscribe(subject, cs.handleControlMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	cs.log.Info().Strs("subjects", subjects).Msg("Subscribed to control subjects")
	return nil
}

// handleControlMessage runs one command, replies if asked to and publishes
// the resulting status.
func (cs *ControlSubscriber) handleControlMessage(msg *nats.Msg) {
	var cmd ControlMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		cs.log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal control message")
		cs.reply(msg.Reply, Reply{Error: err.Error()})
		return
	}

	cs.log.Debug().Str("command", cmd.Command).Str("request_id", cmd.RequestID).Msg("Received control message")

	err := cs.dispatch(cmd)
	status := cs.controller.Status()
	status.NodeID = cs.nodeID

	if err != nil {
		cs.log.Warn().Err(err).Str("command", cmd.Command).Msg("Control command failed")
	}

	reply := Reply{RequestID: cmd.RequestID, OK: err == nil, Status: &status}
	if err != nil {
		reply.Error = err.Error()
	}
	cs.reply(msg.Reply, reply)

	if cmd.Command != CommandStatus || msg.Reply == "" {
		cs.publish(StatusSubject(cs.nodeID), status)
	}
}

func (cs *ControlSubscriber) dispatch(cmd ControlMessage) error {
	c := cs.controller
	switch cmd.Command {
	case CommandStreamStart:
		return c.StartStream(cmd.Input, cmd.Output, cmd.Filter)
	case CommandStreamStop:
		return c.StopStream(cmd.Input, cmd.Output)
	case CommandPlay:
		if cmd.Path != "" {
			return c.PlayFile(cmd.Path, cmd.Filter)
		}
		return c.Play()
	case CommandPause:
		return c.Pause()
	case CommandResume:
		return c.Resume()
	case CommandStop:
		return c.StopPlayback()
	case CommandVolume:
		if cmd.Volume == nil {
			return ErrMissingVolume
		}
		return c.SetVolume(*cmd.Volume)
	case CommandStatus:
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Command)
	}
}

// PublishStatus publishes the controller's current status
func (cs *ControlSubscriber) PublishStatus() {
	status := cs.controller.Status()
	status.NodeID = cs.nodeID
	cs.publish(StatusSubject(cs.nodeID), status)
}

func (cs *ControlSubscriber) reply(subject string, r Reply) {
	if subject == "" {
		return
	}
	cs.publish(subject, r)
}

func (cs *ControlSubscriber) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		cs.log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal message")
		return
	}
	if err := cs.conn.Publish(subject, data); err != nil {
		cs.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish message")
	}
}

// Close closes the NATS connection
func (cs *ControlSubscriber) Close() {
	if cs.conn != nil {
		cs.conn.Close()
		cs.log.Info().Msg("NATS connection closed")
	}
}
