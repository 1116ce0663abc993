// Package protocol defines the line-delimited JSON control channel the
// agent exposes on a local socket for controllers that cannot reach the
// REST API, such as during early ramdisk boot over a serial console.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message on the control channel.
type MessageType string

const (
	// MessageTypeHello is the agent's greeting after a connection opens
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeCommand is a command submission from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeResult carries a command's terminal state
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeEvent carries progress while a command runs
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeError reports a rejected submission or channel fault
	MessageTypeError MessageType = "ERROR"
	// MessageTypeBye is sent before the agent closes the channel
	MessageTypeBye MessageType = "BYE"
)

// Validate checks the message type is known.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeHello, MessageTypeCommand, MessageTypeResult,
		MessageTypeEvent, MessageTypeError, MessageTypeBye:
		return nil
	}
	return fmt.Errorf("unknown message type: %s", t)
}

// Message is the envelope for every frame on the channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage identifies the agent and its active provider set.
type HelloMessage struct {
	AgentVersion string            `json:"agent_version"`
	Hostname     string            `json:"hostname"`
	PID          int               `json:"pid"`
	Providers    map[string]string `json:"providers"`
}

// CommandMessage submits one command for execution.
type CommandMessage struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`

	// Wait asks the agent to hold the RESULT frame until the command
	// reaches a terminal state instead of answering with RUNNING.
	Wait bool `json:"wait,omitempty"`
}

// Validate checks the submission carries the required fields.
func (c *CommandMessage) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("command id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("command name is required")
	}
	return nil
}

// ResultMessage carries a command's state back to the controller. For
// async commands submitted without wait, Status is RUNNING and the
// controller polls over the REST API.
type ResultMessage struct {
	RequestID    string          `json:"request_id"`
	CommandID    string          `json:"command_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Duration     float64         `json:"duration,omitempty"` // seconds
}

// EventMessage streams progress for a running command.
type EventMessage struct {
	CommandID  string  `json:"command_id"`
	Percent    float64 `json:"percent"`
	ETASeconds int     `json:"eta_seconds,omitempty"`
}

// ErrorMessage reports a rejected submission or a channel-level fault.
type ErrorMessage struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`

	// Retryable hints whether the controller should resubmit, true for
	// AGENT_BUSY rejections.
	Retryable bool `json:"retryable"`
}

// ByeMessage is sent before the agent closes the channel.
type ByeMessage struct {
	Reason        string `json:"reason"`
	CommandsTotal int    `json:"commands_total"`
}
