package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RoomID names a chat room. Clients send it as a string, but numeric and
// boolean scalars are accepted and kept in their JSON spelling.
type RoomID string

// UnmarshalJSON accepts any JSON scalar. Objects and arrays are rejected.
func (r *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*r = ""
		return nil
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*r = RoomID(data)
		return nil
	case len(data) > 0 && data[0] == '"':
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*r = RoomID(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("roomId must be a scalar: %w", err)
	}
	*r = RoomID(number.String())
	return nil
}

// ChatMessage is a room chat line. Only RoomID is inspected; the original
// body is what gets broadcast.
type ChatMessage struct {
	RoomID  RoomID `json:"roomId"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`
}

// Status is a customer presence change.
type Status string

const (
	StatusLeft     Status = "LEFT"
	StatusReturned Status = "RETURNED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusLeft, StatusReturned:
		return true
	default:
		return false
	}
}

// StatusEvent reports a customer leaving or returning.
type StatusEvent struct {
	CustomerID string    `json:"customerId"`
	Status     Status    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

// QueueRequest is a customer asking to join the counselor waiting queue.
type QueueRequest struct {
	CustomerID string `json:"customerId"`
	Name       string `json:"name"`
	Preview    string `json:"preview,omitempty"`
}
