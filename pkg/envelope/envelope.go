// Package envelope defines the normalized result shape every protocol worker
// emits. Downstream subscribers only ever see this shape, regardless of the
// transport a monitor uses.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Status discriminates the two arms of an envelope.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ConnState describes the worker's view of its transport connection.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnError        ConnState = "error"
)

// ErrorType classifies an operational failure. The retry machinery treats all
// types identically; the classification exists for subscribers and operators.
type ErrorType string

const (
	ErrNetwork        ErrorType = "network"
	ErrProtocol       ErrorType = "protocol"
	ErrAuthentication ErrorType = "authentication"
	ErrTimeout        ErrorType = "timeout"
	ErrParse          ErrorType = "parse"
	ErrRedirect       ErrorType = "redirect"
	ErrHTTP           ErrorType = "http_error"
	ErrClient         ErrorType = "client_error"
	ErrException      ErrorType = "exception"
	ErrUnknown        ErrorType = "unknown"
)

// Valid reports whether t is one of the closed set of error types.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrNetwork, ErrProtocol, ErrAuthentication, ErrTimeout, ErrParse,
		ErrRedirect, ErrHTTP, ErrClient, ErrException, ErrUnknown:
		return true
	}
	return false
}

// ErrorInfo carries the classified failure detail on the error arm.
type ErrorInfo struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Stacktrace string         `json:"stacktrace,omitempty"`
}

// Meta describes the emitting worker's connection state at emission time.
type Meta struct {
	Status      ConnState `json:"status"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// Envelope is the single record shape crossing every internal boundary.
// Exactly one of Data or Error is set; Status discriminates.
type Envelope struct {
	MonitorID string         `json:"monitor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Status    Status         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
	Meta      Meta           `json:"meta"`
}

// Success builds a success-arm envelope stamped with the current UTC time.
func Success(monitorID string, data map[string]any, lastSuccess time.Time) Envelope {
	now := time.Now().UTC()
	return Envelope{
		MonitorID: monitorID,
		Timestamp: now,
		Status:    StatusOK,
		Data:      data,
		Meta:      Meta{Status: ConnConnected, LastSuccess: lastSuccess},
	}
}

// Failure builds an error-arm envelope stamped with the current UTC time.
// Unknown error types are coerced to ErrUnknown rather than rejected, so a
// misbehaving worker still produces a deliverable envelope.
func Failure(monitorID string, errType ErrorType, message string, details map[string]any, lastSuccess time.Time) Envelope {
	if !errType.Valid() {
		errType = ErrUnknown
	}
	now := time.Now().UTC()
	return Envelope{
		MonitorID: monitorID,
		Timestamp: now,
		Status:    StatusError,
		Error: &ErrorInfo{
			Type:      errType,
			Message:   message,
			Details:   details,
			Timestamp: now,
		},
		Meta: Meta{Status: ConnError, LastSuccess: lastSuccess},
	}
}

// IsError reports whether the envelope carries the error arm.
func (e Envelope) IsError() bool {
	return e.Status == StatusError
}

// Validate checks the envelope invariants: non-empty monitor id, a timestamp,
// and exactly one populated arm matching the status discriminator.
func (e Envelope) Validate() error {
	if e.MonitorID == "" {
		return errors.New("envelope: monitor_id is empty")
	}
	if e.Timestamp.IsZero() {
		return errors.New("envelope: timestamp is zero")
	}
	switch e.Status {
	case StatusOK:
		if e.Error != nil {
			return errors.New("envelope: status ok but error arm set")
		}
		if e.Data == nil {
			return errors.New("envelope: status ok but data arm empty")
		}
	case StatusError:
		if e.Error == nil {
			return errors.New("envelope: status error but error arm empty")
		}
		if e.Data != nil {
			return errors.New("envelope: status error but data arm set")
		}
		if !e.Error.Type.Valid() {
			return fmt.Errorf("envelope: invalid error type %q", e.Error.Type)
		}
	default:
		return fmt.Errorf("envelope: invalid status %q", e.Status)
	}
	return nil
}

// Tag names the message kind a subscriber receives.
type Tag string

const (
	TagData  Tag = "monitor_data"
	TagError Tag = "monitor_error"
)

// Message is the unit delivered to subscriber inboxes: the envelope plus a
// tag telling the subscriber which arm to expect without inspecting Status.
type Message struct {
	Tag      Tag      `json:"tag"`
	Envelope Envelope `json:"envelope"`
}
