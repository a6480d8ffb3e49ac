package transport

import (
	"errors"

	"vr-replication/internal/vr"
)

var (
	// ErrNotStarted is returned by SendMessage before Start
	ErrNotStarted = errors.New("transport not started")
	// ErrStopped is returned by SendMessage after Stop
	ErrStopped = errors.New("transport stopped")
)

// Handler receives every decoded message together with the address replies to its sender should go to
type Handler func(from string, msg vr.Message)

// Transport moves VR messages between processes. Delivery is best effort: messages may be lost, duplicated or
// reordered, and the protocol copes with all three.
type Transport interface {
	// Start begins listening for incoming messages
	Start() error
	// Stop shuts down the transport
	Stop() error
	// SendMessage sends a message to a target address
	SendMessage(targetAddr string, msg vr.Message) error
	// SetMessageHandler sets the handler for incoming messages
	SetMessageHandler(handler Handler)
	// Addr returns the address this transport listens on, valid after Start
	Addr() string
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}
