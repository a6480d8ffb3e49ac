package vr

import (
	"errors"
	"time"
)

var (
	// ErrRequestPending is raised when a client is asked to send a request while a previous one is still unanswered
	ErrRequestPending = errors.New("previous request isn't completed yet")
	// ErrIsPrimary is returned by StartViewChange on the primary of the current view
	ErrIsPrimary = errors.New("primary cannot start a view change")
	// ErrNotRecovering is returned by Recover when the replica is not in the Recovering status
	ErrNotRecovering = errors.New("replica is not recovering")
	// ErrUnexpectedMessage is returned when a message variant reaches a component that has no handler for it
	ErrUnexpectedMessage = errors.New("unexpected message")
)

const (
	// DefaultCommitDelay is the heartbeat period of the primary. Backups suspect the primary after twice this delay.
	DefaultCommitDelay = 1000 * time.Millisecond
	// DefaultRequestTimeout is how long a client waits for a reply before broadcasting its request
	DefaultRequestTimeout = 500 * time.Millisecond
	// DefaultRetransmitTimeout is how long a Channel waits for an Ack before sending a message again
	DefaultRetransmitTimeout = 500 * time.Millisecond
)

// Status of a replica, as defined in Section 4 of the VR Revisited paper
type Status int

const (
	// Normal replicas process requests
	Normal Status = iota
	// ViewChange replicas are electing a new primary
	ViewChange
	// Recovering replicas are rebuilding their state after a restart
	Recovering
)

func (s Status) String() string {
	switch s {
	case Normal:
		return "Normal"
	case ViewChange:
		return "ViewChange"
	case Recovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// Application is the deterministic state machine being replicated plus the way back to its clients.
type Application[Q, S any] interface {
	// Execute applies a committed request. It is called exactly once per log entry and in log order.
	Execute(request Q) S
	// SendResponse delivers a Reply or Obsolete to the client with the given id. The replica does not know where
	// clients live; the host does.
	SendResponse(clientID string, msg Message)
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger is a no-op logger implementation
type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

// MetricsCollector is an optional interface for collecting protocol metrics
type MetricsCollector interface {
	RecordRequest()
	RecordPrepare()
	RecordCommit()
	RecordHeartbeat()
	RecordRetransmit()
	RecordViewChange()
	RecordRecovery()
	RecordRequestLatency(latency time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordRequest()                     {}
func (nopMetrics) RecordPrepare()                     {}
func (nopMetrics) RecordCommit()                      {}
func (nopMetrics) RecordHeartbeat()                   {}
func (nopMetrics) RecordRetransmit()                  {}
func (nopMetrics) RecordViewChange()                  {}
func (nopMetrics) RecordRecovery()                    {}
func (nopMetrics) RecordRequestLatency(time.Duration) {}

// primaryOf returns the replica that is primary in the given view
func primaryOf(viewNumber, groupSize int) int {
	return viewNumber % groupSize
}

// faultThreshold returns f, the number of failures a group of the given size tolerates. A quorum is f+1.
func faultThreshold(groupSize int) int {
	return (groupSize - 1) / 2
}
