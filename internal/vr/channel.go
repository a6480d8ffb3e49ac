package vr

import (
	"sync"
	"time"

	"vr-replication/internal/scheduling"
)

// Sender transmits a message to one fixed destination. It is the transport's half of a Channel and may lose,
// duplicate or reorder messages.
type Sender interface {
	Send(msg Message)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(msg Message)

func (f SenderFunc) Send(msg Message) { f(msg) }

// Channel delivers messages to a single destination reliably: every message except Ack and Commit is sent again every
// retransmit timeout until the destination acknowledges it. Ack is already an acknowledgment, and Commit repeats
// periodically on its own.
type Channel struct {
	sender    Sender
	scheduler scheduling.Scheduler
	timeout   time.Duration
	metrics   MetricsCollector

	// mu guards inFlight so hosting goroutines can inspect it. Protocol code runs on the scheduler.
	mu       sync.Mutex
	inFlight map[string]Message
}

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithRetransmitTimeout overrides DefaultRetransmitTimeout
func WithRetransmitTimeout(timeout time.Duration) ChannelOption {
	return func(c *Channel) { c.timeout = timeout }
}

// WithChannelMetrics records every retransmission
func WithChannelMetrics(metrics MetricsCollector) ChannelOption {
	return func(c *Channel) { c.metrics = metrics }
}

func NewChannel(sender Sender, scheduler scheduling.Scheduler, opts ...ChannelOption) *Channel {
	c := &Channel{
		sender:    sender,
		scheduler: scheduler,
		timeout:   DefaultRetransmitTimeout,
		metrics:   nopMetrics{},
		inFlight:  make(map[string]Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send transmits msg now and, unless it is an Ack or a Commit, keeps retransmitting it until Acknowledged is called
// with its id.
func (c *Channel) Send(msg Message) {
	c.sender.Send(msg)

	switch msg.(type) {
	case *Ack, *Commit:
		return
	}

	c.mu.Lock()
	c.inFlight[msg.MessageID()] = msg
	c.mu.Unlock()

	c.scheduler.Schedule(c.timeout, func() {
		if c.isInFlight(msg.MessageID()) {
			c.metrics.RecordRetransmit()
			c.Send(msg)
		}
	})
}

// Acknowledged stops retransmission of the message with the given id. Unknown ids are ignored.
func (c *Channel) Acknowledged(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

// IsEmpty reports whether no message is waiting for an acknowledgment
func (c *Channel) IsEmpty() bool {
	return c.InFlight() == 0
}

// InFlight returns the number of messages waiting for an acknowledgment
func (c *Channel) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Channel) isInFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}
