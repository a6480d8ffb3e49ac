package vr

import (
	"fmt"
	"time"

	"vr-replication/internal/scheduling"
)

// requestHolder is the single outstanding request of a Client
type requestHolder[Q, S any] struct {
	request       Q
	callback      func(S)
	requestNumber int
	startedAt     time.Duration
	// sent holds the ids of every Request copy sent for this holder, so they can be acknowledged once it is answered
	sent []string
}

// Client drives one request at a time against the replica group. It tracks the view to find the primary and falls back
// to broadcasting when the primary stays silent.
type Client[Q, S any] struct {
	channels       []*Channel
	scheduler      scheduling.Scheduler
	id             string
	requestTimeout time.Duration
	logger         Logger
	metrics        MetricsCollector

	requestNumber int
	viewNumber    int
	holder        *requestHolder[Q, S]
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

type clientConfig struct {
	requestTimeout time.Duration
	logger         Logger
	metrics        MetricsCollector
}

// WithRequestTimeout overrides DefaultRequestTimeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) { c.requestTimeout = timeout }
}

func WithClientLogger(logger Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

func WithClientMetrics(metrics MetricsCollector) ClientOption {
	return func(c *clientConfig) { c.metrics = metrics }
}

// NewClient creates a client talking to the replicas behind channels. channels[i] must lead to replica i.
func NewClient[Q, S any](channels []*Channel, scheduler scheduling.Scheduler, id string, opts ...ClientOption) *Client[Q, S] {
	cfg := clientConfig{
		requestTimeout: DefaultRequestTimeout,
		logger:         nopLogger{},
		metrics:        nopMetrics{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client[Q, S]{
		channels:       channels,
		scheduler:      scheduler,
		id:             id,
		requestTimeout: cfg.requestTimeout,
		logger:         cfg.logger,
		metrics:        cfg.metrics,
	}
}

// Request submits payload to the replica group. callback is invoked exactly once, with the result of the single
// execution of payload. The submission runs on the scheduler; it panics with ErrRequestPending if the previous request
// has not been answered yet.
func (c *Client[Q, S]) Request(payload Q, callback func(S)) {
	c.scheduler.Schedule(0, func() {
		if c.holder != nil {
			panic(ErrRequestPending)
		}
		c.holder = &requestHolder[Q, S]{
			request:       payload,
			callback:      callback,
			requestNumber: c.requestNumber,
			startedAt:     c.scheduler.Now(),
		}
		c.metrics.RecordRequest()
		c.send(c.holder)
	})
}

// Receive handles a Reply or an Obsolete sent back by a replica
func (c *Client[Q, S]) Receive(msg Message) error {
	switch m := msg.(type) {
	case *Reply[S]:
		c.onReply(m)
	case *Obsolete:
		c.onObsolete(m)
	default:
		return fmt.Errorf("client %s: %w: %T", c.id, ErrUnexpectedMessage, msg)
	}
	return nil
}

func (c *Client[Q, S]) onReply(reply *Reply[S]) {
	if c.viewNumber != reply.ViewNumber {
		c.viewNumber = reply.ViewNumber
	}

	if c.holder == nil || reply.RequestNumber != c.holder.requestNumber {
		c.logger.Debugf("[Client-%s] Ignoring reply for request %d", c.id, reply.RequestNumber)
		return
	}

	current := c.holder
	c.holder = nil
	c.requestNumber++
	c.acknowledge(current)
	c.metrics.RecordRequestLatency(c.scheduler.Now() - current.startedAt)

	current.callback(reply.Response)
}

func (c *Client[Q, S]) onObsolete(obsolete *Obsolete) {
	changed := false

	if c.viewNumber != obsolete.ViewNumber {
		c.viewNumber = obsolete.ViewNumber
		changed = true
	}

	oldNumber := c.requestNumber
	if obsolete.RequestNumber > c.requestNumber {
		// skip both the reported number and the one after it so the new number was never used by a previous incarnation
		c.requestNumber += obsolete.RequestNumber + 2
		changed = true
	}

	if changed && c.holder != nil && c.holder.requestNumber == oldNumber {
		c.logger.Infof("[Client-%s] Resending request %d as %d in view %d", c.id, oldNumber, c.requestNumber, c.viewNumber)
		c.acknowledge(c.holder)
		c.holder.requestNumber = c.requestNumber
		c.send(c.holder)
	}
}

// send delivers the holder's request to the believed primary and arms the resend timer
func (c *Client[Q, S]) send(holder *requestHolder[Q, S]) {
	request := NewRequest(holder.request, c.id, c.requestNumber)
	holder.sent = append(holder.sent, request.ID)
	c.primaryChannel().Send(request)
	c.scheduleResend(holder)
}

func (c *Client[Q, S]) scheduleResend(current *requestHolder[Q, S]) {
	c.scheduler.Schedule(c.requestTimeout, func() {
		if c.holder != current {
			return
		}
		c.logger.Warnf("[Client-%s] No response for request %d, broadcasting it", c.id, current.requestNumber)
		for _, channel := range c.channels {
			request := NewRequest(current.request, c.id, c.requestNumber)
			current.sent = append(current.sent, request.ID)
			channel.Send(request)
		}
		c.scheduleResend(current)
	})
}

// acknowledge stops the retransmission of every copy sent for holder. Replicas never acknowledge requests, the answer
// is the acknowledgment.
func (c *Client[Q, S]) acknowledge(holder *requestHolder[Q, S]) {
	for _, id := range holder.sent {
		for _, channel := range c.channels {
			channel.Acknowledged(id)
		}
	}
	holder.sent = nil
}

func (c *Client[Q, S]) primaryChannel() *Channel {
	return c.channels[primaryOf(c.viewNumber, len(c.channels))]
}

// RequestNumber returns the number the next (or pending) request is sent with
func (c *Client[Q, S]) RequestNumber() int {
	return c.requestNumber
}

// ViewNumber returns the view the client believes is current
func (c *Client[Q, S]) ViewNumber() int {
	return c.viewNumber
}

// Pending reports whether a request is waiting for its reply
func (c *Client[Q, S]) Pending() bool {
	return c.holder != nil
}

// ID returns the client id sent with every request
func (c *Client[Q, S]) ID() string {
	return c.id
}
