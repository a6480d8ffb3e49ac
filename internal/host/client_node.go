package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"code.cloudfoundry.org/clock"

	"vr-replication/internal/kv"
	"vr-replication/internal/scheduling"
	"vr-replication/internal/transport"
	"vr-replication/internal/vr"
	"vr-replication/internal/vr/metrics"
)

// ClientNode submits key-value commands to the replica group, one at a time
type ClientNode struct {
	config *Config
	logger vr.Logger

	scheduler    scheduling.Scheduler
	ownScheduler *scheduling.ExecutorScheduler
	transport    transport.Transport
	metrics      *metrics.Metrics

	client *vr.Client[kv.Command, kv.Result]
	// slot holds a token while a request is outstanding, including one whose caller gave up waiting
	slot chan struct{}

	stopOnce sync.Once
}

// NewClientNode validates config and builds the node. Nothing listens until Start.
func NewClientNode(config *Config, opts ...Option) (*ClientNode, error) {
	if err := validateClientConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	c := &ClientNode{
		config:    config,
		logger:    config.Logger,
		transport: o.transport,
		scheduler: o.scheduler,
		metrics:   metrics.NewMetrics(),
		slot:      make(chan struct{}, 1),
	}
	if c.transport == nil {
		c.transport = newTransport(config.Transport, config.BindAddr, config.Logger)
	}
	if c.scheduler == nil {
		c.ownScheduler = scheduling.NewExecutorScheduler(clock.NewClock())
		c.scheduler = c.ownScheduler
	}
	return c, nil
}

// Start opens the transport and creates the protocol client
func (c *ClientNode) Start() error {
	if err := c.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	channels := newChannels(c.transport, c.config, c.scheduler, c.metrics)
	c.client = vr.NewClient[kv.Command, kv.Result](channels, c.scheduler, c.config.ClientID,
		vr.WithRequestTimeout(c.config.RequestTimeout),
		vr.WithClientLogger(c.logger),
		vr.WithClientMetrics(c.metrics))

	c.transport.SetMessageHandler(func(_ string, msg vr.Message) {
		c.scheduler.Schedule(0, func() {
			if err := c.client.Receive(msg); err != nil {
				c.logger.Warnf("[Client-%s] %v", c.config.ClientID, err)
			}
		})
	})

	c.logger.Infof("[Client-%s] Started on %s", c.config.ClientID, c.transport.Addr())
	return nil
}

// Submit sends cmd to the group and waits for its single execution. If ctx ends first the request keeps going, and
// later calls wait until it is answered.
func (c *ClientNode) Submit(ctx context.Context, cmd kv.Command) (kv.Result, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return kv.Result{}, fmt.Errorf("%w: %w", vr.ErrRequestPending, ctx.Err())
	}

	results := make(chan kv.Result, 1)
	c.client.Request(cmd, func(result kv.Result) {
		<-c.slot
		results <- result
	})

	select {
	case result := <-results:
		return result, nil
	case <-ctx.Done():
		return kv.Result{}, ctx.Err()
	}
}

// Stop shuts the node down. It is safe to call more than once.
func (c *ClientNode) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if stopErr := c.transport.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		if c.ownScheduler != nil {
			c.ownScheduler.Stop()
		}
		c.logger.Infof("[Client-%s] Stopped", c.config.ClientID)
	})
	return err
}

// Metrics returns the request latencies and counters of this client
func (c *ClientNode) Metrics() *metrics.Metrics {
	return c.metrics
}

// Addr returns the address replies are sent to
func (c *ClientNode) Addr() string {
	return c.transport.Addr()
}
