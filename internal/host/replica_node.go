package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vr-replication/internal/kv"
	"vr-replication/internal/pubsub"
	"vr-replication/internal/routing"
	"vr-replication/internal/scheduling"
	"vr-replication/internal/transport"
	"vr-replication/internal/vr"
	"vr-replication/internal/vr/metrics"
)

// ReplicaNode runs one replica of the group: it owns the scheduler every protocol step runs on, the transport, the
// key-value store and the directory of client addresses.
type ReplicaNode struct {
	config *Config
	logger vr.Logger

	scheduler    scheduling.Scheduler
	ownScheduler *scheduling.ExecutorScheduler
	transport    transport.Transport
	directory    routing.Directory
	store        *kv.Store
	metrics      *metrics.Metrics
	events       *pubsub.PubSubClient
	statusSub    pubsub.SubscriberID
	viewSub      pubsub.SubscriberID

	replica *vr.Replica[kv.Command, kv.Result]

	metricsServer *http.Server
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewReplicaNode validates config and builds the node. Nothing listens until Start.
func NewReplicaNode(config *Config, opts ...Option) (*ReplicaNode, error) {
	if err := validateReplicaConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	n := &ReplicaNode{
		config:    config,
		logger:    config.Logger,
		transport: o.transport,
		scheduler: o.scheduler,
		metrics:   metrics.NewMetrics(),
		store:     kv.NewStore(strconv.Itoa(config.ReplicaNumber), config.Logger),
		events:    pubsub.NewPubSub(pubsub.WithLogger(config.Logger)),
	}
	if n.transport == nil {
		n.transport = newTransport(config.Transport, config.Replicas[config.ReplicaNumber], config.Logger)
	}
	if n.scheduler == nil {
		n.ownScheduler = scheduling.NewExecutorScheduler(clock.NewClock())
		n.scheduler = n.ownScheduler
	}

	if config.DirectoryPath != "" {
		directory, err := routing.NewBoltDirectory(config.DirectoryPath)
		if err != nil {
			n.events.ForceShutdown()
			n.stopScheduler()
			return nil, err
		}
		n.directory = directory
	} else {
		n.directory = routing.NewMemoryDirectory()
	}

	return n, nil
}

// Start opens the transport, creates the replica and, for a recovering replica, starts the recovery
func (n *ReplicaNode) Start() error {
	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	status := vr.Normal
	if n.config.Recovering {
		status = vr.Recovering
	}
	channels := newChannels(n.transport, n.config, n.scheduler, n.metrics)
	n.replica = vr.NewReplica[kv.Command, kv.Result](channels, n.config.ReplicaNumber, n.scheduler, n,
		vr.WithStatus(status),
		vr.WithCommitDelay(n.config.CommitDelay),
		vr.WithLogger(n.logger),
		vr.WithMetrics(n.metrics),
		vr.WithEvents(n.events))

	n.watchEvents()
	n.transport.SetMessageHandler(n.handleMessage)

	if n.config.Recovering {
		n.scheduler.Schedule(0, func() {
			if err := n.replica.Recover(); err != nil {
				n.logger.Errorf("[Replica-%d] %v", n.config.ReplicaNumber, err)
			}
		})
	}

	if n.config.MetricsAddr != "" {
		if err := n.serveMetrics(); err != nil {
			return err
		}
	}

	n.logger.Infof("[Replica-%d] Started on %s in a group of %d", n.config.ReplicaNumber, n.transport.Addr(), len(n.config.Replicas))
	return nil
}

// handleMessage runs on the transport's goroutines and moves every message onto the scheduler
func (n *ReplicaNode) handleMessage(from string, msg vr.Message) {
	n.scheduler.Schedule(0, func() {
		if request, ok := msg.(*vr.Request[kv.Command]); ok {
			if err := n.directory.Register(request.ClientID, from); err != nil {
				n.logger.Errorf("[Replica-%d] Failed to register client %s: %v", n.config.ReplicaNumber, request.ClientID, err)
			}
		}
		if err := n.replica.Receive(msg); err != nil {
			n.logger.Warnf("[Replica-%d] %v", n.config.ReplicaNumber, err)
		}
	})
}

// Execute implements vr.Application
func (n *ReplicaNode) Execute(cmd kv.Command) kv.Result {
	return n.store.Execute(cmd)
}

// SendResponse implements vr.Application
func (n *ReplicaNode) SendResponse(clientID string, msg vr.Message) {
	addr, err := n.directory.Lookup(clientID)
	if err != nil {
		n.logger.Warnf("[Replica-%d] No address for client %s, dropping %v: %v", n.config.ReplicaNumber, clientID, msg.Kind(), err)
		return
	}
	if err := n.transport.SendMessage(addr, msg); err != nil {
		n.logger.Debugf("[Replica-%d] Failed to send %v to client %s: %v", n.config.ReplicaNumber, msg.Kind(), clientID, err)
	}
}

// watchEvents logs the replica's status and view transitions
func (n *ReplicaNode) watchEvents() {
	statuses := make(chan *pubsub.Event[vr.StatusChanged], 16)
	views := make(chan *pubsub.Event[vr.ViewChanged], 16)
	n.statusSub = pubsub.Subscribe(n.events, vr.StatusChangedEvent, statuses, pubsub.SubscriptionOptions{})
	n.viewSub = pubsub.Subscribe(n.events, vr.ViewChangedEvent, views, pubsub.SubscriptionOptions{})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for statuses != nil || views != nil {
			select {
			case event, ok := <-statuses:
				if !ok {
					statuses = nil
					continue
				}
				n.logger.Infof("[Replica-%d] %v -> %v in view %d", event.Payload.ReplicaNumber,
					event.Payload.From, event.Payload.To, event.Payload.ViewNumber)
			case event, ok := <-views:
				if !ok {
					views = nil
					continue
				}
				n.logger.Infof("[Replica-%d] Entered view %d, primary is %d", event.Payload.ReplicaNumber,
					event.Payload.ViewNumber, event.Payload.Primary)
			}
		}
	}()
}

func (n *ReplicaNode) serveMetrics() error {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"replica": strconv.Itoa(n.config.ReplicaNumber)}
	if err := metrics.Register(registry, n.metrics, labels); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	n.metricsServer = &http.Server{Addr: n.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Errorf("[Replica-%d] Metrics server failed: %v", n.config.ReplicaNumber, err)
		}
	}()
	return nil
}

// Stop shuts the node down. It is safe to call more than once.
func (n *ReplicaNode) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		if n.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if shutdownErr := n.metricsServer.Shutdown(ctx); shutdownErr != nil {
				err = errors.Join(err, shutdownErr)
			}
		}
		if stopErr := n.transport.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		n.stopScheduler()
		n.events.GracefulShutdown()
		// unsubscribing closes the channels watchEvents ranges over
		n.events.Unsubscribe(vr.StatusChangedEvent, n.statusSub)
		n.events.Unsubscribe(vr.ViewChangedEvent, n.viewSub)
		if closeErr := n.directory.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		n.wg.Wait()
		n.logger.Infof("[Replica-%d] Stopped", n.config.ReplicaNumber)
	})
	return err
}

func (n *ReplicaNode) stopScheduler() {
	if n.ownScheduler != nil {
		n.ownScheduler.Stop()
	}
}

// Inspect runs f on the scheduler goroutine with the replica, so it sees a consistent state, and waits for it. The
// node must be started and not yet stopped.
func (n *ReplicaNode) Inspect(f func(replica *vr.Replica[kv.Command, kv.Result])) {
	done := make(chan struct{})
	n.scheduler.Schedule(0, func() {
		defer close(done)
		f(n.replica)
	})
	<-done
}

// Store returns the replicated key-value state
func (n *ReplicaNode) Store() *kv.Store {
	return n.store
}

// Metrics returns the node's protocol metrics
func (n *ReplicaNode) Metrics() *metrics.Metrics {
	return n.metrics
}

// Addr returns the address the node listens on
func (n *ReplicaNode) Addr() string {
	return n.transport.Addr()
}
