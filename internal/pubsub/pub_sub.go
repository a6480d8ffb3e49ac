package pubsub

import (
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. A slow blocking subscriber stalls
	// every other subscriber, so this should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is returned by Subscribe and required by Unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Each instantiation is a distinct type, so Event[StatusChanged] can't reach a subscriber of
// Event[OperationCommitted].
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}

// subscriber is the type-erased form of a typed subscription: sendFunc and closeFunc capture the typed channel, which
// lets subscribers of different payload types share one registry.
type subscriber struct {
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()

	Options    SubscriptionOptions
	NumDropped uint64 // atomically updated
}

type publication struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe event bus. Publish never blocks on subscribers; a single goroutine fans events out.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	logger   Logger
	registry map[EventType]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the fan-out and holds the events drained by GracefulShutdown
	publishChan chan publication

	shuttingDown atomic.Bool
}

// Subscribe registers ch for events of eventType. The caller owns the channel's buffer size; the channel is closed by
// Unsubscribe.
//
// Go methods can't declare type parameters, hence the free function.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				p.logger.Warnf("[PubSub] Type mismatch for event %v. Expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typedPayload}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debugf("[PubSub] Unsubscribed subscriber %d from event type %v", id, eventType)
}

// Publish queues an event for fan-out. Events published after shutdown are dropped. Publishing on a nil client is a
// no-op, so components can treat the bus as optional.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	if p == nil {
		return
	}

	// Holding the read lock keeps a concurrent shutdown from closing publishChan between the check and the send
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Warnf("[PubSub] Dropping event %v published during shutdown", event.Type)
		return
	}

	p.publishChan <- publication{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting publishes and returns without waiting for the buffer to drain
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
}

// GracefulShutdown stops accepting publishes and blocks until every buffered event has been delivered
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debugf("[PubSub] Drained and terminated")
}

// Dropped returns how many events were dropped for a non-blocking subscriber
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sub, ok := p.registry[eventType][id]; ok {
		return atomic.LoadUint64(&sub.NumDropped)
	}
	return 0
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.sendFunc(msg.eventType, msg.payload) && !sub.Options.IsBlocking {
				dropped := atomic.AddUint64(&sub.NumDropped, 1)
				p.logger.Warnf("[PubSub] Dropped event %v for subscriber %d (channel full). Total dropped: %d",
					msg.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}

// Option configures a PubSubClient
type Option func(*PubSubClient)

func WithLogger(logger Logger) Option {
	return func(p *PubSubClient) { p.logger = logger }
}

// WithBuffer sets how many published events may wait for fan-out before Publish blocks
func WithBuffer(size int) Option {
	return func(p *PubSubClient) { p.publishChan = make(chan publication, size) }
}

func NewPubSub(opts ...Option) *PubSubClient {
	p := &PubSubClient{
		logger:      nopLogger{},
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan publication, 100),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.run()

	return p
}
