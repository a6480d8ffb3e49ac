package host

import (
	"vr-replication/internal/kv"
	"vr-replication/internal/scheduling"
	"vr-replication/internal/transport"
	"vr-replication/internal/vr"
)

// Option overrides a collaborator of a node, mostly for tests
type Option func(*options)

type options struct {
	transport transport.Transport
	scheduler scheduling.Scheduler
}

// WithTransport replaces the transport built from Config.Transport
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithScheduler replaces the wall clock ExecutorScheduler. The node does not stop a scheduler it did not create.
func WithScheduler(s scheduling.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

func newTransport(kind TransportKind, bindAddr string, logger transport.Logger) transport.Transport {
	codec := transport.NewJSONCodec[kv.Command, kv.Result]()
	if kind == GRPC {
		return transport.NewGRPCTransport(bindAddr, codec, logger)
	}
	return transport.NewUDPTransport(bindAddr, codec, logger)
}

// newChannels builds one channel per replica over t
func newChannels(t transport.Transport, config *Config, scheduler scheduling.Scheduler, metrics vr.MetricsCollector) []*vr.Channel {
	channels := make([]*vr.Channel, len(config.Replicas))
	for i, addr := range config.Replicas {
		target := addr
		sender := vr.SenderFunc(func(msg vr.Message) {
			if err := t.SendMessage(target, msg); err != nil {
				config.Logger.Debugf("[Host] Failed to send %v to %s: %v", msg.Kind(), target, err)
			}
		})
		channels[i] = vr.NewChannel(sender, scheduler,
			vr.WithRetransmitTimeout(config.RetransmitTimeout),
			vr.WithChannelMetrics(metrics))
	}
	return channels
}
