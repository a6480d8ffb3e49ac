package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"vr-replication/internal/vr"
)

const (
	deliverMethod = "/vr.Transport/Deliver"
	// replyToKey carries the sender's listening address, since the peer address of a gRPC call is an ephemeral port
	replyToKey = "vr-reply-to"

	// RPCTimeout bounds a single Deliver call. A message that does not make it in time counts as lost.
	RPCTimeout = 500 * time.Millisecond
)

// deliverServer is the server side of the vr.Transport service
type deliverServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "vr.Transport",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vr/transport.proto",
}

// GRPCTransport carries each message in a unary Deliver call. Sends are asynchronous: SendMessage returns once the
// message is encoded and the call is on its way.
type GRPCTransport struct {
	bindAddr string
	codec    Codec
	logger   Logger

	mu             sync.RWMutex
	listener       net.Listener
	server         *grpc.Server
	messageHandler Handler
	// clientsConnPool maps a target address to its *grpc.ClientConn
	clientsConnPool *sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGRPCTransport creates a new gRPC transport. logger may be nil.
func NewGRPCTransport(bindAddr string, codec Codec, logger Logger) *GRPCTransport {
	if logger == nil {
		logger = nopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCTransport{
		bindAddr:        bindAddr,
		codec:           codec,
		logger:          logger,
		clientsConnPool: &sync.Map{},
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start implements Transport
func (t *GRPCTransport) Start() error {
	lis, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.bindAddr, err)
	}

	server := grpc.NewServer(grpc.ConnectionTimeout(time.Second * 30))
	server.RegisterService(&transportServiceDesc, t)

	t.mu.Lock()
	t.listener = lis
	t.server = server
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// Serve blocks until the server stops
		if err := server.Serve(lis); err != nil {
			t.logger.Errorf("[Transport] gRPC server on %s stopped: %v", lis.Addr(), err)
		}
	}()

	t.logger.Infof("[Transport] Started gRPC transport on %s", lis.Addr())
	return nil
}

// Stop implements Transport. In-flight sends are cancelled.
func (t *GRPCTransport) Stop() error {
	// cancelling under the lock keeps SendMessage from adding to wg once Stop waits on it
	t.mu.Lock()
	t.cancel()
	server := t.server
	t.mu.Unlock()
	if server != nil {
		server.GracefulStop()
	}
	t.wg.Wait()

	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Errorf("[Transport] Failed to close connection to %s: %v", key, err)
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Infof("[Transport] Stopped gRPC transport")
	return nil
}

// Deliver is the gRPC handler of incoming messages
func (t *GRPCTransport) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := t.codec.Decode(in.GetValue())
	if err != nil {
		t.logger.Errorf("[Transport] Error decoding message: %v", err)
		return nil, err
	}

	from := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(replyToKey); len(values) > 0 {
			from = values[0]
		}
	}
	if from == "" {
		if p, ok := peer.FromContext(ctx); ok {
			from = p.Addr.String()
		}
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(from, msg)
	}
	return &emptypb.Empty{}, nil
}

// SendMessage implements Transport
func (t *GRPCTransport) SendMessage(targetAddr string, msg vr.Message) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.server == nil {
		return ErrNotStarted
	}
	if t.ctx.Err() != nil {
		return ErrStopped
	}
	conn, err := t.getClientConn(targetAddr)
	if err != nil {
		return err
	}

	replyTo := t.listener.Addr().String()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, RPCTimeout)
		defer cancel()
		ctx = metadata.AppendToOutgoingContext(ctx, replyToKey, replyTo)

		if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty)); err != nil {
			t.logger.Debugf("[Transport] %v to %s lost: %v", msg.Kind(), targetAddr, err)
		}
	}()
	return nil
}

// getClientConn returns the pooled connection to targetAddr, dialing it on first use
func (t *GRPCTransport) getClientConn(targetAddr string) (*grpc.ClientConn, error) {
	if value, ok := t.clientsConnPool.Load(targetAddr); ok {
		return value.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(targetAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed establishing a gRPC channel to %s: %w", targetAddr, err)
	}
	if existing, loaded := t.clientsConnPool.LoadOrStore(targetAddr, conn); loaded {
		conn.Close()
		return existing.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// SetMessageHandler implements Transport
func (t *GRPCTransport) SetMessageHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// Addr implements Transport
func (t *GRPCTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return t.bindAddr
	}
	return t.listener.Addr().String()
}
