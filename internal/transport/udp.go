package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"vr-replication/internal/vr"
)

// maxDatagramSize bounds a single encoded message. Logs shipped by DoViewChange, StartView and RecoveryResponse must fit.
const maxDatagramSize = 65507

// UDPTransport sends every message as one datagram
type UDPTransport struct {
	bindAddr       string
	codec          Codec
	conn           *net.UDPConn
	messageHandler Handler
	mu             sync.RWMutex
	shutdownCh     chan struct{}
	wg             sync.WaitGroup
	logger         Logger
	blocked        bool // drop all incoming messages when true
}

// NewUDPTransport creates a new UDP transport. logger may be nil.
func NewUDPTransport(bindAddr string, codec Codec, logger Logger) *UDPTransport {
	if logger == nil {
		logger = nopLogger{}
	}
	return &UDPTransport{
		bindAddr:   bindAddr,
		codec:      codec,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// Start begins listening for incoming UDP messages
func (t *UDPTransport) Start() error {
	addr, err := net.ResolveUDPAddr("udp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.listen(conn)

	t.logger.Infof("[Transport] Started UDP transport on %s", conn.LocalAddr())
	return nil
}

// Stop shuts down the transport
func (t *UDPTransport) Stop() error {
	select {
	case <-t.shutdownCh:
		return nil
	default:
		close(t.shutdownCh)
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.Errorf("[Transport] Error closing connection: %v", err)
		}
	}
	t.wg.Wait()
	t.logger.Infof("[Transport] Stopped UDP transport")
	return nil
}

// listen continuously reads messages from the UDP socket
func (t *UDPTransport) listen(conn *net.UDPConn) {
	defer t.wg.Done()

	buffer := make([]byte, 65536)

	for {
		select {
		case <-t.shutdownCh:
			return
		default:
		}

		// A read deadline lets the loop notice the shutdown channel
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Errorf("[Transport] Error setting read deadline: %v", err)
			continue
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.Errorf("[Transport] Error reading from UDP: %v", err)
				continue
			}
		}

		msg, err := t.codec.Decode(buffer[:n])
		if err != nil {
			t.logger.Errorf("[Transport] Error decoding message from %s: %v", addr, err)
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		blocked := t.blocked
		t.mu.RUnlock()

		if blocked {
			continue
		}

		if handler != nil {
			handler(addr.String(), msg)
		}
	}
}

// SendMessage implements Transport
func (t *UDPTransport) SendMessage(targetAddr string, msg vr.Message) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotStarted
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("%v of %d bytes does not fit in a datagram", msg.Kind(), len(data))
	}

	addr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve target address: %w", err)
	}

	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SetMessageHandler implements Transport
func (t *UDPTransport) SetMessageHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// Addr implements Transport
func (t *UDPTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return t.bindAddr
	}
	return t.conn.LocalAddr().String()
}

// BlockIncoming drops all incoming messages until UnblockIncoming, simulating a partition
func (t *UDPTransport) BlockIncoming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = true
}

// UnblockIncoming resumes processing incoming messages
func (t *UDPTransport) UnblockIncoming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = false
}
