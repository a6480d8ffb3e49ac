package host

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vr-replication/internal/kv"
	"vr-replication/internal/scheduling"
	"vr-replication/internal/transport"
	"vr-replication/internal/vr"
)

// mockTransport records what a node sends and lets the test inject inbound messages
type mockTransport struct {
	mock.Mock
	mu      sync.RWMutex
	handler transport.Handler
	sent    []sentMessage
}

type sentMessage struct {
	addr string
	msg  vr.Message
}

func newMockTransport(addr string) *mockTransport {
	m := &mockTransport{}
	m.On("Start").Return(nil)
	m.On("Stop").Return(nil)
	m.On("Addr").Return(addr)
	m.On("SendMessage", mock.Anything, mock.Anything).Return(nil)
	return m
}

func (m *mockTransport) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockTransport) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockTransport) SendMessage(addr string, msg vr.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{addr: addr, msg: msg})
	m.mu.Unlock()
	args := m.Called(addr, msg)
	return args.Error(0)
}

func (m *mockTransport) SetMessageHandler(handler transport.Handler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *mockTransport) Addr() string {
	args := m.Called()
	return args.String(0)
}

func (m *mockTransport) simulateMessage(from string, msg vr.Message) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler != nil {
		handler(from, msg)
	}
}

// sentOfKind returns, in order, the messages of kind sent so far
func (m *mockTransport) sentOfKind(kind vr.Kind) []sentMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []sentMessage
	for _, s := range m.sent {
		if s.msg.Kind() == kind {
			result = append(result, s)
		}
	}
	return result
}

var groupOfThree = []string{"replica-0", "replica-1", "replica-2"}

func testReplicaConfig(t *testing.T, replicaNumber int) *Config {
	config := DefaultConfig()
	config.Replicas = groupOfThree
	config.ReplicaNumber = replicaNumber
	config.Logger = zaptest.NewLogger(t).Sugar()
	return config
}

func TestValidateConfig(t *testing.T) {
	t.Run("valid replica config", func(t *testing.T) {
		config := DefaultConfig()
		config.Replicas = groupOfThree
		config.ReplicaNumber = 2
		assert.NoError(t, validateReplicaConfig(config))
	})

	t.Run("valid client config", func(t *testing.T) {
		config := DefaultConfig()
		config.Replicas = groupOfThree
		config.ClientID = "client"
		config.BindAddr = "127.0.0.1:9000"
		assert.NoError(t, validateClientConfig(config))
	})

	t.Run("nil logger is replaced", func(t *testing.T) {
		config := DefaultConfig()
		config.Replicas = groupOfThree
		config.Logger = nil
		require.NoError(t, validateReplicaConfig(config))
		assert.NotNil(t, config.Logger)
	})

	invalid := map[string]struct {
		modify   func(*Config)
		validate func(*Config) error
	}{
		"missing replicas": {
			modify:   func(c *Config) { c.Replicas = nil },
			validate: validateReplicaConfig,
		},
		"empty replica address": {
			modify:   func(c *Config) { c.Replicas = []string{"replica-0", ""} },
			validate: validateReplicaConfig,
		},
		"unknown transport": {
			modify:   func(c *Config) { c.Transport = "tcp" },
			validate: validateReplicaConfig,
		},
		"replica number too large": {
			modify:   func(c *Config) { c.ReplicaNumber = 3 },
			validate: validateReplicaConfig,
		},
		"negative replica number": {
			modify:   func(c *Config) { c.ReplicaNumber = -1 },
			validate: validateReplicaConfig,
		},
		"zero commit delay": {
			modify:   func(c *Config) { c.CommitDelay = 0 },
			validate: validateReplicaConfig,
		},
		"zero retransmit timeout": {
			modify:   func(c *Config) { c.RetransmitTimeout = 0 },
			validate: validateReplicaConfig,
		},
		"missing client id": {
			modify:   func(c *Config) { c.ClientID = "" },
			validate: validateClientConfig,
		},
		"missing bind address": {
			modify:   func(c *Config) { c.BindAddr = "" },
			validate: validateClientConfig,
		},
		"zero request timeout": {
			modify:   func(c *Config) { c.RequestTimeout = 0 },
			validate: validateClientConfig,
		},
	}
	for name, tc := range invalid {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			config.Replicas = groupOfThree
			config.ClientID = "client"
			config.BindAddr = "127.0.0.1:9000"
			tc.modify(config)
			assert.ErrorIs(t, tc.validate(config), ErrInvalidConfig)
		})
	}
}

func TestNewReplicaNode_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	_, err := NewReplicaNode(config)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReplicaNode_NormalOperation(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	tr := newMockTransport("replica-0")
	node, err := NewReplicaNode(testReplicaConfig(t, 0), WithTransport(tr), WithScheduler(scheduler))
	require.NoError(t, err)
	require.NoError(t, node.Start())
	defer node.Stop()

	request := vr.NewRequest(kv.Command{Op: kv.Increment, Key: "key", Value: 5}, "client", 0)
	tr.simulateMessage("client-addr", request)
	scheduler.Advance(0)

	prepares := tr.sentOfKind(vr.PrepareKind)
	require.Len(t, prepares, 2)
	assert.Equal(t, "replica-1", prepares[0].addr)
	assert.Equal(t, "replica-2", prepares[1].addr)
	prepare := prepares[0].msg.(*vr.Prepare[kv.Command])
	assert.Equal(t, 0, prepare.OpNumber)
	assert.Equal(t, *request, prepare.Request)

	// a single backup completes the quorum of two
	tr.simulateMessage("replica-1", vr.NewPrepareOk(0, 0, 1))
	scheduler.Advance(0)

	acks := tr.sentOfKind(vr.AckKind)
	require.Len(t, acks, 1)
	assert.Equal(t, "replica-1", acks[0].addr)

	replies := tr.sentOfKind(vr.ReplyKind)
	require.Len(t, replies, 1)
	assert.Equal(t, "client-addr", replies[0].addr)
	reply := replies[0].msg.(*vr.Reply[kv.Result])
	assert.Equal(t, 0, reply.RequestNumber)
	require.True(t, reply.Response.Success())
	assert.Equal(t, 5, *reply.Response.Value)

	value, ok := node.Store().Value("key")
	require.True(t, ok)
	assert.Equal(t, 5, value)
	assert.Equal(t, uint64(1), node.Metrics().GetReport(3).OpsCommitted)

}

func TestReplicaNode_BackupAnswersObsolete(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	tr := newMockTransport("replica-1")
	node, err := NewReplicaNode(testReplicaConfig(t, 1), WithTransport(tr), WithScheduler(scheduler))
	require.NoError(t, err)
	require.NoError(t, node.Start())
	defer node.Stop()

	tr.simulateMessage("client-addr", vr.NewRequest(kv.Command{Op: kv.Get, Key: "key"}, "client", 0))
	scheduler.Advance(0)

	obsolete := tr.sentOfKind(vr.ObsoleteKind)
	require.Len(t, obsolete, 1)
	assert.Equal(t, "client-addr", obsolete[0].addr)
	assert.Empty(t, tr.sentOfKind(vr.PrepareKind))
}

func TestReplicaNode_SendResponseToUnknownClient(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	tr := newMockTransport("replica-0")
	node, err := NewReplicaNode(testReplicaConfig(t, 0), WithTransport(tr), WithScheduler(scheduler))
	require.NoError(t, err)
	require.NoError(t, node.Start())
	defer node.Stop()

	node.SendResponse("nobody", vr.NewObsolete(0, 0))
	tr.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestReplicaNode_StartsRecovery(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	tr := newMockTransport("replica-2")
	config := testReplicaConfig(t, 2)
	config.Recovering = true
	node, err := NewReplicaNode(config, WithTransport(tr), WithScheduler(scheduler))
	require.NoError(t, err)
	require.NoError(t, node.Start())
	defer node.Stop()

	scheduler.Advance(0)

	recoveries := tr.sentOfKind(vr.RecoveryKind)
	require.Len(t, recoveries, 2)
	assert.Equal(t, "replica-0", recoveries[0].addr)
	assert.Equal(t, "replica-1", recoveries[1].addr)
}

func TestReplicaNode_BoltDirectory(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	tr := newMockTransport("replica-0")
	config := testReplicaConfig(t, 0)
	config.DirectoryPath = t.TempDir() + "/clients.db"
	node, err := NewReplicaNode(config, WithTransport(tr), WithScheduler(scheduler))
	require.NoError(t, err)
	require.NoError(t, node.Start())

	tr.simulateMessage("client-addr", vr.NewRequest(kv.Command{Op: kv.Get, Key: "key"}, "client", 0))
	scheduler.Advance(0)
	require.NoError(t, node.Stop())
	assert.NoError(t, node.Stop())

	tr.AssertNumberOfCalls(t, "Stop", 1)
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

func TestGroupOverUDP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	logger := zaptest.NewLogger(t).Sugar()

	replicas := make([]string, 3)
	for i := range replicas {
		replicas[i] = freeUDPAddr(t)
	}

	nodes := make([]*ReplicaNode, len(replicas))
	for i := range replicas {
		config := DefaultConfig()
		config.Replicas = replicas
		config.ReplicaNumber = i
		config.Logger = logger
		node, err := NewReplicaNode(config)
		require.NoError(t, err)
		require.NoError(t, node.Start())
		defer node.Stop()
		nodes[i] = node
	}

	config := DefaultConfig()
	config.Replicas = replicas
	config.ClientID = "client"
	config.BindAddr = freeUDPAddr(t)
	config.Logger = logger
	client, err := NewClientNode(config)
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	for i := 1; i <= 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := client.Submit(ctx, kv.Command{Op: kv.Increment, Key: "key", Value: 10})
		cancel()
		require.NoError(t, err, "request %d", i)
		require.True(t, result.Success())
		assert.Equal(t, 10*i, *result.Value)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.Submit(ctx, kv.Command{Op: "DELETE", Key: "key"})
	require.NoError(t, err)
	assert.Equal(t, kv.BadRequest, result.Error)

	// backups learn the commits from the next heartbeat
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if value, _ := node.Store().Value("key"); value != 30 {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)

	nodes[0].Inspect(func(replica *vr.Replica[kv.Command, kv.Result]) {
		assert.True(t, replica.IsPrimary())
		assert.Equal(t, 3, replica.CommitNumber())
		assert.Equal(t, vr.Normal, replica.Status())
	})
	assert.Equal(t, uint64(4), client.Metrics().GetReport(len(replicas)).RequestCount)
}

func TestClientNode_SubmitHonoursContext(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	tr := newMockTransport("client-addr")
	config := DefaultConfig()
	config.Replicas = groupOfThree
	config.ClientID = "client"
	config.BindAddr = "client-addr"
	config.Logger = zaptest.NewLogger(t).Sugar()

	client, err := NewClientNode(config, WithTransport(tr), WithScheduler(scheduler))
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	// the scheduler never runs, so no reply can arrive
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Submit(ctx, kv.Command{Op: kv.Get, Key: "key"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, vr.ErrRequestPending)

	// the abandoned request still holds the slot
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Submit(ctx, kv.Command{Op: kv.Get, Key: "key"})
	assert.ErrorIs(t, err, vr.ErrRequestPending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
