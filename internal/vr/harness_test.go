package vr

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vr-replication/internal/scheduling"
)

type address int

type envelope struct {
	from, to address
	msg      Message
}

// testNetwork delivers messages only when told to. Messages from or to a failed address are dropped on delivery.
type testNetwork struct {
	t           *testing.T
	nextAddress address
	queue       []envelope
	failed      map[address]bool
	clients     map[string]address
	dispatchers map[address]func(Message) error
}

func newTestNetwork(t *testing.T) *testNetwork {
	return &testNetwork{
		t:           t,
		failed:      make(map[address]bool),
		clients:     make(map[string]address),
		dispatchers: make(map[address]func(Message) error),
	}
}

func (n *testNetwork) newAddress() address {
	a := n.nextAddress
	n.nextAddress++
	return a
}

func (n *testNetwork) newClientAddress(clientID string) address {
	_, exists := n.clients[clientID]
	require.False(n.t, exists, "client %s already has an address", clientID)
	a := n.newAddress()
	n.clients[clientID] = a
	return a
}

func (n *testNetwork) register(a address, dispatch func(Message) error) {
	n.dispatchers[a] = dispatch
}

func (n *testNetwork) send(from, to address, msg Message) {
	n.queue = append(n.queue, envelope{from: from, to: to, msg: msg})
}

func (n *testNetwork) sender(from, to address) Sender {
	return SenderFunc(func(msg Message) { n.send(from, to, msg) })
}

func (n *testNetwork) isEmpty() bool {
	return len(n.queue) == 0
}

// flush delivers everything in the order it was sent, including what gets sent while flushing
func (n *testNetwork) flush() {
	for !n.isEmpty() {
		next := n.queue[0]
		n.queue = n.queue[1:]
		n.dispatch(next)
	}
}

// receiveNext delivers the oldest message sent from one address to another
func (n *testNetwork) receiveNext(from, to address) {
	for i, e := range n.queue {
		if e.from == from && e.to == to {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			n.dispatch(e)
			return
		}
	}
	n.t.Fatalf("no message in flight from %d to %d", from, to)
}

// receiveRandom picks a random sender, then a random destination of that sender, and delivers their oldest message
func (n *testNetwork) receiveRandom(rng *rand.Rand) {
	var froms []address
	tos := make(map[address][]address)
	for _, e := range n.queue {
		if _, ok := tos[e.from]; !ok {
			froms = append(froms, e.from)
		}
		if !containsAddress(tos[e.from], e.to) {
			tos[e.from] = append(tos[e.from], e.to)
		}
	}
	from := froms[rng.Intn(len(froms))]
	to := tos[from][rng.Intn(len(tos[from]))]
	n.receiveNext(from, to)
}

func containsAddress(addresses []address, a address) bool {
	for _, x := range addresses {
		if x == a {
			return true
		}
	}
	return false
}

func (n *testNetwork) dispatch(e envelope) {
	if n.failed[e.from] || n.failed[e.to] {
		return
	}
	dispatch, ok := n.dispatchers[e.to]
	if !ok {
		return
	}
	require.NoError(n.t, dispatch(e.msg))
}

func (n *testNetwork) fail(a address) {
	delete(n.dispatchers, a)
	n.failed[a] = true
}

func (n *testNetwork) recover(a address) {
	delete(n.failed, a)
}

type incrementRequest struct {
	Key       string
	Increment int
	// Tag identifies the request in the execution counters
	Tag string
}

type incrementResponse struct {
	Key    string
	Result int
}

type testReplica struct {
	*Replica[incrementRequest, incrementResponse]
	network    *testNetwork
	scheduler  *scheduling.VirtualScheduler
	address    address
	state      map[string]int
	executions map[string]int
}

func (r *testReplica) Execute(request incrementRequest) incrementResponse {
	r.state[request.Key] += request.Increment
	r.executions[request.Tag]++
	return incrementResponse{Key: request.Key, Result: r.state[request.Key]}
}

func (r *testReplica) SendResponse(clientID string, msg Message) {
	r.network.send(r.address, r.network.clients[clientID], msg)
}

type testClient struct {
	*Client[incrementRequest, incrementResponse]
	scheduler *scheduling.VirtualScheduler
	address   address
	state     map[string]int
}

// send submits an increment and runs the submission right away
func (c *testClient) send(key string, increment int) {
	c.Request(incrementRequest{Key: key, Increment: increment, Tag: c.ID()}, func(response incrementResponse) {
		c.state[response.Key] = response.Result
	})
	c.scheduler.Advance(0)
}

type testEnv struct {
	t         *testing.T
	network   *testNetwork
	addresses []address
	replicas  []*testReplica
}

func newTestEnv(t *testing.T, replicas int) *testEnv {
	env := &testEnv{t: t, network: newTestNetwork(t)}
	for i := 0; i < replicas; i++ {
		env.addresses = append(env.addresses, env.network.newAddress())
	}
	for i := 0; i < replicas; i++ {
		env.replicas = append(env.replicas, env.newReplica(i))
	}
	return env
}

func (e *testEnv) newReplica(replicaNumber int, opts ...ReplicaOption) *testReplica {
	scheduler := scheduling.NewVirtualScheduler()
	self := e.addresses[replicaNumber]
	channels := make([]*Channel, len(e.addresses))
	for i, to := range e.addresses {
		channels[i] = NewChannel(e.network.sender(self, to), scheduler)
	}

	r := &testReplica{
		network:    e.network,
		scheduler:  scheduler,
		address:    self,
		state:      make(map[string]int),
		executions: make(map[string]int),
	}
	opts = append([]ReplicaOption{WithLogger(zaptest.NewLogger(e.t).Sugar())}, opts...)
	r.Replica = NewReplica[incrementRequest, incrementResponse](channels, replicaNumber, scheduler, r, opts...)
	e.network.register(self, r.Receive)
	return r
}

func (e *testEnv) createClient(id string) *testClient {
	return e.createClientAt(id, e.network.newClientAddress(id))
}

// createClientAt starts a client on an existing address, e.g. a client restarted after losing its state
func (e *testEnv) createClientAt(id string, self address) *testClient {
	scheduler := scheduling.NewVirtualScheduler()
	channels := make([]*Channel, len(e.addresses))
	for i, to := range e.addresses {
		channels[i] = NewChannel(e.network.sender(self, to), scheduler)
	}

	c := &testClient{
		Client:    NewClient[incrementRequest, incrementResponse](channels, scheduler, id, WithClientLogger(zaptest.NewLogger(e.t).Sugar())),
		scheduler: scheduler,
		address:   self,
		state:     make(map[string]int),
	}
	e.network.register(self, c.Receive)
	return c
}

func (e *testEnv) fail(replicaNumber int) {
	e.network.fail(e.addresses[replicaNumber])
}

// recover replaces a failed replica by a fresh one that rebuilds its state from the group
func (e *testEnv) recover(replicaNumber int) {
	r := e.newReplica(replicaNumber, WithStatus(Recovering))
	e.replicas[replicaNumber] = r
	e.network.recover(e.addresses[replicaNumber])
	require.NoError(e.t, r.Recover())
}

// awaitAllCommitted lets enough time pass, one millisecond at a time, for heartbeats to spread the primary's commit
// number to every backup
func (e *testEnv) awaitAllCommitted() {
	steps := int(4 * DefaultCommitDelay / scheduling.Resolution)
	for i := 0; i <= steps; i++ {
		for _, r := range e.replicas {
			r.scheduler.Advance(scheduling.Resolution)
			e.network.flush()
		}
	}
}

func (e *testEnv) assertReplicasState(expected map[string]int) {
	for _, r := range e.replicas {
		assert.Equal(e.t, expected, r.state, "replica %d", r.ReplicaNumber())
	}
}

// assertEverythingAcked checks that no replica is still retransmitting anything
func (e *testEnv) assertEverythingAcked() {
	for _, r := range e.replicas {
		for i, channel := range r.Replica.channels {
			assert.True(e.t, channel.IsEmpty(), "replica %d still has %d messages in flight to %d",
				r.ReplicaNumber(), channel.InFlight(), i)
		}
	}
}

func assertClientAcked(t *testing.T, c *testClient) {
	for i, channel := range c.Client.channels {
		assert.True(t, channel.IsEmpty(), "client %s still has %d requests in flight to %d", c.ID(), channel.InFlight(), i)
	}
}

// assertSameCommittedPrefix checks that no two replicas committed different requests at the same op number
func (e *testEnv) assertSameCommittedPrefix() {
	for _, a := range e.replicas {
		for _, b := range e.replicas {
			common := min(a.CommitNumber(), b.CommitNumber())
			logA, logB := a.Log(), b.Log()
			for op := 0; op <= common; op++ {
				assert.Equal(e.t, logA[op], logB[op], "replicas %d and %d disagree on op %d", a.ReplicaNumber(), b.ReplicaNumber(), op)
			}
		}
	}
}
