package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir() + "/raft.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHasClusterQuorumPlainMajority(t *testing.T) {
	n := &Node{peers: map[NodeID]NodeAddress{"b": {}, "c": {}}}

	assert.False(t, n.hasClusterQuorum(func(id NodeID) bool { return false }), "self alone is not a majority of 3")
	assert.True(t, n.hasClusterQuorum(func(id NodeID) bool { return id == "b" }), "self + one peer is a majority of 3")
}

func TestHasClusterQuorumDuringJointConfigRequiresBothSets(t *testing.T) {
	n := &Node{
		inJointConfig: true,
		jointOld:      map[NodeID]NodeAddress{"b": {}},
		jointNew:      map[NodeID]NodeAddress{"c": {}, "d": {}},
	}

	onlyOld := func(id NodeID) bool { return id == "b" }
	assert.False(t, n.hasClusterQuorum(onlyOld), "a majority of the old config alone must not be enough during a joint change")

	both := func(id NodeID) bool { return id == "b" || id == "c" }
	assert.True(t, n.hasClusterQuorum(both), "a majority of both the old and new config should suffice")
}

func TestAppendLocalPreservesCallerRequestID(t *testing.T) {
	n := &Node{store: newTestStore(t)}
	reqID := uuid.New()

	entry := n.appendLocal(Op{Kind: OpPut, Key: []byte("k"), Value: []byte("v")}, reqID)

	assert.Equal(t, reqID, entry.RequestID, "the entry must carry the proposer's request id so applyEntryLocked can resolve the right pending channel")
	assert.Equal(t, uint64(1), entry.Index)
}

func TestApplyEntryLockedNotifiesPendingChannelByRequestID(t *testing.T) {
	n := &Node{
		store:   newTestStore(t),
		pending: make(map[uuid.UUID]chan ClientResponse),
		peers:   map[NodeID]NodeAddress{},
	}
	reqID := uuid.New()
	ch := make(chan ClientResponse, 1)
	n.pending[reqID] = ch

	n.applyEntryLocked(LogEntry{Index: 1, Term: 1, RequestID: reqID, Op: Op{Kind: OpNoOp}})

	select {
	case resp := <-ch:
		assert.True(t, resp.Success)
		assert.Equal(t, reqID, resp.RequestID)
	default:
		t.Fatal("expected applyEntryLocked to resolve the pending channel for the entry's request id")
	}
}

func TestApplyJointConfigEntryAsLeaderProposesConfigFinal(t *testing.T) {
	n := &Node{
		store:   newTestStore(t),
		state:   Leader,
		pending: make(map[uuid.UUID]chan ClientResponse),
		peers:   map[NodeID]NodeAddress{},
		nextIndex: make(map[NodeID]uint64),
	}
	jointOld := map[NodeID]NodeAddress{}
	jointNew := map[NodeID]NodeAddress{"new-node": {Host: "127.0.0.1", Port: 9001}}

	n.applyEntryLocked(LogEntry{
		Index: 1, Term: 1, RequestID: uuid.New(),
		Op: Op{Kind: OpJointConfig, JointOld: jointOld, JointNew: jointNew},
	})

	require.True(t, n.inJointConfig, "committing phase one must enter joint-consensus mode")
	assert.Len(t, n.peers, 1, "the rpc fan-out set should be the union of old and new during the joint period")
	require.Len(t, n.log, 1, "the leader should have queued phase two (OpConfigFinal) as a new log entry")
	assert.Equal(t, OpConfigFinal, n.log[0].Op.Kind)

	n.applyEntryLocked(n.log[0])
	assert.False(t, n.inJointConfig, "phase two committing should leave joint-consensus mode")
	assert.Equal(t, jointNew, n.peers)
}

// localCluster wires up a small set of nodes over LocalTransport, each
// backed by its own temp-file Store, applying committed Put ops into a
// map guarded by a mutex instead of a real storage engine.
type localCluster struct {
	nodes   []*Node
	applied []map[string][]byte
	mus     []*sync.Mutex
	cancel  context.CancelFunc
}

func newLocalCluster(t *testing.T, n int) *localCluster {
	t.Helper()
	reg := NewLocalRegistry()
	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = NodeID(string(rune('a' + i)))
	}

	cfgBase := Config{
		HeartbeatInterval:  15 * time.Millisecond,
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
	}

	c := &localCluster{
		applied: make([]map[string][]byte, n),
		mus:     make([]*sync.Mutex, n),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i, id := range ids {
		peers := make(map[NodeID]NodeAddress, n-1)
		for _, other := range ids {
			if other != id {
				peers[other] = NodeAddress{}
			}
		}
		cfg := cfgBase
		cfg.NodeID = id
		cfg.Peers = peers

		transport := NewLocalTransport(reg, id)
		store := newTestStore(t)

		idx := i
		c.applied[idx] = make(map[string][]byte)
		c.mus[idx] = &sync.Mutex{}
		applier := func(op Op) error {
			if op.Kind != OpPut {
				return nil
			}
			c.mus[idx].Lock()
			c.applied[idx][string(op.Key)] = op.Value
			c.mus[idx].Unlock()
			return nil
		}

		node, err := NewNode(cfg, transport, store, applier)
		require.NoError(t, err)
		c.nodes = append(c.nodes, node)
		go node.Run(ctx)
	}

	t.Cleanup(func() {
		c.cancel()
		for _, node := range c.nodes {
			node.Stop()
		}
	})
	return c
}

func (c *localCluster) awaitLeader(t *testing.T, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			if node.IsLeader() {
				return node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestThreeNodeClusterElectsExactlyOneLeader(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-dependent cluster test in short mode")
	}
	c := newLocalCluster(t, 3)
	leader := c.awaitLeader(t, 2*time.Second)
	require.NotNil(t, leader)

	time.Sleep(150 * time.Millisecond)
	leaders := 0
	for _, node := range c.nodes {
		if node.IsLeader() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders, "at most one leader may exist for a given term (election safety)")
}

func TestThreeNodeClusterReplicatesPutToAllApplyStates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing-dependent cluster test in short mode")
	}
	c := newLocalCluster(t, 3)
	leader := c.awaitLeader(t, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := leader.Propose(ctx, Op{Kind: OpPut, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		allApplied := true
		for i := range c.applied {
			c.mus[i].Lock()
			_, ok := c.applied[i]["k"]
			c.mus[i].Unlock()
			if !ok {
				allApplied = false
			}
		}
		if allApplied {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := range c.applied {
		c.mus[i].Lock()
		v := c.applied[i]["k"]
		c.mus[i].Unlock()
		assert.Equal(t, []byte("v"), v, "every node must apply the same op at the same index")
	}
}
