package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amuzetnoM/hektor/internal/config"
)

// fakeReplicator records every call it receives and can be configured to
// fail for specific node ids.
type fakeReplicator struct {
	mu      sync.Mutex
	calls   []Operation
	failFor map[string]bool
	delay   time.Duration
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{failFor: make(map[string]bool)}
}

func (f *fakeReplicator) Replicate(ctx context.Context, node NodeConfig, op Operation) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.failFor[node.NodeID] {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeReplicator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testReplicationConfig(mode string) config.ReplicationConfig {
	cfg := config.DefaultReplicationConfig()
	cfg.DurabilityMode = mode
	cfg.SyncTimeout = config.Duration(500 * time.Millisecond)
	return cfg
}

func TestSubmitNoneModeIsANoOp(t *testing.T) {
	m := New(testReplicationConfig("none"), newFakeReplicator(), []NodeConfig{{NodeID: "p"}, {NodeID: "r1"}}, "p", nil)
	// Never started: "none" mode must not require Start().
	if err := m.SubmitAdd(1, []float32{1, 2, 3}, nil); err != nil {
		t.Fatalf("SubmitAdd in none mode should not error, got %v", err)
	}
}

func TestSubmitWithoutStartFailsForAsyncMode(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{{NodeID: "p"}, {NodeID: "r1"}}, "p", nil)
	if err := m.SubmitAdd(1, nil, nil); err == nil {
		t.Fatal("expected Submit to fail before Start in async mode")
	}
}

func TestSyncModeWaitsForAllReplicaAcks(t *testing.T) {
	rep := newFakeReplicator()
	m := New(testReplicationConfig("sync"), rep, []NodeConfig{{NodeID: "p", Priority: 10}, {NodeID: "r1", Priority: 5}}, "p", nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.SubmitAdd(1, []float32{1, 2}, nil); err != nil {
		t.Fatalf("SubmitAdd: %v", err)
	}
	if rep.callCount() != 1 {
		t.Fatalf("expected 1 replication call, got %d", rep.callCount())
	}
}

func TestSyncModeFailsWhenReplicaUnreachable(t *testing.T) {
	rep := newFakeReplicator()
	rep.failFor["r1"] = true
	cfg := testReplicationConfig("sync")
	m := New(cfg, rep, []NodeConfig{{NodeID: "p", Priority: 10}, {NodeID: "r1", Priority: 5}}, "p", nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.SubmitAdd(1, nil, nil); err == nil {
		t.Fatal("expected sync submission to fail when the only replica errors")
	}
}

func TestAsyncModeReturnsImmediatelyAndDrainsInBackground(t *testing.T) {
	rep := newFakeReplicator()
	m := New(testReplicationConfig("async"), rep, []NodeConfig{{NodeID: "p"}, {NodeID: "r1"}}, "p", nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if err := m.SubmitAdd(1, nil, nil); err != nil {
		t.Fatalf("SubmitAdd: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rep.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rep.callCount() == 0 {
		t.Fatal("expected the drain loop to eventually replicate the queued operation")
	}
}

func TestTriggerFailoverPromotesHighestPriorityHealthyReplica(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{
		{NodeID: "p", Priority: 100},
		{NodeID: "low", Priority: 1},
		{NodeID: "high", Priority: 50},
	}, "p", nil)

	m.nodes["p"].Healthy = false
	m.nodes["low"].Healthy = true
	m.nodes["high"].Healthy = true

	var promoted string
	m.SetFailoverCallback(func(newPrimary string) { promoted = newPrimary })
	m.TriggerFailover()

	if m.PrimaryNode() != "high" {
		t.Fatalf("expected 'high' to be promoted, got %q", m.PrimaryNode())
	}
	if promoted != "high" {
		t.Fatalf("expected failover callback to report 'high', got %q", promoted)
	}
}

func TestTriggerFailoverTieBreaksOnLowestID(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{
		{NodeID: "p", Priority: 100},
		{NodeID: "zzz", Priority: 10},
		{NodeID: "aaa", Priority: 10},
	}, "p", nil)

	m.nodes["p"].Healthy = false
	m.TriggerFailover()

	if m.PrimaryNode() != "aaa" {
		t.Fatalf("expected tie to break on lowest node id 'aaa', got %q", m.PrimaryNode())
	}
}

func TestTriggerFailoverNoHealthyReplicaLeavesPrimaryUnchanged(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{
		{NodeID: "p", Priority: 100},
		{NodeID: "r1", Priority: 1},
	}, "p", nil)

	m.nodes["p"].Healthy = false
	m.nodes["r1"].Healthy = false
	m.TriggerFailover()

	if m.PrimaryNode() != "p" {
		t.Fatalf("expected primary to remain unchanged when no replica is healthy, got %q", m.PrimaryNode())
	}
}

func TestAddReplicaGeneratesIDWhenEmpty(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), nil, "", nil)
	if err := m.AddReplica(NodeConfig{}); err != nil {
		t.Fatal(err)
	}
	nodes := m.AllNodes()
	if len(nodes) != 1 || nodes[0].NodeID == "" {
		t.Fatalf("expected a generated node id, got %+v", nodes)
	}
}

func TestRemoveReplicaRefusesCurrentPrimary(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{{NodeID: "p"}}, "p", nil)
	if err := m.RemoveReplica("p"); err == nil {
		t.Fatal("expected removing the current primary to fail")
	}
}

func TestIsHealthyReflectsMinReplicas(t *testing.T) {
	cfg := testReplicationConfig("async")
	cfg.MinReplicas = 2
	m := New(cfg, newFakeReplicator(), []NodeConfig{{NodeID: "p"}, {NodeID: "r1"}}, "p", nil)
	if !m.IsHealthy() {
		t.Fatal("expected cluster to be healthy with 2/2 nodes up")
	}
	m.nodes["r1"].Healthy = false
	if m.IsHealthy() {
		t.Fatal("expected cluster to be unhealthy with only 1/2 nodes up and MinReplicas=2")
	}
}

func TestHeartbeatTickMarksStaleNodeUnhealthy(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{{NodeID: "p"}, {NodeID: "r1"}}, "p", nil)
	m.nodes["r1"].LastHeartbeat = time.Now().Add(-time.Hour)

	m.heartbeatTick(time.Second)

	if m.nodes["r1"].Healthy {
		t.Fatal("expected a node with a stale heartbeat to be marked unhealthy")
	}
}

func TestMarkHeartbeatRecoversUnhealthyNode(t *testing.T) {
	m := New(testReplicationConfig("async"), newFakeReplicator(), []NodeConfig{{NodeID: "p"}, {NodeID: "r1"}}, "p", nil)
	m.nodes["r1"].Healthy = false

	m.MarkHeartbeat("r1")

	if !m.nodes["r1"].Healthy {
		t.Fatal("expected MarkHeartbeat to restore health")
	}
}
