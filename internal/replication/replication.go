// Package replication implements the replication manager: durability
// modes, a single-producer-multiple-consumer operation queue, a
// heartbeat loop, and priority-ranked failover. One mutex guards the
// replica table, the current-primary field, and the queue; three
// independent goroutines run the drain, heartbeat, and failover loops.
package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/amuzetnoM/hektor/internal/config"
	"github.com/amuzetnoM/hektor/internal/herr"
	"github.com/amuzetnoM/hektor/internal/telemetry"
)

// OpKind is the kind of a replicated write.
type OpKind int

const (
	Add OpKind = iota
	Remove
	Update
)

// Operation is a tagged record carrying one replicated write,
// ordered only by PrimaryTimestamp (primary-local), never globally.
type Operation struct {
	Kind            OpKind
	ID              uint64
	Vector          []float32
	Metadata        map[string]any
	PrimaryTimestamp int64
	SourceNode      string
}

// NodeConfig is the caller-supplied, immutable identity of one
// replication-manager member: host/port and failover priority.
type NodeConfig struct {
	NodeID   string
	Host     string
	Port     int
	Priority int
}

// NodeState is the mutable runtime state tracked per node. Config is
// copyable; the counters are held behind the manager's single mutex so
// no atomic-carrier copy-constructor problem arises (see node state in
// the design notes).
type NodeState struct {
	Config                 NodeConfig
	Healthy                bool
	LastHeartbeat          time.Time
	ReplicationLagEstimate time.Duration
	OperationsReplicated   uint64
	OperationsFailed       uint64
}

// Replicator performs the actual network replication of one operation
// to one node. Production code supplies a gRPC- or HTTP-backed
// implementation; tests supply a fake. Returning an error counts as a
// failed replication for that node.
type Replicator interface {
	Replicate(ctx context.Context, node NodeConfig, op Operation) error
}

// Manager is one replication-manager instance bound to a primary node
// id and a fixed durability mode.
type Manager struct {
	mu sync.Mutex

	cfg        config.ReplicationConfig
	replicator Replicator
	logger     *slog.Logger

	nodes          map[string]*NodeState
	currentPrimary string

	queue []Operation
	cond  *sync.Cond

	running          bool
	stopCh           chan struct{}
	wg               sync.WaitGroup
	failoverCallback func(newPrimary string)

	lastSubmittedTimestamp int64
}

// New builds a Manager over the initial node set. primaryNodeID becomes
// the initial primary; if empty, the highest-priority node is chosen
// instead.
func New(cfg config.ReplicationConfig, replicator Replicator, initial []NodeConfig, primaryNodeID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:        cfg,
		replicator: replicator,
		logger:     logger,
		nodes:      make(map[string]*NodeState),
		stopCh:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	now := time.Now()
	for _, n := range initial {
		m.nodes[n.NodeID] = &NodeState{Config: n, Healthy: true, LastHeartbeat: now}
	}

	m.currentPrimary = primaryNodeID
	if m.currentPrimary == "" {
		best := ""
		bestPriority := -1
		for id, st := range m.nodes {
			if st.Config.Priority > bestPriority {
				best = id
				bestPriority = st.Config.Priority
			}
		}
		m.currentPrimary = best
	}
	return m
}

// Start launches the replication-drain, heartbeat, and failover
// goroutines.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return herr.New(herr.InvalidArgument, "replication manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(3)
	go m.drainLoop()
	go m.heartbeatLoop()
	go m.failoverLoop()

	m.logger.Info("replication manager started", "mode", m.cfg.DurabilityMode, "primary", m.currentPrimary)
	return nil
}

// Stop signals all loops to exit and joins them. The drain loop first
// dispatches any async operations still queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("replication manager stopped")
}

// SubmitAdd, SubmitRemove, and SubmitUpdate enqueue a replicated write
// per the configured durability mode. Submitting while stopped returns
// Unavailable.
func (m *Manager) SubmitAdd(id uint64, vector []float32, metadata map[string]any) error {
	return m.submit(Operation{Kind: Add, ID: id, Vector: vector, Metadata: metadata})
}

func (m *Manager) SubmitRemove(id uint64) error {
	return m.submit(Operation{Kind: Remove, ID: id})
}

func (m *Manager) SubmitUpdate(id uint64, metadata map[string]any) error {
	return m.submit(Operation{Kind: Update, ID: id, Metadata: metadata})
}

func (m *Manager) submit(op Operation) error {
	if m.cfg.DurabilityMode == "none" {
		return nil
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return herr.New(herr.Unavailable, "replication manager is stopped")
	}
	m.lastSubmittedTimestamp++
	op.PrimaryTimestamp = m.lastSubmittedTimestamp
	op.SourceNode = m.currentPrimary
	mode := m.cfg.DurabilityMode
	if mode == "async" {
		m.queue = append(m.queue, op)
		telemetry.ReplicationQueueDepth.WithLabelValues(op.SourceNode).Set(float64(len(m.queue)))
	}
	m.mu.Unlock()

	if mode == "async" {
		m.cond.Signal()
		return nil
	}
	return m.waitForAcks(op)
}

// waitForAcks dispatches op to the current healthy replica set inline
// and blocks until enough of them acknowledge (or the sync timeout
// expires), for semi-sync/sync durability. The caller's local write is
// already committed by the time this runs, so the blocking window is
// exactly one replication round, not a queue wait.
func (m *Manager) waitForAcks(op Operation) error {
	replicas := m.healthyReplicaSnapshot()
	total := len(replicas)
	if total == 0 {
		return nil
	}

	required := total
	if m.cfg.DurabilityMode == "semi_sync" {
		required = m.cfg.MinReplicas - 1
		if required > total {
			required = total
		}
		if required < 0 {
			required = 0
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout.Std())
	defer cancel()

	acked := m.dispatch(ctx, op, replicas)
	if acked < required {
		return herr.Newf(herr.ReplicationIncomplete, "%d/%d replicas acknowledged within %s", acked, required, m.cfg.SyncTimeout.Std())
	}
	return nil
}

func (m *Manager) healthyReplicaSnapshot() []NodeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeConfig, 0, len(m.nodes))
	for id, st := range m.nodes {
		if id == m.currentPrimary || !st.Healthy {
			continue
		}
		out = append(out, st.Config)
	}
	return out
}

// dispatch fans out op to replicas in parallel via an errgroup and
// returns the count that acknowledged successfully.
func (m *Manager) dispatch(ctx context.Context, op Operation, replicas []NodeConfig) int {
	var mu sync.Mutex
	acked := 0

	g, ctx := errgroup.WithContext(ctx)
	for _, node := range replicas {
		node := node
		g.Go(func() error {
			start := time.Now()
			err := m.replicator.Replicate(ctx, node, op)
			lag := time.Since(start)

			m.mu.Lock()
			if st, ok := m.nodes[node.NodeID]; ok {
				st.ReplicationLagEstimate = lag
				if err == nil {
					st.OperationsReplicated++
				} else {
					st.OperationsFailed++
				}
			}
			m.mu.Unlock()

			if err == nil {
				mu.Lock()
				acked++
				mu.Unlock()
			} else {
				m.logger.Warn("replication failed", "node", node.NodeID, "error", err)
			}
			return nil // never abort siblings on one replica's failure
		})
	}
	_ = g.Wait()
	return acked
}

// drainLoop services the async queue: pop an operation, snapshot the
// replica table, and fan out in parallel. Failures are counted but
// never surfaced, per the async durability contract.
func (m *Manager) drainLoop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && m.running {
			m.cond.Wait()
		}
		if !m.running && len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		op := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		replicas := m.healthyReplicaSnapshot()
		telemetry.ReplicationQueueDepth.WithLabelValues(op.SourceNode).Set(float64(len(m.queue)))
		if len(replicas) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout.Std())
		m.dispatch(ctx, op, replicas)
		cancel()
	}
}

// heartbeatLoop marks a replica unhealthy once its last heartbeat ages
// past 3x the configured interval, and healthy again on the next
// successful probe tick.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	interval := m.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.heartbeatTick(interval)
		}
	}
}

func (m *Manager) heartbeatTick(interval time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, st := range m.nodes {
		if id == m.currentPrimary {
			continue
		}
		elapsed := now.Sub(st.LastHeartbeat)
		if elapsed > 3*interval {
			if st.Healthy {
				m.logger.Warn("node missed heartbeat", "node", id, "elapsed", elapsed)
				st.Healthy = false
			}
			continue
		}
		if !st.Healthy {
			m.logger.Info("node recovered", "node", id)
			st.Healthy = true
		}
	}
}

// failoverLoop polls the primary's health once per second (or at
// FailoverPollInterval if set) and triggers failover on detection.
func (m *Manager) failoverLoop() {
	defer m.wg.Done()
	interval := m.cfg.FailoverPollInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			primary, ok := m.nodes[m.currentPrimary]
			unhealthy := ok && !primary.Healthy
			m.mu.Unlock()
			if unhealthy {
				m.logger.Error("primary node unhealthy", "node", m.currentPrimary)
				m.TriggerFailover()
			}
		}
	}
}

// TriggerFailover selects the healthy replica with the highest
// priority (ties broken by lowest node id), promotes it, and invokes
// the configured failover callback. If no healthy replica exists, it
// logs and leaves the primary unchanged.
func (m *Manager) TriggerFailover() {
	m.mu.Lock()

	newPrimary := ""
	bestPriority := -1
	for id, st := range m.nodes {
		if !st.Healthy {
			continue
		}
		if newPrimary == "" || st.Config.Priority > bestPriority ||
			(st.Config.Priority == bestPriority && id < newPrimary) {
			newPrimary = id
			bestPriority = st.Config.Priority
		}
	}

	if newPrimary == "" {
		m.logger.Error("no healthy replicas available for failover")
		m.mu.Unlock()
		telemetry.FailoverTotal.WithLabelValues("no_healthy_replica").Inc()
		return
	}

	old := m.currentPrimary
	m.currentPrimary = newPrimary
	callback := m.failoverCallback
	m.mu.Unlock()

	m.logger.Info("failover triggered", "old_primary", old, "new_primary", newPrimary, "priority", bestPriority)
	telemetry.FailoverTotal.WithLabelValues("promoted").Inc()
	if callback != nil {
		callback(newPrimary)
	}
}

// SetFailoverCallback installs the callback invoked after a promotion.
func (m *Manager) SetFailoverCallback(cb func(newPrimary string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failoverCallback = cb
}

// AddReplica refuses a duplicate node id.
func (m *Manager) AddReplica(n NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.NodeID == "" {
		n.NodeID = uuid.NewString()
	}
	if _, exists := m.nodes[n.NodeID]; exists {
		return herr.Newf(herr.InvalidArgument, "node %q already exists", n.NodeID)
	}
	m.nodes[n.NodeID] = &NodeState{Config: n, Healthy: true, LastHeartbeat: time.Now()}
	m.logger.Info("replica added", "node", n.NodeID)
	return nil
}

// RemoveReplica refuses to remove the current primary.
func (m *Manager) RemoveReplica(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeID == m.currentPrimary {
		return herr.New(herr.InvalidArgument, "cannot remove the current primary")
	}
	if _, exists := m.nodes[nodeID]; !exists {
		return herr.Newf(herr.InvalidArgument, "node %q not found", nodeID)
	}
	delete(m.nodes, nodeID)
	m.logger.Info("replica removed", "node", nodeID)
	return nil
}

// Replicas returns the configuration of every non-primary node.
func (m *Manager) Replicas() []NodeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeConfig, 0, len(m.nodes))
	for id, st := range m.nodes {
		if id != m.currentPrimary {
			out = append(out, st.Config)
		}
	}
	return out
}

// AllNodes returns every node's config, primary included.
func (m *Manager) AllNodes() []NodeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeConfig, 0, len(m.nodes))
	for _, st := range m.nodes {
		out = append(out, st.Config)
	}
	return out
}

// IsHealthy reports whether the count of healthy nodes (primary
// included) meets or exceeds MinReplicas.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	healthy := 0
	for _, st := range m.nodes {
		if st.Healthy {
			healthy++
		}
	}
	return healthy >= m.cfg.MinReplicas
}

// PrimaryNode returns the current primary's node id.
func (m *Manager) PrimaryNode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentPrimary
}

// MarkHeartbeat records a successful heartbeat probe from nodeID,
// called by the transport layer on each received heartbeat ack.
func (m *Manager) MarkHeartbeat(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.nodes[nodeID]; ok {
		st.LastHeartbeat = time.Now()
		if !st.Healthy {
			m.logger.Info("node recovered via heartbeat", "node", nodeID)
			st.Healthy = true
		}
	}
}
