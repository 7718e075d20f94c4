// Package shard implements the three key-space routing strategies of
// the sharding router: hash, range, and consistent hashing over a
// virtual-node ring. The router is stateless given the shard table; a
// single mutex guards table mutation and ring rebuilds.
package shard

import (
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/amuzetnoM/hektor/internal/herr"
)

// Strategy selects a routing algorithm.
type Strategy int

const (
	Hash Strategy = iota
	Range
	Consistent
)

// Descriptor is one entry in the shard table: an id, optional numeric
// range bounds ([RangeStart, RangeEnd) — used only by the Range
// strategy), and an opaque per-shard handle the caller attaches (the
// local ANN/BM25 pair, typically).
type Descriptor struct {
	ID         string
	RangeStart uint64
	RangeEnd   uint64
	Handle     any
}

const defaultVirtualNodesPerShard = 150

type virtualNode struct {
	hash    uint64
	shardID string
}

// rangeEntry is the btree payload for the Range strategy: ordered by
// RangeStart, so routing ascends from the lowest start and stops at the
// first range that contains the id.
type rangeEntry struct {
	start   uint64
	end     uint64
	shardID string
}

func rangeEntryLess(a, b rangeEntry) bool { return a.start < b.start }

// Router maps an id or string key to exactly one shard.
type Router struct {
	mu sync.RWMutex

	strategy Strategy
	shards   map[string]*Descriptor
	order    []string // insertion order, used as the Hash-strategy index space

	ring                 []virtualNode // sorted by hash, Consistent strategy only
	rangeTree            *btree.BTreeG[rangeEntry]
	virtualNodesPerShard int
}

// New builds an empty router under strategy. virtualNodesPerShard
// configures the Consistent strategy's ring density; a value <= 0
// falls back to defaultVirtualNodesPerShard.
func New(strategy Strategy, virtualNodesPerShard int) *Router {
	if virtualNodesPerShard <= 0 {
		virtualNodesPerShard = defaultVirtualNodesPerShard
	}
	return &Router{
		strategy:             strategy,
		shards:               make(map[string]*Descriptor),
		rangeTree:            btree.NewBTreeG[rangeEntry](rangeEntryLess),
		virtualNodesPerShard: virtualNodesPerShard,
	}
}

// AddShard registers desc and, for the Consistent strategy, rebuilds
// the virtual-node ring.
func (r *Router) AddShard(desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if _, exists := r.shards[desc.ID]; exists {
		return herr.Newf(herr.InvalidArgument, "shard %q already exists", desc.ID)
	}

	copied := desc
	r.shards[desc.ID] = &copied
	r.order = append(r.order, desc.ID)

	if r.strategy == Range {
		r.rangeTree.Set(rangeEntry{start: desc.RangeStart, end: desc.RangeEnd, shardID: desc.ID})
	}
	if r.strategy == Consistent {
		r.rebuildRingLocked()
	}
	return nil
}

// RemoveShard deletes a shard from the table and rebuilds the ring if
// the strategy is Consistent.
func (r *Router) RemoveShard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shards[id]; !exists {
		return herr.Newf(herr.InvalidArgument, "shard %q not found", id)
	}
	delete(r.shards, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.strategy == Consistent {
		r.rebuildRingLocked()
	}
	return nil
}

func (r *Router) rebuildRingLocked() {
	ring := make([]virtualNode, 0, len(r.order)*r.virtualNodesPerShard)
	for _, shardID := range r.order {
		for i := 0; i < r.virtualNodesPerShard; i++ {
			key := shardID + "#" + strconv.Itoa(i)
			ring = append(ring, virtualNode{hash: hashString(key), shardID: shardID})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	r.ring = ring
}

// GetShardForID routes a numeric VectorId to a shard id.
func (r *Router) GetShardForID(id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.shards) == 0 {
		return "", herr.New(herr.InvalidArgument, "no shards configured")
	}

	switch r.strategy {
	case Hash:
		return r.order[hashID(id)%uint64(len(r.order))], nil
	case Range:
		return r.findRangeLocked(id)
	case Consistent:
		return r.findConsistentLocked(hashID(id)), nil
	default:
		return r.order[0], nil
	}
}

// GetShardForKey routes an arbitrary string key to a shard id. Range
// sharding has no meaning for string keys and always returns the
// first configured shard.
func (r *Router) GetShardForKey(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.shards) == 0 {
		return "", herr.New(herr.InvalidArgument, "no shards configured")
	}

	switch r.strategy {
	case Hash:
		return r.order[hashString(key)%uint64(len(r.order))], nil
	case Consistent:
		return r.findConsistentLocked(hashString(key)), nil
	default:
		return r.order[0], nil
	}
}

func (r *Router) findRangeLocked(id uint64) (string, error) {
	var found string
	r.rangeTree.Ascend(rangeEntry{start: 0}, func(item rangeEntry) bool {
		if id >= item.start && id < item.end {
			found = item.shardID
			return false
		}
		return true
	})
	if found == "" {
		return r.order[0], nil
	}
	return found, nil
}

// findConsistentLocked binary-searches the ring for the first virtual
// node with hash >= target, wrapping to the first node if none.
func (r *Router) findConsistentLocked(target uint64) string {
	if len(r.ring) == 0 {
		return r.order[0]
	}
	i := sort.Search(len(r.ring), func(i int) bool { return r.ring[i].hash >= target })
	if i == len(r.ring) {
		i = 0
	}
	return r.ring[i].shardID
}

// Descriptors returns a snapshot of the current shard table, in
// insertion order.
func (r *Router) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.shards[id])
	}
	return out
}

// ShardCount returns the number of configured shards.
func (r *Router) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ImbalanceReport is the result of Imbalance: the stdev/mean ratio of
// per-shard item counts, and whether it crosses threshold.
type ImbalanceReport struct {
	Imbalance    float64
	NeedsReshard bool
	ShardCounts  map[string]int
}

// Imbalance computes stdev(shard_item_counts)/mean(shard_item_counts)
// from counts (supplied by the caller, since the router itself does
// not track per-shard item totals) and reports whether it reaches or
// exceeds threshold. Migration is explicitly out of scope: this is a report,
// not an action.
func Imbalance(counts map[string]int, threshold float64) ImbalanceReport {
	report := ImbalanceReport{ShardCounts: counts}
	if len(counts) == 0 {
		return report
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	mean := float64(total) / float64(len(counts))
	if mean == 0 {
		return report
	}

	var variance float64
	for _, c := range counts {
		diff := float64(c) - mean
		variance += diff * diff
	}
	variance /= float64(len(counts))

	report.Imbalance = math.Sqrt(variance) / mean
	report.NeedsReshard = report.Imbalance >= threshold
	return report
}

// hashString is an FNV/Murmur-flavored string hash, pinned exactly so
// routing decisions stay reproducible across processes. Used for both
// consistent-hashing ring keys ("shardId#index") and Hash-strategy
// string-key routing.
func hashString(key string) uint64 {
	var hash uint64 = 0x9e3779b97f4a7c15
	for i := 0; i < len(key); i++ {
		hash ^= uint64(key[i])
		hash *= 0x9e3779b97f4a7c15
		hash ^= hash >> 33
	}
	return hash
}

// hashID is a splitmix64-style integer mix, used for VectorId hashing
// under Hash and Consistent strategies.
func hashID(id uint64) uint64 {
	hash := id
	hash ^= hash >> 33
	hash *= 0xff51afd7ed558ccd
	hash ^= hash >> 33
	hash *= 0xc4ceb9fe1a85ec53
	hash ^= hash >> 33
	return hash
}
