// Package hsw implements a hierarchical small-world approximate
// nearest-neighbor graph index (Malkov & Yashunin-style HNSW) over an
// arena of flat, slot-addressed nodes. Neighbor lists store internal
// slot numbers rather than pointers, so the arena has no cyclic
// references and a snapshot is a sequential dump of the arena.
package hsw

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/amuzetnoM/hektor/internal/config"
	"github.com/amuzetnoM/hektor/internal/distance"
	"github.com/amuzetnoM/hektor/internal/herr"
)

// Result is one ranked hit from a Search call.
type Result struct {
	ID       uint64
	Distance float64
	Score    float64
}

// Index is a single HSW graph. Configuration is immutable after New
// except EfSearch, which SetEfSearch may change at any time. A single
// RWMutex guards all graph state: Search is a reader, Add/Remove/
// SetEfSearch are writers.
type Index struct {
	mu sync.RWMutex

	cfg    config.HSWConfig
	distFn distance.Func

	nodes    []*node
	extToInt map[uint64]uint32

	hasEntry   bool
	entryPoint uint32
	maxLevel   int

	liveCount atomic.Int64
	efSearch  atomic.Int64

	rng *rand.Rand

	candPool   sync.Pool
	bitsetPool sync.Pool
}

// New builds an empty index from cfg.
func New(cfg config.HSWConfig) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, herr.New(herr.InvalidArgument, "dimension must be positive")
	}
	if cfg.M <= 1 {
		return nil, herr.New(herr.InvalidArgument, "m must be greater than 1")
	}
	idx := &Index{
		cfg:      cfg,
		distFn:   distance.ForMetric(cfg.Metric),
		extToInt: make(map[uint64]uint32),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	idx.efSearch.Store(int64(cfg.EfSearch))
	idx.candPool.New = func() any { return make([]candidate, 0, 64) }
	idx.bitsetPool.New = func() any { return newBitSet(1024) }
	return idx, nil
}

// Len returns the number of live (non-tombstoned) nodes.
func (idx *Index) Len() int { return int(idx.liveCount.Load()) }

// SetEfSearch changes the query-time beam width.
func (idx *Index) SetEfSearch(ef int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.efSearch.Store(int64(ef))
}

// randomLevel draws a layer index from an exponential distribution
// with mean 1/ln(M), per the HSW construction rule.
func (idx *Index) randomLevel() int {
	u := idx.rng.Float64()
	for u <= 0 {
		u = idx.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) / math.Log(float64(idx.cfg.M))))
	if level < 0 {
		level = 0
	}
	return level
}

// Add inserts vector under id. If id already exists: AlreadyExists
// unless cfg.AllowReplace, in which case the existing node's vector is
// replaced in place; its level and connections are left unchanged.
func (idx *Index) Add(id uint64, vector []float32) error {
	if len(vector) != idx.cfg.Dimension {
		return herr.Newf(herr.InvalidArgument, "vector has dimension %d, want %d", len(vector), idx.cfg.Dimension)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if internalID, exists := idx.extToInt[id]; exists {
		if !idx.cfg.AllowReplace {
			return herr.Newf(herr.AlreadyExists, "id %d already present", id)
		}
		return idx.replaceLocked(internalID, vector)
	}

	if idx.cfg.MaxElements > 0 && len(idx.nodes) >= idx.cfg.MaxElements {
		return herr.New(herr.ResourceExhausted, "max_elements reached")
	}

	vecCopy := make([]float32, len(vector))
	copy(vecCopy, vector)

	level := idx.randomLevel()
	internalID := uint32(len(idx.nodes))
	n := newNode(id, internalID, vecCopy, level)
	idx.nodes = append(idx.nodes, n)
	idx.extToInt[id] = internalID
	idx.liveCount.Add(1)

	if !idx.hasEntry {
		idx.hasEntry = true
		idx.entryPoint = internalID
		idx.maxLevel = level
		return nil
	}

	entry := idx.entryPoint
	for layer := idx.maxLevel; layer > level; layer-- {
		entry = idx.greedyStep(vecCopy, entry, layer)
	}

	for layer := min(level, idx.maxLevel); layer >= 0; layer-- {
		cands := idx.searchLayerLocked(vecCopy, entry, idx.cfg.EfConstruction, layer)
		neighbors := idx.selectNeighbors(cands, idx.layerCap(layer))
		idx.connect(internalID, layer, neighbors)
		if len(cands) > 0 {
			entry = cands[0].id
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = internalID
	}
	return nil
}

func (idx *Index) replaceLocked(internalID uint32, vector []float32) error {
	n := idx.nodes[internalID]
	vecCopy := make([]float32, len(vector))
	copy(vecCopy, vector)
	n.Vector = vecCopy
	if n.Deleted.Load() {
		n.Deleted.Store(false)
		idx.liveCount.Add(1)
	}
	return nil
}

func (idx *Index) layerCap(layer int) int {
	if layer == 0 {
		return 2 * idx.cfg.M
	}
	return idx.cfg.M
}

// connect installs symmetric edges between internalID and each of
// neighbors at layer, then re-prunes any neighbor whose out-degree now
// exceeds the layer cap.
func (idx *Index) connect(internalID uint32, layer int, neighbors []uint32) {
	self := idx.nodes[internalID]
	self.Connections[layer] = append(self.Connections[layer], neighbors...)

	for _, nb := range neighbors {
		nbNode := idx.nodes[nb]
		if layer >= len(nbNode.Connections) {
			continue
		}
		nbNode.Connections[layer] = append(nbNode.Connections[layer], internalID)
		layerCap := idx.layerCap(layer)
		if len(nbNode.Connections[layer]) > layerCap {
			cands := idx.candPool.Get().([]candidate)[:0]
			for _, otherID := range nbNode.Connections[layer] {
				cands = append(cands, candidate{id: otherID, distance: idx.distBetween(nb, otherID)})
			}
			pruned := idx.selectNeighbors(cands, layerCap)
			nbNode.Connections[layer] = pruned
			idx.candPool.Put(cands[:0])
		}
	}
}

func (idx *Index) distBetween(a, b uint32) float64 {
	return idx.distFn(idx.nodes[a].Vector, idx.nodes[b].Vector)
}

func (idx *Index) distToQuery(query []float32, a uint32) float64 {
	return idx.distFn(query, idx.nodes[a].Vector)
}

// greedyStep performs a single-candidate (ef=1) descent from entry at
// layer, returning the internal id of the closest node found.
func (idx *Index) greedyStep(query []float32, entry uint32, layer int) uint32 {
	best := entry
	bestDist := idx.distToQuery(query, entry)
	improved := true
	for improved {
		improved = false
		n := idx.nodes[best]
		if layer >= len(n.Connections) {
			break
		}
		for _, nb := range n.Connections[layer] {
			// Tombstoned nodes are still valid waypoints during
			// traversal; only result emission skips them.
			d := idx.distToQuery(query, nb)
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
	}
	return best
}

// searchLayerLocked runs a beam search of width ef seeded at entry,
// restricted to edges present at layer. Tombstoned nodes are valid
// waypoints during traversal; Search filters them out of the final
// result list, not out of the beam.
func (idx *Index) searchLayerLocked(query []float32, entry uint32, ef int, layer int) []candidate {
	visited := idx.bitsetPool.Get().(*bitSet)
	visited.clear()
	defer idx.bitsetPool.Put(visited)

	candidateHeap := newMinHeap()
	resultHeap := newMaxHeap()

	entryDist := idx.distToQuery(query, entry)
	heap.Push(candidateHeap, candidate{id: entry, distance: entryDist})
	heap.Push(resultHeap, candidate{id: entry, distance: entryDist})
	visited.add(entry)

	for candidateHeap.Len() > 0 {
		c := heap.Pop(candidateHeap).(candidate)
		if resultHeap.Len() >= ef {
			worst := (*resultHeap)[0]
			if c.distance > worst.distance {
				break
			}
		}

		n := idx.nodes[c.id]
		if layer >= len(n.Connections) {
			continue
		}
		for _, nbID := range n.Connections[layer] {
			if visited.has(nbID) {
				continue
			}
			visited.add(nbID)
			nb := idx.nodes[nbID]
			if layer == 0 && layer >= len(nb.Connections) {
				continue
			}
			d := idx.distToQuery(query, nbID)
			if resultHeap.Len() < ef {
				heap.Push(candidateHeap, candidate{id: nbID, distance: d})
				heap.Push(resultHeap, candidate{id: nbID, distance: d})
			} else if d < (*resultHeap)[0].distance {
				heap.Push(candidateHeap, candidate{id: nbID, distance: d})
				heap.Push(resultHeap, candidate{id: nbID, distance: d})
				heap.Pop(resultHeap)
			}
		}
	}

	out := make([]candidate, resultHeap.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(resultHeap).(candidate)
	}
	return out
}

// selectNeighbors implements the diversifying heuristic: walk the
// distance-sorted pool nearest-first, and admit a candidate only if its
// distance to the query is not greater than its distance to every
// neighbor already selected.
func (idx *Index) selectNeighbors(pool []candidate, m int) []uint32 {
	sortCandidatesByDistance(pool)

	selected := make([]uint32, 0, m)
	for _, c := range pool {
		if len(selected) >= m {
			break
		}
		admit := true
		for _, s := range selected {
			if idx.distBetween(c.id, s) < c.distance {
				admit = false
				break
			}
		}
		if admit {
			selected = append(selected, c.id)
		}
	}
	return selected
}

// Search returns up to k nearest neighbors of query under the index's
// metric. If predicate is non-nil, only ids for which predicate(id)
// returns true are counted toward k.
func (idx *Index) Search(query []float32, k int, predicate func(id uint64) bool) ([]Result, error) {
	if len(query) != idx.cfg.Dimension {
		return nil, herr.Newf(herr.InvalidArgument, "query has dimension %d, want %d", len(query), idx.cfg.Dimension)
	}
	if k <= 0 {
		return nil, herr.New(herr.InvalidArgument, "k must be positive")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil, nil
	}

	entry := idx.entryPoint
	for layer := idx.maxLevel; layer > 0; layer-- {
		entry = idx.greedyStep(query, entry, layer)
	}

	ef := int(idx.efSearch.Load())
	if ef < k {
		ef = k
	}
	cands := idx.searchLayerLocked(query, entry, ef, 0)
	sortCandidatesByDistance(cands)

	results := make([]Result, 0, k)
	for _, c := range cands {
		if len(results) >= k {
			break
		}
		n := idx.nodes[c.id]
		if n.Deleted.Load() {
			continue
		}
		if predicate != nil && !predicate(n.ExternalID) {
			continue
		}
		extDist := distance.ExternalDistance(idx.cfg.Metric, c.distance)
		results = append(results, Result{
			ID:       n.ExternalID,
			Distance: extDist,
			Score:    distance.ScoreForMetric(idx.cfg.Metric, extDist),
		})
	}
	// cands is tie-broken on internal slot id, which tracks insertion
	// order, not the caller-visible external id. Re-sort the final,
	// already truncated result list so equal-distance ties resolve on
	// ExternalID instead (lower id wins).
	sortResultsByDistanceThenID(results)
	return results, nil
}

func sortResultsByDistanceThenID(r []Result) {
	for i := 1; i < len(r); i++ {
		for j := i; j > 0 && resultLess(r[j], r[j-1]); j-- {
			r[j], r[j-1] = r[j-1], r[j]
		}
	}
}

func resultLess(a, b Result) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// Remove tombstones id. The slot and its edges are retained so the
// rest of the graph stays navigable; it returns false if id was not
// present or was already tombstoned.
func (idx *Index) Remove(id uint64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	internalID, ok := idx.extToInt[id]
	if !ok {
		return false, nil
	}
	n := idx.nodes[internalID]
	if n.Deleted.Load() {
		return false, nil
	}
	n.Deleted.Store(true)
	idx.liveCount.Add(-1)
	return true, nil
}

// Contains reports whether id is present and not tombstoned.
func (idx *Index) Contains(id uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	internalID, ok := idx.extToInt[id]
	if !ok {
		return false
	}
	return !idx.nodes[internalID].Deleted.Load()
}

// Get returns a copy of the stored vector for id.
func (idx *Index) Get(id uint64) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	internalID, ok := idx.extToInt[id]
	if !ok || idx.nodes[internalID].Deleted.Load() {
		return nil, false
	}
	v := make([]float32, len(idx.nodes[internalID].Vector))
	copy(v, idx.nodes[internalID].Vector)
	return v, true
}

// Config returns a copy of the index's immutable configuration.
func (idx *Index) Config() config.HSWConfig {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cfg
}

func sortCandidatesByDistance(c []candidate) {
	// insertion sort is adequate: beams are bounded by ef, which is
	// small (tens to low hundreds) relative to collection size.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && less(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func less(a, b candidate) bool {
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	return a.id < b.id
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
