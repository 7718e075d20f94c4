// Package flatindex implements an exact brute-force nearest-neighbor
// index: the same public shape as internal/hsw (add, search, contains,
// get, save, load) but with no graph, used both as a small-collection
// alternative and as the ground-truth oracle for HSW recall tests.
package flatindex

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/amuzetnoM/hektor/internal/distance"
	"github.com/amuzetnoM/hektor/internal/herr"
	"github.com/amuzetnoM/hektor/internal/hsw"
)

// Result mirrors hsw.Result so callers can compare the two indices
// (and compute recall@k) without a conversion step.
type Result = hsw.Result

type entry struct {
	id      uint64
	vector  []float32
	deleted bool
}

// Index stores vectors in insertion order and answers Search by linear
// scan into a size-k max-heap keyed on distance to the query.
type Index struct {
	mu sync.RWMutex

	dimension int
	metric    distance.Metric
	distFn    distance.Func

	entries  []entry
	extToPos map[uint64]int
	live     int
}

// New builds an empty flat index over the given dimension and metric.
func New(dimension int, metric distance.Metric) (*Index, error) {
	if dimension <= 0 {
		return nil, herr.New(herr.InvalidArgument, "dimension must be positive")
	}
	return &Index{
		dimension: dimension,
		metric:    metric,
		distFn:    distance.ForMetric(metric),
		extToPos:  make(map[uint64]int),
	}, nil
}

// Len returns the number of live (non-removed) vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.live
}

// Add appends vector under id. Unlike HSW, a duplicate id always fails
// with AlreadyExists: the flat index exists to serve as an exact oracle,
// so it makes no allow-replace concession.
func (idx *Index) Add(id uint64, vector []float32) error {
	if len(vector) != idx.dimension {
		return herr.Newf(herr.InvalidArgument, "vector has dimension %d, want %d", len(vector), idx.dimension)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if pos, exists := idx.extToPos[id]; exists && !idx.entries[pos].deleted {
		return herr.Newf(herr.AlreadyExists, "id %d already present", id)
	}

	vecCopy := make([]float32, len(vector))
	copy(vecCopy, vector)

	idx.extToPos[id] = len(idx.entries)
	idx.entries = append(idx.entries, entry{id: id, vector: vecCopy})
	idx.live++
	return nil
}

// Remove deletes id, returning false if it was not present.
func (idx *Index) Remove(id uint64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pos, ok := idx.extToPos[id]
	if !ok || idx.entries[pos].deleted {
		return false, nil
	}
	idx.entries[pos].deleted = true
	idx.entries[pos].vector = nil
	idx.live--
	return true, nil
}

// Contains reports whether id is present and not removed.
func (idx *Index) Contains(id uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos, ok := idx.extToPos[id]
	return ok && !idx.entries[pos].deleted
}

// Get returns a copy of the stored vector for id.
func (idx *Index) Get(id uint64) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos, ok := idx.extToPos[id]
	if !ok || idx.entries[pos].deleted {
		return nil, false
	}
	v := make([]float32, len(idx.entries[pos].vector))
	copy(v, idx.entries[pos].vector)
	return v, true
}

type scored struct {
	pos      int
	distance float64
}

// scoreHeap is a max-heap over distance: the worst of the current top-k
// sits at the root so it can be evicted in O(log k) when a closer
// candidate arrives.
type scoreHeap []scored

func (h scoreHeap) Len() int { return len(h) }
func (h scoreHeap) Less(i, j int) bool {
	if h[i].distance != h[j].distance {
		return h[i].distance > h[j].distance
	}
	return h[i].pos > h[j].pos
}
func (h scoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x any)   { *h = append(*h, x.(scored)) }
func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search performs an exhaustive linear scan and returns the k nearest
// non-deleted vectors satisfying predicate (if supplied), ordered
// ascending by distance with ties broken by ascending id, matching
// HSW's tie-break rule so recall@k comparisons are well-defined.
func (idx *Index) Search(query []float32, k int, predicate func(id uint64) bool) ([]Result, error) {
	if len(query) != idx.dimension {
		return nil, herr.Newf(herr.InvalidArgument, "query has dimension %d, want %d", len(query), idx.dimension)
	}
	if k <= 0 {
		return nil, herr.New(herr.InvalidArgument, "k must be positive")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	h := &scoreHeap{}
	heap.Init(h)
	for pos, e := range idx.entries {
		if e.deleted {
			continue
		}
		if predicate != nil && !predicate(e.id) {
			continue
		}
		d := idx.distFn(query, e.vector)
		if h.Len() < k {
			heap.Push(h, scored{pos: pos, distance: d})
		} else if d < (*h)[0].distance {
			heap.Pop(h)
			heap.Push(h, scored{pos: pos, distance: d})
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		s := heap.Pop(h).(scored)
		extDist := distance.ExternalDistance(idx.metric, s.distance)
		out[i] = Result{
			ID:       idx.entries[s.pos].id,
			Distance: extDist,
			Score:    distance.ScoreForMetric(idx.metric, extDist),
		}
	}
	// The heap already orders by distance descending-from-root; a small
	// stable pass covers the rare exact-distance tie the heap leaves
	// in insertion rather than id order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Distance == out[j-1].Distance && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

const (
	flatSnapshotMagic   = "FLT1"
	flatSnapshotVersion = uint32(1)
)

type flatConfig struct {
	Dimension int             `json:"dimension"`
	Metric    distance.Metric `json:"metric"`
}

// Save writes the flat index in the same envelope style as
// internal/hsw's snapshot format, but with no neighbor lists: magic,
// version, JSON config, entry count, then each entry's id, tombstone
// flag, and vector payload.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(flatSnapshotMagic); err != nil {
		return herr.Wrap(herr.Io, err, "writing magic")
	}
	if err := binary.Write(bw, binary.LittleEndian, flatSnapshotVersion); err != nil {
		return herr.Wrap(herr.Io, err, "writing version")
	}

	cfgBytes, err := json.Marshal(flatConfig{Dimension: idx.dimension, Metric: idx.metric})
	if err != nil {
		return herr.Wrap(herr.Io, err, "encoding config")
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(cfgBytes))); err != nil {
		return herr.Wrap(herr.Io, err, "writing config length")
	}
	if _, err := bw.Write(cfgBytes); err != nil {
		return herr.Wrap(herr.Io, err, "writing config")
	}

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(idx.entries))); err != nil {
		return herr.Wrap(herr.Io, err, "writing entry count")
	}
	for _, e := range idx.entries {
		if err := binary.Write(bw, binary.LittleEndian, e.id); err != nil {
			return herr.Wrap(herr.Io, err, "writing entry id")
		}
		var tomb uint8
		if e.deleted {
			tomb = 1
		}
		if err := binary.Write(bw, binary.LittleEndian, tomb); err != nil {
			return herr.Wrap(herr.Io, err, "writing tombstone flag")
		}
		vec := e.vector
		if vec == nil {
			vec = make([]float32, idx.dimension)
		}
		for _, f := range vec {
			if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
				return herr.Wrap(herr.Io, err, "writing vector payload")
			}
		}
	}
	return bw.Flush()
}

// Load reverses Save, failing with InvalidFormat on a magic or version
// mismatch or truncated data.
func Load(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(flatSnapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading magic")
	}
	if string(magic) != flatSnapshotMagic {
		return nil, herr.Newf(herr.InvalidFormat, "bad magic %q", magic)
	}

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading version")
	}
	if version != flatSnapshotVersion {
		return nil, herr.Newf(herr.InvalidFormat, "unsupported snapshot version %d", version)
	}

	var cfgLen uint32
	if err := binary.Read(br, binary.LittleEndian, &cfgLen); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading config length")
	}
	cfgBytes := make([]byte, cfgLen)
	if _, err := io.ReadFull(br, cfgBytes); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading config")
	}
	var cfg flatConfig
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "decoding config")
	}

	idx, err := New(cfg.Dimension, cfg.Metric)
	if err != nil {
		return nil, err
	}

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading entry count")
	}
	idx.entries = make([]entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var id uint64
		if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
			return nil, herr.Wrap(herr.InvalidFormat, err, "reading entry id")
		}
		var tomb uint8
		if err := binary.Read(br, binary.LittleEndian, &tomb); err != nil {
			return nil, herr.Wrap(herr.InvalidFormat, err, "reading tombstone flag")
		}
		vec := make([]float32, cfg.Dimension)
		for j := range vec {
			if err := binary.Read(br, binary.LittleEndian, &vec[j]); err != nil {
				return nil, herr.Wrap(herr.InvalidFormat, err, "reading vector payload")
			}
		}
		e := entry{id: id, vector: vec, deleted: tomb == 1}
		if e.deleted {
			e.vector = nil
		} else {
			idx.live++
		}
		idx.entries = append(idx.entries, e)
		idx.extToPos[id] = int(i)
	}
	return idx, nil
}
