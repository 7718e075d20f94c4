// Package hektor is the distributed vector database facade: a single
// add/get/remove/search surface that routes each write to its shard,
// forwards it to the replication manager, and scatter-gathers queries
// across every local shard. It composes internal/shard, internal/hsw,
// internal/bm25, internal/fusion, and internal/replication — the four
// subsystems that make up the core.
package hektor

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amuzetnoM/hektor/internal/bm25"
	"github.com/amuzetnoM/hektor/internal/config"
	"github.com/amuzetnoM/hektor/internal/distance"
	"github.com/amuzetnoM/hektor/internal/fusion"
	"github.com/amuzetnoM/hektor/internal/herr"
	"github.com/amuzetnoM/hektor/internal/hsw"
	"github.com/amuzetnoM/hektor/internal/replication"
	"github.com/amuzetnoM/hektor/internal/shard"
	"github.com/amuzetnoM/hektor/internal/telemetry"
)

// Metadata is a mapping from short string keys to scalar values
// (string, number, or boolean). It is attached at Add time, mutable
// via UpdateMetadata, and never consulted by distance computation —
// only by predicate filters.
type Metadata map[string]any

// VectorId is a 64-bit unsigned integer, unique within a database.
type VectorId = uint64

// Metric re-exports the distance package's metric enum so callers of
// this facade never need to import internal/distance directly.
type Metric = distance.Metric

const (
	Cosine     = distance.Cosine
	L2         = distance.L2
	DotProduct = distance.DotProduct
)

// QueryResult is one ranked hit from Search.
type QueryResult struct {
	ID       VectorId
	Distance float64
	Score    float64
	Metadata Metadata
}

// Predicate filters candidate ids by their metadata during Search.
type Predicate func(meta Metadata) bool

// reservedIDRange is subtracted from the id space so operator-assigned
// or migrated ids never collide with the facade's own monotonically
// increasing counter.
const reservedIDRange = 1 << 16

type shardState struct {
	id   string
	ann  *hsw.Index
	bm25 *bm25.Engine
}

// DB is one distributed-facade instance: a router over a set of local
// shards, a replication manager, and the id/metadata bookkeeping the
// underlying indices don't own themselves.
type DB struct {
	mu sync.RWMutex

	cfg       config.Config
	dimension int
	metric    distance.Metric
	shards    map[string]*shardState
	router    *shard.Router
	repl      *replication.Manager
	logger    *slog.Logger

	metaMu   sync.RWMutex
	metadata map[VectorId]Metadata

	idCounter atomic.Uint64
	closed    atomic.Bool
}

// Open initializes a DB from cfg with a single local shard named
// "shard0", which has its own HSW index and BM25 engine; further
// shards are added with AddShard. replicator may be nil
// if cfg.Replication.DurabilityMode is "none".
func Open(cfg config.Config, replicator replication.Replicator, logger *slog.Logger) (*DB, error) {
	if cfg.Dimension <= 0 {
		return nil, herr.New(herr.InvalidArgument, "dimension must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	strategy := shard.Hash
	switch cfg.Router.Strategy {
	case "range":
		strategy = shard.Range
	case "consistent":
		strategy = shard.Consistent
	}

	db := &DB{
		cfg:       cfg,
		dimension: cfg.Dimension,
		metric:    cfg.Metric,
		shards:    make(map[string]*shardState),
		router:    shard.New(strategy, cfg.Router.VirtualNodesPerShard),
		logger:    logger,
		metadata:  make(map[VectorId]Metadata),
	}
	db.idCounter.Store(reservedIDRange)

	if err := db.addLocalShard("shard0", 0, 0); err != nil {
		return nil, err
	}

	repl := replication.New(cfg.Replication, replicator, nil, "", logger)
	db.repl = repl
	if cfg.Replication.DurabilityMode != "none" {
		if err := repl.Start(); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// addLocalShard registers a new shard with a fresh HSW index and BM25
// engine and adds it to the router's table.
func (db *DB) addLocalShard(id string, rangeStart, rangeEnd uint64) error {
	hswCfg := db.cfg.HSW
	hswCfg.Dimension = db.dimension
	hswCfg.Metric = db.metric
	idx, err := hsw.New(hswCfg)
	if err != nil {
		return err
	}
	st := &shardState{id: id, ann: idx, bm25: bm25.New(db.cfg.BM25)}
	db.shards[id] = st
	return db.router.AddShard(shard.Descriptor{ID: id, RangeStart: rangeStart, RangeEnd: rangeEnd, Handle: st})
}

// AddShard adds a new local shard under the given numeric range
// (meaningful only under the Range strategy) and rebuilds the router
// as needed.
func (db *DB) AddShard(id string, rangeStart, rangeEnd uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed.Load() {
		return herr.New(herr.Unavailable, "database is closed")
	}
	return db.addLocalShard(id, rangeStart, rangeEnd)
}

// Close drains pending replication, stops all replication loops, and
// marks the database unusable. A second Close is a no-op.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.repl.Stop()
	return nil
}

func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return herr.New(herr.Unavailable, "database is closed")
	}
	return nil
}

// Add assigns a new monotonically increasing id, routes it to its
// shard, inserts it into that shard's HSW index, stores metadata, and
// submits the write to the replication manager.
func (db *DB) Add(vector []float32, metadata Metadata) (VectorId, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	if len(vector) != db.dimension {
		return 0, herr.Newf(herr.InvalidArgument, "vector has dimension %d, want %d", len(vector), db.dimension)
	}

	id := db.idCounter.Add(1)

	db.mu.RLock()
	shardID, err := db.router.GetShardForID(id)
	if err != nil {
		db.mu.RUnlock()
		return 0, err
	}
	st := db.shards[shardID]
	db.mu.RUnlock()

	if st == nil {
		return 0, herr.Newf(herr.InvalidArgument, "shard %q has no local handle", shardID)
	}
	if err := st.ann.Add(id, vector); err != nil {
		return 0, err
	}

	if metadata != nil {
		db.metaMu.Lock()
		db.metadata[id] = metadata
		db.metaMu.Unlock()
	}

	telemetry.HSWNodesTotal.WithLabelValues(shardID).Set(float64(st.ann.Len()))
	telemetry.ShardItemsTotal.WithLabelValues(shardID).Set(float64(st.ann.Len()))
	if err := db.repl.SubmitAdd(id, vector, metadata); err != nil {
		// The local write already committed; replication falling short of
		// the configured durability mode is a warning, not a failed Add.
		db.logger.Warn("replication incomplete on add", "id", id, "error", err)
	}
	return id, nil
}

// IndexText attaches text content to an already-inserted id so it
// participates in BM25 search and hybrid fusion. It routes by the
// same rule as Add.
func (db *DB) IndexText(id VectorId, content string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	st, err := db.shardFor(id)
	if err != nil {
		return err
	}
	return st.bm25.Add(id, content)
}

func (db *DB) shardFor(id VectorId) (*shardState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	shardID, err := db.router.GetShardForID(id)
	if err != nil {
		return nil, err
	}
	st, ok := db.shards[shardID]
	if !ok {
		return nil, herr.Newf(herr.InvalidArgument, "shard %q has no local handle", shardID)
	}
	return st, nil
}

// Remove deletes id from its shard's ANN index, BM25 index if present,
// and the metadata table, then submits the write to the replication
// manager. It returns false if id was not present.
func (db *DB) Remove(id VectorId) (bool, error) {
	if err := db.checkOpen(); err != nil {
		return false, err
	}
	st, err := db.shardFor(id)
	if err != nil {
		return false, err
	}

	removed, err := st.ann.Remove(id)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	_, _ = st.bm25.Remove(id)

	db.metaMu.Lock()
	delete(db.metadata, id)
	db.metaMu.Unlock()

	telemetry.HSWNodesTotal.WithLabelValues(st.id).Set(float64(st.ann.Len()))
	telemetry.ShardItemsTotal.WithLabelValues(st.id).Set(float64(st.ann.Len()))
	if err := db.repl.SubmitRemove(id); err != nil {
		// Same warning-not-error contract as Add: the local removal
		// already committed regardless of replication fanout.
		db.logger.Warn("replication incomplete on remove", "id", id, "error", err)
	}
	return true, nil
}

// Get returns a copy of the stored vector for id, or (nil, false) if
// it is not present.
func (db *DB) Get(id VectorId) ([]float32, bool, error) {
	if err := db.checkOpen(); err != nil {
		return nil, false, err
	}
	st, err := db.shardFor(id)
	if err != nil {
		return nil, false, err
	}
	v, ok := st.ann.Get(id)
	return v, ok, nil
}

// UpdateMetadata replaces the metadata attached to id. It fails with
// NotFound if id is not present in any local shard.
func (db *DB) UpdateMetadata(id VectorId, metadata Metadata) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	st, err := db.shardFor(id)
	if err != nil {
		return err
	}
	if !st.ann.Contains(id) {
		return herr.Newf(herr.NotFound, "id %d not found", id)
	}

	db.metaMu.Lock()
	db.metadata[id] = metadata
	db.metaMu.Unlock()

	if err := db.repl.SubmitUpdate(id, metadata); err != nil {
		// Same warning-not-error contract as Add/Remove.
		db.logger.Warn("replication incomplete on update", "id", id, "error", err)
	}
	return nil
}

func (db *DB) metadataOf(id VectorId) Metadata {
	db.metaMu.RLock()
	defer db.metaMu.RUnlock()
	return db.metadata[id]
}

// Search queries every local shard's HSW index in parallel with k as
// the local top-k, applying predicate (if supplied) to each candidate's
// metadata inside the shard search, then concatenates partial results,
// sorts descending by score, and truncates to k.
func (db *DB) Search(query []float32, k int, predicate Predicate) ([]QueryResult, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, herr.New(herr.InvalidArgument, "k must be positive")
	}

	db.mu.RLock()
	shards := make([]*shardState, 0, len(db.shards))
	for _, st := range db.shards {
		shards = append(shards, st)
	}
	db.mu.RUnlock()

	timer := telemetry.SearchDuration.WithLabelValues("hsw")
	stop := startTimer(timer)
	defer stop()

	partials := make([][]hsw.Result, len(shards))
	g, _ := errgroup.WithContext(context.Background())
	for i, st := range shards {
		i, st := i, st
		g.Go(func() error {
			res, err := st.ann.Search(query, k, func(id uint64) bool {
				if predicate == nil {
					return true
				}
				return predicate(db.metadataOf(id))
			})
			if err != nil {
				return err
			}
			partials[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]QueryResult, 0, k*len(shards))
	for _, part := range partials {
		for _, r := range part {
			merged = append(merged, QueryResult{ID: r.ID, Distance: r.Distance, Score: r.Score, Metadata: db.metadataOf(r.ID)})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// HybridSearch runs Search and a BM25 search for text over the same
// local shards and fuses the two ranked lists under rule.
func (db *DB) HybridSearch(query []float32, text string, k int, rule fusion.Rule, opts fusion.Options) ([]QueryResult, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	shards := make([]*shardState, 0, len(db.shards))
	for _, st := range db.shards {
		shards = append(shards, st)
	}
	db.mu.RUnlock()

	var vectorHits []fusion.ScoredID
	var lexicalHits []fusion.ScoredID

	g, _ := errgroup.WithContext(context.Background())
	var mu sync.Mutex
	for _, st := range shards {
		st := st
		g.Go(func() error {
			vres, err := st.ann.Search(query, k, nil)
			if err != nil {
				return err
			}
			lres, err := st.bm25.Search(text, k, 0)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, r := range vres {
				vectorHits = append(vectorHits, fusion.ScoredID{ID: r.ID, Score: r.Score})
			}
			for _, r := range lres {
				lexicalHits = append(lexicalHits, fusion.ScoredID{ID: r.ID, Score: r.Score})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(vectorHits, func(i, j int) bool { return vectorHits[i].Score > vectorHits[j].Score })
	sort.Slice(lexicalHits, func(i, j int) bool { return lexicalHits[i].Score > lexicalHits[j].Score })

	fused, err := fusion.Fuse(rule, vectorHits, lexicalHits, k, opts)
	if err != nil {
		return nil, err
	}

	out := make([]QueryResult, 0, len(fused))
	for _, f := range fused {
		out = append(out, QueryResult{ID: f.ID, Score: f.Score, Metadata: db.metadataOf(f.ID)})
	}
	return out, nil
}

// AddNode registers a new cluster member with the replication
// manager. It fails with InvalidArgument on a duplicate node id.
func (db *DB) AddNode(cfg replication.NodeConfig) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.repl.AddReplica(cfg)
}

// RemoveNode deregisters a cluster member. It fails with
// InvalidArgument if the id names the current primary.
func (db *DB) RemoveNode(id string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.repl.RemoveReplica(id)
}

// GetAllNodes returns every configured cluster member, primary
// included.
func (db *DB) GetAllNodes() ([]replication.NodeConfig, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.repl.AllNodes(), nil
}

// IsClusterHealthy reports whether the count of healthy nodes meets
// or exceeds the configured minimum replica count.
func (db *DB) IsClusterHealthy() (bool, error) {
	if err := db.checkOpen(); err != nil {
		return false, err
	}
	return db.repl.IsHealthy(), nil
}

// TriggerFailover forces a failover decision now, rather than waiting
// for the next poll tick.
func (db *DB) TriggerFailover() {
	db.repl.TriggerFailover()
}

// persistedConfig is the config.json envelope described by the
// persistence contract: dimension, metric, and a format version.
type persistedConfig struct {
	Dimension int             `json:"dimension"`
	Metric    distance.Metric `json:"metric"`
	Version   int             `json:"version"`
}

const persistenceVersion = 1

// Save writes the database's persisted state to root: config.json,
// one vectors.bin snapshot per shard (named "<shardID>.vectors.bin"),
// and metadata.jsonl (one JSON line per id carrying its metadata).
func (db *DB) Save(root string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return herr.Wrap(herr.Io, err, "creating root directory")
	}

	cfgBytes, err := json.Marshal(persistedConfig{Dimension: db.dimension, Metric: db.metric, Version: persistenceVersion})
	if err != nil {
		return herr.Wrap(herr.Io, err, "encoding config")
	}
	if err := os.WriteFile(filepath.Join(root, "config.json"), cfgBytes, 0o644); err != nil {
		return herr.Wrap(herr.Io, err, "writing config.json")
	}

	for shardID, st := range db.shards {
		f, err := os.Create(filepath.Join(root, shardID+".vectors.bin"))
		if err != nil {
			return herr.Wrap(herr.Io, err, "creating vectors.bin")
		}
		err = st.ann.Save(f)
		closeErr := f.Close()
		if err != nil {
			return herr.Wrap(herr.Io, err, "saving shard "+shardID)
		}
		if closeErr != nil {
			return herr.Wrap(herr.Io, closeErr, "closing vectors.bin")
		}
	}

	metaFile, err := os.Create(filepath.Join(root, "metadata.jsonl"))
	if err != nil {
		return herr.Wrap(herr.Io, err, "creating metadata.jsonl")
	}
	defer metaFile.Close()
	bw := bufio.NewWriter(metaFile)

	db.metaMu.RLock()
	type line struct {
		ID       VectorId `json:"id"`
		Metadata Metadata `json:"metadata"`
	}
	for id, meta := range db.metadata {
		b, err := json.Marshal(line{ID: id, Metadata: meta})
		if err != nil {
			db.metaMu.RUnlock()
			return herr.Wrap(herr.Io, err, "encoding metadata line")
		}
		if _, err := bw.Write(b); err != nil {
			db.metaMu.RUnlock()
			return herr.Wrap(herr.Io, err, "writing metadata line")
		}
		if err := bw.WriteByte('\n'); err != nil {
			db.metaMu.RUnlock()
			return herr.Wrap(herr.Io, err, "writing metadata newline")
		}
	}
	db.metaMu.RUnlock()

	return bw.Flush()
}

// Load reconstructs a database's local state (shards and metadata)
// from a directory written by Save. The caller must supply the shard
// ids that were present at Save time, since the shard table itself is
// rebuilt by the router configuration, not the snapshot.
func Load(root string, shardIDs []string, replicator replication.Replicator, logger *slog.Logger) (*DB, error) {
	cfgBytes, err := os.ReadFile(filepath.Join(root, "config.json"))
	if err != nil {
		return nil, herr.Wrap(herr.Io, err, "reading config.json")
	}
	var pc persistedConfig
	if err := json.Unmarshal(cfgBytes, &pc); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "decoding config.json")
	}
	if pc.Version != persistenceVersion {
		return nil, herr.Newf(herr.InvalidFormat, "unsupported persistence version %d", pc.Version)
	}

	cfg := config.Config{
		Dimension: pc.Dimension,
		Metric:    pc.Metric,
		HSW:       config.DefaultHSWConfig(pc.Dimension, pc.Metric),
		BM25:      config.DefaultBM25Config(),
		Router:    config.DefaultRouterConfig(),
	}

	db, err := Open(cfg, replicator, logger)
	if err != nil {
		return nil, err
	}
	db.shards = make(map[string]*shardState)
	db.router = shard.New(shard.Hash, cfg.Router.VirtualNodesPerShard)

	for _, shardID := range shardIDs {
		f, err := os.Open(filepath.Join(root, shardID+".vectors.bin"))
		if err != nil {
			return nil, herr.Wrap(herr.Io, err, "opening vectors.bin")
		}
		idx, err := hsw.Load(f)
		closeErr := f.Close()
		if err != nil {
			return nil, herr.Wrap(herr.InvalidFormat, err, "loading shard "+shardID)
		}
		if closeErr != nil {
			return nil, herr.Wrap(herr.Io, closeErr, "closing vectors.bin")
		}
		st := &shardState{id: shardID, ann: idx, bm25: bm25.New(cfg.BM25)}
		db.shards[shardID] = st
		if err := db.router.AddShard(shard.Descriptor{ID: shardID, Handle: st}); err != nil {
			return nil, err
		}
	}

	metaFile, err := os.Open(filepath.Join(root, "metadata.jsonl"))
	if err == nil {
		defer metaFile.Close()
		scanner := bufio.NewScanner(metaFile)
		type line struct {
			ID       VectorId `json:"id"`
			Metadata Metadata `json:"metadata"`
		}
		for scanner.Scan() {
			var l line
			if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
				return nil, herr.Wrap(herr.InvalidFormat, err, "decoding metadata line")
			}
			db.metadata[l.ID] = l.Metadata
		}
		if err := scanner.Err(); err != nil {
			return nil, herr.Wrap(herr.Io, err, "reading metadata.jsonl")
		}
	} else if !os.IsNotExist(err) {
		return nil, herr.Wrap(herr.Io, err, "opening metadata.jsonl")
	}

	return db, nil
}

// startTimer returns a stop function that observes elapsed wall time
// into obs.
func startTimer(obs interface{ Observe(float64) }) func() {
	start := time.Now()
	return func() {
		obs.Observe(time.Since(start).Seconds())
	}
}
