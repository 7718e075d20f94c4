package hektor

import (
	"context"
	"testing"

	"github.com/amuzetnoM/hektor/internal/config"
	"github.com/amuzetnoM/hektor/internal/distance"
	"github.com/amuzetnoM/hektor/internal/fusion"
	"github.com/amuzetnoM/hektor/internal/replication"
)

// noopReplicator never fails, used wherever a test needs a Replicator but
// not durability-mode "none".
type noopReplicator struct{}

func (noopReplicator) Replicate(ctx context.Context, node replication.NodeConfig, op replication.Operation) error {
	return nil
}

func testConfig(dim int) config.Config {
	cfg := config.Config{
		Dimension:   dim,
		Metric:      distance.L2,
		HSW:         config.DefaultHSWConfig(dim, distance.L2),
		BM25:        config.DefaultBM25Config(),
		Router:      config.DefaultRouterConfig(),
		Replication: config.DefaultReplicationConfig(),
	}
	cfg.Replication.DurabilityMode = "none"
	return cfg
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testConfig(3), noopReplicator{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsNonPositiveDimension(t *testing.T) {
	cfg := testConfig(0)
	if _, err := Open(cfg, noopReplicator{}, nil); err == nil {
		t.Fatal("expected Open to reject dimension<=0")
	}
}

func TestAddAssignsMonotonicIDsAboveReservedRange(t *testing.T) {
	db := openTestDB(t)

	id1, err := db.Add([]float32{1, 0, 0}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := db.Add([]float32{0, 1, 0}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id1 < reservedIDRange || id2 < reservedIDRange {
		t.Fatalf("expected ids above the reserved range, got %d, %d", id1, id2)
	}
	if id2 <= id1 {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", id1, id2)
	}
}

func TestAddRejectsWrongDimension(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Add([]float32{1, 2}, nil); err == nil {
		t.Fatal("expected Add to reject a vector of the wrong dimension")
	}
}

func TestSearchFindsNearestNeighbor(t *testing.T) {
	db := openTestDB(t)

	near, err := db.Add([]float32{1, 0, 0}, Metadata{"label": "near"})
	if err != nil {
		t.Fatal(err)
	}
	far, err := db.Add([]float32{0, 0, 100}, Metadata{"label": "far"})
	if err != nil {
		t.Fatal(err)
	}

	results, err := db.Search([]float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].ID != near {
		t.Fatalf("expected %d to rank first, got %+v", near, results)
	}
	if results[0].Metadata["label"] != "near" {
		t.Fatalf("expected metadata to be attached to the result, got %+v", results[0].Metadata)
	}
	_ = far
}

func TestSearchAppliesPredicate(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Add([]float32{1, 0, 0}, Metadata{"tier": "free"}); err != nil {
		t.Fatal(err)
	}
	paid, err := db.Add([]float32{0.9, 0, 0}, Metadata{"tier": "paid"})
	if err != nil {
		t.Fatal(err)
	}

	results, err := db.Search([]float32{1, 0, 0}, 5, func(meta Metadata) bool {
		return meta["tier"] == "paid"
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != paid {
		t.Fatalf("expected predicate to restrict results to the paid tier, got %+v", results)
	}
}

func TestRemoveDeletesVectorAndMetadata(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Add([]float32{1, 2, 3}, Metadata{"x": 1})
	if err != nil {
		t.Fatal(err)
	}

	removed, err := db.Remove(id)
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}

	if _, ok, _ := db.Get(id); ok {
		t.Fatal("expected the vector to be gone after Remove")
	}
	if meta := db.metadataOf(id); meta != nil {
		t.Fatalf("expected metadata to be gone after Remove, got %+v", meta)
	}

	removedAgain, err := db.Remove(id)
	if err != nil || removedAgain {
		t.Fatalf("expected a second Remove to report false, got %v, %v", removedAgain, err)
	}
}

func TestUpdateMetadataFailsForUnknownID(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpdateMetadata(999999, Metadata{"a": 1}); err == nil {
		t.Fatal("expected UpdateMetadata to fail for an id that was never added")
	}
}

func TestHybridSearchFusesVectorAndTextRankings(t *testing.T) {
	db := openTestDB(t)

	goldID, err := db.Add([]float32{1, 0, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.IndexText(goldID, "gold prices surged overnight"); err != nil {
		t.Fatal(err)
	}

	silverID, err := db.Add([]float32{0.99, 0.01, 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.IndexText(silverID, "silver markets were quiet"); err != nil {
		t.Fatal(err)
	}

	results, err := db.HybridSearch([]float32{1, 0, 0}, "gold", 2, fusion.ReciprocalRank, fusion.DefaultOptions())
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(results) == 0 || results[0].ID != goldID {
		t.Fatalf("expected id=%d (matches both vector and text) to lead, got %+v", goldID, results)
	}
}

func TestAddShardUnderRangeStrategyRoutesByRange(t *testing.T) {
	cfg := testConfig(3)
	cfg.Router.Strategy = "range"
	db, err := Open(cfg, noopReplicator{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.AddShard("high", 1<<32, 1<<63); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if db.router.ShardCount() != 2 {
		t.Fatalf("expected 2 shards, got %d", db.router.ShardCount())
	}
	got, err := db.router.GetShardForID(1 << 33)
	if err != nil {
		t.Fatalf("GetShardForID: %v", err)
	}
	if got != "high" {
		t.Fatalf("expected id 1<<33 to route to 'high', got %q", got)
	}
}

func TestClusterNodeManagement(t *testing.T) {
	db := openTestDB(t)

	if err := db.AddNode(replication.NodeConfig{NodeID: "r1", Priority: 5}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	nodes, err := db.GetAllNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) == 0 {
		t.Fatal("expected at least one node after AddNode")
	}

	if err := db.RemoveNode("r1"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.Add([]float32{1, 2, 3}, nil); err == nil {
		t.Fatal("expected Add to fail after Close")
	}
	// A second Close must be a no-op, not an error.
	if err := db.Close(); err != nil {
		t.Fatalf("expected a second Close to be a no-op, got %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t)
	id, err := db.Add([]float32{1, 2, 3}, Metadata{"label": "kept"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir, []string{"shard0"}, noopReplicator{}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	v, ok, err := loaded.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the loaded database to contain the saved vector")
	}
	if len(v) != 3 {
		t.Fatalf("expected a 3-dimensional vector back, got %v", v)
	}
	if loaded.metadataOf(id)["label"] != "kept" {
		t.Fatalf("expected metadata to survive the round trip, got %+v", loaded.metadataOf(id))
	}
}
