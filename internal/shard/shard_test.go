package shard

import (
	"testing"
)

func TestHashRoutingIsDeterministic(t *testing.T) {
	r := New(Hash, 0)
	for _, id := range []string{"s0", "s1", "s2"} {
		if err := r.AddShard(Descriptor{ID: id}); err != nil {
			t.Fatalf("AddShard(%s): %v", id, err)
		}
	}

	first, err := r.GetShardForID(42)
	if err != nil {
		t.Fatalf("GetShardForID: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := r.GetShardForID(42)
		if err != nil {
			t.Fatalf("GetShardForID: %v", err)
		}
		if got != first {
			t.Fatalf("hash routing not deterministic: got %q, want %q", got, first)
		}
	}
}

func TestRangeRoutingPicksBoundedShard(t *testing.T) {
	r := New(Range, 0)
	if err := r.AddShard(Descriptor{ID: "low", RangeStart: 0, RangeEnd: 100}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddShard(Descriptor{ID: "high", RangeStart: 100, RangeEnd: 200}); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetShardForID(50)
	if err != nil {
		t.Fatal(err)
	}
	if got != "low" {
		t.Fatalf("expected id=50 to route to 'low', got %q", got)
	}

	got, err = r.GetShardForID(150)
	if err != nil {
		t.Fatal(err)
	}
	if got != "high" {
		t.Fatalf("expected id=150 to route to 'high', got %q", got)
	}
}

func TestConsistentRoutingStableUnderShardAddition(t *testing.T) {
	r := New(Consistent, 0)
	for _, id := range []string{"s0", "s1", "s2"} {
		if err := r.AddShard(Descriptor{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	// Record routing decisions for a spread of ids before adding a shard.
	const sampleCount = 200
	before := make(map[uint64]string, sampleCount)
	for i := uint64(0); i < sampleCount; i++ {
		got, err := r.GetShardForID(i)
		if err != nil {
			t.Fatal(err)
		}
		before[i] = got
	}

	if err := r.AddShard(Descriptor{ID: "s3"}); err != nil {
		t.Fatal(err)
	}

	moved := 0
	for i := uint64(0); i < sampleCount; i++ {
		got, err := r.GetShardForID(i)
		if err != nil {
			t.Fatal(err)
		}
		if got != before[i] {
			moved++
		}
	}

	// Consistent hashing should remap only a small fraction of keys
	// when a shard is added, unlike modulo hashing which remaps nearly
	// everything.
	if moved > sampleCount/2 {
		t.Fatalf("too many keys remapped on shard addition: %d/%d", moved, sampleCount)
	}
}

func TestAddShardGeneratesIDWhenEmpty(t *testing.T) {
	r := New(Hash, 0)
	if err := r.AddShard(Descriptor{}); err != nil {
		t.Fatal(err)
	}
	descs := r.Descriptors()
	if len(descs) != 1 || descs[0].ID == "" {
		t.Fatalf("expected a generated shard id, got %+v", descs)
	}
}

func TestAddShardDuplicateFails(t *testing.T) {
	r := New(Hash, 0)
	if err := r.AddShard(Descriptor{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddShard(Descriptor{ID: "a"}); err == nil {
		t.Fatal("expected duplicate shard id to fail")
	}
}

func TestRemoveShard(t *testing.T) {
	r := New(Hash, 0)
	if err := r.AddShard(Descriptor{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveShard("a"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	if r.ShardCount() != 0 {
		t.Fatalf("expected 0 shards, got %d", r.ShardCount())
	}
	if err := r.RemoveShard("a"); err == nil {
		t.Fatal("expected removing an already-removed shard to fail")
	}
}

func TestImbalanceBalancedReportsZero(t *testing.T) {
	counts := map[string]int{"a": 100, "b": 100, "c": 100}
	report := Imbalance(counts, 0.2)
	if report.Imbalance != 0 {
		t.Fatalf("expected zero imbalance for equal counts, got %f", report.Imbalance)
	}
	if report.NeedsReshard {
		t.Fatal("balanced shards should not need resharding")
	}
}

func TestImbalanceSkewedNeedsReshard(t *testing.T) {
	counts := map[string]int{"a": 10, "b": 10, "c": 1000}
	report := Imbalance(counts, 0.2)
	if !report.NeedsReshard {
		t.Fatalf("expected skewed counts to need resharding, got imbalance=%f", report.Imbalance)
	}
}

func TestGetShardForIDNoShardsConfigured(t *testing.T) {
	r := New(Hash, 0)
	if _, err := r.GetShardForID(1); err == nil {
		t.Fatal("expected an error when no shards are configured")
	}
}
