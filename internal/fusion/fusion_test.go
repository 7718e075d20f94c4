package fusion

import "testing"

func TestFuseReciprocalRankPrefersItemsRankedHighInBoth(t *testing.T) {
	vector := []ScoredID{{ID: 1, Score: 0.9}, {ID: 2, Score: 0.8}, {ID: 3, Score: 0.7}}
	lexical := []ScoredID{{ID: 2, Score: 5}, {ID: 1, Score: 4}, {ID: 3, Score: 1}}

	results, err := Fuse(ReciprocalRank, vector, lexical, 3, DefaultOptions())
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(results))
	}
	// id=1 and id=2 occupy ranks {1,2} in both lists; id=3 is always
	// last. Either of 1/2 may lead depending on RRF arithmetic, but 3
	// must trail both.
	if results[2].ID != 3 {
		t.Fatalf("expected id=3 to rank last, got order %+v", results)
	}
}

func TestFuseRespectsK(t *testing.T) {
	vector := []ScoredID{{ID: 1, Score: 1}, {ID: 2, Score: 0.5}}
	lexical := []ScoredID{{ID: 3, Score: 1}}

	results, err := Fuse(ReciprocalRank, vector, lexical, 2, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected k=2 results, got %d", len(results))
	}
}

func TestFuseTieBreaksOnAscendingID(t *testing.T) {
	// RRF scores by rank only: ids 5 and 2 each lead one list, so both
	// fuse to 1/(60+1) and tie.
	vector := []ScoredID{{ID: 5, Score: 1}}
	lexical := []ScoredID{{ID: 2, Score: 1}}
	results, err := Fuse(ReciprocalRank, vector, lexical, 2, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != 2 || results[1].ID != 5 {
		t.Fatalf("expected tie broken by ascending id, got %+v", results)
	}
}

func TestFuseRejectsNonPositiveK(t *testing.T) {
	if _, err := Fuse(ReciprocalRank, nil, nil, 0, DefaultOptions()); err == nil {
		t.Fatal("expected an error for k=0")
	}
}

func TestFuseUnknownRule(t *testing.T) {
	if _, err := Fuse(Rule(99), nil, nil, 1, DefaultOptions()); err == nil {
		t.Fatal("expected an error for an unknown fusion rule")
	}
}

func TestWeightedSumFavorsHigherWeightedSource(t *testing.T) {
	vector := []ScoredID{{ID: 1, Score: 1.0}, {ID: 2, Score: 0.0}}
	lexical := []ScoredID{{ID: 2, Score: 1.0}, {ID: 1, Score: 0.0}}

	opts := Options{WeightVector: 0.9, WeightLexical: 0.1}
	results, err := Fuse(WeightedSum, vector, lexical, 2, opts)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != 1 {
		t.Fatalf("expected vector-favored id=1 to lead, got %+v", results)
	}
}

func TestCombMNZRewardsAppearingInBothLists(t *testing.T) {
	vector := []ScoredID{{ID: 1, Score: 1}, {ID: 2, Score: 1}}
	lexical := []ScoredID{{ID: 1, Score: 1}}

	results, err := Fuse(CombMNZ, vector, lexical, 2, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != 1 {
		t.Fatalf("expected id=1 (present in both lists) to lead, got %+v", results)
	}
}

func TestBordaCountsAgreementAcrossLists(t *testing.T) {
	vector := []ScoredID{{ID: 1, Score: 1}, {ID: 2, Score: 0.5}}
	lexical := []ScoredID{{ID: 1, Score: 1}, {ID: 2, Score: 0.5}}

	results, err := Fuse(Borda, vector, lexical, 2, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != 1 {
		t.Fatalf("expected id=1 to lead on Borda count, got %+v", results)
	}
}

func TestMinMaxNormalizeFlatScoresAllOnes(t *testing.T) {
	list := []ScoredID{{ID: 1, Score: 3}, {ID: 2, Score: 3}}
	norm := minMaxNormalize(list)
	if norm[1] != 1 || norm[2] != 1 {
		t.Fatalf("expected flat score list to normalize to 1, got %+v", norm)
	}
}
