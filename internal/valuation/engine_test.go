package valuation

import (
	"testing"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

func comparable(price int64, source storage.ComparableSource) storage.Comparable {
	return storage.Comparable{
		ClientID: "client-1",
		Category: "watch",
		Title:    "omega speedmaster",
		Price:    price,
		Source:   source,
	}
}

func TestScoreWeightedMedian(t *testing.T) {
	snapshot := map[string]any{"category": "watch"}
	comparables := []storage.Comparable{
		comparable(10000, storage.SourceSold),
		comparable(15000, storage.SourceSold),
		comparable(20000, storage.SourceSold),
	}

	result := Score(snapshot, comparables)
	if result.Count != 3 {
		t.Fatalf("count = %d, want 3", result.Count)
	}
	if result.WeightedMedian == nil || *result.WeightedMedian != 15000 {
		t.Fatalf("weighted median = %v, want 15000", result.WeightedMedian)
	}
	if result.Range == nil || result.Range.Min != 10000 || result.Range.Max != 20000 {
		t.Fatalf("range = %+v, want [10000 20000]", result.Range)
	}
}

func TestScoreWeightsPullMedianTowardSold(t *testing.T) {
	snapshot := map[string]any{"category": "watch"}
	// Sold weight 3 vs two estimates at 1 each: cumulative weight crosses
	// half the total at the sold price.
	comparables := []storage.Comparable{
		comparable(10000, storage.SourceSold),
		comparable(30000, storage.SourceEstimate),
		comparable(40000, storage.SourceEstimate),
	}

	result := Score(snapshot, comparables)
	if result.WeightedMedian == nil || *result.WeightedMedian != 10000 {
		t.Fatalf("weighted median = %v, want 10000", result.WeightedMedian)
	}
}

func TestScoreZeroMatchesIsValidResult(t *testing.T) {
	snapshot := map[string]any{"category": "camera"}
	comparables := []storage.Comparable{comparable(10000, storage.SourceSold)}

	result := Score(snapshot, comparables)
	if result.Count != 0 {
		t.Fatalf("count = %d, want 0", result.Count)
	}
	if result.WeightedMedian != nil || result.Range != nil {
		t.Fatalf("median/range = %v/%v, want nil", result.WeightedMedian, result.Range)
	}
	if result.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", result.Confidence)
	}
	if result.Quality != "none" {
		t.Fatalf("quality = %q, want none", result.Quality)
	}
}

func TestScoreMatchingCriteria(t *testing.T) {
	tests := []struct {
		name      string
		snapshot  map[string]any
		candidate storage.Comparable
		want      bool
	}{
		{
			name:      "brand substring match",
			snapshot:  map[string]any{"category": "watch", "brand": "Omega"},
			candidate: comparable(10000, storage.SourceSold),
			want:      true,
		},
		{
			name:      "brand mismatch",
			snapshot:  map[string]any{"category": "watch", "brand": "rolex"},
			candidate: comparable(10000, storage.SourceSold),
			want:      false,
		},
		{
			name:     "year within tolerance",
			snapshot: map[string]any{"category": "watch", "year": float64(1970)},
			candidate: storage.Comparable{
				Category: "watch", Title: "omega", Price: 10000, Year: 1973, Source: storage.SourceSold,
			},
			want: true,
		},
		{
			name:     "year outside tolerance",
			snapshot: map[string]any{"category": "watch", "year": float64(1970)},
			candidate: storage.Comparable{
				Category: "watch", Title: "omega", Price: 10000, Year: 1990, Source: storage.SourceSold,
			},
			want: false,
		},
		{
			name:      "zero price excluded",
			snapshot:  map[string]any{"category": "watch"},
			candidate: comparable(0, storage.SourceSold),
			want:      false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Score(tc.snapshot, []storage.Comparable{tc.candidate})
			matched := result.Count == 1
			if matched != tc.want {
				t.Fatalf("matched = %v, want %v", matched, tc.want)
			}
		})
	}
}

func TestScoreConfidenceSaturates(t *testing.T) {
	snapshot := map[string]any{"category": "watch"}
	var comparables []storage.Comparable
	for i := 0; i < 12; i++ {
		comparables = append(comparables, comparable(int64(10000+i*100), storage.SourceSold))
	}

	result := Score(snapshot, comparables)
	if result.Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", result.Confidence)
	}
	if result.Quality != "high" {
		t.Fatalf("quality = %q, want high", result.Quality)
	}
}

func TestSnapshotHashIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"brand": "omega", "category": "watch"}
	b := map[string]any{"category": "watch", "brand": "omega"}

	hashA, err := SnapshotHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hashB, err := SnapshotHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("hashes differ: %s vs %s", hashA, hashB)
	}

	if _, err := SnapshotHash(nil); err == nil {
		t.Fatal("expected error for empty snapshot")
	}
}
