package tree

import (
	"math"
	"testing"
)

// bucketSamples builds n copies of a sample with the given response.
func bucketSamples(n int, matchType, keywordType string, wordCount int, avgBid, response float64) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{
			MatchType:   matchType,
			WordCount:   wordCount,
			KeywordType: keywordType,
			AvgBid:      avgBid,
			Response:    response,
		}
	}
	return out
}

func TestBuildSplitsOnInformativeFeature(t *testing.T) {
	// Exact-match keywords convert at 10%, broad at 2%. Word count and bid
	// are uniform, so the only useful split is match type.
	samples := append(
		bucketSamples(30, "exact", "generic", 2, 1.2, 0.10),
		bucketSamples(30, "broad", "generic", 2, 1.2, 0.02)...,
	)

	tree := Build("cr_prediction", samples, 6, 20)
	if tree.Root.IsLeaf() {
		t.Fatal("tree should split on match type")
	}
	if tree.Root.Feature != FeatureMatchType {
		t.Fatalf("split feature = %q, want %q", tree.Root.Feature, FeatureMatchType)
	}

	exact := tree.Predict(Sample{MatchType: "exact", KeywordType: "generic", WordCount: 2, AvgBid: 1.2})
	broad := tree.Predict(Sample{MatchType: "broad", KeywordType: "generic", WordCount: 2, AvgBid: 1.2})
	if math.Abs(exact.Value-0.10) > 1e-9 {
		t.Fatalf("exact prediction = %v, want 0.10", exact.Value)
	}
	if math.Abs(broad.Value-0.02) > 1e-9 {
		t.Fatalf("broad prediction = %v, want 0.02", broad.Value)
	}
	if exact.LeafSamples != 30 || broad.LeafSamples != 30 {
		t.Fatalf("leaf samples = (%d, %d), want 30 each", exact.LeafSamples, broad.LeafSamples)
	}
}

func TestBuildHonorsLeafFloor(t *testing.T) {
	// Only 10 exact samples: a split would leave one side below the floor
	// of 20, so the tree must stay a single leaf.
	samples := append(
		bucketSamples(10, "exact", "generic", 2, 1.2, 0.10),
		bucketSamples(25, "broad", "generic", 2, 1.2, 0.02)...,
	)

	tree := Build("cr_prediction", samples, 6, 20)
	if !tree.Root.IsLeaf() {
		t.Fatalf("tree split despite leaf floor: %+v", tree.Root)
	}
	want := (10*0.10 + 25*0.02) / 35
	if math.Abs(tree.Root.Mean-want) > 1e-9 {
		t.Fatalf("leaf mean = %v, want %v", tree.Root.Mean, want)
	}
}

func TestBuildHonorsDepthCap(t *testing.T) {
	// Two informative features; a depth cap of 1 allows only one split.
	var samples []Sample
	samples = append(samples, bucketSamples(25, "exact", "brand", 1, 0.4, 0.20)...)
	samples = append(samples, bucketSamples(25, "exact", "generic", 1, 0.4, 0.10)...)
	samples = append(samples, bucketSamples(25, "broad", "brand", 1, 0.4, 0.04)...)
	samples = append(samples, bucketSamples(25, "broad", "generic", 1, 0.4, 0.02)...)

	tree := Build("cr_prediction", samples, 1, 20)
	if tree.Depth > 1 {
		t.Fatalf("depth = %d, want at most 1", tree.Depth)
	}
	if tree.Root.IsLeaf() {
		t.Fatal("one split is allowed and profitable; tree stayed a leaf")
	}
	if !tree.Root.Left.IsLeaf() || !tree.Root.Right.IsLeaf() {
		t.Fatal("children must be leaves under depth cap 1")
	}
}

func TestPredictUnseenBucketFallsThrough(t *testing.T) {
	samples := append(
		bucketSamples(30, "exact", "generic", 2, 1.2, 0.10),
		bucketSamples(30, "broad", "generic", 2, 1.2, 0.02)...,
	)
	tree := Build("cr_prediction", samples, 6, 20)

	// A phrase keyword was never seen; it routes down the not-equal side
	// deterministically and still gets an answer.
	p := tree.Predict(Sample{MatchType: "phrase", KeywordType: "generic", WordCount: 2, AvgBid: 1.2})
	if p.LeafSamples == 0 {
		t.Fatal("unseen bucket should still reach a trained leaf")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	samples := append(
		bucketSamples(30, "exact", "generic", 2, 1.2, 0.10),
		bucketSamples(30, "broad", "generic", 2, 1.2, 0.02)...,
	)
	tree := Build("cr_prediction", samples, 6, 20)

	raw, err := tree.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	in := Sample{MatchType: "exact", KeywordType: "generic", WordCount: 2, AvgBid: 1.2}
	if got, want := restored.Predict(in).Value, tree.Predict(in).Value; got != want {
		t.Fatalf("restored prediction = %v, want %v", got, want)
	}
	if restored.SampleCount != tree.SampleCount {
		t.Fatalf("sample count = %d, want %d", restored.SampleCount, tree.SampleCount)
	}
}

func TestAvgBidBuckets(t *testing.T) {
	cases := []struct {
		bid  float64
		want string
	}{
		{0.10, "<0.5"}, {0.49, "<0.5"},
		{0.50, "0.5-1"}, {0.99, "0.5-1"},
		{1.00, "1-2"}, {1.99, "1-2"},
		{2.00, "2-5"}, {4.99, "2-5"},
		{5.00, ">=5"}, {12.00, ">=5"},
	}
	for _, tc := range cases {
		if got := avgBidBucket(tc.bid); got != tc.want {
			t.Fatalf("avgBidBucket(%v) = %q, want %q", tc.bid, got, tc.want)
		}
	}
}

func TestWordCountBuckets(t *testing.T) {
	if got := wordCountBucket(3); got != "3" {
		t.Fatalf("wordCountBucket(3) = %q, want 3", got)
	}
	if got := wordCountBucket(6); got != "6+" {
		t.Fatalf("wordCountBucket(6) = %q, want 6+", got)
	}
	if got := wordCountBucket(9); got != "6+" {
		t.Fatalf("wordCountBucket(9) = %q, want 6+", got)
	}
	if got := wordCountBucket(0); got != "1" {
		t.Fatalf("wordCountBucket(0) = %q, want 1", got)
	}
}
