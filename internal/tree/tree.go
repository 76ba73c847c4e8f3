// Package tree implements the CART regressor used to predict conversion
// rate and conversion value for targets with thin history. Features are a
// fixed set of categorical buckets; splits are binary one-value-vs-rest with
// a variance-reduction objective. Trees serialize to JSON and persist in the
// prediction-model store, one version per build.
package tree

import (
	"encoding/json"
	"fmt"
)

// Feature names. The builder only ever splits on these.
const (
	FeatureMatchType   = "match_type"
	FeatureWordCount   = "word_count"
	FeatureKeywordType = "keyword_type"
	FeatureAvgBid      = "avg_bid"
)

var allFeatures = []string{FeatureMatchType, FeatureWordCount, FeatureKeywordType, FeatureAvgBid}

// Sample is one training row: a target's categorical features plus the
// regression response (CVR for cr_prediction, value-per-order for
// cv_prediction).
type Sample struct {
	MatchType   string  `json:"match_type"`
	WordCount   int     `json:"word_count"`
	KeywordType string  `json:"keyword_type"`
	AvgBid      float64 `json:"avg_bid"`
	Response    float64 `json:"response"`
}

// featureValue buckets one raw feature into its categorical value.
func featureValue(s Sample, feature string) string {
	switch feature {
	case FeatureMatchType:
		if s.MatchType == "" {
			return "none"
		}
		return s.MatchType
	case FeatureWordCount:
		return wordCountBucket(s.WordCount)
	case FeatureKeywordType:
		if s.KeywordType == "" {
			return "unknown"
		}
		return s.KeywordType
	case FeatureAvgBid:
		return avgBidBucket(s.AvgBid)
	default:
		return ""
	}
}

func wordCountBucket(n int) string {
	if n >= 6 {
		return "6+"
	}
	if n < 1 {
		n = 1
	}
	return fmt.Sprintf("%d", n)
}

func avgBidBucket(bid float64) string {
	switch {
	case bid < 0.5:
		return "<0.5"
	case bid < 1:
		return "0.5-1"
	case bid < 2:
		return "1-2"
	case bid < 5:
		return "2-5"
	default:
		return ">=5"
	}
}

// Node is one decision node. Internal nodes route samples whose feature
// bucket equals Value to the left child and everything else to the right;
// leaves answer with the mean response of their training samples. Every node
// keeps its mean and count so a truncated walk still answers.
type Node struct {
	Feature string  `json:"feature,omitempty"`
	Value   string  `json:"value,omitempty"`
	Left    *Node   `json:"left,omitempty"`
	Right   *Node   `json:"right,omitempty"`
	Mean    float64 `json:"mean"`
	Count   int     `json:"count"`
}

// IsLeaf reports whether the node has no split.
func (n *Node) IsLeaf() bool { return n.Left == nil && n.Right == nil }

// Tree is a trained regressor plus its build shape.
type Tree struct {
	Kind        string `json:"kind"`
	Root        *Node  `json:"root"`
	SampleCount int    `json:"sample_count"`
	Depth       int    `json:"depth"`
	LeafCount   int    `json:"leaf_count"`
}

// Prediction is the tree's answer for one sample.
type Prediction struct {
	Value float64
	// LeafSamples is the training support behind the answering leaf.
	LeafSamples int
}

// Predict walks the tree deterministically to a leaf.
func (t *Tree) Predict(s Sample) Prediction {
	node := t.Root
	for node != nil && !node.IsLeaf() {
		if featureValue(s, node.Feature) == node.Value {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	if node == nil {
		return Prediction{}
	}
	return Prediction{Value: node.Mean, LeafSamples: node.Count}
}

// Marshal serializes the tree for the prediction-model store.
func (t *Tree) Marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal tree: %w", err)
	}
	return raw, nil
}

// Unmarshal restores a persisted tree.
func Unmarshal(raw json.RawMessage) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal tree: %w", err)
	}
	return &t, nil
}

// Build grows a CART regression tree: at each node it tries every
// (feature, bucket) binary split, keeps the one with the largest variance
// reduction, and stops on the depth cap, the per-leaf sample floor, or a
// pure node.
func Build(kind string, samples []Sample, maxDepth, minLeaf int) *Tree {
	if maxDepth <= 0 {
		maxDepth = 6
	}
	if minLeaf <= 0 {
		minLeaf = 20
	}
	t := &Tree{Kind: kind, SampleCount: len(samples)}
	if len(samples) == 0 {
		t.Root = &Node{}
		t.LeafCount = 1
		return t
	}
	t.Root = grow(samples, 0, maxDepth, minLeaf, t)
	return t
}

func grow(samples []Sample, depth, maxDepth, minLeaf int, t *Tree) *Node {
	node := &Node{Mean: mean(samples), Count: len(samples)}
	if depth > t.Depth {
		t.Depth = depth
	}

	if depth >= maxDepth || len(samples) < 2*minLeaf || sse(samples, node.Mean) == 0 {
		t.LeafCount++
		return node
	}

	feature, value, left, right, gain := bestSplit(samples, minLeaf)
	if gain <= 0 {
		t.LeafCount++
		return node
	}

	node.Feature = feature
	node.Value = value
	node.Left = grow(left, depth+1, maxDepth, minLeaf, t)
	node.Right = grow(right, depth+1, maxDepth, minLeaf, t)
	return node
}

// bestSplit scans every feature bucket for the one-vs-rest partition with
// the largest SSE reduction, honoring the per-side sample floor.
func bestSplit(samples []Sample, minLeaf int) (feature, value string, left, right []Sample, gain float64) {
	parentSSE := sse(samples, mean(samples))

	for _, f := range allFeatures {
		buckets := make(map[string][]Sample)
		for _, s := range samples {
			v := featureValue(s, f)
			buckets[v] = append(buckets[v], s)
		}
		if len(buckets) < 2 {
			continue
		}
		for v, l := range buckets {
			if len(l) < minLeaf || len(samples)-len(l) < minLeaf {
				continue
			}
			r := make([]Sample, 0, len(samples)-len(l))
			for _, s := range samples {
				if featureValue(s, f) != v {
					r = append(r, s)
				}
			}
			g := parentSSE - sse(l, mean(l)) - sse(r, mean(r))
			if g > gain {
				feature, value, left, right, gain = f, v, l, r, g
			}
		}
	}
	return feature, value, left, right, gain
}

func mean(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Response
	}
	return sum / float64(len(samples))
}

func sse(samples []Sample, mean float64) float64 {
	var sum float64
	for _, s := range samples {
		d := s.Response - mean
		sum += d * d
	}
	return sum
}
