package model

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/features"
)

// eulerGamma is the Euler-Mascheroni constant used by the average path length.
const eulerGamma = 0.5772156649

// DefaultOffset is the decision offset of a forest fitted with automatic contamination.
const DefaultOffset = -0.5

// leaf marks a node without children.
const leaf = -1

// Node is one split (or leaf) of an isolation tree, stored in pre-order.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	NSamples  int     `json:"n_samples"`
}

// Tree is one fitted isolation tree. Features, when present, maps the tree's
// local feature indices to vector indices.
type Tree struct {
	Features []int  `json:"features,omitempty"`
	Nodes    []Node `json:"nodes"`
}

// IsolationForest evaluates a fitted isolation forest. Scores follow the
// usual convention: higher means more anomalous.
type IsolationForest struct {
	NEstimators int
	MaxSamples  int
	Offset      float64
	Trees       []Tree

	norm float64
}

// Init validates the forest and precomputes its normalising constant.
func (f *IsolationForest) Init() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("%w: isolation forest has no trees", ErrInvalidBundle)
	}
	if f.NEstimators == 0 {
		f.NEstimators = len(f.Trees)
	}
	if f.NEstimators != len(f.Trees) {
		return fmt.Errorf("%w: n_estimators %d but %d trees",
			ErrInvalidBundle, f.NEstimators, len(f.Trees))
	}
	if f.MaxSamples < 2 {
		return fmt.Errorf("%w: max_samples must be at least 2", ErrInvalidBundle)
	}
	for i := range f.Trees {
		if err := f.Trees[i].validate(); err != nil {
			return fmt.Errorf("%w: tree %d: %v", ErrInvalidBundle, i, err)
		}
	}
	f.norm = float64(f.NEstimators) * averagePathLength(f.MaxSamples)
	return nil
}

func (t *Tree) validate() error {
	width := features.NumFeatures
	if len(t.Features) > 0 {
		width = len(t.Features)
		for _, fi := range t.Features {
			if fi < 0 || fi >= features.NumFeatures {
				return fmt.Errorf("feature mapping %d out of range", fi)
			}
		}
	}
	if len(t.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	for i, n := range t.Nodes {
		if n.Left == leaf || n.Right == leaf {
			if n.Left != n.Right {
				return fmt.Errorf("node %d has one child", i)
			}
			continue
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
		if n.Feature < 0 || n.Feature >= width {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, width)
		}
		if math.IsNaN(n.Threshold) {
			return fmt.Errorf("node %d has NaN threshold", i)
		}
	}
	return nil
}

// pathLength returns the isolation depth of x, including the expected depth
// of the unbuilt subtree below the reached leaf.
func (t *Tree) pathLength(x features.Vector) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Left == leaf {
			return float64(depth) + averagePathLength(n.NSamples)
		}
		fi := n.Feature
		if len(t.Features) > 0 {
			fi = t.Features[fi]
		}
		if x[fi] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns the anomaly score of a scaled vector and whether the forest
// classifies it as an outlier.
func (f *IsolationForest) Score(x features.Vector) (float64, bool) {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	score := math.Pow(2, -total/f.norm)

	// decision = -score - offset; negative decisions are outliers
	return score, -score-f.Offset < 0
}

// averagePathLength is the mean depth of an unsuccessful search in a binary
// search tree built from n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}
