// Package anomaly scores trades with a frozen isolation forest exported by the
// offline training job. Raw scores follow the score_samples convention:
// values lie in [-1, 0] and lower means more anomalous.
package anomaly

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/Aidin1998/tradesentry/internal/models"
)

// Algorithm is the only artifact algorithm this package understands.
const Algorithm = "isolation_forest"

const eulerGamma = 0.5772156649

// Node is one node of an exported isolation tree. Children always have a
// larger index than their parent.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Size      int     `json:"size"`
}

// Tree is an exported isolation tree
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is the frozen model. It is immutable after Load and safe for
// concurrent use.
type Forest struct {
	ModelVersion string   `json:"version"`
	Algorithm    string   `json:"algorithm"`
	SampleSize   int      `json:"sample_size"`
	Features     []string `json:"features"`
	Trees        []Tree   `json:"trees"`

	extractors []extractor
	norm       float64
}

// Load reads and validates an artifact from disk.
func Load(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()

	forest, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("model artifact %s: %w", path, err)
	}
	return forest, nil
}

// Parse decodes and validates an artifact.
func Parse(r io.Reader) (*Forest, error) {
	var forest Forest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&forest); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := forest.init(); err != nil {
		return nil, err
	}
	return &forest, nil
}

func (f *Forest) init() error {
	if f.ModelVersion == "" {
		return fmt.Errorf("version is required")
	}
	if f.Algorithm != Algorithm {
		return fmt.Errorf("unsupported algorithm %q", f.Algorithm)
	}
	if f.SampleSize < 2 {
		return fmt.Errorf("sample_size must be at least 2, got %d", f.SampleSize)
	}
	if len(f.Features) == 0 {
		return fmt.Errorf("features are required")
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("at least one tree is required")
	}

	f.extractors = make([]extractor, len(f.Features))
	for i, name := range f.Features {
		ex, ok := extractors[name]
		if !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
		f.extractors[i] = ex
	}

	for ti, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Leaf {
				if n.Size < 1 {
					return fmt.Errorf("tree %d node %d: leaf size must be positive", ti, ni)
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= len(f.Features) {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, n.Feature)
			}
			if n.Left <= ni || n.Left >= len(tree.Nodes) || n.Right <= ni || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
			if math.IsNaN(n.Threshold) {
				return fmt.Errorf("tree %d node %d: threshold is NaN", ti, ni)
			}
		}
	}

	f.norm = averagePathLength(f.SampleSize)
	return nil
}

// Version returns the artifact version recorded with every decision.
func (f *Forest) Version() string {
	return f.ModelVersion
}

// Score returns the raw anomaly score of a trade.
func (f *Forest) Score(t *models.Trade) (float64, error) {
	x, err := f.FeatureVector(t)
	if err != nil {
		return 0, err
	}
	return f.ScoreVector(x)
}

// ScoreVector scores an already extracted feature vector.
func (f *Forest) ScoreVector(x []float64) (float64, error) {
	if len(x) != len(f.Features) {
		return 0, fmt.Errorf("feature vector has %d values, model expects %d", len(x), len(f.Features))
	}
	var total float64
	for i := range f.Trees {
		total += pathLength(&f.Trees[i], x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/f.norm), nil
}

func pathLength(t *Tree, x []float64) float64 {
	depth := 0
	idx := 0
	for {
		n := &t.Nodes[idx]
		if n.Leaf {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// Normalize maps a raw score onto [0, 1] where 1 is the most anomalous.
func Normalize(raw float64) float64 {
	v := -raw
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
