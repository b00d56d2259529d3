package models

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// ForestConfig controls random forest training.
type ForestConfig struct {
	// Trees is the number of bootstrapped trees (default 100).
	Trees int

	// MaxDepth limits tree depth. Zero grows trees until leaves are pure or
	// too small to split.
	MaxDepth int

	// MinLeaf is the minimum number of samples in a leaf (default 1).
	MinLeaf int

	// Seed makes training reproducible. Tree i is grown from its own
	// generator seeded with (Seed, i), so the result does not depend on
	// goroutine scheduling.
	Seed uint64

	// Workers bounds parallel tree fitting. Zero uses GOMAXPROCS.
	Workers int
}

// RandomForest is an ensemble of CART regression trees trained on bootstrap
// samples with squared-error splits. The prediction is the mean of all trees.
type RandomForest struct {
	cfg      ForestConfig
	trees    []regressionTree
	features int
}

type treeNode struct {
	feature   int // -1 for leaves
	threshold float64
	left      int
	right     int
	value     float64
}

type regressionTree struct {
	nodes []treeNode
}

// NewRandomForest creates an unfitted forest.
func NewRandomForest(cfg ForestConfig) *RandomForest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MinLeaf <= 0 {
		cfg.MinLeaf = 1
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &RandomForest{cfg: cfg}
}

// Name returns the model identifier.
func (f *RandomForest) Name() string {
	return "forest"
}

// Fit grows cfg.Trees trees in parallel.
func (f *RandomForest) Fit(ctx context.Context, X [][]float64, y []float64) error {
	width, err := validateTrainingSet(X, y)
	if err != nil {
		return fmt.Errorf("forest: %w", err)
	}

	// Column-major copy keeps the per-feature sorts cache friendly.
	columns := make([][]float64, width)
	for j := range columns {
		columns[j] = make([]float64, len(X))
		for i, row := range X {
			columns[j][i] = row[j]
		}
	}

	trees := make([]regressionTree, f.cfg.Trees)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)
	for t := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(f.cfg.Seed, uint64(t)))
			sample := make([]int, len(y))
			for i := range sample {
				sample[i] = rng.IntN(len(y))
			}
			b := &treeBuilder{
				columns:  columns,
				y:        y,
				maxDepth: f.cfg.MaxDepth,
				minLeaf:  f.cfg.MinLeaf,
				order:    make([]int, len(sample)),
			}
			b.grow(sample, 0)
			trees[t] = regressionTree{nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("forest: %w", err)
	}

	f.trees = trees
	f.features = width
	return nil
}

// Predict averages the leaf values reached in every tree.
func (f *RandomForest) Predict(ctx context.Context, x []float64) (float64, error) {
	if len(f.trees) == 0 {
		return 0, ErrNotFitted
	}
	if len(x) != f.features {
		return 0, fmt.Errorf("forest: got %d features, want %d", len(x), f.features)
	}

	sum := 0.0
	for i := range f.trees {
		sum += f.trees[i].predict(x)
	}
	return sum / float64(len(f.trees)), nil
}

// Depth returns the depth of the deepest tree. Useful for diagnostics and tests.
func (f *RandomForest) Depth() int {
	depth := 0
	for i := range f.trees {
		depth = max(depth, f.trees[i].depth(0))
	}
	return depth
}

func (t *regressionTree) predict(x []float64) float64 {
	n := 0
	for {
		node := &t.nodes[n]
		if node.feature < 0 {
			return node.value
		}
		if x[node.feature] <= node.threshold {
			n = node.left
		} else {
			n = node.right
		}
	}
}

func (t *regressionTree) depth(n int) int {
	node := &t.nodes[n]
	if node.feature < 0 {
		return 0
	}
	return 1 + max(t.depth(node.left), t.depth(node.right))
}

// treeBuilder grows one tree. It is owned by a single goroutine.
type treeBuilder struct {
	columns  [][]float64
	y        []float64
	maxDepth int
	minLeaf  int
	nodes    []treeNode
	order    []int
}

// grow appends the subtree for samples and returns its node index.
func (b *treeBuilder) grow(samples []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{feature: -1, value: b.mean(samples)})

	if len(samples) < 2*b.minLeaf || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return id
	}

	feature, threshold, ok := b.bestSplit(samples)
	if !ok {
		return id
	}

	// Partition in place: left half holds x <= threshold.
	col := b.columns[feature]
	lo, hi := 0, len(samples)-1
	for lo <= hi {
		if col[samples[lo]] <= threshold {
			lo++
		} else {
			samples[lo], samples[hi] = samples[hi], samples[lo]
			hi--
		}
	}

	left := b.grow(samples[:lo], depth+1)
	right := b.grow(samples[lo:], depth+1)

	b.nodes[id].feature = feature
	b.nodes[id].threshold = threshold
	b.nodes[id].left = left
	b.nodes[id].right = right
	return id
}

func (b *treeBuilder) mean(samples []int) float64 {
	sum := 0.0
	for _, i := range samples {
		sum += b.y[i]
	}
	return sum / float64(len(samples))
}

// bestSplit finds the feature and midpoint threshold that minimise the summed
// squared error of both children. Minimising SSE is equivalent to maximising
// sumL²/nL + sumR²/nR, which avoids a second pass over the targets.
func (b *treeBuilder) bestSplit(samples []int) (int, float64, bool) {
	n := len(samples)
	total := 0.0
	for _, i := range samples {
		total += b.y[i]
	}
	parentScore := total * total / float64(n)
	bestScore := parentScore
	bestFeature := -1
	bestThreshold := 0.0

	order := b.order[:n]
	for f, col := range b.columns {
		copy(order, samples)
		slices.SortFunc(order, func(a, c int) int {
			return cmp.Compare(col[a], col[c])
		})

		if col[order[0]] == col[order[n-1]] {
			continue
		}

		leftSum := 0.0
		for k := 1; k < n; k++ {
			leftSum += b.y[order[k-1]]
			if k < b.minLeaf || n-k < b.minLeaf {
				continue
			}
			prev, next := col[order[k-1]], col[order[k]]
			if prev == next {
				continue
			}
			rightSum := total - leftSum
			score := leftSum*leftSum/float64(k) + rightSum*rightSum/float64(n-k)
			if score > bestScore+1e-12*abs(bestScore) {
				bestScore = score
				bestFeature = f
				bestThreshold = prev + (next-prev)/2
				// Guard against the midpoint rounding onto next.
				if bestThreshold >= next {
					bestThreshold = prev
				}
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
