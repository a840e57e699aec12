package model

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Node is one node of a regression tree stored in a flat slice.
// Leaves have Left == -1.
type Node struct {
	Feature   int     `json:"f,omitempty"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// Tree is a binary regression tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks x down the tree. Values <= Threshold go left.
func (t *Tree) Predict(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	i := 0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return n.Value
		}
		if n.Feature < len(x) && x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type treeParams struct {
	maxDepth        int
	minLeaf         int
	featureFraction float64
	rng             *rand.Rand
}

type treeBuilder struct {
	X      [][]float64
	y      []float64
	params treeParams
	nodes  []Node
}

// growTree fits a variance-reduction tree on the rows in idx.
func growTree(X [][]float64, y []float64, idx []int, params treeParams) Tree {
	if params.minLeaf < 1 {
		params.minLeaf = 1
	}
	b := &treeBuilder{X: X, y: y, params: params}
	b.split(idx, 0)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) leaf(idx []int) int {
	var sum float64
	for _, i := range idx {
		sum += b.y[i]
	}
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Value: sum / float64(len(idx))})
	return len(b.nodes) - 1
}

func (b *treeBuilder) split(idx []int, depth int) int {
	if depth >= b.params.maxDepth || len(idx) < 2*b.params.minLeaf {
		return b.leaf(idx)
	}
	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return b.leaf(idx)
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: feature, Threshold: threshold})
	l := b.split(left, depth+1)
	r := b.split(right, depth+1)
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

func (b *treeBuilder) candidateFeatures() []int {
	width := len(b.X[0])
	all := make([]int, width)
	for j := range all {
		all[j] = j
	}
	frac := b.params.featureFraction
	if frac <= 0 || frac >= 1 || b.params.rng == nil {
		return all
	}
	b.params.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	k := int(math.Ceil(frac * float64(width)))
	return all[:k]
}

// bestSplit returns the split that minimizes the summed squared error of both sides.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	n := len(idx)
	var total, totalSq float64
	for _, i := range idx {
		total += b.y[i]
		totalSq += b.y[i] * b.y[i]
	}
	bestSSE := totalSq - total*total/float64(n)
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, n)
	for _, f := range b.candidateFeatures() {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		var leftSum, leftSq float64
		for k := 0; k < n-1; k++ {
			v := b.y[sorted[k]]
			leftSum += v
			leftSq += v * v

			cur, next := b.X[sorted[k]][f], b.X[sorted[k+1]][f]
			nl := k + 1
			if cur == next || nl < b.params.minLeaf || n-nl < b.params.minLeaf {
				continue
			}
			nr := n - nl
			rightSum, rightSq := total-leftSum, totalSq-leftSq
			sse := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			if sse < bestSSE-1e-12 {
				bestSSE = sse
				bestFeature = f
				bestThreshold = (cur + next) / 2
				found = true
			}
		}
	}
	return bestFeature, bestThreshold, found
}
