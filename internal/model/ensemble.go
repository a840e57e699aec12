package model

import (
	"math/rand/v2"
)

// Ensemble is a sum (boosting) or average (forest) of regression trees.
type Ensemble struct {
	Base         float64 `json:"base"`
	LearningRate float64 `json:"learningRate"`
	Average      bool    `json:"average"`
	Trees        []Tree  `json:"trees"`
}

// Predict returns Base + LearningRate·Σtrees, or the mean of the trees when Average is set.
func (e *Ensemble) Predict(x []float64) float64 {
	if e.Average {
		if len(e.Trees) == 0 {
			return e.Base
		}
		var sum float64
		for i := range e.Trees {
			sum += e.Trees[i].Predict(x)
		}
		return sum / float64(len(e.Trees))
	}
	y := e.Base
	for i := range e.Trees {
		y += e.LearningRate * e.Trees[i].Predict(x)
	}
	return y
}

// BoostConfig parameterizes gradient boosting with squared loss.
type BoostConfig struct {
	Rounds          int
	MaxDepth        int
	LearningRate    float64
	Subsample       float64
	FeatureFraction float64
	MinLeaf         int
	Seed            uint64
}

// ForestConfig parameterizes a bagged random forest.
type ForestConfig struct {
	Trees           int
	MaxDepth        int
	MinLeaf         int
	FeatureFraction float64
	Seed            uint64
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// FitBoosted fits trees to the residuals of the running prediction.
func FitBoosted(X [][]float64, y []float64, cfg BoostConfig) (*Ensemble, error) {
	if _, err := checkMatrix(X, y); err != nil {
		return nil, err
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 4
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.Subsample <= 0 || cfg.Subsample > 1 {
		cfg.Subsample = 1
	}
	rng := newRand(cfg.Seed)

	n := len(y)
	var base float64
	for _, v := range y {
		base += v
	}
	base /= float64(n)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = base
	}
	residual := make([]float64, n)

	e := &Ensemble{Base: base, LearningRate: cfg.LearningRate, Trees: make([]Tree, 0, cfg.Rounds)}
	for round := 0; round < cfg.Rounds; round++ {
		for i := range residual {
			residual[i] = y[i] - pred[i]
		}
		idx := sample(rng, n, cfg.Subsample)
		tree := growTree(X, residual, idx, treeParams{
			maxDepth:        cfg.MaxDepth,
			minLeaf:         cfg.MinLeaf,
			featureFraction: cfg.FeatureFraction,
			rng:             rng,
		})
		for i := range pred {
			pred[i] += cfg.LearningRate * tree.Predict(X[i])
		}
		e.Trees = append(e.Trees, tree)
	}
	return e, nil
}

// FitForest averages trees grown on bootstrap samples.
func FitForest(X [][]float64, y []float64, cfg ForestConfig) (*Ensemble, error) {
	if _, err := checkMatrix(X, y); err != nil {
		return nil, err
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 8
	}
	rng := newRand(cfg.Seed)

	n := len(y)
	e := &Ensemble{Average: true, Trees: make([]Tree, 0, cfg.Trees)}
	for t := 0; t < cfg.Trees; t++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.IntN(n)
		}
		e.Trees = append(e.Trees, growTree(X, y, idx, treeParams{
			maxDepth:        cfg.MaxDepth,
			minLeaf:         cfg.MinLeaf,
			featureFraction: cfg.FeatureFraction,
			rng:             rng,
		}))
	}
	return e, nil
}

// sample draws round(frac·n) distinct row indices, or all rows when frac is 1.
func sample(rng *rand.Rand, n int, frac float64) []int {
	idx := rng.Perm(n)
	if frac >= 1 {
		return idx
	}
	k := int(frac*float64(n) + 0.5)
	if k < 1 {
		k = 1
	}
	return idx[:k]
}
