package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Linear is an ordinary least-squares model with a small ridge penalty.
type Linear struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Predict returns Intercept + Coef·x.
func (l *Linear) Predict(x []float64) float64 {
	y := l.Intercept
	for i, c := range l.Coef {
		if i < len(x) {
			y += c * x[i]
		}
	}
	return y
}

// FitLinear solves (XcᵀXc + λI)β = Xcᵀyc on centered data, so the intercept is not penalized.
// A tiny λ keeps collinear columns solvable.
func FitLinear(X [][]float64, y []float64, lambda float64) (*Linear, error) {
	p, err := checkMatrix(X, y)
	if err != nil {
		return nil, err
	}
	n := len(X)

	means := make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		means[j] = stat.Mean(col, nil)
	}
	yMean := stat.Mean(y, nil)

	xc := mat.NewDense(n, p, nil)
	yc := mat.NewVecDense(n, nil)
	for i := range X {
		for j := 0; j < p; j++ {
			xc.Set(i, j, X[i][j]-means[j])
		}
		yc.SetVec(i, y[i]-yMean)
	}

	gram := mat.NewSymDense(p, nil)
	gram.SymOuterK(1, xc.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+lambda)
	}
	rhs := mat.NewVecDense(p, nil)
	rhs.MulVec(xc.T(), yc)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, fmt.Errorf("linear fit: normal equations are not positive definite")
	}
	beta := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(beta, rhs); err != nil {
		// Ill-conditioning is reported as mat.Condition alongside a usable solution.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("linear fit: %w", err)
		}
	}

	coef := make([]float64, p)
	intercept := yMean
	for j := 0; j < p; j++ {
		coef[j] = beta.AtVec(j)
		intercept -= coef[j] * means[j]
	}
	return &Linear{Intercept: intercept, Coef: coef}, nil
}
