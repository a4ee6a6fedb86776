// Package gpboost provides random effects models and tree boosting with
// random effects for Go.
//
// A model combines grouped random effects, random coefficients and Gaussian
// processes with a response family (gaussian, bernoulli_probit,
// bernoulli_logit, poisson, gamma). Covariance parameters and linear
// coefficients are estimated by maximizing the (Laplace approximated)
// marginal likelihood; large spatial data sets use the Vecchia
// approximation.
//
// # Installation
//
//	go get github.com/YuminosukeSato/gpboost
//
// # Quick Start
//
// A grouped random effects model:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/YuminosukeSato/gpboost/remodel"
//	)
//
//	func main() {
//	    groups := []string{"a", "a", "b", "b", "c", "c"}
//	    y := []float64{1.1, 0.9, -0.4, -0.6, 0.2, 0.1}
//
//	    m, err := remodel.New(remodel.Config{Likelihood: "gaussian"},
//	        remodel.Data{Groups: [][]string{groups}, Y: y})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := m.OptimizeCovPars(context.Background(), nil, nil); err != nil {
//	        log.Fatal(err)
//	    }
//	    est, _ := m.CovPars(false)
//	    fmt.Println(est.Names, est.Values)
//	}
//
// # Packages
//
//   - remodel: random effects model, estimation, prediction, persistence
//   - covariance: covariance functions and tapering
//   - likelihood: response families and their derivatives in the linear predictor
//   - vecchia: Vecchia approximation (neighbors, factors, predictive conditionals)
//   - optimizer: gradient descent, Fisher scoring, Newton, L-BFGS, Nelder-Mead
//   - boosting: tree boosting coupled to a random effects model
//   - registry: opaque handles with single ownership
//   - store: bbolt store of model blobs
//   - diagnostics: optimization trace plots
//   - metrics: evaluation metrics per response family
//   - core/model: state tracking and compressed, checksummed persistence
//   - core/parallel: parallel processing utilities
//   - pkg/errors, pkg/log: error types and structured logging
//
// The gpboost command (cmd/gpboost) simulates data, fits models, runs
// boosting and manages stored models.
//
// # Concurrency
//
// A Model has a single owner; use registry to share models between
// goroutines. Row-wise work inside a call is parallelized with
// core/parallel and Config.NumThreads.
package gpboost
