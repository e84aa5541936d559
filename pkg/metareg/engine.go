// Package metareg fits multilevel meta-analytic regressions: fixed-effect
// moderators estimated by generalized least squares, with known
// per-observation sampling variances plus any number of random-effect
// groupings whose variances are estimated by restricted maximum likelihood.
package metareg

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Config bounds and tunes the REML iteration.
type Config struct {
	// MaxIterations caps the Fisher-scoring loop. Exceeding it is
	// reported as Converged=false on the model, never as an error.
	MaxIterations int `json:"maxIterations"`

	// Tolerance is the relative change in the REML criterion below which
	// the fit is declared converged.
	Tolerance float64 `json:"tolerance"`

	// InitialTau2 is the starting value for every variance component.
	// Zero or negative selects a data-derived start (a tenth of the mean
	// sampling variance).
	InitialTau2 float64 `json:"initialTau2"`
}

// DefaultConfig returns the standard iteration bounds.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations: 100,
		Tolerance:     1e-10,
		InitialTau2:   0,
	}
}

// Grouping assigns every observation to a level of one random-effect
// grouping. Levels must be exactly as long as the fitted data; level names
// are opaque identifiers.
type Grouping struct {
	Name   string
	Levels []string
}

// Engine fits meta-regression models. It holds no per-fit state; concurrent
// Fit calls on independent data are safe.
type Engine struct {
	logger *zap.Logger
	config *Config
}

// NewEngine constructs an engine with the default iteration bounds.
func NewEngine(logger *zap.Logger) *Engine {
	return NewEngineWithConfig(logger, DefaultConfig())
}

// NewEngineWithConfig constructs an engine with explicit iteration bounds.
func NewEngineWithConfig(logger *zap.Logger, config *Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{logger: logger, config: config}
}

// groupIndex is a grouping resolved to member lists: members[l] holds the
// observation indices assigned to level l.
type groupIndex struct {
	name    string
	members [][]int
}

// remlState is everything the scoring step needs at one variance-component
// iterate: the GLS solution, the projected residual r = P y, the projection
// matrix P, and the REML criterion.
type remlState struct {
	beta *mat.VecDense
	cov  *mat.SymDense // (X' V^-1 X)^-1
	r    *mat.VecDense // P y
	p    *mat.Dense    // V^-1 - V^-1 X (X' V^-1 X)^-1 X' V^-1
	crit float64       // log|V| + log|X' V^-1 X| + y' P y
}

// Fit estimates the model d = X b + sum_k u_k + e over the given design,
// effect sizes y, known sampling variances sampVar, and random-effect
// groupings. Variance components are estimated by Fisher-scoring REML with
// non-negativity clamping; fixed effects by GLS at the final components.
//
// A rank-deficient design or a non-invertible covariance matrix fails with
// SingularDesignError. Exhausting the iteration budget is not an error: the
// last iterate is returned with Converged=false.
func (e *Engine) Fit(design *Design, y, sampVar []float64, groupings []Grouping) (*Model, error) {
	n := len(y)
	rows, p := design.X.Dims()
	if rows != n {
		return nil, fmt.Errorf("design has %d rows, got %d effect sizes", rows, n)
	}
	if len(sampVar) != n {
		return nil, fmt.Errorf("got %d sampling variances for %d effect sizes", len(sampVar), n)
	}
	for i, v := range sampVar {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("observation %d: sampling variance %v is not a non-negative finite number", i, v)
		}
	}
	if p > n {
		return nil, &SingularDesignError{Reason: fmt.Sprintf("%d coefficients for %d observations", p, n)}
	}

	groups := make([]groupIndex, len(groupings))
	for k, g := range groupings {
		if len(g.Levels) != n {
			return nil, fmt.Errorf("grouping %q assigns %d observations, data has %d", g.Name, len(g.Levels), n)
		}
		groups[k] = indexGrouping(g)
	}

	yVec := mat.NewVecDense(n, append([]float64(nil), y...))
	tau := make([]float64, len(groups))
	for k := range tau {
		tau[k] = e.initialTau2(sampVar)
	}

	state, err := e.evaluate(design, yVec, sampVar, groups, tau)
	if err != nil {
		return nil, err
	}

	converged := len(groups) == 0
	iterations := 0
	for iter := 1; !converged && iter <= e.config.MaxIterations; iter++ {
		iterations = iter
		step := scoringStep(state, groups)

		// Step-halving: accept the first candidate that does not worsen
		// the criterion, clamping components at zero throughout.
		cand := make([]float64, len(tau))
		var next *remlState
		for try := 0; try < 12; try++ {
			for k := range cand {
				cand[k] = math.Max(0, tau[k]+step[k])
			}
			cs, cerr := e.evaluate(design, yVec, sampVar, groups, cand)
			if cerr == nil && cs.crit <= state.crit+e.config.Tolerance {
				next = cs
				break
			}
			for k := range step {
				step[k] /= 2
			}
		}
		if next == nil {
			// No usable step in any halving: stationary point.
			converged = true
			break
		}

		delta := state.crit - next.crit
		copy(tau, cand)
		state = next
		if math.Abs(delta) < e.config.Tolerance*(math.Abs(state.crit)+1) {
			converged = true
		}
	}

	if !converged {
		e.logger.Warn("REML iteration budget exhausted",
			zap.Int("iterations", iterations),
			zap.Float64("criterion", state.crit),
			zap.Float64s("tau2", tau))
	}
	recordFit(converged)

	model := &Model{
		Columns:    append([]string(nil), design.Columns...),
		Coef:       append([]float64(nil), state.beta.RawVector().Data...),
		Tau2:       make([]VarianceComponent, len(groups)),
		Criterion:  state.crit,
		Converged:  converged,
		Iterations: iterations,
		N:          n,
		Cov:        state.cov,
	}
	for k, g := range groups {
		model.Tau2[k] = VarianceComponent{Name: g.name, Tau2: tau[k], Levels: len(g.members)}
	}

	e.logger.Debug("meta-regression fitted",
		zap.Int("observations", n),
		zap.Int("coefficients", p),
		zap.Bool("converged", converged),
		zap.Int("iterations", iterations),
		zap.Float64("criterion", state.crit))
	return model, nil
}

func (e *Engine) initialTau2(sampVar []float64) float64 {
	if e.config.InitialTau2 > 0 {
		return e.config.InitialTau2
	}
	var sum float64
	for _, v := range sampVar {
		sum += v
	}
	start := 0.1 * sum / float64(len(sampVar))
	if start <= 0 {
		start = 1e-4
	}
	return start
}

// evaluate performs one GLS solve at fixed variance components and returns
// the quantities the scoring step reads. V is the known sampling-variance
// diagonal plus tau_k on every within-level pair of grouping k.
func (e *Engine) evaluate(design *Design, y *mat.VecDense, sampVar []float64, groups []groupIndex, tau []float64) (*remlState, error) {
	n, p := design.X.Dims()

	v := mat.NewSymDense(n, nil)
	for i, sv := range sampVar {
		v.SetSym(i, i, sv)
	}
	for k, g := range groups {
		t := tau[k]
		if t == 0 {
			continue
		}
		for _, members := range g.members {
			for a, i := range members {
				for _, j := range members[a:] {
					v.SetSym(i, j, v.At(i, j)+t)
				}
			}
		}
	}

	var cholV mat.Cholesky
	if !cholV.Factorize(v) {
		return nil, &SingularDesignError{Reason: "total covariance matrix is not positive definite"}
	}

	w := mat.NewDense(n, p, nil) // V^-1 X
	if err := cholV.SolveTo(w, design.X); err != nil {
		return nil, &SingularDesignError{Reason: "total covariance matrix is not invertible"}
	}

	sDense := mat.NewDense(p, p, nil)
	sDense.Mul(design.X.T(), w)
	s := mat.NewSymDense(p, nil) // X' V^-1 X, symmetrized
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			s.SetSym(i, j, 0.5*(sDense.At(i, j)+sDense.At(j, i)))
		}
	}

	var cholS mat.Cholesky
	if !cholS.Factorize(s) {
		return nil, &SingularDesignError{Reason: "design matrix is rank deficient", Column: suspectColumn(design, s)}
	}

	viy := mat.NewVecDense(n, nil)
	if err := cholV.SolveVecTo(viy, y); err != nil {
		return nil, &SingularDesignError{Reason: "total covariance matrix is not invertible"}
	}
	xtviy := mat.NewVecDense(p, nil)
	xtviy.MulVec(design.X.T(), viy)
	beta := mat.NewVecDense(p, nil)
	if err := cholS.SolveVecTo(beta, xtviy); err != nil {
		return nil, &SingularDesignError{Reason: "design matrix is rank deficient"}
	}

	// r = P y = V^-1 y - (V^-1 X) beta
	xb := mat.NewVecDense(n, nil)
	xb.MulVec(w, beta)
	r := mat.NewVecDense(n, nil)
	r.SubVec(viy, xb)

	cov := mat.NewSymDense(p, nil)
	if err := cholS.InverseTo(cov); err != nil {
		return nil, &SingularDesignError{Reason: "coefficient covariance is not invertible"}
	}

	st := &remlState{
		beta: beta,
		cov:  cov,
		r:    r,
		crit: cholV.LogDet() + cholS.LogDet() + mat.Dot(y, r),
	}

	// The projection matrix is only needed for the scoring step.
	if len(groups) > 0 {
		vi := mat.NewSymDense(n, nil)
		if err := cholV.InverseTo(vi); err != nil {
			return nil, &SingularDesignError{Reason: "total covariance matrix is not invertible"}
		}
		b := mat.NewDense(p, n, nil) // (X' V^-1 X)^-1 (V^-1 X)'
		if err := cholS.SolveTo(b, w.T()); err != nil {
			return nil, &SingularDesignError{Reason: "design matrix is rank deficient"}
		}
		m := mat.NewDense(n, n, nil)
		m.Mul(w, b)
		pm := mat.NewDense(n, n, nil)
		pm.Sub(vi, m)
		st.p = pm
	}
	return st, nil
}

// scoringStep computes one Fisher-scoring update for the variance
// components. With G_k = Z_k Z_k', the score for component k is
// -1/2 (tr(P G_k) - y' P G_k P y) and the expected information entry is
// 1/2 tr(P G_k P G_l), both reduced to sums of P blocks over level members.
func scoringStep(st *remlState, groups []groupIndex) []float64 {
	k := len(groups)
	score := make([]float64, k)
	for a, g := range groups {
		var trPG, quad float64
		for _, members := range g.members {
			var rSum float64
			for _, i := range members {
				rSum += st.r.AtVec(i)
				for _, j := range members {
					trPG += st.p.At(i, j)
				}
			}
			quad += rSum * rSum
		}
		score[a] = -0.5 * (trPG - quad)
	}

	info := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			// 1/2 ||Z_a' P Z_b||_F^2: level-block sums of P, squared.
			var frob float64
			for _, ma := range groups[a].members {
				for _, mb := range groups[b].members {
					var block float64
					for _, i := range ma {
						for _, j := range mb {
							block += st.p.At(i, j)
						}
					}
					frob += block * block
				}
			}
			info.SetSym(a, b, 0.5*frob)
		}
	}

	step := make([]float64, k)
	var chol mat.Cholesky
	if chol.Factorize(info) {
		sv := mat.NewVecDense(k, append([]float64(nil), score...))
		out := mat.NewVecDense(k, nil)
		if err := chol.SolveVecTo(out, sv); err == nil {
			copy(step, out.RawVector().Data)
			return step
		}
	}
	// Singular information: fall back to scaled gradient steps.
	for a := range step {
		d := info.At(a, a)
		if d <= 0 {
			d = 1
		}
		step[a] = score[a] / d
	}
	return step
}

func indexGrouping(g Grouping) groupIndex {
	idx := make(map[string]int)
	out := groupIndex{name: g.Name}
	for i, level := range g.Levels {
		l, ok := idx[level]
		if !ok {
			l = len(out.members)
			idx[level] = l
			out.members = append(out.members, nil)
		}
		out.members[l] = append(out.members[l], i)
	}
	return out
}

// suspectColumn points at the first design column whose diagonal entry of
// X' V^-1 X is degenerate, as a debugging hint for rank deficiency.
func suspectColumn(design *Design, s *mat.SymDense) string {
	for i := 0; i < len(design.Columns); i++ {
		if s.At(i, i) <= 0 {
			return design.Columns[i]
		}
	}
	return ""
}
