package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

const (
	smoTolerance = 1e-3
	smoTau       = 1e-12
	plattFolds   = 5
)

// SVC is a soft-margin support vector classifier with an RBF kernel,
// K(x, z) = exp(-Gamma * |x - z|^2). Class probabilities come from a Platt
// sigmoid fitted on cross-validated decision values.
type SVC struct {
	C              float64     `json:"c"`
	Gamma          float64     `json:"gamma"`
	Seed           int64       `json:"seed"`
	NumFeatures    int         `json:"num_features"`
	SupportVectors [][]float64 `json:"support_vectors"`
	DualCoef       []float64   `json:"dual_coef"` // alpha_i * y_i
	Rho            float64     `json:"rho"`
	ProbA          float64     `json:"prob_a"`
	ProbB          float64     `json:"prob_b"`
	ConstantClass  *int        `json:"constant_class,omitempty"`
}

// NewSVC returns an unfitted classifier.
func NewSVC(c, gamma float64, seed int64) *SVC {
	return &SVC{C: c, Gamma: gamma, Seed: seed}
}

// Fit solves the dual problem and calibrates probabilities. A training set
// with a single class yields a constant classifier.
func (s *SVC) Fit(features [][]float64, labels []int) error {
	if err := validateTrainingInput(features, labels); err != nil {
		return err
	}
	if s.C <= 0 || s.Gamma <= 0 {
		return errors.New("svc needs positive C and gamma")
	}
	s.NumFeatures = len(features[0])
	s.SupportVectors, s.DualCoef, s.Rho = nil, nil, 0
	s.ProbA, s.ProbB = 0, 0
	if class, ok := singleClass(labels); ok {
		s.ConstantClass = &class
		return nil
	}
	s.ConstantClass = nil

	y := signedLabels(labels)
	decisions := s.crossValidatedDecisions(features, y)
	s.ProbA, s.ProbB = fitSigmoid(decisions, y)

	alpha, rho := solveSMO(features, y, s.C, s.Gamma)
	for i, a := range alpha {
		if a > 0 {
			s.SupportVectors = append(s.SupportVectors, append([]float64(nil), features[i]...))
			s.DualCoef = append(s.DualCoef, a*y[i])
		}
	}
	s.Rho = rho
	return nil
}

// Decision returns sum(alpha_i y_i K(sv_i, x)) - rho; positive favours class 1.
func (s *SVC) Decision(features []float64) (float64, error) {
	if err := checkWidth(features, s.NumFeatures); err != nil {
		return 0, err
	}
	sum := -s.Rho
	for i, sv := range s.SupportVectors {
		sum += s.DualCoef[i] * rbf(sv, features, s.Gamma)
	}
	return sum, nil
}

// Predict follows the sign of the decision function.
func (s *SVC) Predict(features []float64) (int, error) {
	if s.NumFeatures == 0 {
		return 0, errors.New("model not trained")
	}
	if s.ConstantClass != nil {
		return *s.ConstantClass, nil
	}
	f, err := s.Decision(features)
	if err != nil {
		return 0, err
	}
	if f >= 0 {
		return 1, nil
	}
	return 0, nil
}

// PredictProba maps the decision value through the fitted sigmoid.
func (s *SVC) PredictProba(features []float64) (Probabilities, error) {
	if s.NumFeatures == 0 {
		return Probabilities{}, errors.New("model not trained")
	}
	if s.ConstantClass != nil {
		return constantProba(*s.ConstantClass), nil
	}
	f, err := s.Decision(features)
	if err != nil {
		return Probabilities{}, err
	}
	p1 := sigmoidPredict(f, s.ProbA, s.ProbB)
	return Probabilities{1 - p1, p1}, nil
}

func (s *SVC) validate(width int) error {
	if s.NumFeatures != width {
		return errors.New("svc feature count mismatch")
	}
	if s.ConstantClass != nil {
		if *s.ConstantClass != 0 && *s.ConstantClass != 1 {
			return errors.New("svc constant class is not binary")
		}
		return nil
	}
	if len(s.SupportVectors) == 0 || len(s.SupportVectors) != len(s.DualCoef) {
		return errors.New("svc support vectors missing or inconsistent")
	}
	for i, sv := range s.SupportVectors {
		if len(sv) != width {
			return fmt.Errorf("support vector %d has %d features, want %d", i, len(sv), width)
		}
		if !allFinite(sv) || !finite(s.DualCoef[i]) {
			return fmt.Errorf("support vector %d is not finite", i)
		}
	}
	if !(s.Gamma > 0) || !finite(s.Gamma) {
		return errors.New("svc gamma must be positive and finite")
	}
	if !finite(s.Rho) || !finite(s.ProbA) || !finite(s.ProbB) {
		return errors.New("svc rho or sigmoid parameters are not finite")
	}
	return nil
}

// crossValidatedDecisions computes out-of-fold decision values for the
// sigmoid fit. Small sets fall back to in-sample values.
func (s *SVC) crossValidatedDecisions(features [][]float64, y []float64) []float64 {
	n := len(features)
	decisions := make([]float64, n)
	if n < 2*plattFolds {
		alpha, rho := solveSMO(features, y, s.C, s.Gamma)
		for i := range features {
			decisions[i] = decisionFromDual(features, y, alpha, rho, features[i], s.Gamma)
		}
		return decisions
	}

	perm := rand.New(rand.NewSource(s.Seed)).Perm(n)
	for fold := 0; fold < plattFolds; fold++ {
		begin := fold * n / plattFolds
		end := (fold + 1) * n / plattFolds

		var trainX [][]float64
		var trainY []float64
		for k, idx := range perm {
			if k >= begin && k < end {
				continue
			}
			trainX = append(trainX, features[idx])
			trainY = append(trainY, y[idx])
		}

		positives, negatives := 0, 0
		for _, v := range trainY {
			if v > 0 {
				positives++
			} else {
				negatives++
			}
		}
		if positives == 0 || negatives == 0 {
			fill := 1.0
			if positives == 0 {
				fill = -1
			}
			for k := begin; k < end; k++ {
				decisions[perm[k]] = fill
			}
			continue
		}

		alpha, rho := solveSMO(trainX, trainY, s.C, s.Gamma)
		for k := begin; k < end; k++ {
			idx := perm[k]
			decisions[idx] = decisionFromDual(trainX, trainY, alpha, rho, features[idx], s.Gamma)
		}
	}
	return decisions
}

func decisionFromDual(features [][]float64, y, alpha []float64, rho float64, x []float64, gamma float64) float64 {
	sum := -rho
	for i, a := range alpha {
		if a > 0 {
			sum += a * y[i] * rbf(features[i], x, gamma)
		}
	}
	return sum
}

// solveSMO minimises 1/2 a'Qa - e'a subject to 0 <= a <= C and y'a = 0,
// selecting the maximal violating pair on every iteration.
func solveSMO(features [][]float64, y []float64, c, gamma float64) ([]float64, float64) {
	n := len(features)
	kernel := make([]float64, n*n)
	for i := 0; i < n; i++ {
		kernel[i*n+i] = 1
		for j := i + 1; j < n; j++ {
			k := rbf(features[i], features[j], gamma)
			kernel[i*n+j] = k
			kernel[j*n+i] = k
		}
	}

	alpha := make([]float64, n)
	grad := make([]float64, n)
	for i := range grad {
		grad[i] = -1
	}

	maxIter := 100 * n
	if maxIter < 100000 {
		maxIter = 100000
	}
	for iter := 0; iter < maxIter; iter++ {
		i, j := -1, -1
		gmax, gmin := math.Inf(-1), math.Inf(1)
		for t := 0; t < n; t++ {
			v := -y[t] * grad[t]
			if inUpSet(y[t], alpha[t], c) && v > gmax {
				gmax, i = v, t
			}
			if inLowSet(y[t], alpha[t], c) && v < gmin {
				gmin, j = v, t
			}
		}
		if i == -1 || j == -1 || gmax-gmin < smoTolerance {
			break
		}

		a := kernel[i*n+i] + kernel[j*n+j] - 2*kernel[i*n+j]
		if a <= 0 {
			a = smoTau
		}
		step := (gmax - gmin) / a
		if y[i] > 0 {
			step = math.Min(step, c-alpha[i])
		} else {
			step = math.Min(step, alpha[i])
		}
		if y[j] > 0 {
			step = math.Min(step, alpha[j])
		} else {
			step = math.Min(step, c-alpha[j])
		}

		alpha[i] = clampBox(alpha[i]+y[i]*step, c)
		alpha[j] = clampBox(alpha[j]-y[j]*step, c)
		for k := 0; k < n; k++ {
			grad[k] += y[k] * step * (kernel[k*n+i] - kernel[k*n+j])
		}
	}

	return alpha, computeRho(y, alpha, grad, c)
}

func computeRho(y, alpha, grad []float64, c float64) float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	sumFree, nFree := 0.0, 0
	for t := range y {
		yg := y[t] * grad[t]
		switch {
		case alpha[t] >= c:
			if y[t] < 0 {
				ub = math.Min(ub, yg)
			} else {
				lb = math.Max(lb, yg)
			}
		case alpha[t] <= 0:
			if y[t] > 0 {
				ub = math.Min(ub, yg)
			} else {
				lb = math.Max(lb, yg)
			}
		default:
			nFree++
			sumFree += yg
		}
	}
	switch {
	case nFree > 0:
		return sumFree / float64(nFree)
	case math.IsInf(ub, 0) && math.IsInf(lb, 0):
		return 0
	case math.IsInf(ub, 0):
		return lb
	case math.IsInf(lb, 0):
		return ub
	}
	return (ub + lb) / 2
}

func inUpSet(y, alpha, c float64) bool {
	return (y > 0 && alpha < c) || (y < 0 && alpha > 0)
}

func inLowSet(y, alpha, c float64) bool {
	return (y > 0 && alpha > 0) || (y < 0 && alpha < c)
}

func clampBox(v, c float64) float64 {
	eps := 1e-12 * c
	if v < eps {
		return 0
	}
	if v > c-eps {
		return c
	}
	return v
}

func rbf(a, b []float64, gamma float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return math.Exp(-gamma * d)
}

func signedLabels(labels []int) []float64 {
	y := make([]float64, len(labels))
	for i, label := range labels {
		if label == 1 {
			y[i] = 1
		} else {
			y[i] = -1
		}
	}
	return y
}

// fitSigmoid fits P(y=1|f) = 1/(1+exp(A*f+B)) by Newton's method with
// backtracking, using regularised targets to avoid overfitting.
func fitSigmoid(decisions, y []float64) (float64, float64) {
	const (
		maxIter = 100
		minStep = 1e-10
		sigma   = 1e-12
		eps     = 1e-5
	)
	var prior1, prior0 float64
	for _, v := range y {
		if v > 0 {
			prior1++
		} else {
			prior0++
		}
	}
	hiTarget := (prior1 + 1) / (prior1 + 2)
	loTarget := 1 / (prior0 + 2)
	targets := make([]float64, len(y))
	for i, v := range y {
		if v > 0 {
			targets[i] = hiTarget
		} else {
			targets[i] = loTarget
		}
	}

	a, b := 0.0, math.Log((prior0+1)/(prior1+1))
	fval := sigmoidLoss(decisions, targets, a, b)
	for iter := 0; iter < maxIter; iter++ {
		h11, h22, h21 := sigma, sigma, 0.0
		g1, g2 := 0.0, 0.0
		for i, f := range decisions {
			fApB := f*a + b
			var p, q float64
			if fApB >= 0 {
				p = math.Exp(-fApB) / (1 + math.Exp(-fApB))
				q = 1 / (1 + math.Exp(-fApB))
			} else {
				p = 1 / (1 + math.Exp(fApB))
				q = math.Exp(fApB) / (1 + math.Exp(fApB))
			}
			d2 := p * q
			h11 += f * f * d2
			h22 += d2
			h21 += f * d2
			d1 := targets[i] - p
			g1 += f * d1
			g2 += d1
		}
		if math.Abs(g1) < eps && math.Abs(g2) < eps {
			break
		}

		det := h11*h22 - h21*h21
		dA := -(h22*g1 - h21*g2) / det
		dB := -(-h21*g1 + h11*g2) / det
		gd := g1*dA + g2*dB

		step := 1.0
		for step >= minStep {
			newA, newB := a+step*dA, b+step*dB
			newF := sigmoidLoss(decisions, targets, newA, newB)
			if newF < fval+0.0001*step*gd {
				a, b, fval = newA, newB, newF
				break
			}
			step /= 2
		}
		if step < minStep {
			break
		}
	}
	return a, b
}

func sigmoidLoss(decisions, targets []float64, a, b float64) float64 {
	var f float64
	for i, d := range decisions {
		fApB := d*a + b
		if fApB >= 0 {
			f += targets[i]*fApB + math.Log1p(math.Exp(-fApB))
		} else {
			f += (targets[i]-1)*fApB + math.Log1p(math.Exp(fApB))
		}
	}
	return f
}

func sigmoidPredict(decision, a, b float64) float64 {
	fApB := decision*a + b
	if fApB >= 0 {
		return math.Exp(-fApB) / (1 + math.Exp(-fApB))
	}
	return 1 / (1 + math.Exp(fApB))
}
