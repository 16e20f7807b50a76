package ml

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogisticRegression minimises 1/2|w|^2 + C * sum(logloss) with an
// unpenalised intercept, using Newton steps with backtracking.
type LogisticRegression struct {
	C             float64   `json:"c"`
	MaxIter       int       `json:"max_iter"`
	Coef          []float64 `json:"coef"`
	Intercept     float64   `json:"intercept"`
	ConstantClass *int      `json:"constant_class,omitempty"`
}

// NewLogisticRegression returns an unfitted model.
func NewLogisticRegression(c float64) *LogisticRegression {
	return &LogisticRegression{C: c, MaxIter: 100}
}

// Fit estimates the coefficients on raw (unscaled) features.
func (lr *LogisticRegression) Fit(features [][]float64, labels []int) error {
	if err := validateTrainingInput(features, labels); err != nil {
		return err
	}
	if lr.C <= 0 {
		return errors.New("logistic regression needs positive C")
	}
	if lr.MaxIter <= 0 {
		lr.MaxIter = 100
	}
	width := len(features[0])
	if class, ok := singleClass(labels); ok {
		lr.ConstantClass = &class
		lr.Coef = make([]float64, width)
		lr.Intercept = 0
		return nil
	}
	lr.ConstantClass = nil

	dim := width + 1
	params := make([]float64, dim)
	loss := lr.objective(features, labels, params)
	for iter := 0; iter < lr.MaxIter; iter++ {
		grad, hess := lr.derivatives(features, labels, params)
		if floats.Norm(grad, math.Inf(1)) < 1e-6 {
			break
		}

		dir, err := newtonDirection(hess, grad, dim)
		if err != nil {
			return err
		}
		slope := floats.Dot(grad, dir)

		step := 1.0
		candidate := make([]float64, dim)
		accepted, converged := false, false
		for step >= 1e-10 {
			floats.AddScaledTo(candidate, params, step, dir)
			next := lr.objective(features, labels, candidate)
			if next <= loss+1e-4*step*slope {
				copy(params, candidate)
				converged = loss-next < 1e-12*math.Max(1, math.Abs(next))
				loss = next
				accepted = true
				break
			}
			step /= 2
		}
		if !accepted || converged {
			break
		}
	}

	lr.Coef = append([]float64(nil), params[:width]...)
	lr.Intercept = params[width]
	return nil
}

func (lr *LogisticRegression) objective(features [][]float64, labels []int, params []float64) float64 {
	width := len(params) - 1
	w := params[:width]
	total := 0.5 * floats.Dot(w, w)
	for i, x := range features {
		z := floats.Dot(w, x) + params[width]
		total += lr.C * (softplus(z) - float64(labels[i])*z)
	}
	return total
}

func (lr *LogisticRegression) derivatives(features [][]float64, labels []int, params []float64) ([]float64, *mat.SymDense) {
	width := len(params) - 1
	dim := width + 1
	w := params[:width]

	grad := make([]float64, dim)
	copy(grad, w)
	hess := mat.NewSymDense(dim, nil)
	for j := 0; j < width; j++ {
		hess.SetSym(j, j, 1)
	}
	hess.SetSym(width, width, 1e-10)

	aug := make([]float64, dim)
	for i, x := range features {
		copy(aug, x)
		aug[width] = 1
		p := sigmoid(floats.Dot(w, x) + params[width])
		floats.AddScaled(grad, lr.C*(p-float64(labels[i])), aug)
		d := lr.C * p * (1 - p)
		for r := 0; r < dim; r++ {
			for c := r; c < dim; c++ {
				hess.SetSym(r, c, hess.At(r, c)+d*aug[r]*aug[c])
			}
		}
	}
	return grad, hess
}

// newtonDirection solves H d = -g, falling back to a general solve when the
// Hessian is numerically not positive definite.
func newtonDirection(hess *mat.SymDense, grad []float64, dim int) ([]float64, error) {
	neg := make([]float64, dim)
	floats.ScaleTo(neg, -1, grad)
	rhs := mat.NewVecDense(dim, neg)

	var dir mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(hess) {
		if err := chol.SolveVecTo(&dir, rhs); err == nil {
			return dir.RawVector().Data, nil
		}
	}
	if err := dir.SolveVec(hess, rhs); err != nil {
		return nil, err
	}
	return dir.RawVector().Data, nil
}

// PredictProba returns the logistic probabilities of both classes.
func (lr *LogisticRegression) PredictProba(features []float64) (Probabilities, error) {
	if len(lr.Coef) == 0 {
		return Probabilities{}, errors.New("model not trained")
	}
	if lr.ConstantClass != nil {
		return constantProba(*lr.ConstantClass), nil
	}
	if err := checkWidth(features, len(lr.Coef)); err != nil {
		return Probabilities{}, err
	}
	p1 := sigmoid(floats.Dot(lr.Coef, features) + lr.Intercept)
	return Probabilities{1 - p1, p1}, nil
}

// Predict thresholds the class-1 probability.
func (lr *LogisticRegression) Predict(features []float64) (int, error) {
	p, err := lr.PredictProba(features)
	if err != nil {
		return 0, err
	}
	return ArgmaxClass(p), nil
}

func (lr *LogisticRegression) validate(width int) error {
	if len(lr.Coef) != width {
		return errors.New("logistic coefficient count mismatch")
	}
	if lr.ConstantClass != nil && *lr.ConstantClass != 0 && *lr.ConstantClass != 1 {
		return errors.New("logistic constant class is not binary")
	}
	for _, v := range append(append([]float64(nil), lr.Coef...), lr.Intercept) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("logistic parameters are not finite")
		}
	}
	return nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// softplus is log(1+exp(z)) without overflow.
func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}
