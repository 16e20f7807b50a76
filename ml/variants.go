package ml

import "errors"

// RandomForestVariant standardises features before the forest.
type RandomForestVariant struct {
	Scaler *StandardScaler `json:"scaler"`
	Forest *RandomForest   `json:"forest"`
}

// NewRandomForestVariant returns an unfitted scaler+forest pipeline.
func NewRandomForestVariant(numTrees, maxDepth int, seed int64) *RandomForestVariant {
	return &RandomForestVariant{
		Scaler: &StandardScaler{},
		Forest: NewRandomForest(numTrees, maxDepth, seed),
	}
}

func (v *RandomForestVariant) Kind() EstimatorKind { return KindRandomForest }

func (v *RandomForestVariant) Fit(features [][]float64, labels []int) error {
	scaled, err := fitScaler(v.Scaler, features, labels)
	if err != nil {
		return err
	}
	return v.Forest.Fit(scaled, labels)
}

func (v *RandomForestVariant) PredictProba(features []float64) (Probabilities, error) {
	scaled, err := v.Scaler.Transform(features)
	if err != nil {
		return Probabilities{}, err
	}
	return v.Forest.PredictProba(scaled)
}

func (v *RandomForestVariant) Predict(features []float64) (int, error) {
	p, err := v.PredictProba(features)
	if err != nil {
		return 0, err
	}
	return ArgmaxClass(p), nil
}

// SVMVariant standardises features before the RBF classifier.
type SVMVariant struct {
	Scaler *StandardScaler `json:"scaler"`
	SVC    *SVC            `json:"svc"`
}

// NewSVMVariant returns an unfitted scaler+SVC pipeline.
func NewSVMVariant(c, gamma float64, seed int64) *SVMVariant {
	return &SVMVariant{
		Scaler: &StandardScaler{},
		SVC:    NewSVC(c, gamma, seed),
	}
}

func (v *SVMVariant) Kind() EstimatorKind { return KindSVM }

func (v *SVMVariant) Fit(features [][]float64, labels []int) error {
	scaled, err := fitScaler(v.Scaler, features, labels)
	if err != nil {
		return err
	}
	return v.SVC.Fit(scaled, labels)
}

func (v *SVMVariant) PredictProba(features []float64) (Probabilities, error) {
	scaled, err := v.Scaler.Transform(features)
	if err != nil {
		return Probabilities{}, err
	}
	return v.SVC.PredictProba(scaled)
}

func (v *SVMVariant) Predict(features []float64) (int, error) {
	scaled, err := v.Scaler.Transform(features)
	if err != nil {
		return 0, err
	}
	return v.SVC.Predict(scaled)
}

// LogisticVariant feeds raw features to logistic regression.
type LogisticVariant struct {
	Model *LogisticRegression `json:"model"`
}

// NewLogisticVariant returns an unfitted logistic model.
func NewLogisticVariant(c float64) *LogisticVariant {
	return &LogisticVariant{Model: NewLogisticRegression(c)}
}

func (v *LogisticVariant) Kind() EstimatorKind { return KindLogistic }

func (v *LogisticVariant) Fit(features [][]float64, labels []int) error {
	return v.Model.Fit(features, labels)
}

func (v *LogisticVariant) PredictProba(features []float64) (Probabilities, error) {
	return v.Model.PredictProba(features)
}

func (v *LogisticVariant) Predict(features []float64) (int, error) {
	return v.Model.Predict(features)
}

func fitScaler(scaler *StandardScaler, features [][]float64, labels []int) ([][]float64, error) {
	if err := validateTrainingInput(features, labels); err != nil {
		return nil, err
	}
	if scaler == nil {
		return nil, errors.New("scaler is nil")
	}
	if err := scaler.Fit(features); err != nil {
		return nil, err
	}
	return scaler.TransformAll(features)
}
