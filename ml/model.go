package ml

// Classifier is a trained model producing class probabilities for a row of
// features ordered like Features().
type Classifier interface {
	PredictProba(features []float64) ([]float64, error)
	Features() []string
	Classes() []string
}

var _ Classifier = (*RandomForest)(nil)
