package pipeline

import (
	"strings"

	"cropcast/apierr"
	"cropcast/ml"
)

// Prediction is the class distribution of one feature row.
type Prediction struct {
	Chicken float64
	Cabbage float64
}

// EnrichedRow is what callers receive: a feature row and its prediction.
type EnrichedRow struct {
	Time       string  `json:"Time"`
	Device     string  `json:"Device"`
	Carbon     float64 `json:"Carbon"`
	Nitrogen   float64 `json:"Nitrogen"`
	Phosphorus float64 `json:"Phosphorus"`
	Chicken    float64 `json:"Chicken"`
	Cabbage    float64 `json:"Cabbage"`
}

// Predict runs the predictor over the table. Probability columns are bound to
// Chicken and Cabbage through the model's class names, never by position.
func Predict(predictor *ml.Predictor, table *FeatureTable) ([]Prediction, error) {
	const op = "predict"

	model := predictor.Model()
	if err := checkFeatures(model.Features(), table.Names); err != nil {
		return nil, err
	}
	classes := model.Classes()
	chickenIdx := indexFold(classes, Chicken)
	cabbageIdx := indexFold(classes, Cabbage)
	if chickenIdx < 0 || cabbageIdx < 0 {
		return nil, apierr.Errorf(apierr.InferenceError, op,
			"model classes [%s] do not include %s and %s", strings.Join(classes, ", "), Chicken, Cabbage)
	}
	if len(classes) != 2 {
		return nil, apierr.Errorf(apierr.InferenceError, op, "expected a two-class model, got %d classes", len(classes))
	}

	if table.Len() == 0 {
		return []Prediction{}, nil
	}
	dists, err := predictor.PredictProba(table.X)
	if err != nil {
		return nil, err
	}
	predictions := make([]Prediction, len(dists))
	for i, dist := range dists {
		predictions[i] = Prediction{Chicken: dist[chickenIdx], Cabbage: dist[cabbageIdx]}
	}
	return predictions, nil
}

func checkFeatures(modelFeatures, tableNames []string) error {
	const op = "predict"
	if len(modelFeatures) != len(tableNames) {
		return apierr.Errorf(apierr.InferenceError, op,
			"model expects %d features, table has %d columns", len(modelFeatures), len(tableNames))
	}
	for i := range modelFeatures {
		if !strings.EqualFold(modelFeatures[i], tableNames[i]) {
			return apierr.Errorf(apierr.InferenceError, op,
				"model feature %d is %s, table column is %s", i, modelFeatures[i], tableNames[i])
		}
	}
	return nil
}

// Enrich merges predictions into the table rows, preserving row order.
func Enrich(table *FeatureTable, predictions []Prediction) ([]EnrichedRow, error) {
	if len(predictions) != table.Len() {
		return nil, apierr.Errorf(apierr.InferenceError, "enrich", "%d predictions for %d rows", len(predictions), table.Len())
	}
	rows := make([]EnrichedRow, table.Len())
	for i, row := range table.Rows {
		carbon, _ := table.Value(i, Carbon)
		nitrogen, _ := table.Value(i, Nitrogen)
		phosphorus, _ := table.Value(i, Phosphorus)
		rows[i] = EnrichedRow{
			Time:       row.Time,
			Device:     row.Device,
			Carbon:     carbon,
			Nitrogen:   nitrogen,
			Phosphorus: phosphorus,
			Chicken:    predictions[i].Chicken,
			Cabbage:    predictions[i].Cabbage,
		}
	}
	return rows, nil
}
