package ml

import (
	"encoding/binary"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/mat"

	"cropcast/apierr"
)

// probabilityTolerance bounds how far a row's probabilities may drift from 1.
const probabilityTolerance = 1e-6

// Predictor runs a Classifier over feature matrices. It memoizes results per
// exact feature vector when built with a positive cache size. Safe for
// concurrent use.
type Predictor struct {
	model Classifier
	cache *lru.Cache[string, []float64]
}

func NewPredictor(model Classifier, cacheSize int) (*Predictor, error) {
	p := &Predictor{model: model}
	if cacheSize > 0 {
		cache, err := lru.New[string, []float64](cacheSize)
		if err != nil {
			return nil, err
		}
		p.cache = cache
	}
	return p, nil
}

func (p *Predictor) Model() Classifier {
	return p.model
}

// PredictProba returns one class distribution per row of x, in the model's
// Classes() order. A column count different from the model's feature count is
// an InferenceError.
func (p *Predictor) PredictProba(x mat.Matrix) ([][]float64, error) {
	const op = "predict"

	if x == nil {
		return [][]float64{}, nil
	}
	rows, cols := x.Dims()
	if want := len(p.model.Features()); cols != want {
		return nil, apierr.Errorf(apierr.InferenceError, op, "model expects %d features, table has %d columns", want, cols)
	}

	out := make([][]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			row[j] = x.At(i, j)
		}
		dist, err := p.predictRow(row)
		if err != nil {
			return nil, apierr.New(apierr.InferenceError, op, fmt.Errorf("row %d: %w", i, err))
		}
		out[i] = dist
	}
	return out, nil
}

func (p *Predictor) predictRow(row []float64) ([]float64, error) {
	var key string
	if p.cache != nil {
		key = cacheKey(row)
		if dist, ok := p.cache.Get(key); ok {
			return append([]float64(nil), dist...), nil
		}
	}

	dist, err := p.model.PredictProba(append([]float64(nil), row...))
	if err != nil {
		return nil, err
	}
	if len(dist) != len(p.model.Classes()) {
		return nil, fmt.Errorf("model returned %d probabilities for %d classes", len(dist), len(p.model.Classes()))
	}
	sum := 0.0
	for _, v := range dist {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return nil, fmt.Errorf("probability %v out of range", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return nil, fmt.Errorf("probabilities sum to %v", sum)
	}

	if p.cache != nil {
		p.cache.Add(key, append([]float64(nil), dist...))
	}
	return dist, nil
}

func cacheKey(row []float64) string {
	buf := make([]byte, 8*len(row))
	for i, v := range row {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return string(buf)
}
