package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// TrainingSet is a labelled feature table read from CSV.
type TrainingSet struct {
	Features     [][]float64
	Labels       []int
	FeatureNames []string
	ClassNames   []string
}

// LoadTrainingFile opens path and parses it with LoadTrainingSet.
func LoadTrainingFile(path string, features, classes []string) (*TrainingSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadTrainingSet(file, features, classes)
}

// LoadTrainingSet reads a CSV with a header row. Columns holding any missing
// value are dropped first; the requested feature and class columns must
// survive that. Each row's label is the class column with the largest value,
// ties going to the earlier class.
func LoadTrainingSet(r io.Reader, features, classes []string) (*TrainingSet, error) {
	if len(features) == 0 || len(classes) < 2 {
		return nil, errors.New("features and at least two classes are required")
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read training csv: %w", err)
	}
	if len(records) < 2 {
		return nil, errors.New("training csv has no data rows")
	}

	header := records[0]
	rows := records[1:]
	complete := completeColumns(header, rows)

	featureCols, err := columnIndexes(header, complete, features)
	if err != nil {
		return nil, err
	}
	classCols, err := columnIndexes(header, complete, classes)
	if err != nil {
		return nil, err
	}

	set := &TrainingSet{
		Features:     make([][]float64, 0, len(rows)),
		Labels:       make([]int, 0, len(rows)),
		FeatureNames: append([]string(nil), features...),
		ClassNames:   append([]string(nil), classes...),
	}
	for i, record := range rows {
		vector, err := parseColumns(record, featureCols)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		scores, err := parseColumns(record, classCols)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		set.Features = append(set.Features, vector)
		set.Labels = append(set.Labels, argmax(scores))
	}
	return set, nil
}

func completeColumns(header []string, rows [][]string) map[string]bool {
	complete := make(map[string]bool, len(header))
	for col, name := range header {
		ok := true
		for _, row := range rows {
			if col >= len(row) || isMissing(row[col]) {
				ok = false
				break
			}
		}
		complete[strings.TrimSpace(name)] = ok
	}
	return complete
}

func isMissing(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "na", "nan", "null":
		return true
	}
	return false
}

func columnIndexes(header []string, complete map[string]bool, names []string) ([]int, error) {
	indexes := make([]int, len(names))
	for i, name := range names {
		indexes[i] = -1
		for col, h := range header {
			if strings.TrimSpace(h) == name {
				indexes[i] = col
				break
			}
		}
		if indexes[i] == -1 {
			return nil, fmt.Errorf("column %q not found", name)
		}
		if !complete[name] {
			return nil, fmt.Errorf("column %q has missing values", name)
		}
	}
	return indexes, nil
}

func parseColumns(record []string, cols []int) ([]float64, error) {
	values := make([]float64, len(cols))
	for i, col := range cols {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", col, err)
		}
		values[i] = v
	}
	return values, nil
}

// SplitDataset shuffles with seed and holds out testRatio of the rows.
func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.25
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	testSize := int(math.Ceil(float64(len(features)) * testRatio))
	split := len(features) - testSize
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

// Evaluate reports accuracy and the mean absolute error between one-hot
// predicted and true labels over all class columns.
func Evaluate(model Classifier, features [][]float64, labels []int) (accuracy, mae float64, err error) {
	if len(features) == 0 {
		return 0, 0, nil
	}
	classes := len(model.Classes())
	var correct int
	var absErr float64
	for i, row := range features {
		dist, err := model.PredictProba(row)
		if err != nil {
			return 0, 0, err
		}
		predicted := argmax(dist)
		if predicted == labels[i] {
			correct++
		} else {
			// a miss flips two one-hot cells
			absErr += 2
		}
	}
	accuracy = float64(correct) / float64(len(features))
	mae = absErr / float64(len(features)*classes)
	return accuracy, mae, nil
}
