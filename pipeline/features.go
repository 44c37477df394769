package pipeline

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"cropcast/apierr"
	"cropcast/telemetry"
)

const (
	Carbon     = "Carbon"
	Nitrogen   = "Nitrogen"
	Phosphorus = "Phosphorus"

	Chicken = "Chicken"
	Cabbage = "Cabbage"
)

// FeatureNames lists the model inputs in column order.
func FeatureNames() []string {
	return []string{Carbon, Nitrogen, Phosphorus}
}

// ClassNames lists the predicted labels.
func ClassNames() []string {
	return []string{Chicken, Cabbage}
}

// FeatureRow is one device observation with its values in feature order.
type FeatureRow struct {
	Time   string
	Device string
	Values []float64
}

// FeatureTable is the model input: one row per device plus the same values as
// a dense matrix.
type FeatureTable struct {
	Names []string
	Rows  []FeatureRow
	X     *mat.Dense // nil when there are no rows
}

func (t *FeatureTable) Len() int {
	return len(t.Rows)
}

// Value returns the named column of row i.
func (t *FeatureTable) Value(i int, name string) (float64, bool) {
	for j, n := range t.Names {
		if n == name {
			return t.Rows[i].Values[j], true
		}
	}
	return 0, false
}

// Assemble turns raw device rows into a feature table. Every row must carry
// exactly one reading per feature name, otherwise FeatureCountMismatch.
// Readings are placed by stream name when all of a row's streams are named
// after distinct features, and by position otherwise.
func Assemble(rows []telemetry.Row, names []string) (*FeatureTable, error) {
	const op = "assemble features"

	table := &FeatureTable{
		Names: append([]string(nil), names...),
		Rows:  make([]FeatureRow, 0, len(rows)),
	}
	for _, row := range rows {
		if len(row.Readings) != len(names) {
			return nil, apierr.Errorf(apierr.FeatureCountMismatch, op,
				"device %s reported %d values, expected %d (%s)",
				row.Device, len(row.Readings), len(names), strings.Join(names, ", "))
		}
		table.Rows = append(table.Rows, FeatureRow{
			Time:   row.Time,
			Device: row.Device,
			Values: orderReadings(row.Readings, names),
		})
	}

	if len(table.Rows) > 0 {
		data := make([]float64, 0, len(table.Rows)*len(names))
		for _, r := range table.Rows {
			data = append(data, r.Values...)
		}
		table.X = mat.NewDense(len(table.Rows), len(names), data)
	}
	return table, nil
}

func orderReadings(readings []telemetry.Reading, names []string) []float64 {
	byName := make([]float64, len(names))
	placed := make([]bool, len(names))
	for _, reading := range readings {
		idx := indexFold(names, reading.Name)
		if idx < 0 || placed[idx] {
			return positional(readings)
		}
		byName[idx] = reading.Value
		placed[idx] = true
	}
	return byName
}

func positional(readings []telemetry.Reading) []float64 {
	values := make([]float64, len(readings))
	for i, reading := range readings {
		values[i] = reading.Value
	}
	return values
}

func indexFold(names []string, name string) int {
	if name == "" {
		return -1
	}
	for i, n := range names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}
