package main

import (
	"os"
	"path/filepath"
	"testing"

	"cropcast/ml"
	"cropcast/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseOptionsFromConfig(t *testing.T) {
	path := writeConfig(t, `
ml:
  training_data: soil.csv
  model_path: out/model.json
  trees: 40
  max_tree_depth: 5
  seed: 9
  test_ratio: 0.3
`)
	opts, err := parseOptions([]string{"-config", path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := options{data: "soil.csv", modelPath: "out/model.json", trees: 40, maxDepth: 5, seed: 9, testRatio: 0.3, logLevel: "info"}
	if opts != want {
		t.Fatalf("expected %+v, got %+v", want, opts)
	}
}

func TestParseOptionsFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "ml:\n  trees: 40\n  seed: 9\n")
	opts, err := parseOptions([]string{"-config", path, "-trees", "3", "-data", "other.csv", "-eval"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.trees != 3 || opts.data != "other.csv" || !opts.eval {
		t.Fatalf("flags not applied: %+v", opts)
	}
	if opts.seed != 9 {
		t.Fatalf("expected seed from config, got %d", opts.seed)
	}
}

func TestParseOptionsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		args []string
	}{
		{"config test ratio", "ml:\n  test_ratio: 2\n", nil},
		{"flag test ratio", "", []string{"-test_ratio", "1"}},
		{"flag trees", "", []string{"-trees", "0"}},
		{"unknown flag", "", []string{"-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-config", writeConfig(t, tt.yaml)}, tt.args...)
			if _, err := parseOptions(args); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestTrainFitsEveryRow(t *testing.T) {
	set, err := ml.LoadTrainingFile(filepath.Join("..", "..", "ml", "testdata", "training_set.csv"), pipeline.FeatureNames(), pipeline.ClassNames())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts := options{trees: 5, maxDepth: 6, seed: 1, testRatio: 0.25}

	model, accuracy, err := train(opts, set)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if accuracy < 0.9 {
		t.Fatalf("expected high training accuracy, got %.3f", accuracy)
	}

	// The same options on the full table must give the same forest, so no
	// rows were held back.
	full, err := ml.TrainRandomForest(set.Features, set.Labels, set.FeatureNames, set.ClassNames, ml.ForestOptions{Trees: 5, MaxDepth: 6, Seed: 1})
	if err != nil {
		t.Fatalf("train full: %v", err)
	}
	for i, row := range set.Features {
		got, err := model.PredictProba(row)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := full.PredictProba(row)
		for c := range got {
			if got[c] != want[c] {
				t.Fatalf("row %d: expected %v, got %v", i, want, got)
			}
		}
	}

	opts.modelPath = filepath.Join(t.TempDir(), "model.json")
	if err := ml.SaveModel(model, opts.modelPath); err != nil {
		t.Fatalf("save: %v", err)
	}
	heldOut, _, err := evaluateSaved(opts, set)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if heldOut < 0 || heldOut > 1 {
		t.Fatalf("accuracy out of range: %v", heldOut)
	}
}
