package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"cropcast/config"
	"cropcast/logger"
	"cropcast/ml"
	"cropcast/pipeline"
)

type options struct {
	data      string
	modelPath string
	trees     int
	maxDepth  int
	seed      int64
	testRatio float64
	eval      bool
	logLevel  string
}

// parseOptions reads the ml section of the config file and lets flags that
// were passed explicitly override it.
func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("train_model", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML config; a missing file means defaults")
	data := fs.String("data", "", "training CSV with feature and one-hot class columns (default ml.training_data)")
	modelPath := fs.String("model_path", "", "model output path (default ml.model_path)")
	trees := fs.Int("trees", 0, "number of trees (default ml.trees)")
	maxDepth := fs.Int("max_depth", 0, "max tree depth (default ml.max_tree_depth)")
	seed := fs.Int64("seed", 0, "random seed for bootstrap, feature sampling and the eval split (default ml.seed)")
	testRatio := fs.Float64("test_ratio", 0, "held-out share used by -eval (default ml.test_ratio)")
	eval := fs.Bool("eval", false, "evaluate the saved model on a held-out split instead of training")
	logLevel := fs.String("log_level", "", "log level (default log.level)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg, err := config.LoadTraining(*configPath)
	if err != nil {
		return options{}, err
	}
	opts := options{
		data:      cfg.ML.TrainingData,
		modelPath: cfg.ML.ModelPath,
		trees:     cfg.ML.Trees,
		maxDepth:  cfg.ML.MaxTreeDepth,
		seed:      cfg.ML.Seed,
		testRatio: cfg.ML.TestRatio,
		eval:      *eval,
		logLevel:  cfg.Log.Level,
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			opts.data = *data
		case "model_path":
			opts.modelPath = *modelPath
		case "trees":
			opts.trees = *trees
		case "max_depth":
			opts.maxDepth = *maxDepth
		case "seed":
			opts.seed = *seed
		case "test_ratio":
			opts.testRatio = *testRatio
		case "log_level":
			opts.logLevel = *logLevel
		}
	})

	if opts.trees < 1 || opts.maxDepth < 1 {
		return options{}, fmt.Errorf("trees and max_depth must be positive")
	}
	if opts.testRatio <= 0 || opts.testRatio >= 1 {
		return options{}, fmt.Errorf("test_ratio %v must be in (0, 1)", opts.testRatio)
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}

	lg, err := logger.New(logger.Options{Level: opts.logLevel})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer lg.Sync()

	set, err := ml.LoadTrainingFile(opts.data, pipeline.FeatureNames(), pipeline.ClassNames())
	if err != nil {
		lg.Fatal("failed to load training data", zap.String("path", opts.data), zap.Error(err))
	}
	lg.Info("training data loaded", zap.String("path", opts.data), zap.Int("rows", len(set.Features)))

	if opts.eval {
		accuracy, mae, err := evaluateSaved(opts, set)
		if err != nil {
			lg.Fatal("failed to evaluate model", zap.String("path", opts.modelPath), zap.Error(err))
		}
		lg.Info("held-out evaluation", zap.Float64("accuracy", accuracy), zap.Float64("mae", mae))
		fmt.Printf("accuracy=%.3f mae=%.3f\n", accuracy, mae)
		return
	}

	model, accuracy, err := train(opts, set)
	if err != nil {
		lg.Fatal("failed to train model", zap.Error(err))
	}
	lg.Info("model trained",
		zap.Int("trees", opts.trees),
		zap.Int("max_depth", opts.maxDepth),
		zap.Float64("training_accuracy", accuracy))
	if err := ml.SaveModel(model, opts.modelPath); err != nil {
		lg.Fatal("failed to save model", zap.String("path", opts.modelPath), zap.Error(err))
	}
	fmt.Printf("training accuracy=%.3f, model saved to %s\n", accuracy, opts.modelPath)
}

// train fits on every row and reports accuracy on those same rows.
func train(opts options, set *ml.TrainingSet) (*ml.RandomForest, float64, error) {
	model, err := ml.TrainRandomForest(set.Features, set.Labels, set.FeatureNames, set.ClassNames, ml.ForestOptions{
		Trees:    opts.trees,
		MaxDepth: opts.maxDepth,
		Seed:     opts.seed,
	})
	if err != nil {
		return nil, 0, err
	}
	accuracy, _, err := ml.Evaluate(model, set.Features, set.Labels)
	if err != nil {
		return nil, 0, err
	}
	return model, accuracy, nil
}

// evaluateSaved scores the model at opts.modelPath on a seeded held-out split.
func evaluateSaved(opts options, set *ml.TrainingSet) (accuracy, mae float64, err error) {
	model, err := ml.LoadModel(opts.modelPath)
	if err != nil {
		return 0, 0, err
	}
	_, _, testX, testY := ml.SplitDataset(set.Features, set.Labels, opts.testRatio, opts.seed)
	return ml.Evaluate(model, testX, testY)
}
