package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"cropcast/apierr"
)

const artifactVersion = 1

type artifact struct {
	Version  int          `json:"version"`
	Features []string     `json:"features"`
	Classes  []string     `json:"classes"`
	Seed     int64        `json:"seed"`
	Trees    [][]TreeNode `json:"trees"`
}

// LoadModel reads a forest artifact. A missing file is ArtifactNotFound; any
// read, decode or structural problem is ArtifactCorrupt.
func LoadModel(path string) (*RandomForest, error) {
	const op = "load model"

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apierr.New(apierr.ArtifactNotFound, op, err)
		}
		return nil, apierr.New(apierr.ArtifactCorrupt, op, err)
	}

	var a artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, apierr.New(apierr.ArtifactCorrupt, op, err)
	}
	if err := a.validate(); err != nil {
		return nil, apierr.New(apierr.ArtifactCorrupt, op, err)
	}

	forest := &RandomForest{
		features: a.Features,
		classes:  a.Classes,
		seed:     a.Seed,
		trees:    make([]*DecisionTree, len(a.Trees)),
	}
	for i, nodes := range a.Trees {
		forest.trees[i] = &DecisionTree{nodes: nodes, numClasses: len(a.Classes)}
	}
	return forest, nil
}

// SaveModel writes the forest next to path and renames it into place.
func SaveModel(model *RandomForest, path string) error {
	if model == nil || len(model.trees) == 0 {
		return errors.New("model not trained")
	}

	a := artifact{
		Version:  artifactVersion,
		Features: model.features,
		Classes:  model.classes,
		Seed:     model.seed,
		Trees:    make([][]TreeNode, len(model.trees)),
	}
	for i, tree := range model.trees {
		a.Trees[i] = tree.nodes
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (a *artifact) validate() error {
	if a.Version != artifactVersion {
		return fmt.Errorf("unsupported artifact version %d", a.Version)
	}
	if len(a.Features) == 0 {
		return errors.New("artifact lists no features")
	}
	if len(a.Classes) < 2 {
		return errors.New("artifact lists fewer than two classes")
	}
	if len(a.Trees) == 0 {
		return errors.New("artifact holds no trees")
	}
	for t, nodes := range a.Trees {
		if len(nodes) == 0 {
			return fmt.Errorf("tree %d is empty", t)
		}
		for i, node := range nodes {
			if node.IsLeaf {
				if len(node.Distribution) != len(a.Classes) {
					return fmt.Errorf("tree %d node %d: distribution has %d classes", t, i, len(node.Distribution))
				}
				if err := checkDistribution(node.Distribution); err != nil {
					return fmt.Errorf("tree %d node %d: %w", t, i, err)
				}
				continue
			}
			if node.FeatureIdx < 0 || node.FeatureIdx >= len(a.Features) {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", t, i, node.FeatureIdx)
			}
			// children always follow their parent, so traversal terminates
			for _, child := range []int{node.LeftChild, node.RightChild} {
				if child <= i || child >= len(nodes) {
					return fmt.Errorf("tree %d node %d: child %d out of range", t, i, child)
				}
			}
		}
	}
	return nil
}

func checkDistribution(dist []float64) error {
	sum := 0.0
	for _, p := range dist {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("probability %v out of range", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return fmt.Errorf("distribution sums to %v", sum)
	}
	return nil
}
