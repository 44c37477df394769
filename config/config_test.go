package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
http:
  port: 8081
serve:
  mode: cached
telemetry:
  timeout: 2s
  devices:
    - name: sgMyDD1
      endpoint: http://example.test/v2/devices/one/streams
      key: k1
    - name: sgMyDD2
      endpoint: http://example.test/v2/devices/two/streams
      key: k2
`

func TestDecodeAppliesDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Http.Port != 8081 {
		t.Fatalf("expected port 8081, got %d", cfg.Http.Port)
	}
	if cfg.Serve.Mode != ModeCached {
		t.Fatalf("expected cached mode, got %s", cfg.Serve.Mode)
	}
	if cfg.Telemetry.Timeout != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %v", cfg.Telemetry.Timeout)
	}
	if len(cfg.Telemetry.Devices) != 2 || cfg.Telemetry.Devices[1].Name != "sgMyDD2" {
		t.Fatalf("unexpected devices: %+v", cfg.Telemetry.Devices)
	}
	if cfg.ML.ModelPath != "models/finalized_model.json" || cfg.ML.Trees != 10 || cfg.ML.Seed != 1 {
		t.Fatalf("unexpected ml defaults: %+v", cfg.ML)
	}
	if cfg.Addr() != ":8081" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}
}

func TestDecodeDefaultPort(t *testing.T) {
	yaml := strings.Replace(sampleYAML, "port: 8081", "", 1)
	cfg, err := Decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Http.Port != 5000 {
		t.Fatalf("expected default port 5000, got %d", cfg.Http.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CROPCAST_MODE", "on_demand")
	t.Setenv("CROPCAST_MODEL_PATH", "/tmp/model.json")

	cfg, err := Decode(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Http.Port != 9090 {
		t.Fatalf("expected PORT override, got %d", cfg.Http.Port)
	}
	if cfg.Serve.Mode != ModeOnDemand {
		t.Fatalf("expected mode override, got %s", cfg.Serve.Mode)
	}
	if cfg.ML.ModelPath != "/tmp/model.json" {
		t.Fatalf("expected model path override, got %s", cfg.ML.ModelPath)
	}
}

func TestDeviceKeyExpansion(t *testing.T) {
	t.Setenv("SGMYDD1_KEY", "secret")
	yaml := strings.Replace(sampleYAML, "key: k1", "key: ${SGMYDD1_KEY}", 1)

	cfg, err := Decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.Devices[0].Key != "secret" {
		t.Fatalf("expected expanded key, got %q", cfg.Telemetry.Devices[0].Key)
	}

	t.Setenv("SGMYDD1_KEY", "")
	if _, err := Decode(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected an error for an unset key variable")
	}
}

func TestInvalidPortEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Decode(strings.NewReader(sampleYAML)); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestValidate(t *testing.T) {
	device := func(name string) string {
		return "    - name: " + name + "\n      endpoint: http://example.test/" + name + "\n      key: k\n"
	}

	tests := []struct {
		name string
		yaml string
	}{
		{"no devices", "serve:\n  mode: on_demand\n"},
		{"bad mode", "serve:\n  mode: sometimes\ntelemetry:\n  devices:\n" + device("a")},
		{"duplicate device", "telemetry:\n  devices:\n" + device("a") + device("a")},
		{"missing key", "telemetry:\n  devices:\n    - name: a\n      endpoint: http://example.test/a\n"},
		{"too many devices", "telemetry:\n  devices:\n" + device("a") + device("b") + device("c") + device("d") + device("e") + device("f")},
		{"negative cache", "ml:\n  cache_size: -1\ntelemetry:\n  devices:\n" + device("a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.yaml)); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry.Devices[0].Key != "k1" {
		t.Fatalf("unexpected device key %q", cfg.Telemetry.Devices[0].Key)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDecodeTraining(t *testing.T) {
	cfg, err := DecodeTraining(strings.NewReader("ml:\n  training_data: data/soil.csv\n  trees: 25\n  seed: 7\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ML.TrainingData != "data/soil.csv" || cfg.ML.Trees != 25 || cfg.ML.Seed != 7 {
		t.Fatalf("unexpected ml settings: %+v", cfg.ML)
	}
	if cfg.ML.MaxTreeDepth != 8 || cfg.ML.TestRatio != 0.25 {
		t.Fatalf("expected training defaults, got %+v", cfg.ML)
	}

	bad := map[string]string{
		"test ratio one": "ml:\n  test_ratio: 1\n",
		"negative ratio": "ml:\n  test_ratio: -0.5\n",
		"negative trees": "ml:\n  trees: -1\n",
		"negative depth": "ml:\n  max_tree_depth: -3\n",
		"malformed yaml": "ml: [\n",
	}
	for name, yaml := range bad {
		if _, err := DecodeTraining(strings.NewReader(yaml)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestServerIgnoresTrainingSettings(t *testing.T) {
	yaml := sampleYAML + "ml:\n  test_ratio: 3\n"
	if _, err := Decode(strings.NewReader(yaml)); err != nil {
		t.Fatalf("training settings should not stop the server: %v", err)
	}
}

func TestLoadTrainingMissingFile(t *testing.T) {
	cfg, err := LoadTraining(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ML.TrainingData != "Training_Set.csv" || cfg.ML.Trees != 10 {
		t.Fatalf("expected defaults, got %+v", cfg.ML)
	}
}
