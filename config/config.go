// Package config loads the service configuration from a YAML file, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"cropcast/telemetry"
)

// Serving modes for the output endpoint.
const (
	ModeOnDemand = "on_demand"
	ModeCached   = "cached"
)

// MaxDevices is the number of devices the service is built to poll.
const MaxDevices = 5

type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	Serve struct {
		Mode string `yaml:"mode"`
	} `yaml:"serve"`
	ML struct {
		ModelPath    string  `yaml:"model_path"`
		Watch        bool    `yaml:"watch"`
		CacheSize    int     `yaml:"cache_size"`
		TrainingData string  `yaml:"training_data"`
		Trees        int     `yaml:"trees"`
		MaxTreeDepth int     `yaml:"max_tree_depth"`
		Seed         int64   `yaml:"seed"`
		TestRatio    float64 `yaml:"test_ratio"`
	} `yaml:"ml"`
	Telemetry struct {
		Timeout    time.Duration      `yaml:"timeout"`
		RetryCount int                `yaml:"retry_count"`
		Devices    []telemetry.Device `yaml:"devices"`
	} `yaml:"telemetry"`
}

// Load reads .env (if present), decodes the YAML file at path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Decode(file)
}

// Decode is Load without the filesystem and .env handling.
func Decode(r io.Reader) (*Config, error) {
	config, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadTraining is Load for the offline trainer. A missing file yields the
// defaults, and only the ml section is validated.
func LoadTraining(path string) (*Config, error) {
	_ = godotenv.Load()

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DecodeTraining(strings.NewReader(""))
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return DecodeTraining(file)
}

// DecodeTraining is LoadTraining without the filesystem and .env handling.
func DecodeTraining(r io.Reader) (*Config, error) {
	config, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateTraining(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(r io.Reader) (*Config, error) {
	var config Config
	if err := yaml.NewDecoder(r).Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q", v)
		}
		c.Http.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("CROPCAST_MODE")); v != "" {
		c.Serve.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("CROPCAST_MODEL_PATH")); v != "" {
		c.ML.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("CROPCAST_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	// Device keys may reference the environment, e.g. key: ${SGMYDD1_KEY}.
	for i := range c.Telemetry.Devices {
		c.Telemetry.Devices[i].Key = strings.TrimSpace(os.ExpandEnv(c.Telemetry.Devices[i].Key))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Http.Port == 0 {
		c.Http.Port = 5000
	}
	if c.Http.Timeout == 0 {
		c.Http.Timeout = 30 * time.Second
	}
	if len(c.Http.AllowedOrigins) == 0 {
		c.Http.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Serve.Mode == "" {
		c.Serve.Mode = ModeOnDemand
	}
	if c.ML.ModelPath == "" {
		c.ML.ModelPath = "models/finalized_model.json"
	}
	if c.ML.TrainingData == "" {
		c.ML.TrainingData = "Training_Set.csv"
	}
	if c.ML.Trees == 0 {
		c.ML.Trees = 10
	}
	if c.ML.MaxTreeDepth == 0 {
		c.ML.MaxTreeDepth = 8
	}
	if c.ML.Seed == 0 {
		c.ML.Seed = 1
	}
	if c.ML.TestRatio == 0 {
		c.ML.TestRatio = 0.25
	}
	if c.Telemetry.Timeout == 0 {
		c.Telemetry.Timeout = 5 * time.Second
	}
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.Http.Port)
	}
	if c.Serve.Mode != ModeOnDemand && c.Serve.Mode != ModeCached {
		return fmt.Errorf("config: serve.mode must be %q or %q, got %q", ModeOnDemand, ModeCached, c.Serve.Mode)
	}
	if c.ML.CacheSize < 0 {
		return errors.New("config: ml.cache_size must not be negative")
	}
	if c.Telemetry.RetryCount < 0 {
		return errors.New("config: telemetry.retry_count must not be negative")
	}

	devices := c.Telemetry.Devices
	if len(devices) == 0 {
		return errors.New("config: telemetry.devices must list at least one device")
	}
	if len(devices) > MaxDevices {
		return fmt.Errorf("config: at most %d devices are supported, got %d", MaxDevices, len(devices))
	}
	seen := make(map[string]bool, len(devices))
	for i, d := range devices {
		if d.Name == "" || d.Endpoint == "" || d.Key == "" {
			return fmt.Errorf("config: device %d needs name, endpoint and key", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// ValidateTraining checks the ml settings the trainer uses.
func (c *Config) ValidateTraining() error {
	if c.ML.TrainingData == "" || c.ML.ModelPath == "" {
		return errors.New("config: ml.training_data and ml.model_path are required")
	}
	if c.ML.Trees < 1 {
		return fmt.Errorf("config: ml.trees %d must be positive", c.ML.Trees)
	}
	if c.ML.MaxTreeDepth < 1 {
		return fmt.Errorf("config: ml.max_tree_depth %d must be positive", c.ML.MaxTreeDepth)
	}
	if c.ML.TestRatio <= 0 || c.ML.TestRatio >= 1 {
		return fmt.Errorf("config: ml.test_ratio %v must be in (0, 1)", c.ML.TestRatio)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Http.Port)
}
