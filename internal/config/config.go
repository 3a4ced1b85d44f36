// Package config loads neuroscan settings from a YAML file, a .env file and
// the process environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when no path is given.
const DefaultPath = "neuroscan.yaml"

// StageLabels is the fixed label ordering the classifier is trained and
// evaluated against: the sorted class directory names of the dataset.
var StageLabels = []string{
	"Mild Dementia",
	"Moderate Dementia",
	"Non Demented",
	"Very mild Dementia",
}

// Environment variable names.
const (
	EnvDataDir    = "NEUROSCAN_DATA_DIR"
	EnvCheckpoint = "NEUROSCAN_CHECKPOINT"
	EnvLogLevel   = "NEUROSCAN_LOG_LEVEL"
	EnvHistoryDB  = "NEUROSCAN_HISTORY_DB"
	EnvAddr       = "NEUROSCAN_ADDR"
	EnvONNXPath   = "NEUROSCAN_ONNX_PATH"
	EnvToken      = "TELEGRAM_TOKEN"
)

// Config is the complete runtime configuration.
type Config struct {
	Dataset Dataset `yaml:"dataset"`
	Augment Augment `yaml:"augment"`
	Model   Model   `yaml:"model"`
	Train   Train   `yaml:"train"`
	Predict Predict `yaml:"predict"`
	History History `yaml:"history"`
	Log     Log     `yaml:"log"`
	Server  Server  `yaml:"server"`
	Bot     Bot     `yaml:"bot"`
}

// Dataset describes where images live and how batches are assembled.
type Dataset struct {
	Root            string  `yaml:"root"`
	ValidationSplit float64 `yaml:"validation_split"`
	ImageHeight     int     `yaml:"image_height"`
	ImageWidth      int     `yaml:"image_width"`
	BatchSize       int     `yaml:"batch_size"`
	Shuffle         bool    `yaml:"shuffle"`
	Seed            int64   `yaml:"seed"`     // 0 picks a time based seed
	Workers         int     `yaml:"workers"`  // 0 uses every CPU
	Prefetch        int     `yaml:"prefetch"` // batches produced ahead, 0 disables
	Decoder         string  `yaml:"decoder"`  // go | opencv
	Verify          bool    `yaml:"verify"`   // drop unreadable files at discovery
}

// Augment holds the random transform ranges applied to training images.
type Augment struct {
	RotationRange    float64 `yaml:"rotation_range"` // degrees
	ZoomRange        float64 `yaml:"zoom_range"`
	WidthShiftRange  float64 `yaml:"width_shift_range"`
	HeightShiftRange float64 `yaml:"height_shift_range"`
	HorizontalFlip   bool    `yaml:"horizontal_flip"`
}

// Model describes the backbone and the classification head.
type Model struct {
	Backbone     string  `yaml:"backbone"` // onnx | stem
	ONNXPath     string  `yaml:"onnx_path"`
	Device       string  `yaml:"device"` // cpu | webgpu
	DenseUnits   int     `yaml:"dense_units"`
	Dropout      float64 `yaml:"dropout"`
	LearningRate float64 `yaml:"learning_rate"`
	StemChannels []int   `yaml:"stem_channels"`
}

// Train bounds the training loop.
type Train struct {
	Epochs                int    `yaml:"epochs"`
	StepsPerEpoch         int    `yaml:"steps_per_epoch"`
	ValidationSteps       int    `yaml:"validation_steps"`
	Patience              int    `yaml:"patience"`
	CheckpointPath        string `yaml:"checkpoint_path"`
	FailOnCheckpointError bool   `yaml:"fail_on_checkpoint_error"`
}

// Predict configures inference.
type Predict struct {
	Labels        []string `yaml:"labels"`
	NegativeLabel string   `yaml:"negative_label"`
}

// History configures the sqlite run history.
type History struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Log configures zap and file rotation.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Server configures the HTTP front end.
type Server struct {
	Addr        string `yaml:"addr"`
	CacheSize   int    `yaml:"cache_size"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// Bot configures the Telegram front end.
type Bot struct {
	Token string `yaml:"token"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Dataset: Dataset{
			Root:            "data/raw/dataset/Data",
			ValidationSplit: 0.2,
			ImageHeight:     224,
			ImageWidth:      224,
			BatchSize:       32,
			Shuffle:         true,
			Decoder:         "go",
		},
		Augment: Augment{
			RotationRange:    15,
			ZoomRange:        0.1,
			WidthShiftRange:  0.1,
			HeightShiftRange: 0.1,
			HorizontalFlip:   true,
		},
		Model: Model{
			Backbone:     "onnx",
			ONNXPath:     "models/resnet50_notop.onnx",
			Device:       "cpu",
			DenseUnits:   256,
			Dropout:      0.5,
			LearningRate: 1e-3,
			StemChannels: []int{16, 32, 64},
		},
		Train: Train{
			Epochs:          5,
			StepsPerEpoch:   300,
			ValidationSteps: 80,
			Patience:        5,
			CheckpointPath:  "models/resnet_alzheimer.born",
		},
		Predict: Predict{
			Labels:        append([]string(nil), StageLabels...),
			NegativeLabel: "Non Demented",
		},
		History: History{
			Enabled: true,
			Path:    "models/history.db",
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: Server{
			Addr:        ":8080",
			CacheSize:   256,
			MaxUploadMB: 10,
		},
	}
}

// Load reads path over the defaults, then applies .env and environment
// overrides. An empty path means DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}

	// A missing .env is fine.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Dataset.Root = v
	}
	if v := os.Getenv(EnvCheckpoint); v != "" {
		c.Train.CheckpointPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvHistoryDB); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvONNXPath); v != "" {
		c.Model.ONNXPath = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Bot.Token = v
	}
}

// ValidationError reports a setting that cannot be used.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// Validate checks that settings are usable together.
func (c *Config) Validate() error {
	checks := []struct {
		ok     bool
		field  string
		value  any
		reason string
	}{
		{c.Dataset.ValidationSplit > 0 && c.Dataset.ValidationSplit < 1, "dataset.validation_split", c.Dataset.ValidationSplit, "must be in (0, 1)"},
		{c.Dataset.ImageHeight > 0, "dataset.image_height", c.Dataset.ImageHeight, "must be positive"},
		{c.Dataset.ImageWidth > 0, "dataset.image_width", c.Dataset.ImageWidth, "must be positive"},
		{c.Dataset.BatchSize > 0, "dataset.batch_size", c.Dataset.BatchSize, "must be positive"},
		{c.Dataset.Workers >= 0, "dataset.workers", c.Dataset.Workers, "must not be negative"},
		{c.Dataset.Prefetch >= 0, "dataset.prefetch", c.Dataset.Prefetch, "must not be negative"},
		{c.Dataset.Decoder == "go" || c.Dataset.Decoder == "opencv", "dataset.decoder", c.Dataset.Decoder, "must be go or opencv"},
		{c.Augment.RotationRange >= 0, "augment.rotation_range", c.Augment.RotationRange, "must not be negative"},
		{c.Augment.ZoomRange >= 0 && c.Augment.ZoomRange < 1, "augment.zoom_range", c.Augment.ZoomRange, "must be in [0, 1)"},
		{c.Model.Backbone == "onnx" || c.Model.Backbone == "stem", "model.backbone", c.Model.Backbone, "must be onnx or stem"},
		{c.Model.Backbone != "onnx" || c.Model.ONNXPath != "", "model.onnx_path", c.Model.ONNXPath, "required for the onnx backbone"},
		{c.Model.Device == "cpu" || c.Model.Device == "webgpu", "model.device", c.Model.Device, "must be cpu or webgpu"},
		{c.Model.DenseUnits > 0, "model.dense_units", c.Model.DenseUnits, "must be positive"},
		{c.Model.Dropout >= 0 && c.Model.Dropout < 1, "model.dropout", c.Model.Dropout, "must be in [0, 1)"},
		{c.Model.LearningRate > 0, "model.learning_rate", c.Model.LearningRate, "must be positive"},
		{c.Train.Epochs > 0, "train.epochs", c.Train.Epochs, "must be positive"},
		{c.Train.StepsPerEpoch > 0, "train.steps_per_epoch", c.Train.StepsPerEpoch, "must be positive"},
		{c.Train.ValidationSteps > 0, "train.validation_steps", c.Train.ValidationSteps, "must be positive"},
		{c.Train.Patience > 0, "train.patience", c.Train.Patience, "must be positive"},
		{c.Train.CheckpointPath != "", "train.checkpoint_path", c.Train.CheckpointPath, "required"},
		{len(c.Predict.Labels) > 1, "predict.labels", c.Predict.Labels, "need at least two labels"},
		{c.Server.CacheSize >= 0, "server.cache_size", c.Server.CacheSize, "must not be negative"},
		{c.Server.MaxUploadMB > 0, "server.max_upload_mb", c.Server.MaxUploadMB, "must be positive"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return &ValidationError{Field: ch.field, Value: ch.value, Reason: ch.reason}
		}
	}
	for _, s := range c.Model.StemChannels {
		if s <= 0 {
			return &ValidationError{Field: "model.stem_channels", Value: c.Model.StemChannels, Reason: "channels must be positive"}
		}
	}
	return nil
}

// SeedOr returns the configured seed, or def when none is set.
func (d Dataset) SeedOr(def int64) int64 {
	if d.Seed != 0 {
		return d.Seed
	}
	return def
}

// ParseSize parses "HxW" or a single number into an image size.
func ParseSize(s string) (h, w int, err error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("config: bad size %q", s)
	}
	h, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("config: bad size %q: %w", s, err)
	}
	w = h
	if len(parts) == 2 {
		w, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return 0, 0, fmt.Errorf("config: bad size %q: %w", s, err)
		}
	}
	return h, w, nil
}
