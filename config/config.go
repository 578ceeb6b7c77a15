// Package config loads the hyper-parameters of the pretext tasks and the
// demos. Defaults come from Default(), environment variables prefixed with
// SSL_ override them (SSL_CONTRASTIVE_TEMPERATURE sets
// contrastive.temperature), and explicit overrides win over both.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read by Load.
const EnvPrefix = "SSL_"

type Config struct {
	Seed         int64              `koanf:"seed"`
	Device       string             `koanf:"device"      validate:"oneof=cpu gpu"`
	GPUAdapter   string             `koanf:"gpu_adapter"`
	Log          LogConfig          `koanf:"log"`
	Colorization ColorizationConfig `koanf:"colorization"`
	Contrastive  ContrastiveConfig  `koanf:"contrastive"`
	Masking      MaskingConfig      `koanf:"masking"`
	Augment      AugmentConfig      `koanf:"augment"`
	Aggregator   AggregatorConfig   `koanf:"aggregator"`
	Cache        CacheConfig        `koanf:"cache"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error disabled"`
	JSON  bool   `koanf:"json"`
}

type ColorizationConfig struct {
	// Precision is the number of chrominance bins per channel.
	Precision int `koanf:"precision" validate:"gt=1"`
	// LabScale divides Lab values before they reach the network.
	LabScale float64 `koanf:"lab_scale" validate:"gt=0"`
}

type ContrastiveConfig struct {
	ProjectionDim int     `koanf:"projection_dim" validate:"gt=0"`
	Temperature   float64 `koanf:"temperature"    validate:"gt=0"`
}

type MaskingConfig struct {
	Ratio     float64 `koanf:"ratio"      validate:"gte=0,lte=1"`
	PatchSize int     `koanf:"patch_size" validate:"gt=0"`
}

type AugmentConfig struct {
	CropMinScale         float64 `koanf:"crop_min_scale"        validate:"gt=0,lte=1"`
	ColorStrength        float64 `koanf:"color_strength"        validate:"gte=0"`
	ColorProbability     float64 `koanf:"color_probability"     validate:"gte=0,lte=1"`
	GrayscaleProbability float64 `koanf:"grayscale_probability" validate:"gte=0,lte=1"`
	BlurProbability      float64 `koanf:"blur_probability"      validate:"gte=0,lte=1"`
	FlipProbability      float64 `koanf:"flip_probability"      validate:"gte=0,lte=1"`
}

type AggregatorConfig struct {
	// Split is "shared" (every task sees the whole raw batch) or
	// "partition" (each task gets its own contiguous slice).
	Split string `koanf:"split" validate:"oneof=shared partition"`
}

type CacheConfig struct {
	LabEntries int `koanf:"lab_entries" validate:"gt=0"`
}

func Default() *Config {
	return &Config{
		Seed:   1,
		Device: "cpu",
		Log:    LogConfig{Level: "info"},
		Colorization: ColorizationConfig{
			Precision: 128,
			LabScale:  110,
		},
		Contrastive: ContrastiveConfig{
			ProjectionDim: 256,
			Temperature:   0.1,
		},
		Masking: MaskingConfig{
			Ratio:     0.75,
			PatchSize: 4,
		},
		Augment: AugmentConfig{
			CropMinScale:         0.08,
			ColorStrength:        1.0,
			ColorProbability:     0.8,
			GrayscaleProbability: 0.2,
			BlurProbability:      0.5,
			FlipProbability:      0.5,
		},
		Aggregator: AggregatorConfig{Split: "shared"},
		Cache:      CacheConfig{LabEntries: 1 << 16},
	}
}

type loadOptions struct {
	env       bool
	overrides map[string]any
}

type LoadOption func(*loadOptions)

// WithoutEnv ignores the process environment.
func WithoutEnv() LoadOption {
	return func(o *loadOptions) { o.env = false }
}

// WithOverrides sets dotted keys ("contrastive.temperature") after every
// other source.
func WithOverrides(values map[string]any) LoadOption {
	return func(o *loadOptions) { o.overrides = values }
}

// Load builds a validated Config.
func Load(opts ...LoadOption) (*Config, error) {
	o := loadOptions{env: true}
	for _, opt := range opts {
		opt(&o)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if o.env {
		known := make(map[string]string)
		for _, key := range k.Keys() {
			known[EnvVar(key)] = key
		}
		if err := k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return known[key], value
			},
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	for key, value := range o.overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvVar is the environment variable that overrides a dotted config key.
func EnvVar(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
