package pretext

import (
	"fmt"
	"math/rand"

	"github.com/McKnightA/meta-multi-self-supervision/augment"
	"github.com/McKnightA/meta-multi-self-supervision/colorspace"
	"github.com/McKnightA/meta-multi-self-supervision/config"
	"github.com/McKnightA/meta-multi-self-supervision/logger"
	"github.com/McKnightA/meta-multi-self-supervision/model"
)

const (
	DefaultPrecision     = 128
	DefaultLabScale      = 110
	DefaultProjectionDim = 256
	DefaultTemperature   = 0.1
	RotationClasses      = 4
	Cifar10Classes       = 10
)

// Split decides which rows of the raw batch each task of a MultiTask sees.
type Split string

const (
	// SplitShared gives every task the whole raw batch.
	SplitShared Split = "shared"
	// SplitPartition gives each task its own contiguous, near-equal slice.
	SplitPartition Split = "partition"
)

type options struct {
	device        string
	log           logger.Logger
	augmenter     augment.Provider
	rng           *rand.Rand
	converter     *colorspace.Converter
	precision     int
	labScale      float32
	temperature   float32
	projectionDim int
	split         Split
	observer      Observer
}

// Option configures tasks and the MultiTask. Options a task has no use for
// are ignored.
type Option func(*options)

func WithDevice(device string) Option {
	return func(o *options) { o.device = device }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithAugmenter replaces the seeded random augmentations.
func WithAugmenter(p augment.Provider) Option {
	return func(o *options) { o.augmenter = p }
}

// WithRand seeds harmonization initialization.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

func WithConverter(c *colorspace.Converter) Option {
	return func(o *options) { o.converter = c }
}

// WithPrecision sets the number of colorization bins per chrominance channel.
func WithPrecision(p int) Option {
	return func(o *options) { o.precision = p }
}

func WithLabScale(s float32) Option {
	return func(o *options) { o.labScale = s }
}

func WithTemperature(t float32) Option {
	return func(o *options) { o.temperature = t }
}

func WithProjectionDim(d int) Option {
	return func(o *options) { o.projectionDim = d }
}

func WithSplit(s Split) Option {
	return func(o *options) { o.split = s }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{
		device:        model.DeviceCPU,
		precision:     DefaultPrecision,
		labScale:      DefaultLabScale,
		temperature:   DefaultTemperature,
		projectionDim: DefaultProjectionDim,
		split:         SplitShared,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.GetDefault()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(1))
	}
	if o.augmenter == nil {
		o.augmenter = augment.NewRandom(1, augment.DefaultConfig())
	}
	if o.converter == nil {
		c, err := colorspace.NewConverter(0)
		if err != nil {
			return nil, err
		}
		o.converter = c
	}
	switch {
	case o.precision < 2:
		return nil, fmt.Errorf("precision must be at least 2, got %d", o.precision)
	case o.labScale <= 0:
		return nil, fmt.Errorf("lab scale must be positive, got %v", o.labScale)
	case o.temperature <= 0:
		return nil, fmt.Errorf("temperature must be positive, got %v", o.temperature)
	case o.projectionDim <= 0:
		return nil, fmt.Errorf("projection dim must be positive, got %d", o.projectionDim)
	case o.split != SplitShared && o.split != SplitPartition:
		return nil, fmt.Errorf("unknown split %q", o.split)
	}
	return o, nil
}

// OptionsFromConfig translates a loaded configuration into task options.
// All randomness is seeded from cfg.Seed.
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	aug := augment.DefaultConfig()
	aug.CropMinScale = cfg.Augment.CropMinScale
	aug.ColorStrength = cfg.Augment.ColorStrength
	aug.ColorProbability = cfg.Augment.ColorProbability
	aug.GrayscaleProbability = cfg.Augment.GrayscaleProbability
	aug.BlurProbability = cfg.Augment.BlurProbability
	aug.FlipProbability = cfg.Augment.FlipProbability
	aug.MaskRatio = cfg.Masking.Ratio
	aug.PatchSize = cfg.Masking.PatchSize

	conv, err := colorspace.NewConverter(cfg.Cache.LabEntries)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithDevice(cfg.Device),
		WithAugmenter(augment.NewRandom(cfg.Seed, aug)),
		WithRand(rand.New(rand.NewSource(cfg.Seed))),
		WithConverter(conv),
		WithPrecision(cfg.Colorization.Precision),
		WithLabScale(float32(cfg.Colorization.LabScale)),
		WithTemperature(float32(cfg.Contrastive.Temperature)),
		WithProjectionDim(cfg.Contrastive.ProjectionDim),
		WithSplit(Split(cfg.Aggregator.Split)),
	}, nil
}
