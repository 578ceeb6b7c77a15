package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/openfluke/loom/gpu"
	"github.com/spf13/cobra"

	"github.com/McKnightA/meta-multi-self-supervision/config"
	"github.com/McKnightA/meta-multi-self-supervision/dataset/cifar10"
	"github.com/McKnightA/meta-multi-self-supervision/logger"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/pretext"
)

type flags struct {
	epochs    int
	batch     int
	features  int
	lr        float32
	dataDir   string
	download  bool
	trainSize int
	testSize  int
	adapter   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "cifar10",
		Short:         "Supervised CIFAR-10 classification on the loom backbone",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVar(&f.epochs, "epochs", 2, "Passes over the training subset")
	cmd.Flags().IntVar(&f.batch, "batch", 20, "Images per step")
	cmd.Flags().IntVar(&f.features, "features", 64, "Backbone embedding width")
	cmd.Flags().Float32Var(&f.lr, "lr", 0.01, "Learning rate")
	cmd.Flags().StringVar(&f.dataDir, "data", "data", "Directory holding (or receiving) the CIFAR-10 archive")
	cmd.Flags().BoolVar(&f.download, "download", true, "Download CIFAR-10 when missing")
	cmd.Flags().IntVar(&f.trainSize, "train", 1000, "Training samples to load")
	cmd.Flags().IntVar(&f.testSize, "test", 200, "Test samples to load")
	cmd.Flags().StringVar(&f.adapter, "gpu", "", "Preferred GPU adapter substring (e.g. 'nvidia')")
	return cmd
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(&logger.Config{
		Level:      logger.LogLevel(cfg.Log.Level),
		Output:     os.Stdout,
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
	})
	log := logger.GetDefault().With("run", uuid.NewString())
	if f.adapter != "" {
		gpu.SetAdapterPreference(f.adapter)
	}

	dir := f.dataDir
	if f.download {
		if dir, err = cifar10.Ensure(ctx, f.dataDir); err != nil {
			return err
		}
	}
	train, err := cifar10.Load(dir, cifar10.TrainFiles, f.trainSize)
	if err != nil {
		return err
	}
	test, err := cifar10.Load(dir, []string{cifar10.TestFile}, f.testSize)
	if err != nil {
		return err
	}
	log.Info("data ready", "train", len(train), "test", len(test))

	backbone, err := model.NewLoomBackbone(cifar10.Channels, cifar10.ImageSize, cifar10.ImageSize, f.features)
	if err != nil {
		return err
	}
	if err := backbone.Mount(cfg.Device); err != nil {
		log.Warn("backbone stays on cpu", "error", err)
	}
	task, err := pretext.NewCifar10Classification(f.features, model.NewLoomHead,
		pretext.WithDevice(cfg.Device), pretext.WithLogger(log))
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	for epoch := 1; epoch <= f.epochs; epoch++ {
		start := time.Now()
		var total float32
		batches := cifar10.Batches(train, f.batch, rng)
		for _, samples := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, labels := cifar10.Batch(samples)
			in, err := task.Pretreat(raw)
			if err != nil {
				return err
			}
			features, err := backbone.Forward(in)
			if err != nil {
				return err
			}
			l, err := task.GenerateLoss(features, labels)
			if err != nil {
				return err
			}
			if _, err := backbone.Backward(l.FeatureGrad); err != nil {
				return err
			}
			task.ApplyGradients(f.lr)
			backbone.ApplyGradients(f.lr)
			total += l.Value
		}
		acc, err := accuracy(task, backbone, test)
		if err != nil {
			return err
		}
		log.Info("epoch done",
			"epoch", epoch,
			"loss", total/float32(max(len(batches), 1)),
			"accuracy", fmt.Sprintf("%.2f%%", acc*100),
			"took", time.Since(start))
	}
	return nil
}

func accuracy(task *pretext.Cifar10Classification, backbone model.Backbone, samples []cifar10.Sample) (float64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	raw, labels := cifar10.Batch(samples)
	in, err := task.Pretreat(raw)
	if err != nil {
		return 0, err
	}
	features, err := backbone.Forward(in)
	if err != nil {
		return 0, err
	}
	predicted, err := task.Predict(features)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i, p := range predicted {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}
