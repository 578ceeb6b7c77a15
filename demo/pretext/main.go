package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/openfluke/loom/gpu"
	"github.com/spf13/cobra"

	"github.com/McKnightA/meta-multi-self-supervision/config"
	"github.com/McKnightA/meta-multi-self-supervision/dataset/cifar10"
	"github.com/McKnightA/meta-multi-self-supervision/logger"
	"github.com/McKnightA/meta-multi-self-supervision/metrics"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/pretext"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

type flags struct {
	steps       int
	batch       int
	features    int
	lr          float32
	dataDir     string
	download    bool
	maxSamples  int
	metricsAddr string
	adapter     string
	save        string
	resume      string
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
		Use:           "pretext",
		Short:         "Train a loom backbone on rotation, colorization, contrastive and masked pretext tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVar(&f.steps, "steps", 20, "Training steps")
	cmd.Flags().IntVar(&f.batch, "batch", 8, "Raw images per step")
	cmd.Flags().IntVar(&f.features, "features", 64, "Backbone embedding width")
	cmd.Flags().Float32Var(&f.lr, "lr", 0.01, "Learning rate")
	cmd.Flags().StringVar(&f.dataDir, "data", "", "Directory with the CIFAR-10 binary batches (synthetic images when empty)")
	cmd.Flags().BoolVar(&f.download, "download", false, "Download CIFAR-10 into --data when missing")
	cmd.Flags().IntVar(&f.maxSamples, "max-samples", 2000, "Samples to load from CIFAR-10")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
	cmd.Flags().StringVar(&f.adapter, "gpu", "", "Preferred GPU adapter substring (e.g. 'nvidia')")
	cmd.Flags().StringVar(&f.save, "save", "", "Write the trained backbone to this file")
	cmd.Flags().StringVar(&f.resume, "resume", "", "Start from a backbone saved with --save")
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

	adapter := f.adapter
	if adapter == "" {
		adapter = cfg.GPUAdapter
	}
	if adapter != "" {
		gpu.SetAdapterPreference(adapter)
	}

	images, err := loadImages(ctx, f, cfg.Seed)
	if err != nil {
		return err
	}
	log.Info("data ready", "images", images.Rows())

	backbone, err := newBackbone(f)
	if err != nil {
		return err
	}
	if err := backbone.Mount(cfg.Device); err != nil {
		log.Warn("backbone stays on cpu", "error", err)
	}

	recorder, err := metrics.NewRecorder()
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, recorder, log)
		defer shutdown(srv)
	}

	opts, err := pretext.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, pretext.WithLogger(log), pretext.WithObserver(recorder))
	tasks, err := pretext.NewAllFourSSL(f.features, model.NewLoomHead, model.NewLoomDecoder, opts...)
	if err != nil {
		return err
	}
	log.Info("tasks built", "tasks", len(tasks.Tasks()), "parameters", len(tasks.Parameters()), "split", tasks.Split())

	rng := rand.New(rand.NewSource(cfg.Seed))
	for step := 1; step <= f.steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := sample(images, f.batch, rng)
		if err != nil {
			return err
		}
		start := time.Now()
		batch, res, err := tasks.Step(backbone, raw)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		inputGrad, err := backbone.Backward(res.FeatureGrad)
		if err != nil {
			return fmt.Errorf("step %d: backbone backward: %w", step, err)
		}
		if err := tasks.Backward(batch, inputGrad); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		tasks.ApplyGradients(f.lr)
		backbone.ApplyGradients(f.lr)

		kv := []any{"step", step, "loss", res.Value, "rows", batch.Inputs.Rows(), "took", time.Since(start)}
		for _, l := range res.Losses {
			kv = append(kv, l.Task, l.Value)
		}
		log.Info("step done", kv...)
	}
	if f.save != "" {
		if err := backbone.Save(f.save); err != nil {
			return err
		}
		log.Info("backbone saved", "path", f.save)
	}
	return nil
}

func newBackbone(f flags) (*model.LoomBackbone, error) {
	if f.resume != "" {
		return model.LoadLoomBackbone(f.resume, cifar10.Channels, cifar10.ImageSize, cifar10.ImageSize, f.features)
	}
	return model.NewLoomBackbone(cifar10.Channels, cifar10.ImageSize, cifar10.ImageSize, f.features)
}

// loadImages returns CIFAR-10 training images, or random ones when no data
// directory is given.
func loadImages(ctx context.Context, f flags, seed int64) (tensor.Tensor, error) {
	if f.dataDir == "" {
		rng := rand.New(rand.NewSource(seed))
		t := tensor.New(max(f.batch*4, 32), cifar10.Channels, cifar10.ImageSize, cifar10.ImageSize)
		for i := range t.Data {
			t.Data[i] = float32(rng.Intn(256))
		}
		return t, nil
	}
	dir := f.dataDir
	if f.download {
		var err error
		if dir, err = cifar10.Ensure(ctx, f.dataDir); err != nil {
			return tensor.Tensor{}, err
		}
	}
	samples, err := cifar10.Load(dir, cifar10.TrainFiles, f.maxSamples)
	if err != nil {
		return tensor.Tensor{}, err
	}
	images, _ := cifar10.Batch(samples)
	return images, nil
}

func sample(images tensor.Tensor, n int, rng *rand.Rand) (tensor.Tensor, error) {
	if n > images.Rows() {
		return tensor.Tensor{}, fmt.Errorf("batch of %d from %d images", n, images.Rows())
	}
	lo := rng.Intn(images.Rows() - n + 1)
	view, err := images.SliceRows(lo, lo+n)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return view.Clone(), nil
}

func serveMetrics(addr string, recorder *metrics.Recorder, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
