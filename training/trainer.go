package training

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"time"

	"gonum.org/v1/plot/plotter"

	"github.com/tsawler/go-srgan/async"
	"github.com/tsawler/go-srgan/evaluation"
	"github.com/tsawler/go-srgan/srgan"
	"github.com/tsawler/go-srgan/vision/dataloader"
	"github.com/tsawler/go-srgan/vision/dataset"
)

// SRGANConfig holds configuration for adversarial training. Every
// iteration consumes one batch.
type SRGANConfig struct {
	Epochs    int // iterations to run
	BatchSize int
	Workers   int // prefetch workers
	QueueSize int // prefetched batches

	DataName           string // prefix of weight files
	TrainDir           string
	ValidationDir      string  // optional, evaluated every PrintFrequency iterations
	ValidationSplit    float64 // fraction of the training pool held out when ValidationDir is empty
	TestDir            string  // optional, reported every TestFrequency iterations
	StepsPerValidation int
	CropsPerImage      int
	CacheSize          int // decoded training images kept in memory

	FirstEpoch         int // iteration number to resume counting from
	PrintFrequency     int
	WeightFrequency    int // 0 disables periodic weight files
	WeightPath         string
	MaxCheckpoints     int    // periodic weight sets kept, 0 = all
	LogPath            string // "" disables the metrics stream
	LogName            string
	LogUpdateFrequency int
	TestFrequency      int
	TestPath           string

	Seed    int64
	Plotter *PlottingService // optional sidecar for loss curves
}

// DefaultSRGANConfig returns the defaults of an adversarial run. Epochs,
// BatchSize and TrainDir must still be set.
func DefaultSRGANConfig() SRGANConfig {
	return SRGANConfig{
		Workers:            4,
		QueueSize:          10,
		DataName:           "SRGAN",
		StepsPerValidation: 10,
		CropsPerImage:      1,
		PrintFrequency:     50,
		WeightFrequency:    500,
		WeightPath:         "./data/weights/",
		LogPath:            "./data/logs/",
		LogName:            "SRGAN",
		LogUpdateFrequency: 500,
		TestFrequency:      500,
		TestPath:           "./images/samples/",
		Seed:               1,
	}
}

func (c *SRGANConfig) validate() error {
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in [0, 1), got %g", c.ValidationSplit)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TrainDir == "" {
		return fmt.Errorf("training directory is required")
	}
	if c.DataName == "" {
		c.DataName = "SRGAN"
	}
	if c.LogName == "" {
		c.LogName = "SRGAN"
	}
	if c.PrintFrequency <= 0 {
		c.PrintFrequency = 1
	}
	if c.LogUpdateFrequency <= 0 {
		c.LogUpdateFrequency = 1
	}
	if c.StepsPerValidation <= 0 {
		c.StepsPerValidation = 1
	}
	return nil
}

// SRGANResult summarises an adversarial run
type SRGANResult struct {
	Iterations    int // completed iterations
	LastIteration int
	Generator     map[string]float64 // composite metrics of the last iteration
	Discriminator map[string]float64
	Duration      time.Duration
}

// TrainSRGAN runs the adversarial loop. Each iteration pops a batch,
// updates the discriminator on real and generated images, then updates
// the generator through the composite on the adversarial and perceptual
// losses. The prefetch queue is stopped on every return path.
func TrainSRGAN(ctx context.Context, net *srgan.SRGAN, config SRGANConfig) (*SRGANResult, error) {
	if net.Discriminator == nil || net.Composite == nil {
		return nil, fmt.Errorf("adversarial training needs a network built in training mode")
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	out := net.Output()
	cfg := net.Config()

	loader, valLoader, err := newLoaders(config.TrainDir, config.ValidationDir, config.ValidationSplit, config.Seed,
		cfg, config.BatchSize, config.CropsPerImage, config.CacheSize, out)
	if err != nil {
		return nil, err
	}
	defer loader.ClearCache()

	queue, err := async.NewPrefetchQueue(loader, async.PrefetchConfig{
		Workers:   config.Workers,
		QueueSize: config.QueueSize,
		Shuffle:   true,
		Seed:      config.Seed,
	})
	if err != nil {
		return nil, err
	}
	if err := queue.Start(); err != nil {
		return nil, err
	}
	defer queue.Stop()
	fmt.Fprintf(out, "Prefetch queue started with %d workers\n", config.Workers)

	var logger *MetricsLogger
	if config.LogPath != "" {
		if logger, err = NewMetricsLogger(config.LogPath, config.LogName); err != nil {
			return nil, err
		}
		defer logger.Close()
		defer writeLossCurves(ctx, logger, config.Plotter, out, "SRGAN losses")
	} else {
		fmt.Fprintln(out, ">> Not logging metrics since no log path is set")
	}

	reporter, err := newReporter(config.TestDir, config.TestPath, config.TestFrequency, cfg, out)
	if err != nil {
		return nil, err
	}

	cc := DefaultCheckpointConfig()
	cc.Directory = config.WeightPath
	cc.DataName = config.DataName
	cc.MaxCheckpoints = config.MaxCheckpoints
	ckpt := NewCheckpointManager(cc, out)

	steps := NewStepTrainer(net)
	history := NewLossHistory()
	result := &SRGANResult{LastIteration: config.FirstEpoch - 1}
	last := config.FirstEpoch + config.Epochs
	start := time.Now()
	printStart := start
	defer func() { result.Duration = time.Since(start) }()

	for epoch := config.FirstEpoch; epoch < last; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := queue.Next(ctx)
		if err != nil {
			return result, fmt.Errorf("iteration %d: %w", epoch, err)
		}
		fake, err := net.Generator.Predict(batch.LR)
		if err != nil {
			return result, fmt.Errorf("iteration %d: generator inference: %w", epoch, err)
		}
		dMetrics, err := steps.DiscriminatorStep(batch.HR, fake)
		if err != nil {
			return result, fmt.Errorf("iteration %d: discriminator: %w", epoch, err)
		}
		targets, err := net.TargetFeatures(batch.HR)
		if err != nil {
			return result, fmt.Errorf("iteration %d: target features: %w", epoch, err)
		}
		gMetrics, err := steps.CompositeStep(batch.LR, targets)
		if err != nil {
			return result, fmt.Errorf("iteration %d: composite: %w", epoch, err)
		}

		history.Append(SeriesGenerator, gMetrics)
		history.Append(SeriesDiscriminator, dMetrics)
		result.Iterations++
		result.LastIteration = epoch
		result.Generator, result.Discriminator = gMetrics, dMetrics

		if logger != nil && epoch%config.LogUpdateFrequency == 0 {
			record := make(map[string]float64, len(gMetrics)+len(dMetrics))
			for k, v := range gMetrics {
				record[k] = v
			}
			for k, v := range dMetrics {
				record["discriminator_"+k] = v
			}
			if err := logger.Log(epoch, record); err != nil {
				fmt.Fprintf(out, "Warning: %v\n", err)
			}
		}

		if epoch%config.PrintFrequency == 0 {
			avg := history.Flush()
			fmt.Fprintf(out, "\nEpoch %d/%d | Time: %ds\n>> Generator/GAN: %s\n>> Discriminator: %s\n",
				epoch, last, int(time.Since(printStart).Seconds()),
				FormatMetrics(avg[SeriesGenerator]), FormatMetrics(avg[SeriesDiscriminator]))
			printStart = time.Now()

			if valLoader != nil {
				val, err := validate(steps, valLoader, config.StepsPerValidation, config.Seed+int64(epoch))
				if err != nil {
					fmt.Fprintf(out, "Warning: validation failed: %v\n", err)
				} else {
					fmt.Fprintf(out, ">> Validation Losses: %s\n", FormatMetrics(val))
				}
			}
		}

		if reporter != nil && epoch%config.TestFrequency == 0 {
			fmt.Fprintln(out, ">> Plotting test images")
			if _, err := reporter.Report(net, epoch); err != nil {
				fmt.Fprintf(out, "Warning: test images failed: %v\n", err)
			}
		}

		if config.WeightFrequency > 0 && epoch%config.WeightFrequency == 0 {
			fmt.Fprintln(out, ">> Saving the network weights")
			if err := ckpt.SaveIteration(net, epoch); err != nil {
				return result, fmt.Errorf("iteration %d: %w", epoch, err)
			}
		}
	}

	return result, nil
}

// PretrainConfig holds configuration for generator pretraining with MSE
type PretrainConfig struct {
	Epochs    int
	BatchSize int
	Workers   int
	QueueSize int

	DataName           string // name of the best weights file
	TrainDir           string
	ValidationDir      string  // optional; without it the training loss picks the best weights
	ValidationSplit    float64 // fraction of the training pool held out when ValidationDir is empty
	TestDir            string  // optional, reported every epoch
	StepsPerEpoch      int
	StepsPerValidation int
	CropsPerImage      int
	CacheSize          int

	WeightPath         string
	LogPath            string // "" disables the metrics stream
	LogName            string
	LogUpdateFrequency int // steps between metrics records
	TestPath           string
	Selector           BestSelector // default LowerIsBetter
	Scheduler          LRScheduler  // optional, consulted after every epoch
	ResumeFrom         string       // optional checkpoint written by an earlier run

	Seed    int64
	Plotter *PlottingService
}

// DefaultPretrainConfig returns the defaults of a pretraining run. Epochs,
// BatchSize and TrainDir must still be set.
func DefaultPretrainConfig() PretrainConfig {
	return PretrainConfig{
		Workers:            1,
		QueueSize:          10,
		DataName:           "train_gen",
		StepsPerEpoch:      1000,
		StepsPerValidation: 1000,
		CropsPerImage:      4,
		WeightPath:         "./data/weights/",
		LogPath:            "./data/logs/",
		LogName:            "SRResNet",
		LogUpdateFrequency: 1,
		TestPath:           "./images/samples/",
		Seed:               1,
	}
}

func (c *PretrainConfig) validate() error {
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in [0, 1), got %g", c.ValidationSplit)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TrainDir == "" {
		return fmt.Errorf("training directory is required")
	}
	if c.StepsPerEpoch <= 0 {
		return fmt.Errorf("steps per epoch must be positive, got %d", c.StepsPerEpoch)
	}
	if c.DataName == "" {
		c.DataName = "train_gen"
	}
	if c.LogName == "" {
		c.LogName = "SRResNet"
	}
	if c.LogUpdateFrequency <= 0 {
		c.LogUpdateFrequency = 1
	}
	if c.StepsPerValidation <= 0 {
		c.StepsPerValidation = 1
	}
	if c.Selector == nil {
		c.Selector = LowerIsBetter{}
	}
	return nil
}

// PretrainResult summarises a pretraining run
type PretrainResult struct {
	Epochs     int                  // completed epochs
	Steps      int                  // completed batches
	History    []map[string]float64 // averaged metrics per epoch
	BestMetric float64
	BestPath   string // file holding BestMetric, empty when none exists
}

// TrainGenerator pretrains the generator alone with MSE. After each epoch
// the validation set is scored, the best generator is kept and the test
// images are reported.
func TrainGenerator(ctx context.Context, net *srgan.SRGAN, config PretrainConfig) (*PretrainResult, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	out := net.Output()
	cfg := net.Config()

	loader, valLoader, err := newLoaders(config.TrainDir, config.ValidationDir, config.ValidationSplit, config.Seed,
		cfg, config.BatchSize, config.CropsPerImage, config.CacheSize, out)
	if err != nil {
		return nil, err
	}
	defer loader.ClearCache()
	if valLoader == nil {
		fmt.Fprintln(out, "Warning: no validation directory, the training loss selects the best weights")
	}

	cc := DefaultCheckpointConfig()
	cc.Directory = config.WeightPath
	cc.DataName = config.DataName
	cc.Selector = config.Selector
	ckpt := NewCheckpointManager(cc, out)

	if config.ResumeFrom != "" {
		cp, err := ResumeGenerator(config.ResumeFrom, net.Generator, net.GeneratorOptimizer)
		if err != nil {
			return nil, fmt.Errorf("failed to resume from %s: %w", config.ResumeFrom, err)
		}
		fmt.Fprintf(out, "Resumed generator from %s (epoch %d, metric %.5f)\n",
			config.ResumeFrom, cp.TrainingState.Epoch, cp.TrainingState.BestLoss)
		if IsBestCheckpoint(cp) {
			ckpt.SetBest(float64(cp.TrainingState.BestLoss), config.ResumeFrom)
		}
	}

	queue, err := async.NewPrefetchQueue(loader, async.PrefetchConfig{
		Workers:   config.Workers,
		QueueSize: config.QueueSize,
		Shuffle:   true,
		Seed:      config.Seed,
	})
	if err != nil {
		return nil, err
	}
	if err := queue.Start(); err != nil {
		return nil, err
	}
	defer queue.Stop()

	var logger *MetricsLogger
	if config.LogPath != "" {
		if logger, err = NewMetricsLogger(config.LogPath, config.LogName); err != nil {
			return nil, err
		}
		defer logger.Close()
		defer writeLossCurves(ctx, logger, config.Plotter, out, "Generator pretraining losses")
	}

	reporter, err := newReporter(config.TestDir, config.TestPath, 1, cfg, out)
	if err != nil {
		return nil, err
	}

	steps := NewStepTrainer(net)
	result := &PretrainResult{}
	baseLR := float64(net.GeneratorOptimizer.LearningRate)

	for epoch := 0; epoch < config.Epochs; epoch++ {
		bar := NewProgressBar(out, fmt.Sprintf("Epoch %d/%d", epoch+1, config.Epochs), config.StepsPerEpoch)
		history := NewLossHistory()

		for step := 1; step <= config.StepsPerEpoch; step++ {
			if err := ctx.Err(); err != nil {
				fmt.Fprintln(out)
				return result, err
			}
			batch, err := queue.Next(ctx)
			if err != nil {
				fmt.Fprintln(out)
				return result, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}
			metrics, err := steps.GeneratorStep(batch.LR, batch.HR)
			if err != nil {
				fmt.Fprintln(out)
				return result, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
			}

			history.Append("train", metrics)
			result.Steps++
			if logger != nil && result.Steps%config.LogUpdateFrequency == 0 {
				if err := logger.Log(result.Steps, metrics); err != nil {
					fmt.Fprintf(out, "Warning: %v\n", err)
				}
			}
			bar.Update(step, metrics)
		}
		bar.Finish()

		epochMetrics := history.Average("train")
		monitor, monitorName := epochMetrics["loss"], "loss"
		if valLoader != nil {
			val, err := validate(steps, valLoader, config.StepsPerValidation, config.Seed+int64(epoch))
			if err != nil {
				return result, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			for k, v := range val {
				epochMetrics[k] = v
			}
			monitor, monitorName = val["val_loss"], "val_loss"
		}
		fmt.Fprintf(out, "Epoch %d/%d: %s\n", epoch+1, config.Epochs, FormatMetrics(epochMetrics))

		if logger != nil {
			if err := logger.Log(result.Steps, epochMetrics); err != nil {
				fmt.Fprintf(out, "Warning: %v\n", err)
			}
		}

		previous, hadBest := ckpt.Best()
		saved, err := ckpt.SaveBest(net.Generator, net.GeneratorOptimizer, cfg.UpscalingFactor, epoch, monitor)
		if err != nil {
			return result, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		switch {
		case saved && hadBest:
			fmt.Fprintf(out, "Epoch %d: %s improved from %.5f to %.5f, saving model to %s\n",
				epoch+1, monitorName, previous, monitor, ckpt.BestPath(cfg.UpscalingFactor))
		case saved:
			fmt.Fprintf(out, "Epoch %d: saving model to %s\n", epoch+1, ckpt.BestPath(cfg.UpscalingFactor))
		case hadBest:
			fmt.Fprintf(out, "Epoch %d: %s did not improve from %.5f\n", epoch+1, monitorName, previous)
		}

		if reporter != nil {
			if _, err := reporter.Report(net, epoch); err != nil {
				fmt.Fprintf(out, "Warning: test images failed: %v\n", err)
			}
		}

		if config.Scheduler != nil {
			opt := net.GeneratorOptimizer
			lr := float32(config.Scheduler.LearningRate(epoch+1, baseLR, monitor))
			if lr != opt.LearningRate {
				fmt.Fprintf(out, "Epoch %d: %s sets learning rate to %.3e\n", epoch+1, config.Scheduler.Name(), lr)
				opt.UpdateLearningRate(lr)
			}
		}

		result.History = append(result.History, epochMetrics)
		result.Epochs++
	}

	if best, ok := ckpt.Best(); ok {
		result.BestMetric = best
		result.BestPath = ckpt.BestFile()
	}
	return result, nil
}

// newLoaders builds the training loader and, when valDir is set or split
// holds out part of the training pool, a validation loader sharing its
// decode cache
func newLoaders(trainDir, valDir string, split float64, seed int64, cfg srgan.Config, batchSize, crops, cacheSize int, out io.Writer) (*dataloader.DataLoader, *dataloader.DataLoader, error) {
	pool, err := dataset.NewImageDirDataset(trainDir, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("training images: %w", err)
	}
	config := dataloader.Config{
		BatchSize:     batchSize,
		HeightHR:      cfg.HeightHR(),
		WidthHR:       cfg.WidthHR(),
		Scale:         cfg.UpscalingFactor,
		CropsPerImage: crops,
		Flip:          true,
		CacheSize:     cacheSize,
	}

	var valPool *dataset.ImageDirDataset
	switch {
	case valDir != "":
		if valPool, err = dataset.NewImageDirDataset(valDir, nil); err != nil {
			return nil, nil, fmt.Errorf("validation images: %w", err)
		}
	case split > 0:
		pool, valPool = pool.Split(1-split, rand.New(rand.NewSource(seed)))
		if pool.Len() == 0 || valPool.Len() == 0 {
			return nil, nil, fmt.Errorf("validation split %.2f leaves an empty pool", split)
		}
		fmt.Fprintf(out, "Holding out %d of %d training images for validation\n", valPool.Len(), pool.Len()+valPool.Len())
	default:
		train, err := dataloader.NewDataLoader(pool, config)
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(out, "Data loaders ready: %s\n", pool)
		return train, nil, nil
	}

	train, val, err := dataloader.NewSharedDataLoaders(pool, valPool, config)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(out, "Data loaders ready: %s, validation %s\n", pool, valPool)
	return train, val, nil
}

func newReporter(testDir, testPath string, frequency int, cfg srgan.Config, out io.Writer) (*evaluation.Reporter, error) {
	if testDir == "" || frequency <= 0 {
		return nil, nil
	}
	return evaluation.NewReporter(evaluation.ReporterConfig{
		TestDir:   testDir,
		OutputDir: testPath,
		Factor:    cfg.UpscalingFactor,
		Output:    out,
	})
}

// validate scores the generator on n batches drawn deterministically from
// seed and returns the averaged metrics
func validate(steps *StepTrainer, loader *dataloader.DataLoader, n int, seed int64) (map[string]float64, error) {
	rng := rand.New(rand.NewSource(seed))
	history := NewLossHistory()
	for i := 0; i < n; i++ {
		batch, err := loader.LoadBatch(i, rng)
		if err != nil {
			return nil, err
		}
		metrics, err := steps.EvaluateGenerator(batch.LR, batch.HR)
		if err != nil {
			return nil, err
		}
		history.Append("val", metrics)
	}
	return history.Average("val"), nil
}

// writeLossCurves renders the logged metrics next to the metrics file and
// forwards them to the plotting sidecar when one is enabled
func writeLossCurves(ctx context.Context, logger *MetricsLogger, ps *PlottingService, out io.Writer, title string) {
	recorded := logger.Collector().Series()
	if len(recorded) == 0 {
		return
	}
	series := make(map[string]plotter.XYs, len(recorded))
	for name, points := range recorded {
		xys := make(plotter.XYs, len(points))
		for i, p := range points {
			xys[i].X, xys[i].Y = p.X, p.Y
		}
		series[name] = xys
	}

	path := filepath.Join(logger.Dir(), "losses.png")
	if err := evaluation.PlotLosses(path, title, series); err != nil {
		fmt.Fprintf(out, "Warning: failed to plot losses: %v\n", err)
	} else {
		fmt.Fprintf(out, "Loss curves written to %s\n", path)
	}

	if ps != nil && ps.IsEnabled() {
		if _, err := ps.SendTrainingCurves(context.WithoutCancel(ctx), logger.Collector()); err != nil {
			fmt.Fprintf(out, "Warning: failed to send training curves: %v\n", err)
		}
	}
}
