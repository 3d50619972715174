package config

import (
	"github.com/tsawler/go-mmfusion/encoders"
)

// Builder assembles a RunConfig from the defaults. Setters chain; Build
// validates once at the end.
type Builder struct {
	cfg      RunConfig
	registry *encoders.Registry
}

// NewBuilder starts from Default().
func NewBuilder() *Builder {
	return &Builder{cfg: Default(), registry: encoders.DefaultRegistry}
}

// WithRegistry validates backbone ids against registry instead of the
// built-in one.
func (b *Builder) WithRegistry(registry *encoders.Registry) *Builder {
	b.registry = registry
	return b
}

// Paths sets the data, run and optional vocabulary locations.
func (b *Builder) Paths(dataDir, saveDir, vocabFile string) *Builder {
	b.cfg.DataDir = dataDir
	b.cfg.SaveDir = saveDir
	b.cfg.VocabFile = vocabFile
	return b
}

// Model sets the head and backbones.
func (b *Builder) Model(fusionKind, textEncoder, imageEncoder string) *Builder {
	b.cfg.Fusion = fusionKind
	b.cfg.TextEncoder = textEncoder
	b.cfg.ImageEncoder = imageEncoder
	return b
}

// ImageEmbeds sets the pooled region count and pool type.
func (b *Builder) ImageEmbeds(count int, poolType string) *Builder {
	b.cfg.ImageEmbedCount = count
	b.cfg.ImagePoolType = poolType
	return b
}

// Classifier sets the hidden width and depth of the classifier stack.
func (b *Builder) Classifier(width, depth int) *Builder {
	b.cfg.ClassifierWidth = width
	b.cfg.ClassifierDepth = depth
	return b
}

// Data sets the input pipeline options.
func (b *Builder) Data(maxSeqLen, batchSize, workers, prefetch int) *Builder {
	b.cfg.MaxSeqLen = maxSeqLen
	b.cfg.BatchSize = batchSize
	b.cfg.WorkerCount = workers
	b.cfg.PrefetchDepth = prefetch
	return b
}

// Images sets the resize and crop sizes and the preprocessed image cache
// capacity (0 disables the cache).
func (b *Builder) Images(resize, crop, cacheSize int) *Builder {
	b.cfg.ImageResize = resize
	b.cfg.ImageCrop = crop
	b.cfg.ImageCacheSize = cacheSize
	return b
}

// Optimization sets the AdamW and scheduler hyperparameters.
func (b *Builder) Optimization(lr, weightDecay float64, lrPatience int, lrFactor float64) *Builder {
	b.cfg.LearningRate = lr
	b.cfg.WeightDecay = weightDecay
	b.cfg.LRPatience = lrPatience
	b.cfg.LRReductionFactor = lrFactor
	return b
}

// Schedule sets the loop length, accumulation window and early stopping.
func (b *Builder) Schedule(maxEpochs, accumulation, earlyStop int) *Builder {
	b.cfg.MaxEpochs = maxEpochs
	b.cfg.GradientAccumulationSteps = accumulation
	b.cfg.EarlyStopPatience = earlyStop
	return b
}

// Seed sets the seed for initialisation and shuffling.
func (b *Builder) Seed(seed int64) *Builder {
	b.cfg.Seed = seed
	return b
}

// CheckpointFormat selects "binary" or "json".
func (b *Builder) CheckpointFormat(format string) *Builder {
	b.cfg.CheckpointFormat = format
	return b
}

// RunID fixes the run id instead of generating one at Resolve.
func (b *Builder) RunID(id string) *Builder {
	b.cfg.RunID = id
	return b
}

// Build validates and returns the configuration.
func (b *Builder) Build() (RunConfig, error) {
	if err := b.cfg.ValidateWith(b.registry); err != nil {
		return RunConfig{}, err
	}
	return b.cfg, nil
}
