// Package config holds the run configuration. A RunConfig is built once,
// resolved against the training data and then passed by value; nothing
// mutates it afterwards.
package config

import (
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"

	"github.com/tsawler/go-mmfusion/checkpoints"
	"github.com/tsawler/go-mmfusion/dataloader"
	"github.com/tsawler/go-mmfusion/dataset"
	"github.com/tsawler/go-mmfusion/encoders"
	"github.com/tsawler/go-mmfusion/fusion"
	"github.com/tsawler/go-mmfusion/optimizer"
	"github.com/tsawler/go-mmfusion/training"
	"github.com/tsawler/go-mmfusion/vision/preprocessing"
)

// RunConfig is the complete configuration of one training run. The
// fields below Resolved are filled by Resolve and persisted to args.json.
type RunConfig struct {
	RunID     string `json:"run_id"`
	DataDir   string `json:"data_dir"`
	SaveDir   string `json:"save_dir"`
	VocabFile string `json:"vocab_file,omitempty"`

	Fusion          string `json:"fusion"`
	TextEncoder     string `json:"text_encoder_id"`
	ImageEncoder    string `json:"image_encoder_id"`
	ImageEmbedCount int    `json:"image_embed_count"`
	ImagePoolType   string `json:"image_pool_type"`
	ClassifierWidth int    `json:"classifier_width"`
	ClassifierDepth int    `json:"classifier_depth"`

	MaxSeqLen      int `json:"max_seq_len"`
	BatchSize      int `json:"batch_size"`
	WorkerCount    int `json:"worker_count"`
	PrefetchDepth  int `json:"prefetch_depth"`
	ImageResize    int `json:"image_resize"`
	ImageCrop      int `json:"image_crop"`
	ImageCacheSize int `json:"image_cache_size"`

	MaxEpochs                 int     `json:"max_epochs"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	WeightDecay               float64 `json:"weight_decay"`
	LRPatience                int     `json:"lr_patience"`
	LRReductionFactor         float64 `json:"lr_reduction_factor"`
	EarlyStopPatience         int     `json:"early_stop_patience"`
	Seed                      int64   `json:"seed"`
	CheckpointFormat          string  `json:"checkpoint_format"`

	Resolved   bool     `json:"resolved"`
	Labels     []string `json:"labels,omitempty"`
	LabelFreqs []int    `json:"label_freqs,omitempty"`
	NClasses   int      `json:"n_classes,omitempty"`
	TrainSize  int      `json:"train_size,omitempty"`
	VocabSize  int      `json:"vocab_size,omitempty"`
	TextDim    int      `json:"text_dim,omitempty"`
	ImageDim   int      `json:"image_dim,omitempty"`
}

// Default returns the baseline configuration.
func Default() RunConfig {
	return RunConfig{
		DataDir:                   "data",
		SaveDir:                   "runs",
		Fusion:                    fusion.Joint.String(),
		TextEncoder:               "bert-base-uncased",
		ImageEncoder:              "resnet152",
		ImageEmbedCount:           3,
		ImagePoolType:             encoders.AvgPool.String(),
		ClassifierWidth:           512,
		ClassifierDepth:           1,
		MaxSeqLen:                 128,
		BatchSize:                 32,
		WorkerCount:               4,
		PrefetchDepth:             2,
		ImageResize:               preprocessing.DefaultResize,
		ImageCrop:                 preprocessing.DefaultCrop,
		ImageCacheSize:            0,
		MaxEpochs:                 20,
		GradientAccumulationSteps: 1,
		LearningRate:              1e-4,
		WeightDecay:               0.01,
		LRPatience:                2,
		LRReductionFactor:         0.5,
		EarlyStopPatience:         5,
		Seed:                      1,
		CheckpointFormat:          checkpoints.FormatBinary.String(),
	}
}

// Validate checks every option against the default encoder registry.
func (c RunConfig) Validate() error {
	return c.ValidateWith(encoders.DefaultRegistry)
}

// ValidateWith checks every option, looking backbone ids up in registry.
// The first problem found is returned as a *ConfigurationError.
func (c RunConfig) ValidateWith(registry *encoders.Registry) error {
	positive := []struct {
		field string
		value int
	}{
		{"classifier_width", c.ClassifierWidth},
		{"max_seq_len", c.MaxSeqLen},
		{"batch_size", c.BatchSize},
		{"worker_count", c.WorkerCount},
		{"prefetch_depth", c.PrefetchDepth},
		{"image_resize", c.ImageResize},
		{"image_crop", c.ImageCrop},
		{"max_epochs", c.MaxEpochs},
		{"gradient_accumulation_steps", c.GradientAccumulationSteps},
		{"early_stop_patience", c.EarlyStopPatience},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid(p.field, p.value, "must be positive")
		}
	}
	if c.MaxSeqLen < 2 {
		return invalid("max_seq_len", c.MaxSeqLen, "must leave room for the start token")
	}
	if c.ClassifierDepth < 0 {
		return invalid("classifier_depth", c.ClassifierDepth, "must not be negative")
	}
	if c.LRPatience < 0 {
		return invalid("lr_patience", c.LRPatience, "must not be negative")
	}
	if c.ImageCacheSize < 0 {
		return invalid("image_cache_size", c.ImageCacheSize, "must not be negative")
	}
	if c.ImageCrop > c.ImageResize {
		return invalid("image_crop", c.ImageCrop, fmt.Sprintf("larger than image_resize %d", c.ImageResize))
	}
	if c.LearningRate <= 0 {
		return invalid("learning_rate", c.LearningRate, "must be positive")
	}
	if c.WeightDecay < 0 {
		return invalid("weight_decay", c.WeightDecay, "must not be negative")
	}
	if c.LRReductionFactor <= 0 || c.LRReductionFactor >= 1 {
		return invalid("lr_reduction_factor", c.LRReductionFactor, "must be in (0, 1)")
	}

	if _, err := fusion.ParseKind(c.Fusion); err != nil {
		return wrapInvalid("fusion", c.Fusion, err)
	}
	if _, err := encoders.ParsePoolType(c.ImagePoolType); err != nil {
		return wrapInvalid("image_pool_type", c.ImagePoolType, err)
	}
	if _, _, err := encoders.RegionShape(c.ImageEmbedCount); err != nil {
		return wrapInvalid("image_embed_count", c.ImageEmbedCount, err)
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return wrapInvalid("checkpoint_format", c.CheckpointFormat, err)
	}
	if _, err := registry.TextDim(c.TextEncoder); err != nil {
		return wrapInvalid("text_encoder_id", c.TextEncoder, err)
	}
	if _, err := registry.ImageDim(c.ImageEncoder); err != nil {
		return wrapInvalid("image_encoder_id", c.ImageEncoder, err)
	}
	if c.Resolved && (c.NClasses == 0 || c.NClasses != len(c.Labels)) {
		return invalid("n_classes", c.NClasses, fmt.Sprintf("does not match %d labels", len(c.Labels)))
	}
	return nil
}

// Resolve validates base and fills in the values that depend on the data:
// the label universe, vocabulary size and encoder widths. A run id is
// generated when base has none.
func Resolve(base RunConfig, universe *dataset.LabelUniverse, trainSize, vocabSize int, registry *encoders.Registry) (RunConfig, error) {
	if err := base.ValidateWith(registry); err != nil {
		return RunConfig{}, err
	}
	if universe == nil || universe.Len() == 0 {
		return RunConfig{}, invalid("labels", 0, "training split has no labels")
	}

	c := base
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	c.Labels = universe.Labels()
	c.LabelFreqs = universe.Counts()
	c.NClasses = universe.Len()
	c.TrainSize = trainSize
	c.VocabSize = vocabSize

	textDim, err := registry.TextDim(c.TextEncoder)
	if err != nil {
		return RunConfig{}, wrapInvalid("text_encoder_id", c.TextEncoder, err)
	}
	imageDim, err := registry.ImageDim(c.ImageEncoder)
	if err != nil {
		return RunConfig{}, wrapInvalid("image_encoder_id", c.ImageEncoder, err)
	}
	c.TextDim = textDim
	c.ImageDim = imageDim * c.ImageEmbedCount
	c.Resolved = true
	return c, nil
}

// Universe rebuilds the label universe recorded by Resolve.
func (c RunConfig) Universe() (*dataset.LabelUniverse, error) {
	if !c.Resolved {
		return nil, fmt.Errorf("configuration has not been resolved")
	}
	return dataset.UniverseFromCounts(c.Labels, c.LabelFreqs)
}

// Save writes the configuration to dir/args.json.
func (c RunConfig) Save(dir string) error {
	return checkpoints.SaveArgs(dir, c)
}

// Load reads dir/args.json.
func Load(dir string) (RunConfig, error) {
	var c RunConfig
	if err := checkpoints.LoadArgs(dir, &c); err != nil {
		return RunConfig{}, err
	}
	return c, nil
}

// WithFusion returns a copy of c using another head and run directory.
// The copy has no run id; each variant is a run of its own.
func (c RunConfig) WithFusion(kind fusion.Kind, saveDir string) RunConfig {
	out := c
	out.RunID = ""
	out.Fusion = kind.String()
	out.SaveDir = saveDir
	out.Labels = slices.Clone(c.Labels)
	out.LabelFreqs = slices.Clone(c.LabelFreqs)
	return out
}

// ModelConfig describes the model for fusion.NewModel.
func (c RunConfig) ModelConfig() (fusion.Config, error) {
	kind, err := fusion.ParseKind(c.Fusion)
	if err != nil {
		return fusion.Config{}, wrapInvalid("fusion", c.Fusion, err)
	}
	pool, err := encoders.ParsePoolType(c.ImagePoolType)
	if err != nil {
		return fusion.Config{}, wrapInvalid("image_pool_type", c.ImagePoolType, err)
	}
	return fusion.Config{
		Kind:         kind,
		TextEncoder:  c.TextEncoder,
		ImageEncoder: c.ImageEncoder,
		ImageRegions: c.ImageEmbedCount,
		Pool:         pool,
		Width:        c.ClassifierWidth,
		Depth:        c.ClassifierDepth,
		Classes:      c.NClasses,
		Seed:         c.Seed,
	}, nil
}

// LoaderConfig returns the loader settings; only training shuffles.
func (c RunConfig) LoaderConfig(shuffle bool) dataloader.Config {
	return dataloader.Config{
		BatchSize:     c.BatchSize,
		Shuffle:       shuffle,
		Workers:       c.WorkerCount,
		PrefetchDepth: c.PrefetchDepth,
		Seed:          c.Seed,
	}
}

// Preprocessing returns the image pipeline settings.
func (c RunConfig) Preprocessing() preprocessing.Config {
	p := preprocessing.DefaultConfig()
	p.Resize = c.ImageResize
	p.Crop = c.ImageCrop
	return p
}

// Format returns the checkpoint format, defaulting to binary.
func (c RunConfig) Format() checkpoints.CheckpointFormat {
	f, err := checkpoints.ParseFormat(c.CheckpointFormat)
	if err != nil {
		return checkpoints.FormatBinary
	}
	return f
}

// Optimizer returns the AdamW hyperparameters.
func (c RunConfig) Optimizer() optimizer.AdamWConfig {
	o := optimizer.DefaultAdamWConfig()
	o.LearningRate = c.LearningRate
	o.WeightDecay = c.WeightDecay
	return o
}

// Training returns the trainer loop settings. progress may be nil.
func (c RunConfig) Training(progress io.Writer) training.TrainingConfig {
	return training.TrainingConfig{
		MaxEpochs:                 c.MaxEpochs,
		GradientAccumulationSteps: c.GradientAccumulationSteps,
		LRPatience:                c.LRPatience,
		LRFactor:                  c.LRReductionFactor,
		EarlyStopPatience:         c.EarlyStopPatience,
		Checkpoint: training.CheckpointConfig{
			SaveDirectory: c.SaveDir,
			Format:        c.Format(),
			RunID:         c.RunID,
			Tags:          []string{c.Fusion, c.TextEncoder, c.ImageEncoder},
		},
		Progress: progress,
	}
}
