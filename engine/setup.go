// Package engine wires data, model, optimizer and trainer into complete
// training, evaluation and comparison runs.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tsawler/go-mmfusion/config"
	"github.com/tsawler/go-mmfusion/dataloader"
	"github.com/tsawler/go-mmfusion/dataset"
	"github.com/tsawler/go-mmfusion/encoders"
	"github.com/tsawler/go-mmfusion/text"
	"github.com/tsawler/go-mmfusion/vision/preprocessing"
)

// Split file names inside the data directory.
const (
	TrainFile = "train.jsonl"
	ValFile   = "val.jsonl"
	TestFile  = "test.jsonl"
	// VocabFile is written to the run directory when the vocabulary is
	// built from the training split.
	VocabFile = "vocab.txt"
)

// Data is everything a run reads: the resolved configuration, the label
// universe, the vocabulary and one loader per split. Test is nil when the
// data directory has no test split.
type Data struct {
	Config   config.RunConfig
	Universe *dataset.LabelUniverse
	Vocab    *text.Vocabulary
	Builder  *dataset.Builder
	Cache    *dataloader.CacheManager

	Train *dataloader.Loader
	Val   *dataloader.Loader
	Test  *dataloader.Loader

	// vocabBuilt is set when Vocab came from the training split and must
	// be saved next to the checkpoints.
	vocabBuilt bool
}

// Setup validates base, loads the splits from base.DataDir and resolves
// the configuration against the training data. A configuration that is
// already resolved (loaded from args.json) keeps its label universe and
// reads its vocabulary from the run directory.
func Setup(base config.RunConfig, registry *encoders.Registry) (*Data, error) {
	if err := base.ValidateWith(registry); err != nil {
		return nil, err
	}

	train, err := dataset.LoadRecords(filepath.Join(base.DataDir, TrainFile))
	if err != nil {
		return nil, err
	}
	val, err := dataset.LoadRecords(filepath.Join(base.DataDir, ValFile))
	if err != nil {
		return nil, err
	}
	test, err := loadOptional(filepath.Join(base.DataDir, TestFile))
	if err != nil {
		return nil, err
	}

	d := &Data{}
	if base.Resolved {
		if d.Universe, err = base.Universe(); err != nil {
			return nil, err
		}
	} else {
		d.Universe = dataset.NewLabelUniverse(train)
	}

	tok, err := d.loadVocabulary(base, train)
	if err != nil {
		return nil, err
	}

	train, _ = dataset.FilterToUniverse(train, d.Universe, true)
	val, _ = dataset.FilterToUniverse(val, d.Universe, false)
	if test != nil {
		test, _ = dataset.FilterToUniverse(test, d.Universe, false)
	}

	cfg := base
	if !base.Resolved {
		cfg, err = config.Resolve(base, d.Universe, train.Len(), d.Vocab.Size(), registry)
		if err != nil {
			return nil, err
		}
	}
	d.Config = cfg

	var images dataset.ImageLoader = preprocessing.NewImageProcessor(cfg.Preprocessing())
	if cfg.ImageCacheSize > 0 {
		d.Cache = dataloader.NewCacheManager(cfg.ImageCacheSize)
		images = &dataloader.CachedImages{Loader: images, Cache: d.Cache}
	}
	d.Builder = &dataset.Builder{
		Tokenizer: tok,
		Vocab:     d.Vocab,
		Universe:  d.Universe,
		MaxSeqLen: cfg.MaxSeqLen,
		Images:    images,
	}

	if d.Train, err = dataloader.NewLoader(train, d.Builder, cfg.LoaderConfig(true)); err != nil {
		return nil, err
	}
	if d.Val, err = dataloader.NewLoader(val, d.Builder, cfg.LoaderConfig(false)); err != nil {
		return nil, err
	}
	if test != nil {
		if d.Test, err = dataloader.NewLoader(test, d.Builder, cfg.LoaderConfig(false)); err != nil {
			return nil, err
		}
	}

	testSize := 0
	if test != nil {
		testSize = test.Len()
	}
	slog.Info("data ready",
		"classes", cfg.NClasses,
		"vocab", d.Vocab.Size(),
		"train", train.Len(),
		"val", val.Len(),
		"test", testSize)
	return d, nil
}

// loadVocabulary picks the tokenizer: WordPiece over a pretrained vocab
// file when one is configured or was saved with the run, otherwise the
// basic tokenizer over a vocabulary built from the training text.
func (d *Data) loadVocabulary(cfg config.RunConfig, train *dataset.Split) (text.Tokenizer, error) {
	path := cfg.VocabFile
	if path == "" && cfg.Resolved {
		path = filepath.Join(cfg.SaveDir, VocabFile)
	}
	if path != "" {
		vocab, err := text.LoadVocabularyFile(path)
		if err != nil {
			return nil, err
		}
		d.Vocab = vocab
		if cfg.VocabFile == "" {
			return text.NewBasicTokenizer(), nil
		}
		return text.NewWordPiece(vocab), nil
	}

	tok := text.NewBasicTokenizer()
	d.Vocab = text.BuildVocabulary(train.Texts(), tok)
	d.vocabBuilt = true
	return tok, nil
}

// SaveVocabulary writes a vocabulary built from the training split into
// dir; a pretrained vocabulary is left where it is.
func (d *Data) SaveVocabulary(dir string) error {
	if !d.vocabBuilt {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return text.WriteVocabularyFile(d.Vocab, filepath.Join(dir, VocabFile))
}

func loadOptional(path string) (*dataset.Split, error) {
	split, err := dataset.LoadRecords(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no split file, skipping", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return split, nil
}
