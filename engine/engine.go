package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tsawler/go-mmfusion/config"
	"github.com/tsawler/go-mmfusion/dataloader"
	"github.com/tsawler/go-mmfusion/encoders"
	"github.com/tsawler/go-mmfusion/fusion"
	"github.com/tsawler/go-mmfusion/history"
	"github.com/tsawler/go-mmfusion/optimizer"
	"github.com/tsawler/go-mmfusion/training"
)

// Engine runs training and evaluation over prepared Data.
type Engine struct {
	Registry *encoders.Registry
	// Progress receives per-epoch progress bars; nil disables them.
	Progress io.Writer
	// History journals epochs and test scores when set.
	History *history.Store
}

// Result summarizes one trained (or reloaded) variant.
type Result struct {
	RunID      string
	Fusion     string
	SaveDir    string
	Parameters int64
	Epochs     int
	BestMetric float64
	History    []training.EpochMetrics
	// Test is nil when there is no test split.
	Test *training.EvalResult
}

func (e *Engine) registry() *encoders.Registry {
	if e.Registry == nil {
		return encoders.DefaultRegistry
	}
	return e.Registry
}

// Train trains one model as described by cfg. A checkpoint already in
// cfg.SaveDir is resumed. After training the best weights are reloaded
// and scored on the test split.
func (e *Engine) Train(ctx context.Context, cfg config.RunConfig, data *Data) (*Result, error) {
	cfg = adoptRunID(cfg)
	if err := cfg.ValidateWith(e.registry()); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	if err := cfg.Save(cfg.SaveDir); err != nil {
		return nil, fmt.Errorf("save run arguments: %w", err)
	}
	if err := data.SaveVocabulary(cfg.SaveDir); err != nil {
		return nil, fmt.Errorf("save vocabulary: %w", err)
	}

	model, err := e.newModel(cfg)
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.NewAdamW(cfg.Optimizer(), model.Parameters())
	if err != nil {
		return nil, err
	}
	loss := training.NewBCEWithLogitsLoss(data.Universe.PositiveWeights(cfg.TrainSize))

	trainer, err := training.NewTrainer(model, opt, loss, cfg.Training(e.Progress))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(trainer.Checkpoints().LatestPath()); err == nil {
		if err := trainer.Resume(); err != nil {
			return nil, err
		}
	}
	if e.History != nil {
		trainer.OnEpoch(e.History.Recorder(ctx, cfg.RunID, cfg.Fusion))
	}

	slog.Info("training", "run_id", cfg.RunID, "fusion", cfg.Fusion, "dir", cfg.SaveDir)
	if err := trainer.Train(ctx, data.Train, data.Val); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:      cfg.RunID,
		Fusion:     cfg.Fusion,
		SaveDir:    cfg.SaveDir,
		Parameters: model.NumParameters(),
		Epochs:     trainer.Epoch(),
		BestMetric: trainer.BestMetric(),
		History:    trainer.History(),
	}
	if data.Test == nil {
		return res, nil
	}
	if res.Test, err = e.score(ctx, cfg, model, data.Test, loss); err != nil {
		return nil, err
	}
	return res, nil
}

// Evaluate reloads the best weights of the run in cfg.SaveDir and scores
// loader with them.
func (e *Engine) Evaluate(ctx context.Context, cfg config.RunConfig, data *Data, loader *dataloader.Loader) (*Result, error) {
	if loader == nil {
		return nil, errors.New("no split to evaluate")
	}
	model, err := e.newModel(cfg)
	if err != nil {
		return nil, err
	}
	loss := training.NewBCEWithLogitsLoss(data.Universe.PositiveWeights(cfg.TrainSize))
	res := &Result{
		RunID:      cfg.RunID,
		Fusion:     cfg.Fusion,
		SaveDir:    cfg.SaveDir,
		Parameters: model.NumParameters(),
	}
	if res.Test, err = e.score(ctx, cfg, model, loader, loss); err != nil {
		return nil, err
	}
	return res, nil
}

// Compare trains every fusion head on the same data, each in its own
// subdirectory of base.SaveDir, in the order fusion.Kinds returns.
func (e *Engine) Compare(ctx context.Context, base config.RunConfig, data *Data) ([]*Result, error) {
	var results []*Result
	for _, kind := range fusion.Kinds() {
		cfg := base.WithFusion(kind, filepath.Join(base.SaveDir, kind.String()))
		res, err := e.Train(ctx, cfg, data)
		if err != nil {
			return results, fmt.Errorf("%s: %w", kind, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) newModel(cfg config.RunConfig) (*fusion.Model, error) {
	mc, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	return fusion.NewModel(mc, e.registry())
}

// score loads model_best into model and evaluates it on loader.
func (e *Engine) score(ctx context.Context, cfg config.RunConfig, model *fusion.Model, loader *dataloader.Loader, loss training.Loss) (*training.EvalResult, error) {
	ckpt, err := training.LoadBest(cfg.SaveDir, cfg.Format(), model)
	if err != nil {
		return nil, err
	}
	result, err := training.Evaluate(ctx, model, loader, loss)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", loader.Split().Name, err)
	}
	slog.Info("evaluation",
		"split", loader.Split().Name,
		"fusion", cfg.Fusion,
		"best_epoch", ckpt.TrainingState.Epoch,
		"loss", result.Loss,
		"macro_f1", result.MacroF1)

	if e.History != nil {
		if err := e.History.RecordTest(ctx, history.TestResult{
			RunID:      cfg.RunID,
			Fusion:     cfg.Fusion,
			Parameters: model.NumParameters(),
			Loss:       result.Loss,
			MacroF1:    result.MacroF1,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// adoptRunID keeps the id of a run directory that already has arguments,
// so a resumed run journals under the same id.
func adoptRunID(cfg config.RunConfig) config.RunConfig {
	if prev, err := config.Load(cfg.SaveDir); err == nil && prev.RunID != "" {
		cfg.RunID = prev.RunID
	} else if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return cfg
}
