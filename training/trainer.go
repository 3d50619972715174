package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/tsawler/go-mmfusion/checkpoints"
	"github.com/tsawler/go-mmfusion/dataloader"
	"github.com/tsawler/go-mmfusion/optimizer"
)

// ErrNonFiniteLoss aborts a run whose loss became NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Phase is the trainer's position in its run state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseTrain
	PhaseEval
	PhaseCheckpoint
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseTrain:
		return "train"
	case PhaseEval:
		return "eval"
	case PhaseCheckpoint:
		return "checkpoint"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TrainingConfig holds configuration for training.
type TrainingConfig struct {
	MaxEpochs int
	// GradientAccumulationSteps is the number of batches whose gradients
	// are summed before each optimizer step.
	GradientAccumulationSteps int
	LRPatience                int
	LRFactor                  float64
	EarlyStopPatience         int
	Checkpoint                CheckpointConfig
	// Progress receives a per-epoch progress bar; nil disables it.
	Progress io.Writer
}

// Validate checks the loop settings.
func (c TrainingConfig) Validate() error {
	switch {
	case c.MaxEpochs <= 0:
		return fmt.Errorf("max epochs must be positive, got %d", c.MaxEpochs)
	case c.GradientAccumulationSteps <= 0:
		return fmt.Errorf("gradient accumulation steps must be positive, got %d", c.GradientAccumulationSteps)
	case c.EarlyStopPatience <= 0:
		return fmt.Errorf("early stop patience must be positive, got %d", c.EarlyStopPatience)
	case c.Checkpoint.SaveDirectory == "":
		return fmt.Errorf("checkpoint directory is required")
	}
	return nil
}

// EpochMetrics holds metrics for a single epoch.
type EpochMetrics struct {
	Epoch        int // 1-based
	TrainLoss    float64
	ValLoss      float64
	ValMacroF1   float64
	LearningRate float64
	Improved     bool
	Skipped      int
	Duration     time.Duration
}

// Trainer owns the model, optimizer and scheduler for one run. It is not
// safe for concurrent use.
type Trainer struct {
	model       Module
	optimizer   optimizer.Optimizer
	scheduler   *ReduceLROnPlateauScheduler
	criterion   Loss
	config      TrainingConfig
	checkpoints *CheckpointManager

	phase      Phase
	epoch      int // completed epochs
	step       int // batches seen
	bestMetric float64
	noImprove  int
	history    []EpochMetrics
	observers  []func(EpochMetrics) error
}

// NewTrainer creates a new Trainer.
func NewTrainer(model Module, opt optimizer.Optimizer, criterion Loss, config TrainingConfig) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		model:       model,
		optimizer:   opt,
		scheduler:   NewReduceLROnPlateauScheduler(config.LRFactor, config.LRPatience, 1e-4, "max"),
		criterion:   criterion,
		config:      config,
		checkpoints: NewCheckpointManager(config.Checkpoint),
		phase:       PhaseInit,
		bestMetric:  math.Inf(-1),
	}, nil
}

// OnEpoch registers fn to run after every epoch's checkpoint is written.
// An error from fn stops training.
func (t *Trainer) OnEpoch(fn func(EpochMetrics) error) {
	t.observers = append(t.observers, fn)
}

// Phase returns the current phase.
func (t *Trainer) Phase() Phase { return t.phase }

// Epoch returns the number of completed epochs.
func (t *Trainer) Epoch() int { return t.epoch }

// BestMetric returns the best validation macro F1 so far.
func (t *Trainer) BestMetric() float64 { return t.bestMetric }

// Checkpoints returns the run's checkpoint manager.
func (t *Trainer) Checkpoints() *CheckpointManager { return t.checkpoints }

// History returns the metrics of the epochs run by this Trainer.
func (t *Trainer) History() []EpochMetrics {
	return append([]EpochMetrics(nil), t.history...)
}

// Resume restores the latest checkpoint so Train continues after the last
// completed epoch.
func (t *Trainer) Resume() error {
	if err := t.checkpoints.Restore(t); err != nil {
		return err
	}
	slog.Info("resumed from checkpoint",
		"epoch", t.epoch,
		"best_metric", t.bestMetric,
		"no_improve", t.noImprove,
		"lr", t.optimizer.LearningRate())
	return nil
}

func (t *Trainer) setPhase(p Phase) {
	t.phase = p
	slog.Debug("trainer phase", "phase", p, "epoch", t.epoch+1)
}

func (t *Trainer) stopped() bool {
	return t.epoch >= t.config.MaxEpochs || (t.epoch > 0 && t.noImprove >= t.config.EarlyStopPatience)
}

// Train runs epochs until the epoch limit or early stopping. Every epoch
// ends with a checkpoint; the best copy is replaced when validation macro
// F1 improves.
func (t *Trainer) Train(ctx context.Context, train, val *dataloader.Loader) error {
	for !t.stopped() {
		start := time.Now()

		t.setPhase(PhaseTrain)
		trainLoss, err := t.trainEpoch(ctx, train)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", t.epoch+1, err)
		}

		t.setPhase(PhaseEval)
		result, err := Evaluate(ctx, t.model, val, t.criterion)
		if err != nil {
			return fmt.Errorf("validation epoch %d failed: %w", t.epoch+1, err)
		}

		t.setPhase(PhaseCheckpoint)
		lr := t.scheduler.Step(result.MacroF1, t.optimizer.LearningRate())
		t.optimizer.UpdateLearningRate(lr)

		improved := result.MacroF1 > t.bestMetric
		if improved {
			t.bestMetric = result.MacroF1
			t.noImprove = 0
		} else {
			t.noImprove++
		}
		t.epoch++

		if err := t.checkpoints.Save(t, improved); err != nil {
			return err
		}

		metrics := EpochMetrics{
			Epoch:        t.epoch,
			TrainLoss:    trainLoss,
			ValLoss:      result.Loss,
			ValMacroF1:   result.MacroF1,
			LearningRate: lr,
			Improved:     improved,
			Skipped:      train.Skipped() + val.Skipped(),
			Duration:     time.Since(start),
		}
		t.history = append(t.history, metrics)
		slog.Info("epoch complete",
			"epoch", metrics.Epoch,
			"loss", metrics.TrainLoss,
			"val_loss", metrics.ValLoss,
			"macro_f1", metrics.ValMacroF1,
			"lr", metrics.LearningRate,
			"improved", improved,
			"duration", metrics.Duration.Round(time.Millisecond))

		for _, fn := range t.observers {
			if err := fn(metrics); err != nil {
				return fmt.Errorf("epoch %d observer: %w", t.epoch, err)
			}
		}

		if t.noImprove >= t.config.EarlyStopPatience {
			slog.Info("no improvement, stopping", "epoch", t.epoch, "best_metric", t.bestMetric)
		}
	}

	t.setPhase(PhaseStopped)
	return nil
}

// trainEpoch runs one pass over the training loader and returns the mean
// batch loss. A trailing window shorter than GradientAccumulationSteps is
// still applied at the end of the epoch.
func (t *Trainer) trainEpoch(ctx context.Context, loader *dataloader.Loader) (float64, error) {
	t.optimizer.ZeroGrad()

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d", t.epoch+1), loader.Len())
	}

	var total float64
	batches, pending := 0, 0
	err := loader.Iterate(ctx, t.epoch, func(b *dataloader.Batch) error {
		logits, err := t.model.Forward(b)
		if err != nil {
			return err
		}
		loss, err := t.criterion.Forward(logits, b.Labels)
		if err != nil {
			return err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return fmt.Errorf("%w: %v at step %d", ErrNonFiniteLoss, loss, t.step+1)
		}
		grad, err := t.criterion.Backward(logits, b.Labels)
		if err != nil {
			return err
		}
		if err := t.model.Backward(grad); err != nil {
			return err
		}

		t.step++
		pending++
		if pending == t.config.GradientAccumulationSteps {
			if err := t.applyStep(); err != nil {
				return err
			}
			pending = 0
		}

		total += loss
		batches++
		if bar != nil {
			bar.Update(batches, map[string]float64{"loss": total / float64(batches)})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		if err := t.applyStep(); err != nil {
			return 0, err
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if batches == 0 {
		return 0, fmt.Errorf("no training batches")
	}
	return total / float64(batches), nil
}

func (t *Trainer) applyStep() error {
	if err := t.optimizer.Step(); err != nil {
		return fmt.Errorf("optimizer step: %w", err)
	}
	t.optimizer.ZeroGrad()
	return nil
}

// LoadBest copies the weights of dir's best checkpoint into model.
func LoadBest(dir string, format checkpoints.CheckpointFormat, model Module) (*checkpoints.Checkpoint, error) {
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Format: format})
	return cm.LoadBest(model)
}
