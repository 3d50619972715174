package training

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tsawler/go-mmfusion/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior.
type CheckpointConfig struct {
	SaveDirectory string                       // Run directory holding checkpoint and model_best
	Format        checkpoints.CheckpointFormat // binary or JSON
	RunID         string
	Tags          []string
}

// CheckpointManager writes the per-epoch checkpoint and the best copy for a
// Trainer, and restores a Trainer from the latest checkpoint.
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager.
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// LatestPath is the per-epoch checkpoint path.
func (cm *CheckpointManager) LatestPath() string {
	return filepath.Join(cm.config.SaveDirectory, checkpoints.LatestName(cm.config.Format))
}

// BestPath is the best-model path.
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, checkpoints.BestName(cm.config.Format))
}

// Save writes the trainer's state to the latest slot and, when isBest, copies
// the fully written file to the best slot.
func (cm *CheckpointManager) Save(t *Trainer, isBest bool) error {
	checkpoint, err := cm.createCheckpointFromTrainer(t)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	latest := cm.LatestPath()
	if err := cm.saver.SaveCheckpoint(checkpoint, latest); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	slog.Debug("checkpoint saved", "path", latest, "epoch", t.epoch)

	if isBest {
		if err := checkpoints.CopyFile(latest, cm.BestPath()); err != nil {
			return fmt.Errorf("failed to save best checkpoint: %w", err)
		}
		slog.Debug("best checkpoint saved", "path", cm.BestPath(), "macro_f1", t.bestMetric)
	}
	return nil
}

// Restore loads the latest checkpoint into t.
func (cm *CheckpointManager) Restore(t *Trainer) error {
	checkpoint, err := cm.saver.LoadCheckpoint(cm.LatestPath())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cm.restoreTrainerFromCheckpoint(t, checkpoint); err != nil {
		return fmt.Errorf("failed to restore trainer state: %w", err)
	}
	return nil
}

// LoadBest copies the best checkpoint's weights into model.
func (cm *CheckpointManager) LoadBest(model Module) (*checkpoints.Checkpoint, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(cm.BestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load best checkpoint: %w", err)
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, model.Parameters()); err != nil {
		return nil, fmt.Errorf("failed to restore best weights: %w", err)
	}
	return checkpoint, nil
}

func (cm *CheckpointManager) createCheckpointFromTrainer(t *Trainer) (*checkpoints.Checkpoint, error) {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, err
	}
	return &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(t.model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:          t.epoch,
			Step:           t.step,
			LearningRate:   t.optimizer.LearningRate(),
			BestMetric:     t.bestMetric,
			NoImproveCount: t.noImprove,
		},
		OptimizerState: optState,
		SchedulerState: t.scheduler.State(),
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			Description: fmt.Sprintf("epoch %d", t.epoch),
			Tags:        cm.config.Tags,
		},
	}, nil
}

func (cm *CheckpointManager) restoreTrainerFromCheckpoint(t *Trainer, checkpoint *checkpoints.Checkpoint) error {
	if err := checkpoints.LoadWeights(checkpoint.Weights, t.model.Parameters()); err != nil {
		return err
	}
	if checkpoint.OptimizerState == nil || checkpoint.SchedulerState == nil {
		return fmt.Errorf("checkpoint has no optimizer or scheduler state")
	}
	if err := t.optimizer.LoadState(checkpoint.OptimizerState); err != nil {
		return err
	}
	if err := t.scheduler.LoadState(checkpoint.SchedulerState); err != nil {
		return err
	}
	t.optimizer.UpdateLearningRate(checkpoint.TrainingState.LearningRate)

	state := checkpoint.TrainingState
	t.epoch = state.Epoch
	t.step = state.Step
	t.bestMetric = state.BestMetric
	t.noImprove = state.NoImproveCount
	return nil
}
