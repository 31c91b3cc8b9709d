package fastmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/util/fileutil"
)

type TrainingStatistics struct {
	Device               backends.DeviceStats        `json:"device"`
	Progress             []backends.TrainingProgress `json:"progress"`
	GlobalStep           int                         `json:"global_step"`
	TrainingLoss         float64                     `json:"training_loss"`
	RuntimeSeconds       float64                     `json:"runtime_seconds"`
	PeakReservedMemoryGB float64                     `json:"peak_reserved_memory_gb"`
}

// Trainer is a supervised fine-tuning run bound to the session's model and dataset.
type Trainer struct {
	config TrainingConfig

	mu         sync.Mutex
	statistics TrainingStatistics
}

func (t *Trainer) Config() TrainingConfig {
	return t.config
}

// Statistics is safe to call while StartTrain is running; it returns the progress seen so far.
func (t *Trainer) Statistics() TrainingStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	statistics := t.statistics
	statistics.Progress = append([]backends.TrainingProgress(nil), t.statistics.Progress...)
	return statistics
}

// Save writes the training statistics to dir/statistics.json.
func (t *Trainer) Save(ctx context.Context, dir string) error {
	if dir == "" {
		return fmt.Errorf("path is required")
	}
	statisticsBytes, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(t.Statistics(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal training statistics: %w", err)
	}
	if err = fileutil.CreateDir(ctx, dir); err != nil {
		return err
	}
	if err = fileutil.WriteFile(ctx, fileutil.PathJoinSafe(dir, "statistics.json"), statisticsBytes); err != nil {
		return fmt.Errorf("failed to write training statistics: %w", err)
	}
	return nil
}

type TrainingOption func(c *TrainingConfig) error

// WithTrainingConfig replaces the whole configuration, e.g. one read by LoadTrainingConfig.
func WithTrainingConfig(config TrainingConfig) TrainingOption {
	return func(c *TrainingConfig) error {
		*c = config
		return nil
	}
}

// WithTrainingConfigFile reads a YAML or JSON configuration file.
func WithTrainingConfigFile(path string) TrainingOption {
	return func(c *TrainingConfig) error {
		config, err := LoadTrainingConfig(path)
		if err != nil {
			return err
		}
		*c = config
		return nil
	}
}

func WithEpochs(epochs float64) TrainingOption {
	return func(c *TrainingConfig) error {
		if epochs <= 0 {
			return fmt.Errorf("epochs must be greater than 0")
		}
		c.SFT.NumTrainEpochs = epochs
		c.SFT.MaxSteps = 0
		return nil
	}
}

// WithMaxSteps bounds the run to a number of optimizer steps; it takes precedence over epochs.
func WithMaxSteps(steps int) TrainingOption {
	return func(c *TrainingConfig) error {
		if steps <= 0 {
			return fmt.Errorf("max steps must be greater than 0")
		}
		c.SFT.MaxSteps = steps
		return nil
	}
}

func WithLearningRate(lr float64) TrainingOption {
	return func(c *TrainingConfig) error {
		if lr <= 0 {
			return fmt.Errorf("learning rate must be greater than 0")
		}
		c.SFT.LearningRate = lr
		return nil
	}
}

func WithOutputDir(dir string) TrainingOption {
	return func(c *TrainingConfig) error {
		if dir == "" {
			return fmt.Errorf("output directory must not be empty")
		}
		c.SFT.OutputDir = dir
		return nil
	}
}

// WithLora sets the adapter rank and scaling factor.
func WithLora(rank int, alpha int) TrainingOption {
	return func(c *TrainingConfig) error {
		if rank <= 0 || alpha <= 0 {
			return fmt.Errorf("lora rank and alpha must be greater than 0")
		}
		c.Lora.Rank = rank
		c.Lora.Alpha = alpha
		return nil
	}
}

func WithCollator(collator Collator) TrainingOption {
	return func(c *TrainingConfig) error {
		switch collator {
		case CollatorAuto, CollatorText, CollatorVision:
			c.Collator = collator
			return nil
		default:
			return fmt.Errorf("unknown collator %q", collator)
		}
	}
}

// WithResponsesOnly masks the loss on everything but the assistant responses. The markers delimit
// user and assistant turns in the rendered chat template.
func WithResponsesOnly(instructionPart string, responsePart string) TrainingOption {
	return func(c *TrainingConfig) error {
		if instructionPart == "" || responsePart == "" {
			return fmt.Errorf("instruction and response markers are required")
		}
		c.TrainOnResponsesOnly = true
		c.InstructionPart = instructionPart
		c.ResponsePart = responsePart
		return nil
	}
}

// Trainer injects the adapters and constructs the trainer bound to the loaded dataset.
func (s *Session) Trainer(ctx context.Context, opts ...TrainingOption) (*Trainer, error) {
	if err := s.acquire(StateTraining); err != nil {
		return nil, err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return nil, &TrainingError{Op: "configure", Err: err}
	}
	if s.dataset == nil {
		return nil, &TrainingError{Op: "configure", Err: ErrDatasetNotLoaded}
	}

	config := DefaultTrainingConfig()
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, &TrainingError{Op: "configure", Err: err}
		}
	}
	if config.Collator == CollatorAuto {
		config.Collator = CollatorText
		if s.model.IsVision || s.dataset.HasImages() {
			config.Collator = CollatorVision
		}
	}
	if config.Collator == CollatorVision && !s.model.IsVision {
		return nil, &TrainingError{Op: "configure", Err: errors.New("vision collator requires a vision model")}
	}
	if err := ValidateTrainingConfig(config); err != nil {
		return nil, &TrainingError{Op: "configure", Err: err}
	}

	device, err := s.backend.PrepareTraining(ctx, config)
	if err != nil {
		return nil, &TrainingError{Op: "configure", Err: err}
	}
	log.Info().Str("gpu", device.GPUName).Float64("max_memory_gb", device.MaxMemoryGB).
		Float64("reserved_memory_gb", device.ReservedMemoryGB).Msg("device")
	log.Info().Int("r", config.Lora.Rank).Int("lora_alpha", config.Lora.Alpha).Str("collator", string(config.Collator)).
		Float64("learning_rate", config.SFT.LearningRate).Int("max_steps", config.SFT.MaxSteps).
		Bool("train_on_responses_only", config.TrainOnResponsesOnly).Msg("trainer configured")

	s.trainer = &Trainer{
		config:     config,
		statistics: TrainingStatistics{Device: device},
	}
	return s.trainer, nil
}

// StartTrain runs the configured trainer to completion. It blocks until training ends or ctx is
// cancelled.
func (s *Session) StartTrain(ctx context.Context) (TrainingStatistics, error) {
	if err := s.acquire(StateTraining); err != nil {
		return TrainingStatistics{}, err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return TrainingStatistics{}, &TrainingError{Op: "train", Err: err}
	}
	trainer := s.trainer
	if trainer == nil {
		return TrainingStatistics{}, &TrainingError{Op: "train", Err: ErrTrainerNotConfigured}
	}

	start := time.Now()
	trainer.mu.Lock()
	trainer.statistics.Progress = nil
	trainer.mu.Unlock()
	result, err := s.backend.Train(ctx, func(p backends.TrainingProgress) {
		trainer.mu.Lock()
		trainer.statistics.Progress = append(trainer.statistics.Progress, p)
		trainer.mu.Unlock()
		log.Info().Int("step", p.Step).Float64("epoch", p.Epoch).Float64("loss", p.Loss).
			Float64("learning_rate", p.LearningRate).Msg("training")
	})
	if err != nil {
		return trainer.Statistics(), &TrainingError{Op: "train", Err: err}
	}
	runtimeSeconds := result.RuntimeSeconds
	if runtimeSeconds == 0 {
		runtimeSeconds = time.Since(start).Seconds()
	}
	trainer.mu.Lock()
	trainer.statistics.GlobalStep = result.GlobalStep
	trainer.statistics.TrainingLoss = result.TrainingLoss
	trainer.statistics.RuntimeSeconds = runtimeSeconds
	trainer.statistics.PeakReservedMemoryGB = result.PeakReservedMemoryGB
	trainer.mu.Unlock()
	log.Info().Int("global_step", result.GlobalStep).Float64("training_loss", result.TrainingLoss).
		Float64("runtime_seconds", runtimeSeconds).
		Float64("peak_reserved_memory_gb", result.PeakReservedMemoryGB).Msg("training completed")
	return trainer.Statistics(), nil
}
