package fastmodel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/film69/fastmodel/backends"
)

func TestTrainerRequiresModelAndDataset(t *testing.T) {
	session, _ := newTestSession(t)
	ctx := context.Background()

	_, err := session.Trainer(ctx)
	assert.ErrorIs(t, err, ErrModelNotLoaded)

	checkT(t, session.LoadModel(ctx, testModel))
	_, err = session.Trainer(ctx)
	var trainingErr *TrainingError
	assert.ErrorAs(t, err, &trainingErr)
	assert.ErrorIs(t, err, ErrDatasetNotLoaded)

	_, err = session.StartTrain(ctx)
	assert.ErrorIs(t, err, ErrTrainerNotConfigured)
}

func TestTrainAndSaveStatistics(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))

	outputDir := t.TempDir()
	trainer, err := session.Trainer(ctx, WithMaxSteps(60), WithLearningRate(1e-4), WithOutputDir(outputDir), WithLora(8, 16),
		WithResponsesOnly("<user>", "<assistant>"))
	checkT(t, err)
	assert.Equal(t, CollatorText, trainer.Config().Collator)
	require.NotNil(t, backend.Training)
	assert.Equal(t, 60, backend.Training.SFT.MaxSteps)
	assert.Equal(t, 8, backend.Training.Lora.Rank)
	assert.Equal(t, "<assistant>", backend.Training.ResponsePart)
	assert.Equal(t, "Fake GPU", trainer.Statistics().Device.GPUName)

	statistics, err := session.StartTrain(ctx)
	checkT(t, err)
	assert.Len(t, statistics.Progress, 2)
	assert.Equal(t, 2, statistics.GlobalStep)
	assert.InDelta(t, 1.75, statistics.TrainingLoss, 1e-9)
	assert.InDelta(t, 2.25, statistics.PeakReservedMemoryGB, 1e-9)
	assert.Equal(t, statistics, trainer.Statistics())

	checkT(t, trainer.Save(ctx, outputDir))
	data, err := os.ReadFile(filepath.Join(outputDir, "statistics.json"))
	checkT(t, err)
	var saved TrainingStatistics
	checkT(t, jsoniter.Unmarshal(data, &saved))
	assert.Equal(t, 2, saved.GlobalStep)
	assert.Len(t, saved.Progress, 2)
}

func TestTrainFailure(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))
	_, err := session.Trainer(ctx)
	checkT(t, err)

	failure := errors.New("CUDA out of memory")
	backend.TrainErr = failure
	statistics, err := session.StartTrain(ctx)
	var trainingErr *TrainingError
	assert.ErrorAs(t, err, &trainingErr)
	assert.ErrorIs(t, err, failure)
	// progress seen before the failure is kept
	assert.Len(t, statistics.Progress, 2)
}

func TestTrainerCollatorSelection(t *testing.T) {
	ctx := context.Background()

	session, _ := newTestSession(t)
	checkT(t, session.LoadModel(ctx, "unsloth/Qwen2-VL-2B-Instruct", WithVision()))
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))
	trainer, err := session.Trainer(ctx)
	checkT(t, err)
	assert.Equal(t, CollatorVision, trainer.Config().Collator)

	textSession, _ := loadedSession(t)
	checkT(t, textSession.LoadDataset(ctx, writeDataset(t)))
	_, err = textSession.Trainer(ctx, WithCollator(CollatorVision))
	assert.ErrorContains(t, err, "vision model")

	_, err = textSession.Trainer(ctx, WithCollator("audio"))
	assert.Error(t, err)
}

func TestTrainerRejectsInvalidConfig(t *testing.T) {
	session, _ := loadedSession(t)
	ctx := context.Background()
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))

	config := DefaultTrainingConfig()
	config.Lora.Bias = "some"
	config.SFT.PerDeviceTrainBatchSize = 0
	_, err := session.Trainer(ctx, WithTrainingConfig(config))
	require.Error(t, err)
	assert.ErrorContains(t, err, "Bias")
	assert.ErrorContains(t, err, "PerDeviceTrainBatchSize")
}

func TestLoadTrainingConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	checkT(t, os.WriteFile(path, []byte(`
lora:
  r: 32
  lora_alpha: 64
sft:
  learning_rate: 0.0001
  max_steps: 30
collator: text
`), 0o644))
	config, err := LoadTrainingConfig(path)
	checkT(t, err)
	assert.Equal(t, 32, config.Lora.Rank)
	assert.Equal(t, 64, config.Lora.Alpha)
	assert.Equal(t, 30, config.SFT.MaxSteps)
	assert.Equal(t, CollatorText, config.Collator)
	// untouched keys keep their defaults
	assert.Equal(t, "adamw_8bit", config.SFT.Optim)
	assert.Equal(t, 2048, config.SFT.MaxSeqLength)
}

func TestLoadTrainingConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.json")
	checkT(t, os.WriteFile(path, []byte(`{"sft":{"num_train_epochs":2,"output_dir":"runs"},"train_on_responses_only":true}`), 0o644))
	config, err := LoadTrainingConfig(path)
	checkT(t, err)
	assert.InDelta(t, 2.0, config.SFT.NumTrainEpochs, 1e-9)
	assert.Equal(t, "runs", config.SFT.OutputDir)
	assert.True(t, config.TrainOnResponsesOnly)
}

func TestLoadTrainingConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "train.yaml")
	checkT(t, os.WriteFile(yamlPath, []byte("lora:\n  rank: 8\n"), 0o644))
	_, err := LoadTrainingConfig(yamlPath)
	assert.Error(t, err)

	jsonPath := filepath.Join(dir, "train.json")
	checkT(t, os.WriteFile(jsonPath, []byte(`{"sft":{"learning_rate":0.001,"lr":0.1}}`), 0o644))
	_, err = LoadTrainingConfig(jsonPath)
	assert.Error(t, err)

	tomlPath := filepath.Join(dir, "train.toml")
	checkT(t, os.WriteFile(tomlPath, []byte(""), 0o644))
	_, err = LoadTrainingConfig(tomlPath)
	assert.Error(t, err)
}

func TestLoadTrainingConfigValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	checkT(t, os.WriteFile(path, []byte("lora:\n  r: 0\ntrain_on_responses_only: true\ninstruction_part: \"\"\n"), 0o644))
	_, err := LoadTrainingConfig(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "Rank")
	assert.ErrorContains(t, err, "InstructionPart")
}

func TestTrainingOptionsValidation(t *testing.T) {
	config := DefaultTrainingConfig()
	for _, opt := range []TrainingOption{WithEpochs(0), WithMaxSteps(0), WithLearningRate(0), WithOutputDir(""),
		WithLora(0, 16), WithResponsesOnly("", "x"), WithTrainingConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))} {
		assert.Error(t, opt(&config))
	}

	checkT(t, WithMaxSteps(10)(&config))
	checkT(t, WithEpochs(3)(&config))
	assert.Zero(t, config.SFT.MaxSteps)
	assert.InDelta(t, 3.0, config.SFT.NumTrainEpochs, 1e-9)
}

func TestTrainerDefaultsTrainForEpochs(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))

	_, err := session.Trainer(ctx)
	checkT(t, err)
	require.NotNil(t, backend.Training)
	assert.Zero(t, backend.Training.SFT.MaxSteps)
	assert.InDelta(t, 3.0, backend.Training.SFT.NumTrainEpochs, 1e-9)
}

func TestTrainerRejectsZeroLengthRun(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))

	config := DefaultTrainingConfig()
	config.SFT.NumTrainEpochs = 0
	config.SFT.MaxSteps = 0
	_, err := session.Trainer(ctx, WithTrainingConfig(config))
	require.Error(t, err)
	assert.ErrorContains(t, err, "NumTrainEpochs")
	assert.Nil(t, backend.Training)

	// max_steps alone is enough
	config.SFT.MaxSteps = 10
	_, err = session.Trainer(ctx, WithTrainingConfig(config))
	checkT(t, err)
	assert.Equal(t, 10, backend.Training.SFT.MaxSteps)
}

func TestLoadTrainingConfigRejectsZeroLengthRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	checkT(t, os.WriteFile(path, []byte("sft:\n  num_train_epochs: 0\n"), 0o644))
	_, err := LoadTrainingConfig(path)
	assert.ErrorContains(t, err, "NumTrainEpochs")
}

func TestTrainerStatisticsDuringTraining(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	checkT(t, session.LoadDataset(ctx, writeDataset(t)))
	trainer, err := session.Trainer(ctx)
	checkT(t, err)

	backend.Progress = nil
	for step := 1; step <= 500; step++ {
		backend.Progress = append(backend.Progress, backends.TrainingProgress{Step: step, Loss: 2})
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				seen := trainer.Statistics().Progress
				assert.LessOrEqual(t, len(seen), 500)
			}
		}
	}()
	statistics, err := session.StartTrain(ctx)
	close(stop)
	<-done
	checkT(t, err)
	assert.Len(t, statistics.Progress, 500)
	assert.Len(t, trainer.Statistics().Progress, 500)
}
