package fastmodel

import (
	"errors"
	"fmt"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/gguf"
)

var (
	// ErrSessionBusy is returned when an operation is started while another one holds the session.
	ErrSessionBusy          = errors.New("session is busy with another operation")
	ErrModelNotLoaded       = errors.New("no model is loaded")
	ErrTrainerNotConfigured = errors.New("trainer is not configured, call Trainer first")
	ErrDatasetNotLoaded     = errors.New("no dataset is loaded")
	ErrWorkerClosed         = backends.ErrWorkerClosed
	ErrInvalidSize          = gguf.ErrInvalidSize
)

// ModelLoadError is returned when a model or dataset cannot be loaded.
type ModelLoadError struct {
	Op  string
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("model load: %s: %v", e.Op, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// TrainingError is returned by Trainer and StartTrain.
type TrainingError struct {
	Op  string
	Err error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training: %s: %v", e.Op, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// ExportError is returned by SaveModel, ExportGGUF and ConvertToGGUF.
type ExportError struct {
	Op  string
	Err error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export: %s: %v", e.Op, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// GenerationError is returned by Generate and delivered as the terminal fragment of a stream.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
