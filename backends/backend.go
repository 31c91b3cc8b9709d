package backends

import (
	"context"
	"image"

	"github.com/film69/fastmodel/chat"
)

// Backend is the boundary to the machine-learning framework that owns the model weights,
// the processor, the generation primitive and the trainer. Every method may block on the
// framework and must honour ctx cancellation.
type Backend interface {
	Load(ctx context.Context, request LoadRequest) (ModelInfo, error)
	Generate(ctx context.Context, request GenerateRequest) (string, error)
	// GenerateStream starts a generation and returns the decoded fragments as they are produced.
	// The token stream is closed when generation ends, after which the error stream yields at
	// most one error and is closed.
	GenerateStream(ctx context.Context, request GenerateRequest) (chan SequenceDelta, chan error, error)
	// BindDataset attaches a training dataset. A nil dataset detaches the current one.
	BindDataset(ctx context.Context, dataset *DatasetRef) error
	PrepareTraining(ctx context.Context, config TrainingConfig) (DeviceStats, error)
	Train(ctx context.Context, progress func(TrainingProgress)) (TrainingResult, error)
	Save(ctx context.Context, dir string) error
	SaveMerged(ctx context.Context, request SaveMergedRequest) error
	SaveGGUF(ctx context.Context, request GGUFRequest) error
	// ModelConfig returns the model configuration serialised as JSON.
	ModelConfig(ctx context.Context) ([]byte, error)
	Close() error
}

type LoadRequest struct {
	ModelName  string `json:"model_name"`
	DType      string `json:"dtype,omitempty"`
	LoadIn4Bit bool   `json:"load_in_4bit"`
	LoadIn8Bit bool   `json:"load_in_8bit"`
	Vision     bool   `json:"vision"`
}

// ModelInfo is what the framework reports about a loaded model.
type ModelInfo struct {
	Name      string `json:"name"`
	LocalPath string `json:"local_path,omitempty"`
	Device    string `json:"device,omitempty"`
	EosToken  string `json:"eos_token,omitempty"`
	IsVision  bool   `json:"is_vision"`
}

// GenerateRequest carries either structured Messages, templated by the framework's processor,
// or a Prompt already rendered with a Go chat template together with its Images.
type GenerateRequest struct {
	Messages     []chat.Turn
	Prompt       string
	Images       []image.Image
	StopTokens   []string
	MaxNewTokens int
	Temperature  float64
	TopP         float64
}

type DatasetRef struct {
	Path        string `json:"path"`
	NumExamples int    `json:"num_examples"`
	HasImages   bool   `json:"has_images"`
}

type SaveMergedRequest struct {
	Dir    string `json:"dir"`
	Method string `json:"save_method"`
}

type GGUFRequest struct {
	Dir                 string   `json:"dir"`
	QuantizationMethods []string `json:"quantization_method"`
}

// DeviceStats reports accelerator memory, in GiB, as seen by the framework.
type DeviceStats struct {
	GPUName          string  `json:"gpu_name"`
	MaxMemoryGB      float64 `json:"max_memory_gb"`
	ReservedMemoryGB float64 `json:"reserved_memory_gb"`
}

type TrainingProgress struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
}

type TrainingResult struct {
	GlobalStep           int     `json:"global_step"`
	TrainingLoss         float64 `json:"training_loss"`
	RuntimeSeconds       float64 `json:"runtime_seconds"`
	PeakReservedMemoryGB float64 `json:"peak_reserved_memory_gb"`
}
