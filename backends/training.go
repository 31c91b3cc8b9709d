package backends

type Collator string

const (
	CollatorAuto   Collator = "auto"
	CollatorText   Collator = "text"
	CollatorVision Collator = "vision"
)

// LoraConfig controls adapter injection.
type LoraConfig struct {
	Rank                     int     `json:"r" yaml:"r" validate:"gt=0"`
	Alpha                    int     `json:"lora_alpha" yaml:"lora_alpha" validate:"gt=0"`
	Dropout                  float64 `json:"lora_dropout" yaml:"lora_dropout" validate:"gte=0,lt=1"`
	Bias                     string  `json:"bias" yaml:"bias" validate:"oneof=none all lora_only"`
	RandomState              int     `json:"random_state" yaml:"random_state"`
	UseRSLora                bool    `json:"use_rslora" yaml:"use_rslora"`
	FinetuneVisionLayers     bool    `json:"finetune_vision_layers" yaml:"finetune_vision_layers"`
	FinetuneLanguageLayers   bool    `json:"finetune_language_layers" yaml:"finetune_language_layers"`
	FinetuneAttentionModules bool    `json:"finetune_attention_modules" yaml:"finetune_attention_modules"`
	FinetuneMLPModules       bool    `json:"finetune_mlp_modules" yaml:"finetune_mlp_modules"`
}

// SFTConfig is the optimizer schedule and trainer arguments.
type SFTConfig struct {
	MaxSeqLength              int     `json:"max_seq_length" yaml:"max_seq_length" validate:"gt=0"`
	LearningRate              float64 `json:"learning_rate" yaml:"learning_rate" validate:"gt=0"`
	OutputDir                 string  `json:"output_dir" yaml:"output_dir" validate:"required"`
	PerDeviceTrainBatchSize   int     `json:"per_device_train_batch_size" yaml:"per_device_train_batch_size" validate:"gt=0"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps" validate:"gt=0"`
	WarmupSteps               int     `json:"warmup_steps" yaml:"warmup_steps" validate:"gte=0"`
	MaxSteps                  int     `json:"max_steps" yaml:"max_steps" validate:"gte=0"`
	NumTrainEpochs            float64 `json:"num_train_epochs" yaml:"num_train_epochs" validate:"required_without=MaxSteps,gte=0"`
	LoggingSteps              int     `json:"logging_steps" yaml:"logging_steps" validate:"gte=0"`
	Optim                     string  `json:"optim" yaml:"optim" validate:"required"`
	WeightDecay               float64 `json:"weight_decay" yaml:"weight_decay" validate:"gte=0"`
	LRSchedulerType           string  `json:"lr_scheduler_type" yaml:"lr_scheduler_type" validate:"required"`
	Seed                      int     `json:"seed" yaml:"seed"`
	ReportTo                  string  `json:"report_to" yaml:"report_to"`
	RemoveUnusedColumns       bool    `json:"remove_unused_columns" yaml:"remove_unused_columns"`
	DatasetNumProc            int     `json:"dataset_num_proc" yaml:"dataset_num_proc" validate:"gt=0"`
}

// TrainingConfig enumerates every option understood by the trainer.
type TrainingConfig struct {
	Lora                 LoraConfig `json:"lora" yaml:"lora"`
	SFT                  SFTConfig  `json:"sft" yaml:"sft"`
	Collator             Collator   `json:"collator" yaml:"collator" validate:"oneof=auto text vision"`
	TrainOnResponsesOnly bool       `json:"train_on_responses_only" yaml:"train_on_responses_only"`
	InstructionPart      string     `json:"instruction_part" yaml:"instruction_part" validate:"required_if=TrainOnResponsesOnly true"`
	ResponsePart         string     `json:"response_part" yaml:"response_part" validate:"required_if=TrainOnResponsesOnly true"`
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Lora: LoraConfig{
			Rank:                     16,
			Alpha:                    16,
			Dropout:                  0,
			Bias:                     "none",
			RandomState:              3407,
			FinetuneVisionLayers:     true,
			FinetuneLanguageLayers:   true,
			FinetuneAttentionModules: true,
			FinetuneMLPModules:       true,
		},
		SFT: SFTConfig{
			MaxSeqLength:              2048,
			LearningRate:              2e-4,
			OutputDir:                 "outputs",
			PerDeviceTrainBatchSize:   2,
			GradientAccumulationSteps: 4,
			WarmupSteps:               5,
			NumTrainEpochs:            3,
			LoggingSteps:              1,
			Optim:                     "adamw_8bit",
			WeightDecay:               0.01,
			LRSchedulerType:           "linear",
			Seed:                      3407,
			ReportTo:                  "none",
			DatasetNumProc:            4,
		},
		Collator:        CollatorAuto,
		InstructionPart: "<|start_header_id|>user<|end_header_id|>\n\n",
		ResponsePart:    "<|start_header_id|>assistant<|end_header_id|>\n\n",
	}
}
