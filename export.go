package fastmodel

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/gguf"
	"github.com/film69/fastmodel/util/fileutil"
)

// ExportConfig controls ExportGGUF. ModelName is both the output directory and the name given
// to the artifacts.
type ExportConfig struct {
	ModelName           string   `json:"model_name" yaml:"model_name" validate:"required"`
	QuantizationMethods []string `json:"quantization_method" yaml:"quantization_method" validate:"min=1,dive,required"`
	SaveOriginalModel   bool     `json:"save_original_model" yaml:"save_original_model"`
	MaxSizeGGUF         string   `json:"max_size_gguf" yaml:"max_size_gguf" validate:"required"`
	BuildGPU            bool     `json:"build_gpu" yaml:"build_gpu"`
	SaveOriginalGGUF    bool     `json:"save_original_gguf" yaml:"save_original_gguf"`
	// PublishURL, when set, receives a copy of the GGUF directory, e.g. s3://bucket/models/name.
	PublishURL string `json:"publish_url" yaml:"publish_url"`
}

func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		ModelName:           "model",
		QuantizationMethods: []string{"q4_k_m", "q8_0", "f16"},
		MaxSizeGGUF:         "49G",
	}
}

type ExportResult struct {
	Dir       string   `json:"dir"`
	Artifacts []string `json:"artifacts"`
	Published []string `json:"published,omitempty"`
}

func (s *Session) toolchain(buildGPU bool) *gguf.Toolchain {
	toolchain := gguf.NewToolchain(s.options.LlamaCppDir)
	toolchain.BuildGPU = buildGPU
	toolchain.Runner = s.runner
	return toolchain
}

// ExportGGUF has the framework write one quantized GGUF file per method into cfg.ModelName, then
// gathers them in cfg.ModelName/GGUF and splits those larger than cfg.MaxSizeGGUF.
func (s *Session) ExportGGUF(ctx context.Context, cfg ExportConfig) (*ExportResult, error) {
	if err := s.acquire(StateExporting); err != nil {
		return nil, err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return nil, &ExportError{Op: "gguf", Err: err}
	}
	if err := validateStruct("export config", cfg); err != nil {
		return nil, &ExportError{Op: "gguf", Err: err}
	}
	maxSize := gguf.NormalizeSize(cfg.MaxSizeGGUF)
	maxSizeGB, err := gguf.ParseSizeGB(maxSize)
	if err != nil {
		return nil, &ExportError{Op: "gguf", Err: err}
	}

	modelDir := cfg.ModelName
	if err = s.backend.SaveGGUF(ctx, backends.GGUFRequest{Dir: modelDir, QuantizationMethods: cfg.QuantizationMethods}); err != nil {
		return nil, &ExportError{Op: "gguf", Err: err}
	}

	if _, err = gguf.Relocate(ctx, modelDir, s.options.ArtifactMarker, filepath.Base(modelDir)); err != nil {
		return nil, &ExportError{Op: "relocate", Err: err}
	}
	if !cfg.SaveOriginalModel {
		if err = gguf.RemoveOriginals(ctx, modelDir); err != nil {
			return nil, &ExportError{Op: "relocate", Err: err}
		}
	}

	exportDir := fileutil.PathJoinSafe(modelDir, gguf.Dir)
	artifacts, err := gguf.ListArtifacts(ctx, exportDir)
	if err != nil {
		return nil, &ExportError{Op: "relocate", Err: err}
	}
	if gguf.MaxSizeGB(artifacts) > maxSizeGB {
		if artifacts, err = gguf.PartitionBySchemes(ctx, exportDir, artifacts); err != nil {
			return nil, &ExportError{Op: "partition", Err: err}
		}
	}

	toolchain := s.toolchain(cfg.BuildGPU)
	if err = toolchain.Ensure(ctx); err != nil {
		return nil, &ExportError{Op: "toolchain", Err: err}
	}
	for _, artifact := range artifacts {
		if artifact.SizeGB <= maxSizeGB {
			continue
		}
		if err = toolchain.Split(ctx, artifact.Path, maxSize); err != nil {
			return nil, &ExportError{Op: "split", Err: err}
		}
		if !cfg.SaveOriginalGGUF {
			if err = fileutil.DeleteFile(ctx, artifact.Path); err != nil {
				return nil, &ExportError{Op: "split", Err: err}
			}
		}
	}

	result := &ExportResult{Dir: exportDir}
	if artifacts, err = gguf.ListArtifacts(ctx, exportDir); err != nil {
		return nil, &ExportError{Op: "gguf", Err: err}
	}
	for _, artifact := range artifacts {
		result.Artifacts = append(result.Artifacts, artifact.Path)
	}
	if cfg.PublishURL != "" {
		if result.Published, err = gguf.Publish(ctx, exportDir, cfg.PublishURL); err != nil {
			return result, &ExportError{Op: "publish", Err: err}
		}
	}
	log.Info().Str("dir", exportDir).Int("artifacts", len(result.Artifacts)).Msg("gguf export completed")
	return result, nil
}

// ConvertConfig controls ConvertToGGUF.
type ConvertConfig struct {
	ModelDir string `json:"model_dir" yaml:"model_dir" validate:"required"`
	// OutputName prefixes the written files; it defaults to ModelDir.
	OutputName          string   `json:"output_name" yaml:"output_name"`
	QuantizationMethods []string `json:"quantization_method" yaml:"quantization_method" validate:"min=1,dive,required"`
	InstallRequirements bool     `json:"install_requirements" yaml:"install_requirements"`
	LlamaCppDir         string   `json:"llama_cpp_dir" yaml:"llama_cpp_dir" validate:"required"`
	Python              string   `json:"python" yaml:"python" validate:"required"`
}

func DefaultConvertConfig() ConvertConfig {
	return ConvertConfig{
		QuantizationMethods: []string{"q8_0", "f16"},
		LlamaCppDir:         "llama.cpp",
		Python:              gguf.DefaultPython,
	}
}

// ConvertToGGUF converts a saved Hugging Face model directory with the llama.cpp conversion
// script, one <name>.<METHOD>.gguf file per method. It returns the written files.
func ConvertToGGUF(ctx context.Context, cfg ConvertConfig) ([]string, error) {
	return convertToGGUF(ctx, cfg, gguf.ExecRunner{})
}

func convertToGGUF(ctx context.Context, cfg ConvertConfig, runner gguf.Runner) ([]string, error) {
	if err := validateStruct("convert config", cfg); err != nil {
		return nil, &ExportError{Op: "convert", Err: err}
	}
	toolchain := gguf.NewToolchain(cfg.LlamaCppDir)
	toolchain.Python = cfg.Python
	toolchain.Runner = runner
	if err := toolchain.EnsureSource(ctx); err != nil {
		return nil, &ExportError{Op: "convert", Err: err}
	}
	if cfg.InstallRequirements {
		if err := toolchain.InstallRequirements(ctx); err != nil {
			return nil, &ExportError{Op: "convert", Err: err}
		}
	}
	outputName := cfg.OutputName
	if outputName == "" {
		outputName = cfg.ModelDir
	}
	var written []string
	for _, method := range cfg.QuantizationMethods {
		outfile := fmt.Sprintf("%s.%s.gguf", outputName, strings.ToUpper(method))
		if err := toolchain.Convert(ctx, cfg.ModelDir, outfile, method); err != nil {
			return written, &ExportError{Op: "convert", Err: err}
		}
		written = append(written, outfile)
	}
	return written, nil
}
