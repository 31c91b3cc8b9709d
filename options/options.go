package options

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/chatTemplates"
)

const (
	defaultWorkerPython   = "python3"
	defaultMaxImageSize   = 1000
	defaultLlamaCppDir    = "llama.cpp"
	defaultArtifactMarker = "unsloth"
)

type Options struct {
	WorkerOptions *WorkerOptions
	// ChatTemplate, when set, renders prompts in Go instead of the framework's processor.
	ChatTemplate   *chatTemplates.ChatTemplate
	ImageHistory   bool
	MaxImageSize   int
	LlamaCppDir    string
	ArtifactMarker string
	LogLevel       log.Level
	Destroy        func() error
}

type WorkerOptions struct {
	// Command is the worker executable and its arguments. When empty the bundled worker script
	// is installed into ScriptDir and run with Python.
	Command   []string
	Python    string
	ScriptDir string
	Env       []string
	Dir       string
}

func Defaults() *Options {
	return &Options{
		WorkerOptions: &WorkerOptions{
			Command: strings.Fields(os.Getenv("FASTMODEL_WORKER")),
			Python:  defaultWorkerPython,
		},
		ImageHistory:   true,
		MaxImageSize:   defaultMaxImageSize,
		LlamaCppDir:    defaultLlamaCppDir,
		ArtifactMarker: defaultArtifactMarker,
		LogLevel:       log.InfoLevel,
		Destroy: func() error {
			return nil
		},
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithWorkerCommand sets the framework worker executable and its arguments.
func WithWorkerCommand(command ...string) WithOption {
	return func(o *Options) error {
		if len(command) == 0 || command[0] == "" {
			return errors.New("worker command must not be empty")
		}
		o.WorkerOptions.Command = command
		return nil
	}
}

// WithWorkerPython sets the interpreter that runs the bundled worker. Default is python3.
func WithWorkerPython(python string) WithOption {
	return func(o *Options) error {
		if python == "" {
			return errors.New("worker python must not be empty")
		}
		o.WorkerOptions.Python = python
		return nil
	}
}

// WithWorkerScriptDir sets where the bundled worker script is installed.
func WithWorkerScriptDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return errors.New("worker script directory must not be empty")
		}
		o.WorkerOptions.ScriptDir = dir
		return nil
	}
}

// WithWorkerEnv adds KEY=VALUE pairs to the worker environment.
func WithWorkerEnv(env ...string) WithOption {
	return func(o *Options) error {
		for _, kv := range env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("worker environment entry %q is not KEY=VALUE", kv)
			}
		}
		o.WorkerOptions.Env = append(o.WorkerOptions.Env, env...)
		return nil
	}
}

func WithWorkerDir(dir string) WithOption {
	return func(o *Options) error {
		o.WorkerOptions.Dir = dir
		return nil
	}
}

// WithChatTemplate renders prompts with one of the built-in templates (gemma, llama3, qwen, phi).
func WithChatTemplate(name string) WithOption {
	return func(o *Options) error {
		template, err := chatTemplates.Get(name)
		if err != nil {
			return err
		}
		o.ChatTemplate = template
		return nil
	}
}

// WithImageHistory controls whether images of earlier turns are sent again with each request.
// Default is true.
func WithImageHistory(enabled bool) WithOption {
	return func(o *Options) error {
		o.ImageHistory = enabled
		return nil
	}
}

// WithMaxImageSize sets the default bound, in pixels, images are shrunk to. Default is 1000.
func WithMaxImageSize(size int) WithOption {
	return func(o *Options) error {
		if size <= 0 {
			return fmt.Errorf("max image size must be greater than zero, got %d", size)
		}
		o.MaxImageSize = size
		return nil
	}
}

// WithLlamaCppDir sets where llama.cpp is checked out and built.
func WithLlamaCppDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return errors.New("llama.cpp directory must not be empty")
		}
		o.LlamaCppDir = dir
		return nil
	}
}

// WithArtifactMarker sets the substring the framework puts in exported file names. Default is "unsloth".
func WithArtifactMarker(marker string) WithOption {
	return func(o *Options) error {
		if marker == "" {
			return errors.New("artifact marker must not be empty")
		}
		o.ArtifactMarker = marker
		return nil
	}
}

func WithLogLevel(level string) WithOption {
	return func(o *Options) error {
		switch strings.ToLower(level) {
		case "trace", "debug", "info", "warn", "error":
			o.LogLevel = log.ParseLevel(strings.ToLower(level))
			return nil
		default:
			return fmt.Errorf("unknown log level %q", level)
		}
	}
}
