package gguf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/util/fileutil"
)

const (
	DefaultRepository = "https://github.com/ggerganov/llama.cpp.git"
	DefaultPython     = "python"

	splitBinary     = "llama-gguf-split"
	convertScript   = "convert_hf_to_gguf.py"
	requirementsTxt = "requirements.txt"
	buildDir        = "build"
)

// Runner executes an external command in dir and reports a non-zero exit status as an error.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) error
}

// ExecRunner runs commands as child processes. Their output is logged at debug level and the
// tail of it is attached to the error of a failed command.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	log.Debug().Str("dir", dir).Str("command", name).Str("args", strings.Join(args, " ")).Msg("running")
	err := cmd.Run()
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line != "" {
			log.Debug().Str("command", filepath.Base(name)).Msg(line)
		}
	}
	if err != nil {
		return &CommandError{Command: strings.Join(append([]string{name}, args...), " "), Output: tail(output.String(), 20), Err: err}
	}
	return nil
}

type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func tail(s string, lines int) string {
	parts := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}

// Toolchain is a llama.cpp checkout: its conversion script, and the split tool once built.
type Toolchain struct {
	Dir        string
	Repository string
	Python     string
	BuildGPU   bool
	Runner     Runner
}

func NewToolchain(dir string) *Toolchain {
	return &Toolchain{
		Dir:        dir,
		Repository: DefaultRepository,
		Python:     DefaultPython,
		Runner:     ExecRunner{},
	}
}

// SplitBinary is the path the split tool is installed to.
func (t *Toolchain) SplitBinary() string {
	return filepath.Join(t.Dir, splitBinary)
}

// Ready reports whether the split tool is built.
func (t *Toolchain) Ready() bool {
	return isExecutable(t.SplitBinary())
}

// EnsureSource clones the repository when the checkout is missing.
func (t *Toolchain) EnsureSource(ctx context.Context) error {
	exists, err := fileutil.FileExists(ctx, t.Dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	log.Info().Str("repository", t.Repository).Str("dir", t.Dir).Msg("cloning llama.cpp")
	if err = t.Runner.Run(ctx, "", "git", "clone", "--depth", "1", t.Repository, t.Dir); err != nil {
		return fmt.Errorf("cloning llama.cpp: %w", err)
	}
	return nil
}

// InstallRequirements installs the Python requirements of the conversion script.
func (t *Toolchain) InstallRequirements(ctx context.Context) error {
	if err := t.Runner.Run(ctx, t.Dir, t.Python, "-m", "pip", "install", "-r", requirementsTxt); err != nil {
		return fmt.Errorf("installing llama.cpp requirements: %w", err)
	}
	return nil
}

// Ensure builds the llama.cpp tools unless the split tool is already installed. Building is a
// configure step, a release build, and copying build/bin/llama-* into the checkout.
func (t *Toolchain) Ensure(ctx context.Context) error {
	if t.Ready() {
		return nil
	}
	if err := t.EnsureSource(ctx); err != nil {
		return err
	}
	configure := []string{"-B", buildDir}
	if t.BuildGPU {
		configure = append(configure, "-DGGML_CUDA=ON")
	}
	log.Info().Str("dir", t.Dir).Bool("gpu", t.BuildGPU).Msg("building llama.cpp")
	if err := t.Runner.Run(ctx, t.Dir, "cmake", configure...); err != nil {
		return fmt.Errorf("configuring llama.cpp: %w", err)
	}
	if err := t.Runner.Run(ctx, t.Dir, "cmake", "--build", buildDir, "--config", "Release"); err != nil {
		return fmt.Errorf("building llama.cpp: %w", err)
	}
	if err := t.installBinaries(); err != nil {
		return err
	}
	if !t.Ready() {
		return fmt.Errorf("llama.cpp build did not produce %s", splitBinary)
	}
	return nil
}

func (t *Toolchain) installBinaries() error {
	binaries, err := filepath.Glob(filepath.Join(t.Dir, buildDir, "bin", "llama-*"))
	if err != nil {
		return err
	}
	for _, binary := range binaries {
		data, readErr := os.ReadFile(binary)
		if readErr != nil {
			return readErr
		}
		target := filepath.Join(t.Dir, filepath.Base(binary))
		if err = os.WriteFile(target, data, 0o755); err != nil {
			return fmt.Errorf("installing %s: %w", filepath.Base(binary), err)
		}
	}
	return nil
}

// Split cuts file into shards of at most maxSize next to it. The shards are named after file
// without its .gguf extension.
func (t *Toolchain) Split(ctx context.Context, file string, maxSize string) error {
	prefix := strings.TrimSuffix(file, ".gguf")
	log.Info().Str("path", file).Str("max_size", maxSize).Msg("splitting")
	if err := t.Runner.Run(ctx, "", t.SplitBinary(), "--split", "--split-max-size", NormalizeSize(maxSize), file, prefix); err != nil {
		return fmt.Errorf("splitting %s: %w", file, err)
	}
	return nil
}

// Convert writes modelDir as a GGUF file of the given quantization type to outfile.
func (t *Toolchain) Convert(ctx context.Context, modelDir string, outfile string, outtype string) error {
	script := filepath.Join(t.Dir, convertScript)
	if !fileExists(script) {
		return fmt.Errorf("conversion script %s not found", script)
	}
	log.Info().Str("model", modelDir).Str("outfile", outfile).Str("outtype", outtype).Msg("converting")
	if err := t.Runner.Run(ctx, "", t.Python, script, modelDir, "--outfile", outfile, "--outtype", outtype); err != nil {
		return fmt.Errorf("converting %s to %s: %w", modelDir, outtype, err)
	}
	return nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
