// Package testcases holds an in-process backend and fixtures shared by the package tests.
package testcases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/chat"
	"github.com/film69/fastmodel/testcases/embedded"
)

// FakeBackend answers every operation in memory. Generation replies are deterministic: the
// reply depends only on the request, so streamed and non-streamed calls agree.
type FakeBackend struct {
	mu sync.Mutex

	Info    backends.ModelInfo
	LoadErr error

	// Reply computes the response; by default it echoes the last user text.
	Reply       func(request backends.GenerateRequest) string
	GenerateErr error
	// StreamErr is sent after the first StreamErrAfter fragments of the reply.
	StreamErr      error
	StreamErrAfter int
	// Block, when set, holds generation until it is closed or the context ends.
	Block chan struct{}
	// Started receives a value once a generation has begun.
	Started chan struct{}

	// SaveMergedFailures is the number of SaveMerged calls that fail before one succeeds.
	SaveMergedFailures int
	Config             []byte

	Device   backends.DeviceStats
	Progress []backends.TrainingProgress
	Result   backends.TrainingResult
	TrainErr error

	// GGUFSizes maps the scheme of each artifact SaveGGUF writes to its size in bytes.
	GGUFSizes map[string]int

	Requests []backends.GenerateRequest
	Calls    []string
	Dataset  *backends.DatasetRef
	Training *backends.TrainingConfig
	Closed   bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Info:   backends.ModelInfo{Name: "fake/model", Device: "cpu", EosToken: "<|eot_id|>"},
		Config: embedded.ModelConfig,
		Device: backends.DeviceStats{GPUName: "Fake GPU", MaxMemoryGB: 16, ReservedMemoryGB: 1.5},
		Progress: []backends.TrainingProgress{
			{Step: 1, Epoch: 0.5, Loss: 2.1, LearningRate: 2e-4},
			{Step: 2, Epoch: 1, Loss: 1.4, LearningRate: 1e-4},
		},
		Result: backends.TrainingResult{GlobalStep: 2, TrainingLoss: 1.75, RuntimeSeconds: 3.5, PeakReservedMemoryGB: 2.25},
	}
}

// EchoReply answers with the text of the last turn, or the rendered prompt.
func EchoReply(request backends.GenerateRequest) string {
	if len(request.Messages) == 0 {
		return "prompt has " + fmt.Sprint(len(request.Prompt)) + " bytes"
	}
	last := request.Messages[len(request.Messages)-1]
	return fmt.Sprintf("you said %q after %d turns", last.Text(), len(request.Messages)-1)
}

func (f *FakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

// CallsTo counts the recorded calls of one operation.
func (f *FakeBackend) CallsTo(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *FakeBackend) LastRequest() backends.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Requests) == 0 {
		return backends.GenerateRequest{}
	}
	return f.Requests[len(f.Requests)-1]
}

func (f *FakeBackend) Load(_ context.Context, request backends.LoadRequest) (backends.ModelInfo, error) {
	f.record("load")
	if f.LoadErr != nil {
		return backends.ModelInfo{}, f.LoadErr
	}
	info := f.Info
	info.Name = request.ModelName
	info.IsVision = info.IsVision || request.Vision
	return info, nil
}

func (f *FakeBackend) reply(request backends.GenerateRequest) string {
	f.mu.Lock()
	f.Requests = append(f.Requests, request)
	reply := f.Reply
	f.mu.Unlock()
	if reply == nil {
		reply = EchoReply
	}
	return reply(request)
}

func (f *FakeBackend) wait(ctx context.Context) error {
	if f.Started != nil {
		select {
		case f.Started <- struct{}{}:
		default:
		}
	}
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeBackend) Generate(ctx context.Context, request backends.GenerateRequest) (string, error) {
	f.record("generate")
	text := f.reply(request)
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	if f.GenerateErr != nil {
		return "", f.GenerateErr
	}
	return text, nil
}

// Fragments splits text the way a decoder streams it: words with their leading space.
func Fragments(text string) []string {
	var fragments []string
	for i, word := range strings.Split(text, " ") {
		if i > 0 {
			word = " " + word
		}
		fragments = append(fragments, word)
	}
	return fragments
}

// GenerateStream emits a prompt echo followed by the reply fragments.
func (f *FakeBackend) GenerateStream(ctx context.Context, request backends.GenerateRequest) (chan backends.SequenceDelta, chan error, error) {
	f.record("generate_stream")
	if f.GenerateErr != nil {
		return nil, nil, f.GenerateErr
	}
	text := f.reply(request)
	tokens := make(chan backends.SequenceDelta)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		err := func() error {
			defer close(tokens)
			if err := f.wait(ctx); err != nil {
				return err
			}
			fragments := append([]string{"<prompt echo>"}, Fragments(text)...)
			for i, fragment := range fragments {
				if f.StreamErr != nil && i > f.StreamErrAfter {
					return f.StreamErr
				}
				select {
				case tokens <- backends.SequenceDelta{Token: fragment, Index: i}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}()
		if err != nil {
			errs <- err
		}
	}()
	return tokens, errs, nil
}

func (f *FakeBackend) BindDataset(_ context.Context, dataset *backends.DatasetRef) error {
	f.record("bind_dataset")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dataset = dataset
	return nil
}

func (f *FakeBackend) PrepareTraining(_ context.Context, config backends.TrainingConfig) (backends.DeviceStats, error) {
	f.record("prepare_training")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Dataset == nil {
		return backends.DeviceStats{}, errors.New("no dataset bound")
	}
	f.Training = &config
	return f.Device, nil
}

func (f *FakeBackend) Train(ctx context.Context, progress func(backends.TrainingProgress)) (backends.TrainingResult, error) {
	f.record("train")
	for _, p := range f.Progress {
		if err := ctx.Err(); err != nil {
			return backends.TrainingResult{}, err
		}
		progress(p)
	}
	if f.TrainErr != nil {
		return backends.TrainingResult{}, f.TrainErr
	}
	return f.Result, nil
}

func (f *FakeBackend) Save(_ context.Context, dir string) error {
	f.record("save")
	return writeConfig(dir, f.Config)
}

// SaveMerged fails while SaveMergedFailures is positive and a dataset is bound, the way a
// framework merge fails with a dataset still attached.
func (f *FakeBackend) SaveMerged(_ context.Context, request backends.SaveMergedRequest) error {
	f.record("save_merged")
	f.mu.Lock()
	if f.SaveMergedFailures > 0 && f.Dataset != nil {
		f.SaveMergedFailures--
		f.mu.Unlock()
		return errors.New("merge failed: dataset still attached")
	}
	f.mu.Unlock()
	return writeConfig(request.Dir, f.Config)
}

// SaveGGUF writes one marker-named artifact per method, plus the weights the framework leaves
// next to them.
func (f *FakeBackend) SaveGGUF(_ context.Context, request backends.GGUFRequest) error {
	f.record("save_gguf")
	if err := writeConfig(request.Dir, f.Config); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(request.Dir, "model.safetensors"), []byte("weights"), 0o644); err != nil {
		return err
	}
	for _, method := range request.QuantizationMethods {
		scheme := strings.ToUpper(method)
		size := 16
		if s, ok := f.GGUFSizes[scheme]; ok {
			size = s
		}
		name := filepath.Join(request.Dir, "unsloth."+scheme+".gguf")
		if err := os.WriteFile(name, make([]byte, size), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeBackend) ModelConfig(_ context.Context) ([]byte, error) {
	f.record("model_config")
	return f.Config, nil
}

func (f *FakeBackend) Close() error {
	f.record("close")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func writeConfig(dir string, config []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), config, 0o644)
}

// UserTurns returns the text of every user turn.
func UserTurns(turns []chat.Turn) []string {
	var texts []string
	for _, t := range turns {
		if t.Role == chat.RoleUser {
			texts = append(texts, t.Text())
		}
	}
	return texts
}
