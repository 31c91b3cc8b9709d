// Package fastmodel drives fine-tuning, export and chat generation of language and
// vision-language models hosted by a machine-learning framework worker.
package fastmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/chat"
	"github.com/film69/fastmodel/datasets"
	"github.com/film69/fastmodel/gguf"
	"github.com/film69/fastmodel/options"
)

type State int32

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateTraining
	StateExporting
	StateLoading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateTraining:
		return "training"
	case StateExporting:
		return "exporting"
	case StateLoading:
		return "loading"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ModelInfo describes the loaded model.
type ModelInfo = backends.ModelInfo

// Session owns one loaded model, its conversation history and its trainer. Only one operation
// runs at a time: a call made while another holds the session fails with ErrSessionBusy.
type Session struct {
	backend   backends.Backend
	options   *options.Options
	history   *chat.History
	tokenizer *backends.Tokenizer

	mu    sync.Mutex
	state atomic.Int32
	// dataMu guards history and model for readers that do not hold the session.
	dataMu sync.Mutex

	model      *ModelInfo
	load       backends.LoadRequest
	dataset    *datasets.ConversationDataset
	trainer    *Trainer
	statistics statistics
	runner     gguf.Runner
}

// NewSession starts the framework worker configured in the options and returns a session bound to it.
func NewSession(opts ...options.WithOption) (*Session, error) {
	parsedOptions, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}
	command, err := workerCommand(parsedOptions.WorkerOptions)
	if err != nil {
		return nil, err
	}
	worker, err := backends.NewWorker(backends.WorkerOptions{
		Command: command,
		Env:     parsedOptions.WorkerOptions.Env,
		Dir:     parsedOptions.WorkerOptions.Dir,
	})
	if err != nil {
		return nil, err
	}
	return newSession(worker, parsedOptions), nil
}

// workerCommand is the configured command, or Python running the bundled worker.
func workerCommand(workerOptions *options.WorkerOptions) ([]string, error) {
	if len(workerOptions.Command) > 0 {
		return workerOptions.Command, nil
	}
	dir := workerOptions.ScriptDir
	if dir == "" {
		dir = backends.DefaultWorkerDir()
	}
	script, err := backends.InstallBundledWorker(context.Background(), dir)
	if err != nil {
		return nil, err
	}
	return []string{workerOptions.Python, script}, nil
}

// NewBackendSession returns a session bound to an already running backend. The session owns the
// backend and closes it on Destroy.
func NewBackendSession(backend backends.Backend, opts ...options.WithOption) (*Session, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	parsedOptions, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSession(backend, parsedOptions), nil
}

func parseOptions(opts []options.WithOption) (*options.Options, error) {
	parsedOptions := options.Defaults()
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	return parsedOptions, nil
}

func newSession(backend backends.Backend, parsedOptions *options.Options) *Session {
	log.DefaultLogger.Level = parsedOptions.LogLevel
	return &Session{
		backend:   backend,
		options:   parsedOptions,
		history:   chat.NewHistory(),
		tokenizer: &backends.Tokenizer{Runtime: "CHARS"},
		runner:    gguf.ExecRunner{},
	}
}

// acquire takes the session for one operation or fails with ErrSessionBusy.
func (s *Session) acquire(state State) error {
	if !s.mu.TryLock() {
		return ErrSessionBusy
	}
	s.state.Store(int32(state))
	return nil
}

func (s *Session) release() {
	s.state.Store(int32(StateIdle))
	s.mu.Unlock()
}

// State reports what the session is currently doing.
func (s *Session) State() State {
	return State(s.state.Load())
}

// History returns a copy of the conversation turns. It may be called while an operation runs.
func (s *Session) History() []chat.Turn {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.history.Turns()
}

// ResetHistory clears the conversation and its retained images.
func (s *Session) ResetHistory() error {
	if err := s.acquire(StateIdle); err != nil {
		return err
	}
	defer s.release()
	s.dataMu.Lock()
	s.history.Reset()
	s.dataMu.Unlock()
	return nil
}

// Model returns the loaded model, or nil.
func (s *Session) Model() *ModelInfo {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.model
}

func (s *Session) requireModel() error {
	if s.backend == nil {
		return ErrWorkerClosed
	}
	if s.model == nil {
		return ErrModelNotLoaded
	}
	return nil
}

type LoadOption func(r *backends.LoadRequest) error

func WithLoadIn4Bit() LoadOption {
	return func(r *backends.LoadRequest) error {
		if r.LoadIn8Bit {
			return errors.New("load_in_4bit and load_in_8bit are mutually exclusive")
		}
		r.LoadIn4Bit = true
		return nil
	}
}

func WithLoadIn8Bit() LoadOption {
	return func(r *backends.LoadRequest) error {
		if r.LoadIn4Bit {
			return errors.New("load_in_4bit and load_in_8bit are mutually exclusive")
		}
		r.LoadIn8Bit = true
		return nil
	}
}

// WithDType sets the compute dtype, e.g. "bfloat16". Empty lets the framework decide.
func WithDType(dtype string) LoadOption {
	return func(r *backends.LoadRequest) error {
		r.DType = dtype
		return nil
	}
}

// WithVision loads the model with its vision processor.
func WithVision() LoadOption {
	return func(r *backends.LoadRequest) error {
		r.Vision = true
		return nil
	}
}

// LoadModel loads a model by hub name or local path, replacing any loaded model and clearing the history.
func (s *Session) LoadModel(ctx context.Context, modelName string, opts ...LoadOption) error {
	if err := s.acquire(StateLoading); err != nil {
		return err
	}
	defer s.release()

	if s.backend == nil {
		return &ModelLoadError{Op: "load", Err: ErrWorkerClosed}
	}
	if modelName == "" {
		return &ModelLoadError{Op: "load", Err: errors.New("model name is required")}
	}
	request := backends.LoadRequest{ModelName: modelName}
	for _, opt := range opts {
		if err := opt(&request); err != nil {
			return &ModelLoadError{Op: "load", Err: err}
		}
	}
	info, err := s.backend.Load(ctx, request)
	if err != nil {
		return &ModelLoadError{Op: "load", Err: err}
	}
	tokenizer, err := backends.LoadTokenizer(info.LocalPath)
	if err != nil {
		log.Warn().Err(err).Str("model", info.Name).Msg("could not load tokenizer, counting characters")
		tokenizer = &backends.Tokenizer{Runtime: "CHARS"}
	}
	if info.Name == "" {
		info.Name = modelName
	}

	s.dataMu.Lock()
	s.model = &info
	s.history.Reset()
	s.dataMu.Unlock()
	s.load = request
	s.tokenizer = tokenizer
	s.trainer = nil
	log.Info().Str("model", info.Name).Str("device", info.Device).Bool("vision", info.IsVision).
		Bool("load_in_4bit", request.LoadIn4Bit).Bool("load_in_8bit", request.LoadIn8Bit).
		Str("tokenizer", tokenizer.Runtime).Msg("model loaded")
	return nil
}

// LoadDataset scans and validates a .jsonl conversation dataset and binds it for training.
func (s *Session) LoadDataset(ctx context.Context, path string) error {
	if err := s.acquire(StateLoading); err != nil {
		return err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return &ModelLoadError{Op: "dataset", Err: err}
	}
	dataset, err := datasets.NewConversationDataset(ctx, path)
	if err != nil {
		return &ModelLoadError{Op: "dataset", Err: err}
	}
	return s.bindDataset(ctx, dataset)
}

// SetDataset binds an already constructed dataset. In-memory datasets must have been written out
// with WriteJSONL.
func (s *Session) SetDataset(ctx context.Context, dataset *datasets.ConversationDataset) error {
	if err := s.acquire(StateLoading); err != nil {
		return err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return &ModelLoadError{Op: "dataset", Err: err}
	}
	if dataset == nil || dataset.Path() == "" {
		return &ModelLoadError{Op: "dataset", Err: errors.New("dataset has no path")}
	}
	return s.bindDataset(ctx, dataset)
}

func (s *Session) bindDataset(ctx context.Context, dataset *datasets.ConversationDataset) error {
	ref := &backends.DatasetRef{Path: dataset.Path(), NumExamples: dataset.NumExamples(), HasImages: dataset.HasImages()}
	if err := s.backend.BindDataset(ctx, ref); err != nil {
		return &ModelLoadError{Op: "dataset", Err: err}
	}
	s.dataset = dataset
	s.trainer = nil
	log.Info().Str("path", ref.Path).Int("examples", ref.NumExamples).Bool("images", ref.HasImages).Msg("dataset bound")
	return nil
}

// ClearDataset detaches the bound dataset.
func (s *Session) ClearDataset(ctx context.Context) error {
	if err := s.acquire(StateLoading); err != nil {
		return err
	}
	defer s.release()
	if s.backend == nil {
		return ErrWorkerClosed
	}
	return s.clearDataset(ctx)
}

func (s *Session) clearDataset(ctx context.Context) error {
	if err := s.backend.BindDataset(ctx, nil); err != nil {
		return err
	}
	s.dataset = nil
	s.trainer = nil
	return nil
}

// Destroy stops the backend. The session cannot be used afterwards.
func (s *Session) Destroy() error {
	if err := s.acquire(StateIdle); err != nil {
		return err
	}
	defer s.release()
	var err error
	if s.backend != nil {
		err = errors.Join(err, s.backend.Close())
		s.backend = nil
	}
	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}
	s.trainer = nil
	s.dataset = nil
	s.dataMu.Lock()
	s.model = nil
	s.history.Reset()
	s.dataMu.Unlock()
	return err
}
