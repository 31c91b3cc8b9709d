package backends

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/film69/fastmodel/util/fileutil"
)

// ErrWorkerClosed is returned for requests issued after the worker process has exited.
var ErrWorkerClosed = errors.New("worker process is closed")

const (
	subscriberBuffer = 64
	shutdownTimeout  = 10 * time.Second
)

// WorkerError is an error reported by the worker process for a single request.
type WorkerError struct {
	Op      string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s failed: %s", e.Op, e.Message)
}

type WorkerOptions struct {
	// Command is the worker executable followed by its arguments.
	Command []string
	Env     []string
	Dir     string
}

type subscription struct {
	events chan workerEvent
	done   chan struct{}
}

// Worker is a Backend backed by a long-lived framework process speaking newline-delimited
// JSON over stdin/stdout. Requests are correlated with their events by id, so several
// requests may be in flight at once.
type Worker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	mu          sync.Mutex
	subscribers map[string]*subscription
	closed      bool

	readers sync.WaitGroup
	exited  chan struct{}
	waitErr error
}

// NewWorker starts the worker process.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("worker command must be provided")
	}
	path, err := exec.LookPath(opts.Command[0])
	if err != nil {
		return nil, fmt.Errorf("worker executable %s not found: %w", opts.Command[0], err)
	}
	cmd := exec.Command(path, opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	w := &Worker{
		cmd:         cmd,
		stdin:       stdin,
		subscribers: map[string]*subscription{},
		exited:      make(chan struct{}),
	}
	w.readers.Add(2)
	go w.readEvents(stdout)
	go w.forwardStderr(stderr)
	go func() {
		w.readers.Wait()
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()
	log.Debug().Str("command", path).Int("pid", cmd.Process.Pid).Msg("worker started")
	return w, nil
}

func (w *Worker) readEvents(stdout io.Reader) {
	defer w.readers.Done()
	reader := bufio.NewReader(stdout)
	for {
		line, err := fileutil.ReadLine(reader)
		if len(line) > 0 {
			w.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Msg("reading worker output")
			}
			break
		}
	}
	w.mu.Lock()
	w.closed = true
	for id, sub := range w.subscribers {
		close(sub.events)
		delete(w.subscribers, id)
	}
	w.mu.Unlock()
}

func (w *Worker) dispatch(line []byte) {
	var event workerEvent
	if err := json.Unmarshal(line, &event); err != nil {
		log.Warn().Err(err).Str("line", string(line)).Msg("dropping malformed worker event")
		return
	}
	w.mu.Lock()
	sub, ok := w.subscribers[event.ID]
	w.mu.Unlock()
	if !ok {
		log.Debug().Str("id", event.ID).Str("event", event.Event).Msg("dropping event without subscriber")
		return
	}
	select {
	case sub.events <- event:
	case <-sub.done:
	}
}

func (w *Worker) forwardStderr(stderr io.Reader) {
	defer w.readers.Done()
	reader := bufio.NewReader(stderr)
	for {
		line, err := fileutil.ReadLine(reader)
		if len(line) > 0 {
			log.Info().Str("source", "worker").Msg(string(line))
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) subscribe(id string) (*subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	sub := &subscription{events: make(chan workerEvent, subscriberBuffer), done: make(chan struct{})}
	w.subscribers[id] = sub
	return sub, nil
}

func (w *Worker) unsubscribe(id string, sub *subscription) {
	w.mu.Lock()
	if current, ok := w.subscribers[id]; ok && current == sub {
		delete(w.subscribers, id)
	}
	w.mu.Unlock()
	close(sub.done)
}

func (w *Worker) send(request workerRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", request.Op, err)
	}
	payload = append(payload, '\n')
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err = w.stdin.Write(payload); err != nil {
		return errors.Join(ErrWorkerClosed, err)
	}
	return nil
}

// call sends one request and blocks until its result or error event. Token and progress
// events are handed to onEvent. Cancelling ctx asks the worker to abort the request.
func (w *Worker) call(ctx context.Context, op string, params any, onEvent func(workerEvent) error) (jsoniter.RawMessage, error) {
	id := uuid.NewString()
	sub, err := w.subscribe(id)
	if err != nil {
		return nil, err
	}
	defer w.unsubscribe(id, sub)

	if err = w.send(workerRequest{ID: id, Op: op, Params: params}); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			w.cancel(id)
			return nil, ctx.Err()
		case event, ok := <-sub.events:
			if !ok {
				return nil, w.exitError()
			}
			switch event.Event {
			case eventResult:
				return event.Data, nil
			case eventError:
				return nil, &WorkerError{Op: op, Message: event.Error}
			default:
				if onEvent != nil {
					if err = onEvent(event); err != nil {
						w.cancel(id)
						return nil, err
					}
				}
			}
		}
	}
}

func (w *Worker) cancel(id string) {
	if err := w.send(workerRequest{ID: uuid.NewString(), Op: opCancel, Params: wireCancel{Target: id}}); err != nil {
		log.Debug().Err(err).Str("target", id).Msg("could not send cancel")
	}
}

func (w *Worker) exitError() error {
	select {
	case <-w.exited:
		if w.waitErr != nil {
			return errors.Join(ErrWorkerClosed, w.waitErr)
		}
	default:
	}
	return ErrWorkerClosed
}

func (w *Worker) Load(ctx context.Context, request LoadRequest) (ModelInfo, error) {
	var info ModelInfo
	data, err := w.call(ctx, opLoad, request, nil)
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

func (w *Worker) Generate(ctx context.Context, request GenerateRequest) (string, error) {
	params, err := newWireGenerate(request, false)
	if err != nil {
		return "", err
	}
	data, err := w.call(ctx, opGenerate, params, nil)
	if err != nil {
		return "", err
	}
	var out wireText
	err = json.Unmarshal(data, &out)
	return out.Text, err
}

// GenerateStream forwards token events as they arrive. The token stream is closed first,
// then the error stream receives the terminal error, if any, and is closed.
func (w *Worker) GenerateStream(ctx context.Context, request GenerateRequest) (chan SequenceDelta, chan error, error) {
	params, err := newWireGenerate(request, true)
	if err != nil {
		return nil, nil, err
	}
	tokenStream := make(chan SequenceDelta, subscriberBuffer)
	errorStream := make(chan error, 1)

	go func() {
		index := 0
		_, callErr := w.call(ctx, opGenerate, params, func(event workerEvent) error {
			if event.Event != eventToken {
				return nil
			}
			var token wireText
			if err := json.Unmarshal(event.Data, &token); err != nil {
				return fmt.Errorf("decoding token event: %w", err)
			}
			select {
			case tokenStream <- SequenceDelta{Token: token.Text, Index: index}:
				index++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(tokenStream)
		if callErr != nil {
			errorStream <- callErr
		}
		close(errorStream)
	}()
	return tokenStream, errorStream, nil
}

func (w *Worker) BindDataset(ctx context.Context, dataset *DatasetRef) error {
	_, err := w.call(ctx, opBindDataset, wireDataset{Dataset: dataset}, nil)
	return err
}

func (w *Worker) PrepareTraining(ctx context.Context, config TrainingConfig) (DeviceStats, error) {
	var stats DeviceStats
	data, err := w.call(ctx, opPrepare, config, nil)
	if err != nil {
		return stats, err
	}
	err = json.Unmarshal(data, &stats)
	return stats, err
}

func (w *Worker) Train(ctx context.Context, progress func(TrainingProgress)) (TrainingResult, error) {
	var result TrainingResult
	data, err := w.call(ctx, opTrain, nil, func(event workerEvent) error {
		if event.Event != eventProgress || progress == nil {
			return nil
		}
		var p TrainingProgress
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return fmt.Errorf("decoding progress event: %w", err)
		}
		progress(p)
		return nil
	})
	if err != nil {
		return result, err
	}
	err = json.Unmarshal(data, &result)
	return result, err
}

func (w *Worker) Save(ctx context.Context, dir string) error {
	_, err := w.call(ctx, opSave, wireSave{Dir: dir}, nil)
	return err
}

func (w *Worker) SaveMerged(ctx context.Context, request SaveMergedRequest) error {
	_, err := w.call(ctx, opSaveMerged, request, nil)
	return err
}

func (w *Worker) SaveGGUF(ctx context.Context, request GGUFRequest) error {
	_, err := w.call(ctx, opSaveGGUF, request, nil)
	return err
}

func (w *Worker) ModelConfig(ctx context.Context) ([]byte, error) {
	data, err := w.call(ctx, opModelConfig, nil, nil)
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// Close asks the worker to shut down and kills it if it has not exited within the timeout.
func (w *Worker) Close() error {
	var errs []error
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		if err := w.send(workerRequest{ID: uuid.NewString(), Op: opShutdown}); err != nil {
			log.Debug().Err(err).Msg("could not send shutdown")
		}
	}
	errs = append(errs, w.stdin.Close())

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	select {
	case <-w.exited:
	case <-timer.C:
		log.Warn().Int("pid", w.cmd.Process.Pid).Msg("worker did not exit, killing it")
		errs = append(errs, w.cmd.Process.Kill())
		<-w.exited
	}
	var exitErr *exec.ExitError
	if w.waitErr != nil && !errors.As(w.waitErr, &exitErr) {
		errs = append(errs, w.waitErr)
	}
	return errors.Join(errs...)
}
