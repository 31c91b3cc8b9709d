package fastmodel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/backends"
)

const streamBuffer = 64

// Fragment is one element of a stream: decoded text, or the terminal error.
type Fragment struct {
	Text string
	Err  error
}

// TextStream is a finite, non-restartable sequence of fragments. C is closed once generation has
// ended and the history has been updated.
type TextStream struct {
	C <-chan Fragment

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	usage Usage
}

// Close stops the generation if it is still running and waits for the producer to finish.
// An interrupted generation appends no assistant turn and the user turn is retracted.
func (t *TextStream) Close() {
	t.cancel()
	for range t.C {
	}
	<-t.done
}

// Collect drains the stream and returns the concatenated text and the terminal error, if any.
func (t *TextStream) Collect() (string, error) {
	var sb strings.Builder
	var err error
	for fragment := range t.C {
		if fragment.Err != nil {
			err = errors.Join(err, fragment.Err)
			continue
		}
		sb.WriteString(fragment.Text)
	}
	return sb.String(), err
}

// Usage is the token accounting of the generation. It is set once C is closed.
func (t *TextStream) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// GenerateStream is Generate with incremental output. The session is held until the stream ends;
// the caller must drain C or call Close.
func (s *Session) GenerateStream(ctx context.Context, text string, opts ...GenerateOption) (*TextStream, error) {
	if err := s.acquire(StateAwaitingResponse); err != nil {
		return nil, err
	}
	if err := s.requireModel(); err != nil {
		s.release()
		return nil, &GenerationError{Op: "stream", Err: err}
	}
	cfg, err := s.newGenerateConfig(opts)
	if err != nil {
		s.release()
		return nil, &GenerationError{Op: "stream", Err: err}
	}
	prepared, err := s.prepare(text, cfg)
	if err != nil {
		s.release()
		return nil, &GenerationError{Op: "stream", Err: err}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	start := time.Now()
	tokenStream, errorStream, err := s.backend.GenerateStream(streamCtx, prepared.request)
	if err != nil {
		cancel()
		s.retractUserTurn()
		s.statistics.recordFailure()
		s.release()
		return nil, &GenerationError{Op: "stream", Err: err}
	}
	if !prepared.historySave {
		s.retractUserTurn()
	}

	out := make(chan Fragment, streamBuffer)
	stream := &TextStream{C: out, cancel: cancel, done: make(chan struct{})}
	go s.produce(streamCtx, stream, out, tokenStream, errorStream, prepared, start)
	return stream, nil
}

// produce forwards decoder fragments to the stream. The first fragment is the echo of the
// prompt and is dropped.
func (s *Session) produce(ctx context.Context, stream *TextStream, out chan<- Fragment,
	tokenStream chan backends.SequenceDelta, errorStream chan error, prepared *preparedRequest, start time.Time) {
	defer close(stream.done)
	defer close(out)
	defer s.release()
	defer stream.cancel()

	var sb strings.Builder
	first := true
	abandoned := false
	for delta := range tokenStream {
		if abandoned {
			continue
		}
		if first {
			first = false
			continue
		}
		sb.WriteString(delta.Token)
		select {
		case out <- Fragment{Text: delta.Token}:
			continue
		default:
		}
		// the buffer is full; wait for the reader unless the stream is cancelled
		select {
		case out <- Fragment{Text: delta.Token}:
		case <-ctx.Done():
			abandoned = true
		}
	}
	var generationErr error
	for err := range errorStream {
		generationErr = errors.Join(generationErr, err)
	}
	// a cancel after the backend finished does not discard the answer
	if abandoned && generationErr == nil {
		generationErr = ctx.Err()
	}

	if generationErr != nil {
		if prepared.historySave {
			s.retractUserTurn()
		}
		s.statistics.recordFailure()
		terminal := Fragment{Err: &GenerationError{Op: "stream", Err: generationErr}}
		if ctx.Err() != nil {
			select {
			case out <- terminal:
			default:
			}
			return
		}
		out <- terminal
		return
	}

	output := sb.String()
	if prepared.historySave {
		if err := s.appendAssistantTurn(output); err != nil {
			out <- Fragment{Err: &GenerationError{Op: "stream", Err: err}}
			return
		}
	}
	elapsed := time.Since(start)
	usage := s.usage(prepared.promptText, output)
	s.statistics.record(usage, elapsed)
	stream.mu.Lock()
	stream.usage = usage
	stream.mu.Unlock()
	log.Debug().Int("input_tokens", usage.InputTokens).Int("output_tokens", usage.OutputTokens).
		Dur("elapsed", elapsed).Msg("stream completed")
}
