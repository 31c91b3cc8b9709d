package fastmodel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/chat"
	"github.com/film69/fastmodel/testcases"
)

func drain(stream *TextStream) []Fragment {
	var fragments []Fragment
	for fragment := range stream.C {
		fragments = append(fragments, fragment)
	}
	return fragments
}

func TestStreamMatchesGenerate(t *testing.T) {
	ctx := context.Background()
	generateSession, _ := loadedSession(t)
	streamSession, _ := loadedSession(t)

	for _, text := range []string{"first question", "second question"} {
		response, err := generateSession.Generate(ctx, text)
		checkT(t, err)

		stream, err := streamSession.GenerateStream(ctx, text)
		checkT(t, err)
		streamed, err := stream.Collect()
		checkT(t, err)

		assert.Equal(t, response.Text, streamed)
		assert.NotContains(t, streamed, "<prompt echo>")
		assert.Equal(t, response.Usage, stream.Usage())
	}
	assert.Equal(t, generateSession.History(), streamSession.History())
	assert.Equal(t, StateIdle, streamSession.State())
}

func TestStreamFragments(t *testing.T) {
	session, _ := loadedSession(t)
	stream, err := session.GenerateStream(context.Background(), "hello")
	checkT(t, err)
	fragments := drain(stream)
	require.NotEmpty(t, fragments)
	assert.Equal(t, "you", fragments[0].Text)
	assert.Equal(t, " said", fragments[1].Text)
	for _, f := range fragments {
		assert.NoError(t, f.Err)
	}

	// the assistant turn is in place once the channel is closed
	history := session.History()
	require.Len(t, history, 2)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
}

func TestStreamWithoutHistory(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	_, err := session.Generate(ctx, "remember me")
	checkT(t, err)
	before := session.History()

	stream, err := session.GenerateStream(ctx, "one-off", WithoutHistory())
	checkT(t, err)
	text, err := stream.Collect()
	checkT(t, err)
	assert.Equal(t, `you said "one-off" after 0 turns`, text)
	assert.Equal(t, before, session.History())
	assert.Len(t, backend.LastRequest().Messages, 1)
}

func TestStreamTerminalError(t *testing.T) {
	session, backend := loadedSession(t)
	failure := errors.New("decoder crashed")
	backend.StreamErr = failure
	backend.StreamErrAfter = 2

	stream, err := session.GenerateStream(context.Background(), "hello")
	checkT(t, err)
	fragments := drain(stream)
	require.Len(t, fragments, 3)
	assert.Equal(t, "you said", fragments[0].Text+fragments[1].Text)

	terminal := fragments[len(fragments)-1]
	var generationErr *GenerationError
	require.ErrorAs(t, terminal.Err, &generationErr)
	assert.ErrorIs(t, terminal.Err, failure)

	assert.Empty(t, session.History())
	assert.Equal(t, StateIdle, session.State())
	assert.Equal(t, 1, session.GetStatistics().FailedGenerations)
}

func TestStreamStartFailure(t *testing.T) {
	session, backend := loadedSession(t)
	backend.GenerateErr = errors.New("worker gone")
	_, err := session.GenerateStream(context.Background(), "hello")
	var generationErr *GenerationError
	assert.ErrorAs(t, err, &generationErr)
	assert.Empty(t, session.History())
	assert.Equal(t, StateIdle, session.State())
}

func TestStreamClose(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	_, err := session.Generate(ctx, "earlier")
	checkT(t, err)

	backend.Block = make(chan struct{})
	backend.Started = make(chan struct{}, 1)
	stream, err := session.GenerateStream(ctx, "never answered")
	checkT(t, err)
	<-backend.Started

	_, err = session.Generate(ctx, "meanwhile")
	assert.ErrorIs(t, err, ErrSessionBusy)

	stream.Close()
	assert.Equal(t, StateIdle, session.State())
	assert.Equal(t, []string{"earlier"}, testcases.UserTurns(session.History()))
	assert.Len(t, session.History(), 2)

	backend.Block = nil
	_, err = session.Generate(ctx, "after close")
	checkT(t, err)
	assert.Len(t, session.History(), 4)
}

func TestStreamContextCancel(t *testing.T) {
	session, backend := loadedSession(t)
	backend.Block = make(chan struct{})
	backend.Started = make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := session.GenerateStream(ctx, "cancelled")
	checkT(t, err)
	<-backend.Started
	cancel()
	fragments := drain(stream)
	for _, f := range fragments {
		if f.Err != nil {
			assert.ErrorIs(t, f.Err, context.Canceled)
		}
	}
	assert.Empty(t, session.History())
	assert.Equal(t, StateIdle, session.State())
}

// finishThenCancel delivers the whole answer, then cancels the caller's context before the
// producer has forwarded it.
type finishThenCancel struct {
	*testcases.FakeBackend
	cancel context.CancelFunc
}

func (b *finishThenCancel) GenerateStream(_ context.Context, _ backends.GenerateRequest) (chan backends.SequenceDelta, chan error, error) {
	tokens := make(chan backends.SequenceDelta, 3)
	tokens <- backends.SequenceDelta{Token: "<prompt echo>"}
	tokens <- backends.SequenceDelta{Token: " all", Index: 1}
	tokens <- backends.SequenceDelta{Token: " done", Index: 2}
	close(tokens)
	b.cancel()
	errs := make(chan error)
	close(errs)
	return tokens, errs, nil
}

func TestStreamKeepsAnswerCancelledAfterCompletion(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		backend := &finishThenCancel{FakeBackend: testcases.NewFakeBackend(), cancel: cancel}
		session, err := NewBackendSession(backend)
		checkT(t, err)
		checkT(t, session.LoadModel(ctx, testModel))

		stream, err := session.GenerateStream(ctx, "hello")
		checkT(t, err)
		text, err := stream.Collect()
		checkT(t, err)
		assert.Equal(t, " all done", text)
		history := session.History()
		require.Len(t, history, 2)
		assert.Equal(t, chat.RoleAssistant, history[1].Role)
		checkT(t, session.Destroy())
	}
}
