package fastmodel

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/film69/fastmodel/chat"
	"github.com/film69/fastmodel/chatTemplates"
	"github.com/film69/fastmodel/options"
	"github.com/film69/fastmodel/testcases"
)

func TestGenerateHistoryGrowsByTwo(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		response, err := session.Generate(ctx, text)
		checkT(t, err)
		history := session.History()
		require.Len(t, history, 2*(i+1))
		assert.Equal(t, chat.RoleUser, history[2*i].Role)
		assert.Equal(t, text, history[2*i].Text())
		assert.Equal(t, chat.RoleAssistant, history[2*i+1].Role)
		assert.Equal(t, response.Text, history[2*i+1].Text())
		// the whole conversation is sent
		assert.Len(t, backend.LastRequest().Messages, 2*i+1)
	}
	assert.Equal(t, []string{"first", "second", "third"}, testcases.UserTurns(session.History()))
}

func TestGenerateWithoutHistory(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()

	_, err := session.Generate(ctx, "remember me")
	checkT(t, err)
	before := session.History()

	response, err := session.Generate(ctx, "one-off question", WithoutHistory())
	checkT(t, err)
	assert.Equal(t, `you said "one-off question" after 0 turns`, response.Text)
	assert.Equal(t, before, session.History())
	assert.Len(t, backend.LastRequest().Messages, 1)
}

func TestGenerateSampling(t *testing.T) {
	session, backend := loadedSession(t)
	_, err := session.Generate(context.Background(), "hi")
	checkT(t, err)
	request := backend.LastRequest()
	assert.Equal(t, 512, request.MaxNewTokens)
	assert.InDelta(t, 0.4, request.Temperature, 1e-9)
	assert.InDelta(t, 0.9, request.TopP, 1e-9)

	_, err = session.Generate(context.Background(), "hi", WithMaxNewTokens(64), WithTemperature(0), WithTopP(1), WithStopTokens("###"))
	checkT(t, err)
	request = backend.LastRequest()
	assert.Equal(t, 64, request.MaxNewTokens)
	assert.Zero(t, request.Temperature)
	assert.Equal(t, []string{"###"}, request.StopTokens)
}

func TestGenerateInvalidOption(t *testing.T) {
	session, backend := loadedSession(t)
	for _, opt := range []GenerateOption{WithMaxNewTokens(0), WithTemperature(-1), WithTopP(0), WithMaxImageSize(0), WithImage(nil)} {
		_, err := session.Generate(context.Background(), "hi", opt)
		var generationErr *GenerationError
		assert.ErrorAs(t, err, &generationErr)
	}
	assert.Empty(t, session.History())
	assert.Zero(t, backend.CallsTo("generate"))
}

func TestGenerateFailureRetractsUserTurn(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	_, err := session.Generate(ctx, "hello")
	checkT(t, err)

	failure := errors.New("out of memory")
	backend.GenerateErr = failure
	_, err = session.Generate(ctx, "this fails")
	var generationErr *GenerationError
	require.ErrorAs(t, err, &generationErr)
	assert.ErrorIs(t, err, failure)
	assert.Len(t, session.History(), 2)

	stats := session.GetStatistics()
	assert.Equal(t, 1, stats.Generations)
	assert.Equal(t, 1, stats.FailedGenerations)
}

func TestGenerateBusy(t *testing.T) {
	session, backend := loadedSession(t)
	backend.Block = make(chan struct{})
	backend.Started = make(chan struct{}, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = session.Generate(ctx, "slow question")
	}()
	<-backend.Started

	assert.Equal(t, StateAwaitingResponse, session.State())
	_, err := session.Generate(ctx, "impatient question")
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = session.GenerateStream(ctx, "impatient stream")
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, session.SaveModel(ctx, t.TempDir(), SaveLora), ErrSessionBusy)
	// the pending user turn is visible while the generation runs
	assert.Equal(t, []string{"slow question"}, testcases.UserTurns(session.History()))

	close(backend.Block)
	wg.Wait()
	checkT(t, firstErr)
	assert.Len(t, session.History(), 2)
	assert.Equal(t, StateIdle, session.State())
}

func TestGenerateImages(t *testing.T) {
	session, backend := loadedSession(t, options.WithImageHistory(false))
	ctx := context.Background()

	_, err := session.Generate(ctx, "describe this", WithImage(image.NewRGBA(image.Rect(0, 0, 2000, 1000))))
	checkT(t, err)
	first := backend.LastRequest().Messages[0]
	img := first.Image()
	require.NotNil(t, img)
	assert.LessOrEqual(t, img.Bounds().Dx(), 1000)
	assert.LessOrEqual(t, img.Bounds().Dy(), 1000)
	assert.Equal(t, chat.PartImage, first.Content[0].Type)

	_, err = session.Generate(ctx, "and now?")
	checkT(t, err)
	messages := backend.LastRequest().Messages
	require.Len(t, messages, 3)
	assert.Nil(t, messages[0].Image())
	// the history itself keeps the image
	assert.NotNil(t, session.History()[0].Image())
}

func TestGenerateImageHistoryKept(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()
	_, err := session.Generate(ctx, "describe this", WithImage(image.NewRGBA(image.Rect(0, 0, 10, 10))))
	checkT(t, err)
	_, err = session.Generate(ctx, "and now?")
	checkT(t, err)
	assert.NotNil(t, backend.LastRequest().Messages[0].Image())
}

func TestGenerateChatTemplate(t *testing.T) {
	session, backend := loadedSession(t, options.WithChatTemplate("llama3"))
	template, err := chatTemplates.Get("llama3")
	checkT(t, err)

	_, err = session.Generate(context.Background(), "hello there")
	checkT(t, err)
	request := backend.LastRequest()
	assert.Empty(t, request.Messages)
	assert.Contains(t, request.Prompt, "hello there")
	if template.EosToken != "" {
		assert.Equal(t, []string{template.EosToken}, request.StopTokens)
	}
}

func TestGenerateUsage(t *testing.T) {
	session, _ := loadedSession(t)
	response, err := session.Generate(context.Background(), "héllo")
	checkT(t, err)
	assert.Equal(t, utf8.RuneCountInString("héllo"), response.Usage.InputTokens)
	assert.Equal(t, utf8.RuneCountInString(response.Text), response.Usage.OutputTokens)
	assert.Equal(t, response.Usage.InputTokens+response.Usage.OutputTokens, response.Usage.TotalTokens)

	stats := session.GetStatistics()
	assert.Equal(t, 1, stats.Generations)
	assert.Equal(t, response.Usage.OutputTokens, stats.CumulativeOutputTokens)
}
