package fastmodel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/film69/fastmodel/options"
	"github.com/film69/fastmodel/testcases"
	"github.com/film69/fastmodel/testcases/embedded"
)

const testModel = "unsloth/Llama-3.2-1B-Instruct"

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

func newTestSession(t *testing.T, opts ...options.WithOption) (*Session, *testcases.FakeBackend) {
	t.Helper()
	backend := testcases.NewFakeBackend()
	session, err := NewBackendSession(backend, opts...)
	checkT(t, err)
	t.Cleanup(func() {
		_ = session.Destroy()
	})
	return session, backend
}

func loadedSession(t *testing.T, opts ...options.WithOption) (*Session, *testcases.FakeBackend) {
	t.Helper()
	session, backend := newTestSession(t, opts...)
	checkT(t, session.LoadModel(context.Background(), testModel))
	return session, backend
}

func writeDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversations.jsonl")
	checkT(t, os.WriteFile(path, embedded.Conversations, 0o644))
	return path
}

func TestNewBackendSessionRequiresBackend(t *testing.T) {
	_, err := NewBackendSession(nil)
	assert.Error(t, err)
}

func TestNewBackendSessionInvalidOption(t *testing.T) {
	_, err := NewBackendSession(testcases.NewFakeBackend(), options.WithChatTemplate("no-such-template"))
	assert.Error(t, err)
}

func TestLoadModel(t *testing.T) {
	session, backend := newTestSession(t)
	ctx := context.Background()
	assert.Nil(t, session.Model())

	_, err := session.Generate(ctx, "hello")
	assert.ErrorIs(t, err, ErrModelNotLoaded)

	checkT(t, session.LoadModel(ctx, testModel, WithLoadIn4Bit(), WithDType("bfloat16")))
	require.NotNil(t, session.Model())
	assert.Equal(t, testModel, session.Model().Name)
	assert.Equal(t, 1, backend.CallsTo("load"))
	assert.Equal(t, StateIdle, session.State())

	_, err = session.Generate(ctx, "hello")
	checkT(t, err)
	assert.Len(t, session.History(), 2)

	// loading again starts a new conversation
	checkT(t, session.LoadModel(ctx, testModel))
	assert.Empty(t, session.History())
}

func TestLoadModelErrors(t *testing.T) {
	session, backend := newTestSession(t)
	ctx := context.Background()

	err := session.LoadModel(ctx, testModel, WithLoadIn4Bit(), WithLoadIn8Bit())
	var loadErr *ModelLoadError
	assert.ErrorAs(t, err, &loadErr)

	assert.Error(t, session.LoadModel(ctx, ""))

	failure := errors.New("model not found")
	backend.LoadErr = failure
	err = session.LoadModel(ctx, "missing/model")
	assert.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, failure)
	assert.Nil(t, session.Model())
}

func TestLoadDataset(t *testing.T) {
	session, backend := loadedSession(t)
	ctx := context.Background()

	checkT(t, session.LoadDataset(ctx, writeDataset(t)))
	require.NotNil(t, backend.Dataset)
	assert.Equal(t, 3, backend.Dataset.NumExamples)
	assert.False(t, backend.Dataset.HasImages)

	checkT(t, session.ClearDataset(ctx))
	assert.Nil(t, backend.Dataset)

	err := session.LoadDataset(ctx, filepath.Join(t.TempDir(), "missing.jsonl"))
	var loadErr *ModelLoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoadDatasetRequiresModel(t *testing.T) {
	session, _ := newTestSession(t)
	err := session.LoadDataset(context.Background(), writeDataset(t))
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestResetHistory(t *testing.T) {
	session, _ := loadedSession(t)
	_, err := session.Generate(context.Background(), "hello")
	checkT(t, err)
	checkT(t, session.ResetHistory())
	assert.Empty(t, session.History())
}

func TestDestroy(t *testing.T) {
	backend := testcases.NewFakeBackend()
	destroyed := false
	session, err := NewBackendSession(backend, func(o *options.Options) error {
		o.Destroy = func() error {
			destroyed = true
			return nil
		}
		return nil
	})
	checkT(t, err)
	checkT(t, session.LoadModel(context.Background(), testModel))
	checkT(t, session.Destroy())
	assert.True(t, backend.Closed)
	assert.True(t, destroyed)

	_, err = session.Generate(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "awaiting-response", StateAwaitingResponse.String())
	assert.Equal(t, "training", StateTraining.String())
	assert.Equal(t, "exporting", StateExporting.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "state(42)", State(42).String())
}
