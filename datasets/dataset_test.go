package datasets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestNewConversationDataset(t *testing.T) {
	path := writeDataset(t, `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}

{"messages":[{"role":"user","content":[{"type":"image","image":"cat.jpg"},{"type":"text","text":"what is it?"}]},{"role":"assistant","content":[{"type":"text","text":"a cat"}]}]}`)
	d, err := NewConversationDataset(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, d.NumExamples())
	assert.True(t, d.HasImages())
	assert.Equal(t, path, d.Path())
}

func TestNewConversationDatasetTextOnly(t *testing.T) {
	path := writeDataset(t, `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}
`)
	d, err := NewConversationDataset(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, d.NumExamples())
	assert.False(t, d.HasImages())
}

func TestNewConversationDatasetErrors(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"no assistant":  `{"messages":[{"role":"user","content":"hi"}]}`,
		"unknown role":  `{"messages":[{"role":"tool","content":"x"},{"role":"assistant","content":"y"}]}`,
		"bad json":      `{"messages":`,
		"assistant img": `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"image","image":"a.png"}]}]}`,
		"empty":         ``,
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConversationDataset(ctx, writeDataset(t, lines))
			assert.Error(t, err)
		})
	}
	_, err := NewConversationDataset(ctx, "train.csv")
	assert.Error(t, err)
}

func TestNewConversationDatasetErrorLine(t *testing.T) {
	ctx := context.Background()
	valid := `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`

	_, err := NewConversationDataset(ctx, writeDataset(t, valid+"\n\n\n"+`{"messages":`+"\n"))
	assert.ErrorContains(t, err, "line 4")

	_, err = NewConversationDataset(ctx, writeDataset(t, "\n"+valid+"\n  \n"+`{"messages":[{"role":"user","content":"hi"}]}`))
	assert.ErrorContains(t, err, "line 4")
}

func TestInMemoryDatasetWriteJSONL(t *testing.T) {
	ctx := context.Background()
	examples := []ConversationExample{{
		Messages: []ExampleMessage{
			{Role: "user", Content: []ExamplePart{{Type: "text", Text: "2+2?"}}},
			{Role: "assistant", Content: []ExamplePart{{Type: "text", Text: "4"}}},
		},
	}}
	d, err := NewInMemoryConversationDataset(examples)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "memory.jsonl")
	require.NoError(t, d.WriteJSONL(ctx, path))
	assert.Equal(t, path, d.Path())

	reread, err := NewConversationDataset(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, reread.NumExamples())
	assert.False(t, reread.HasImages())
}
