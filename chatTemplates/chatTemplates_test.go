package chatTemplates

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/film69/fastmodel/chat"
)

func TestRenderQwen(t *testing.T) {
	tmpl, err := Get("qwen")
	require.NoError(t, err)
	out, err := tmpl.Render([]chat.Turn{chat.NewUserTurn("hi", nil)}, true)
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n", out)
}

func TestRenderLlama3(t *testing.T) {
	tmpl, err := Get("llama3")
	require.NoError(t, err)
	turns := []chat.Turn{
		chat.NewUserTurn("hi", nil),
		chat.NewAssistantTurn("hello"),
		chat.NewUserTurn("bye", nil),
	}
	out, err := tmpl.Render(turns, true)
	require.NoError(t, err)
	expected := "<|begin_of_text|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nhi<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\nhello<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nbye<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	assert.Equal(t, expected, out)
}

func TestRenderGemmaWithImage(t *testing.T) {
	tmpl, err := Get("gemma3")
	require.NoError(t, err)
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	out, err := tmpl.Render([]chat.Turn{chat.NewUserTurn(" describe ", img)}, true)
	require.NoError(t, err)
	assert.Equal(t, "<start_of_turn>user\n<start_of_image>describe<end_of_turn>\n<start_of_turn>model\n", out)
}

func TestGetUnknown(t *testing.T) {
	_, err := Get("nope")
	assert.Error(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	a, err := Get("phi")
	require.NoError(t, err)
	a.EosToken = "changed"
	b, err := Get("phi")
	require.NoError(t, err)
	assert.Equal(t, "<|endoftext|>", b.EosToken)
}
