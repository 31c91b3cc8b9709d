package chat

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserTurn(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	turn := NewUserTurn("what is this?", img)
	require.Len(t, turn.Content, 2)
	assert.Equal(t, PartImage, turn.Content[0].Type)
	assert.Equal(t, PartText, turn.Content[1].Type)
	assert.Equal(t, "what is this?", turn.Text())
	assert.Equal(t, img, turn.Image())
	assert.NoError(t, turn.Validate())

	stripped := turn.WithoutImages()
	assert.Nil(t, stripped.Image())
	assert.Equal(t, "what is this?", stripped.Text())
	// the original is untouched
	assert.NotNil(t, turn.Image())

	empty := NewUserTurn("", nil)
	assert.NoError(t, empty.Validate())
}

func TestValidate(t *testing.T) {
	for name, turn := range map[string]Turn{
		"two texts":       {Role: RoleUser, Content: []Part{TextPart("a"), TextPart("b")}},
		"no content":      {Role: RoleUser},
		"assistant image": {Role: RoleAssistant, Content: []Part{ImagePart(image.NewRGBA(image.Rect(0, 0, 1, 1)))}},
		"nil image":       {Role: RoleUser, Content: []Part{{Type: PartImage}}},
		"unknown role":    {Role: "tool", Content: []Part{TextPart("a")}},
		"unknown part":    {Role: RoleUser, Content: []Part{{Type: "audio"}}},
	} {
		assert.Error(t, turn.Validate(), name)
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	require.NoError(t, h.Append(NewUserTurn("look", img)))
	require.NoError(t, h.Append(NewAssistantTurn("a square")))
	require.NoError(t, h.Append(NewUserTurn("and this?", nil)))
	assert.Equal(t, 3, h.Len())
	assert.Len(t, h.Images(), 1)

	assert.False(t, h.RetractLast(RoleAssistant))
	assert.True(t, h.RetractLast(RoleUser))
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, RoleAssistant, last.Role)

	turns := h.Turns()
	turns[0] = NewAssistantTurn("changed")
	assert.Equal(t, RoleUser, h.Turns()[0].Role)

	assert.Error(t, h.Append(Turn{Role: RoleAssistant}))
	assert.Equal(t, 2, h.Len())

	h.Reset()
	assert.Zero(t, h.Len())
	assert.Empty(t, h.Images())
	_, ok = h.Last()
	assert.False(t, ok)
}

func TestRetractDropsImage(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.Append(NewUserTurn("look", image.NewRGBA(image.Rect(0, 0, 2, 2)))))
	assert.True(t, h.RetractLast(RoleUser))
	assert.Empty(t, h.Images())
	assert.Zero(t, h.Len())
}
