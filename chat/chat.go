// Package chat holds the conversation history of a session: turns made of text and image parts.
package chat

import (
	"errors"
	"fmt"
	"image"
	"slices"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is a tagged variant: Text is set for text parts, Image for image parts.
type Part struct {
	Type  PartType
	Text  string
	Image image.Image
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ImagePart(img image.Image) Part {
	return Part{Type: PartImage, Image: img}
}

type Turn struct {
	Role    Role
	Content []Part
}

// NewUserTurn builds a user turn. The image part, if any, comes before the text part.
func NewUserTurn(text string, img image.Image) Turn {
	if img == nil {
		return Turn{Role: RoleUser, Content: []Part{TextPart(text)}}
	}
	return Turn{Role: RoleUser, Content: []Part{ImagePart(img), TextPart(text)}}
}

func NewAssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Content: []Part{TextPart(text)}}
}

// Text concatenates the text parts of the turn.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Image returns the image part of the turn, or nil.
func (t Turn) Image() image.Image {
	for _, p := range t.Content {
		if p.Type == PartImage {
			return p.Image
		}
	}
	return nil
}

// WithoutImages returns a copy of the turn with its image parts removed.
func (t Turn) WithoutImages() Turn {
	content := make([]Part, 0, len(t.Content))
	for _, p := range t.Content {
		if p.Type != PartImage {
			content = append(content, p)
		}
	}
	return Turn{Role: t.Role, Content: content}
}

// Validate checks the part invariants: user turns hold at most one image and one text part,
// assistant turns exactly one text part.
func (t Turn) Validate() error {
	var texts, images int
	for _, p := range t.Content {
		switch p.Type {
		case PartText:
			texts++
		case PartImage:
			if p.Image == nil {
				return errors.New("image part without an image")
			}
			images++
		default:
			return fmt.Errorf("unknown part type %q", p.Type)
		}
	}
	switch t.Role {
	case RoleUser:
		if texts > 1 || images > 1 {
			return fmt.Errorf("user turn has %d text and %d image parts, at most one of each is allowed", texts, images)
		}
		if texts+images == 0 {
			return errors.New("user turn has no content")
		}
	case RoleAssistant:
		if texts != 1 || images != 0 {
			return fmt.Errorf("assistant turn must have exactly one text part, got %d text and %d image parts", texts, images)
		}
	case RoleSystem:
		if texts != 1 || images != 0 {
			return errors.New("system turn must have exactly one text part")
		}
	default:
		return fmt.Errorf("unknown role %q", t.Role)
	}
	return nil
}

// History is the ordered list of turns of a session plus the images attached to them.
// It is not safe for concurrent use; the owning session serialises access.
type History struct {
	turns  []Turn
	images []image.Image
}

func NewHistory() *History {
	return &History{}
}

// Append validates and appends a turn, retaining its image if it has one.
func (h *History) Append(turn Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	h.turns = append(h.turns, turn)
	if img := turn.Image(); img != nil {
		h.images = append(h.images, img)
	}
	return nil
}

// RetractLast removes the last turn, and its retained image, if the last turn has the given role.
func (h *History) RetractLast(role Role) bool {
	if len(h.turns) == 0 || h.turns[len(h.turns)-1].Role != role {
		return false
	}
	last := h.turns[len(h.turns)-1]
	h.turns = h.turns[:len(h.turns)-1]
	if last.Image() != nil && len(h.images) > 0 {
		h.images = h.images[:len(h.images)-1]
	}
	return true
}

func (h *History) Len() int {
	return len(h.turns)
}

// Turns returns a copy of the turns. Part slices are shared.
func (h *History) Turns() []Turn {
	return slices.Clone(h.turns)
}

func (h *History) Images() []image.Image {
	return slices.Clone(h.images)
}

func (h *History) Last() (Turn, bool) {
	if len(h.turns) == 0 {
		return Turn{}, false
	}
	return h.turns[len(h.turns)-1], true
}

func (h *History) Reset() {
	h.turns = nil
	h.images = nil
}
