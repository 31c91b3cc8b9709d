// Package datasets reads conversation datasets for supervised fine-tuning.
package datasets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/film69/fastmodel/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExamplePart is one content part of a message: {"type":"text","text":...} or
// {"type":"image","image":<path or url>}.
type ExamplePart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type ExampleMessage struct {
	Role    string        `json:"role"`
	Content []ExamplePart `json:"content"`
}

// UnmarshalJSON accepts content either as a list of parts or as a plain string.
func (m *ExampleMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string              `json:"role"`
		Content jsoniter.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil
	trimmed := bytes.TrimSpace(raw.Content)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		m.Content = []ExamplePart{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(trimmed, &m.Content)
}

// ConversationExample is a single line of the dataset:
// {"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}
type ConversationExample struct {
	Messages []ExampleMessage `json:"messages"`
}

func (e ConversationExample) hasImages() bool {
	for _, m := range e.Messages {
		for _, p := range m.Content {
			if p.Type == "image" {
				return true
			}
		}
	}
	return false
}

func (e ConversationExample) validate() error {
	if len(e.Messages) == 0 {
		return errors.New("example has no messages")
	}
	hasAssistant := false
	for i, m := range e.Messages {
		switch m.Role {
		case "system", "user":
		case "assistant":
			hasAssistant = true
		default:
			return fmt.Errorf("message %d has unknown role %q", i, m.Role)
		}
		if len(m.Content) == 0 {
			return fmt.Errorf("message %d has no content", i)
		}
		for j, p := range m.Content {
			switch p.Type {
			case "text":
			case "image":
				if m.Role != "user" {
					return fmt.Errorf("message %d: only user messages may carry images", i)
				}
				if p.Image == "" {
					return fmt.Errorf("message %d part %d: image reference is empty", i, j)
				}
			default:
				return fmt.Errorf("message %d part %d has unknown type %q", i, j, p.Type)
			}
		}
	}
	if !hasAssistant {
		return errors.New("example has no assistant message to learn from")
	}
	return nil
}

// ConversationDataset is a chat-format dataset stored as .jsonl, the format the trainer consumes.
type ConversationDataset struct {
	path        string
	examples    []ConversationExample
	numExamples int
	hasImages   bool
}

// NewConversationDataset scans and validates a .jsonl dataset. The examples are not kept in memory.
func NewConversationDataset(ctx context.Context, path string) (*ConversationDataset, error) {
	d := &ConversationDataset{path: path}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	source, err := fileutil.OpenFile(ctx, path)
	if err != nil {
		return nil, err
	}
	scanErr := d.scan(bufio.NewReader(source))
	if err = errors.Join(scanErr, source.Close()); err != nil {
		return nil, err
	}
	if d.numExamples == 0 {
		return nil, fmt.Errorf("dataset %s has no examples", path)
	}
	return d, nil
}

// NewInMemoryConversationDataset creates a dataset from examples. It must be written with
// WriteJSONL before it can be bound to a trainer.
func NewInMemoryConversationDataset(examples []ConversationExample) (*ConversationDataset, error) {
	d := &ConversationDataset{examples: examples, numExamples: len(examples)}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	for i, e := range examples {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		d.hasImages = d.hasImages || e.hasImages()
	}
	return d, nil
}

func (d *ConversationDataset) Validate() error {
	if len(d.examples) == 0 {
		if d.path == "" {
			return fmt.Errorf("training path is required")
		}
		if filepath.Ext(d.path) != ".jsonl" {
			return fmt.Errorf("training path must be a .jsonl file")
		}
	}
	return nil
}

func (d *ConversationDataset) scan(reader *bufio.Reader) error {
	lineNumber := 0
	for {
		line, err := fileutil.ReadLine(reader)
		lineNumber++
		if len(bytes.TrimSpace(line)) > 0 {
			var example ConversationExample
			if jsonErr := json.Unmarshal(line, &example); jsonErr != nil {
				return fmt.Errorf("failed to parse JSON line %d: %w", lineNumber, jsonErr)
			}
			if validErr := example.validate(); validErr != nil {
				return fmt.Errorf("line %d: %w", lineNumber, validErr)
			}
			d.numExamples++
			d.hasImages = d.hasImages || example.hasImages()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// WriteJSONL writes the in-memory examples to path and makes it the dataset's path.
func (d *ConversationDataset) WriteJSONL(ctx context.Context, path string) (err error) {
	if len(d.examples) == 0 {
		return errors.New("dataset has no in-memory examples")
	}
	writer, err := fileutil.NewFileWriter(ctx, path, "application/jsonl")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	encoder := json.NewEncoder(writer)
	for _, example := range d.examples {
		if err = encoder.Encode(example); err != nil {
			return err
		}
	}
	d.path = path
	return nil
}

func (d *ConversationDataset) Path() string { return d.path }
func (d *ConversationDataset) NumExamples() int { return d.numExamples }
func (d *ConversationDataset) HasImages() bool { return d.hasImages }
