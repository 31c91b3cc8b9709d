package backends

import (
	"bytes"
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/film69/fastmodel/util/fileutil"
)

// Tokenizer counts tokens for usage accounting. Without a tokenizer.json it falls back to
// counting characters.
type Tokenizer struct {
	GoTokenizer *tokenizer.Tokenizer
	Runtime     string
}

// LoadTokenizer loads tokenizer.json from a local model directory. A missing file is not an
// error: the returned tokenizer counts characters instead.
func LoadTokenizer(modelPath string) (*Tokenizer, error) {
	if modelPath == "" {
		return &Tokenizer{Runtime: "CHARS"}, nil
	}
	tokenizerPath := fileutil.PathJoinSafe(modelPath, "tokenizer.json")
	exists, err := fileutil.FileExists(context.Background(), tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return &Tokenizer{Runtime: "CHARS"}, nil
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	tk, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return nil, err
	}
	return &Tokenizer{Runtime: "GO", GoTokenizer: tk}, nil
}

// CountTokens returns the number of tokens in text, without special tokens.
func (t *Tokenizer) CountTokens(text string) int {
	if t == nil || t.GoTokenizer == nil {
		return utf8.RuneCountInString(text)
	}
	encoding, err := t.GoTokenizer.EncodeSingle(text, false)
	if err != nil {
		return utf8.RuneCountInString(text)
	}
	return len(encoding.Ids)
}
