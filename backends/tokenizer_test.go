package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizerFallsBackToCharacters(t *testing.T) {
	tk, err := LoadTokenizer("")
	require.NoError(t, err)
	assert.Equal(t, "CHARS", tk.Runtime)
	assert.Equal(t, 5, tk.CountTokens("héllo"))

	tk, err = LoadTokenizer(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "CHARS", tk.Runtime)

	var missing *Tokenizer
	assert.Equal(t, 3, missing.CountTokens("abc"))
}

func TestTokenizerFromModelDirectory(t *testing.T) {
	modelPath := "../models/unsloth_Llama-3.2-1B-Instruct"
	tk, err := LoadTokenizer(modelPath)
	require.NoError(t, err)
	if tk.Runtime != "GO" {
		t.Skip("tokenizer not downloaded, run testData/downloadModels.go")
	}
	assert.Less(t, tk.CountTokens("hello world, how are you today?"), len("hello world, how are you today?"))
}
