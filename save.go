package fastmodel

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/util/fileutil"
)

type SaveMethod string

const (
	SaveLora        SaveMethod = "lora"
	SaveMerged16bit SaveMethod = "merged_16bit"
	SaveMerged4bit  SaveMethod = "merged_4bit"
	Save16bit       SaveMethod = "16bit"
)

// keys a merged 16 bit checkpoint must not carry over from the quantized model
var excludedConfigKeys = []string{"_attn_implementation_autoset", "quantization_config"}

var rawJSON = jsoniter.Config{EscapeHTML: false}.Froze()

// SaveModel saves the model and its processor to dir. Models loaded in 4 or 8 bit, and the 16bit
// method, go through the framework's merge-and-save, retried once without the dataset if it fails.
// With merged_16bit the written config.json is rewritten without the quantization keys.
func (s *Session) SaveModel(ctx context.Context, dir string, method SaveMethod) error {
	if err := s.acquire(StateExporting); err != nil {
		return err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return &ExportError{Op: "save", Err: err}
	}
	if dir == "" {
		return &ExportError{Op: "save", Err: errors.New("directory is required")}
	}
	switch method {
	case SaveLora, SaveMerged16bit, SaveMerged4bit, Save16bit:
	default:
		return &ExportError{Op: "save", Err: fmt.Errorf("unknown save method %q", method)}
	}

	if !s.load.LoadIn4Bit && !s.load.LoadIn8Bit && method != Save16bit {
		if err := s.backend.Save(ctx, dir); err != nil {
			return &ExportError{Op: "save", Err: err}
		}
		log.Info().Str("dir", dir).Msg("model saved")
		return nil
	}

	request := backends.SaveMergedRequest{Dir: dir, Method: string(method)}
	if err := s.backend.SaveMerged(ctx, request); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("merged save failed, retrying without the dataset")
		if clearErr := s.clearDataset(ctx); clearErr != nil {
			return &ExportError{Op: "save merged", Err: errors.Join(err, clearErr)}
		}
		if retryErr := s.backend.SaveMerged(ctx, request); retryErr != nil {
			return &ExportError{Op: "save merged", Err: errors.Join(err, retryErr)}
		}
	}
	if method == SaveMerged16bit {
		config, err := s.backend.ModelConfig(ctx)
		if err != nil {
			return &ExportError{Op: "patch config", Err: err}
		}
		patched, err := patchModelConfig(config, excludedConfigKeys)
		if err != nil {
			return &ExportError{Op: "patch config", Err: err}
		}
		if err = fileutil.WriteFile(ctx, fileutil.PathJoinSafe(dir, "config.json"), patched); err != nil {
			return &ExportError{Op: "patch config", Err: err}
		}
	}
	log.Info().Str("dir", dir).Str("method", string(method)).Msg("merged model saved")
	return nil
}

// patchModelConfig drops the excluded top-level keys of a JSON object, keeping the order of the
// others, and indents the result with four spaces. Non-ASCII text is written as is.
func patchModelConfig(config []byte, excluded []string) ([]byte, error) {
	iter := rawJSON.BorrowIterator(config)
	defer rawJSON.ReturnIterator(iter)

	var compact bytes.Buffer
	compact.WriteByte('{')
	first := true
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		value := it.SkipAndReturnBytes()
		if slices.Contains(excluded, key) {
			return true
		}
		encodedKey, err := rawJSON.Marshal(key)
		if err != nil {
			it.ReportError("patch config", err.Error())
			return false
		}
		if !first {
			compact.WriteByte(',')
		}
		first = false
		compact.Write(encodedKey)
		compact.WriteByte(':')
		compact.Write(value)
		return true
	})
	if iter.Error != nil {
		return nil, fmt.Errorf("model config is not a JSON object: %w", iter.Error)
	}
	compact.WriteByte('}')

	var indented bytes.Buffer
	if err := stdjson.Indent(&indented, compact.Bytes(), "", "    "); err != nil {
		return nil, err
	}
	return indented.Bytes(), nil
}
