package backends

import (
	"fmt"
	"image"

	jsoniter "github.com/json-iterator/go"

	"github.com/film69/fastmodel/chat"
	"github.com/film69/fastmodel/util/imageutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// worker operations
const (
	opLoad        = "load"
	opGenerate    = "generate"
	opBindDataset = "bind_dataset"
	opPrepare     = "prepare_training"
	opTrain       = "train"
	opSave        = "save"
	opSaveMerged  = "save_merged"
	opSaveGGUF    = "save_gguf"
	opModelConfig = "model_config"
	opCancel      = "cancel"
	opShutdown    = "shutdown"
)

// worker events
const (
	eventToken    = "token"
	eventProgress = "progress"
	eventResult   = "result"
	eventError    = "error"
)

type workerRequest struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type workerEvent struct {
	ID    string              `json:"id"`
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
	Error string              `json:"error,omitempty"`
}

type wirePart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type wireTurn struct {
	Role    string     `json:"role"`
	Content []wirePart `json:"content"`
}

type wireGenerate struct {
	Messages     []wireTurn `json:"messages,omitempty"`
	Prompt       string     `json:"prompt,omitempty"`
	Images       []string   `json:"images,omitempty"`
	StopTokens   []string   `json:"stop_tokens,omitempty"`
	MaxNewTokens int        `json:"max_new_tokens"`
	Temperature  float64    `json:"temperature"`
	TopP         float64    `json:"top_p"`
	Stream       bool       `json:"stream"`
}

type wireText struct {
	Text string `json:"text"`
}

type wireCancel struct {
	Target string `json:"target"`
}

type wireDataset struct {
	Dataset *DatasetRef `json:"dataset"`
}

type wireSave struct {
	Dir string `json:"dir"`
}

// newWireGenerate converts a request to its wire form. Images travel as base64 PNG.
func newWireGenerate(request GenerateRequest, stream bool) (wireGenerate, error) {
	wire := wireGenerate{
		Prompt:       request.Prompt,
		StopTokens:   request.StopTokens,
		MaxNewTokens: request.MaxNewTokens,
		Temperature:  request.Temperature,
		TopP:         request.TopP,
		Stream:       stream,
	}
	for i, turn := range request.Messages {
		wt := wireTurn{Role: string(turn.Role)}
		for _, part := range turn.Content {
			switch part.Type {
			case chat.PartText:
				wt.Content = append(wt.Content, wirePart{Type: string(chat.PartText), Text: part.Text})
			case chat.PartImage:
				encoded, err := encodeImage(part.Image)
				if err != nil {
					return wire, fmt.Errorf("encoding image of turn %d: %w", i, err)
				}
				wt.Content = append(wt.Content, wirePart{Type: string(chat.PartImage), Image: encoded})
			}
		}
		wire.Messages = append(wire.Messages, wt)
	}
	for i, img := range request.Images {
		encoded, err := encodeImage(img)
		if err != nil {
			return wire, fmt.Errorf("encoding image %d: %w", i, err)
		}
		wire.Images = append(wire.Images, encoded)
	}
	return wire, nil
}

func encodeImage(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("nil image")
	}
	return imageutil.EncodePNGBase64(img)
}
