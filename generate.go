package fastmodel

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/phuslu/log"

	"github.com/film69/fastmodel/backends"
	"github.com/film69/fastmodel/chat"
	"github.com/film69/fastmodel/util/imageutil"
)

const (
	defaultMaxNewTokens = 512
	defaultTemperature  = 0.4
	defaultTopP         = 0.9
)

type generateConfig struct {
	image        image.Image
	maxNewTokens int
	temperature  float64
	topP         float64
	historySave  bool
	maxImageSize int
	stopTokens   []string
}

// GenerateOption configures a single Generate or GenerateStream call.
type GenerateOption func(c *generateConfig) error

// WithImage attaches an image to the user turn.
func WithImage(img image.Image) GenerateOption {
	return func(c *generateConfig) error {
		if img == nil {
			return errors.New("image must not be nil")
		}
		c.image = img
		return nil
	}
}

// WithImagePath attaches the image stored at path, local or remote.
func WithImagePath(path string) GenerateOption {
	return func(c *generateConfig) error {
		img, err := imageutil.LoadImageFromPath(path)
		if err != nil {
			return err
		}
		c.image = img
		return nil
	}
}

// WithMaxNewTokens bounds the length of the response. Default is 512.
func WithMaxNewTokens(n int) GenerateOption {
	return func(c *generateConfig) error {
		if n <= 0 {
			return fmt.Errorf("max new tokens must be greater than 0, got %d", n)
		}
		c.maxNewTokens = n
		return nil
	}
}

// WithTemperature sets the sampling temperature. Default is 0.4.
func WithTemperature(t float64) GenerateOption {
	return func(c *generateConfig) error {
		if t < 0 {
			return fmt.Errorf("temperature must not be negative, got %v", t)
		}
		c.temperature = t
		return nil
	}
}

// WithTopP sets nucleus sampling. Default is 0.9.
func WithTopP(p float64) GenerateOption {
	return func(c *generateConfig) error {
		if p <= 0 || p > 1 {
			return fmt.Errorf("top_p must be in (0, 1], got %v", p)
		}
		c.topP = p
		return nil
	}
}

// WithoutHistory makes a one-off generation: only the new turn is sent and the history is left
// as it was.
func WithoutHistory() GenerateOption {
	return func(c *generateConfig) error {
		c.historySave = false
		return nil
	}
}

// WithMaxImageSize overrides the session bound images are shrunk to.
func WithMaxImageSize(size int) GenerateOption {
	return func(c *generateConfig) error {
		if size <= 0 {
			return fmt.Errorf("max image size must be greater than 0, got %d", size)
		}
		c.maxImageSize = size
		return nil
	}
}

// WithStopTokens ends generation at any of the given strings.
func WithStopTokens(tokens ...string) GenerateOption {
	return func(c *generateConfig) error {
		c.stopTokens = append(c.stopTokens, tokens...)
		return nil
	}
}

// Response is the result of a generation.
type Response struct {
	Text  string
	Usage Usage
}

type preparedRequest struct {
	request     backends.GenerateRequest
	promptText  string
	historySave bool
}

func (s *Session) newGenerateConfig(opts []GenerateOption) (*generateConfig, error) {
	cfg := &generateConfig{
		maxNewTokens: defaultMaxNewTokens,
		temperature:  defaultTemperature,
		topP:         defaultTopP,
		historySave:  true,
		maxImageSize: s.options.MaxImageSize,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// prepare appends the user turn and builds the payload. With history the payload is the whole
// conversation, without it only the new turn.
func (s *Session) prepare(text string, cfg *generateConfig) (*preparedRequest, error) {
	img := cfg.image
	if img != nil {
		img = imageutil.Thumbnail(img, cfg.maxImageSize)
	}
	turn := chat.NewUserTurn(text, img)

	s.dataMu.Lock()
	err := s.history.Append(turn)
	payload := []chat.Turn{turn}
	if cfg.historySave {
		payload = s.history.Turns()
	}
	s.dataMu.Unlock()
	if err != nil {
		return nil, err
	}

	if !s.options.ImageHistory {
		for i := 0; i < len(payload)-1; i++ {
			payload[i] = payload[i].WithoutImages()
		}
	}

	prepared := &preparedRequest{
		historySave: cfg.historySave,
		request: backends.GenerateRequest{
			StopTokens:   cfg.stopTokens,
			MaxNewTokens: cfg.maxNewTokens,
			Temperature:  cfg.temperature,
			TopP:         cfg.topP,
		},
	}
	if template := s.options.ChatTemplate; template != nil {
		prompt, renderErr := template.Render(payload, true)
		if renderErr != nil {
			s.retractUserTurn()
			return nil, renderErr
		}
		prepared.request.Prompt = prompt
		prepared.promptText = prompt
		for _, t := range payload {
			if turnImage := t.Image(); turnImage != nil {
				prepared.request.Images = append(prepared.request.Images, turnImage)
			}
		}
		if len(prepared.request.StopTokens) == 0 && template.EosToken != "" {
			prepared.request.StopTokens = []string{template.EosToken}
		}
	} else {
		prepared.request.Messages = payload
		texts := make([]string, 0, len(payload))
		for _, t := range payload {
			texts = append(texts, t.Text())
		}
		prepared.promptText = strings.Join(texts, "\n")
	}
	return prepared, nil
}

func (s *Session) retractUserTurn() {
	s.dataMu.Lock()
	s.history.RetractLast(chat.RoleUser)
	s.dataMu.Unlock()
}

func (s *Session) appendAssistantTurn(text string) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.history.Append(chat.NewAssistantTurn(text))
}

// Generate sends text, and optionally an image, to the model and waits for the full response.
// The user and assistant turns are appended to the history unless WithoutHistory is given.
func (s *Session) Generate(ctx context.Context, text string, opts ...GenerateOption) (*Response, error) {
	if err := s.acquire(StateAwaitingResponse); err != nil {
		return nil, err
	}
	defer s.release()
	if err := s.requireModel(); err != nil {
		return nil, &GenerationError{Op: "generate", Err: err}
	}
	cfg, err := s.newGenerateConfig(opts)
	if err != nil {
		return nil, &GenerationError{Op: "generate", Err: err}
	}
	prepared, err := s.prepare(text, cfg)
	if err != nil {
		return nil, &GenerationError{Op: "generate", Err: err}
	}

	start := time.Now()
	output, err := s.backend.Generate(ctx, prepared.request)
	if !prepared.historySave || err != nil {
		s.retractUserTurn()
	}
	if err != nil {
		s.statistics.recordFailure()
		return nil, &GenerationError{Op: "generate", Err: err}
	}
	if prepared.historySave {
		if err = s.appendAssistantTurn(output); err != nil {
			return nil, &GenerationError{Op: "generate", Err: err}
		}
	}
	elapsed := time.Since(start)
	usage := s.usage(prepared.promptText, output)
	s.statistics.record(usage, elapsed)
	log.Debug().Int("input_tokens", usage.InputTokens).Int("output_tokens", usage.OutputTokens).
		Dur("elapsed", elapsed).Msg("generation completed")
	return &Response{Text: output, Usage: usage}, nil
}
