package chatTemplates

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/film69/fastmodel/chat"
)

var FuncMap = template.FuncMap{
	"trim": func(s string) string {
		return strings.TrimSpace(s)
	},
}

// ChatTemplate renders a conversation into the prompt format of a model family.
// InstructionPart and ResponsePart are the markers used to mask the loss on user turns
// when training on responses only.
type ChatTemplate struct {
	Name            string
	Source          string
	EosToken        string
	InstructionPart string
	ResponsePart    string
	parsed          *template.Template
}

type templateData struct {
	Messages            []chat.Turn
	AddGenerationPrompt bool
	EosToken            string
}

// Render applies the template to turns. With addGenerationPrompt the output ends with an open
// assistant block so the model continues from there.
func (c *ChatTemplate) Render(turns []chat.Turn, addGenerationPrompt bool) (string, error) {
	if c.parsed == nil {
		parsed, err := template.New(c.Name).Funcs(FuncMap).Parse(c.Source)
		if err != nil {
			return "", fmt.Errorf("parsing chat template %s: %w", c.Name, err)
		}
		c.parsed = parsed
	}
	buf := &bytes.Buffer{}
	err := c.parsed.Execute(buf, templateData{
		Messages:            turns,
		AddGenerationPrompt: addGenerationPrompt,
		EosToken:            c.EosToken,
	})
	if err != nil {
		return "", fmt.Errorf("rendering chat template %s: %w", c.Name, err)
	}
	return buf.String(), nil
}

// Get returns a fresh copy of a known template by name.
func Get(name string) (*ChatTemplate, error) {
	var c ChatTemplate
	switch strings.ToLower(name) {
	case "gemma", "gemma3":
		c = Gemma
	case "llama3", "llama":
		c = Llama3
	case "qwen", "qwen2.5", "chatml":
		c = Qwen
	case "phi", "phi3":
		c = Phi
	default:
		return nil, fmt.Errorf("unknown chat template %q", name)
	}
	return &c, nil
}

var Gemma = ChatTemplate{
	Name:            "gemma",
	Source:          GemmaTemplate,
	EosToken:        "<eos>",
	InstructionPart: "<start_of_turn>user\n",
	ResponsePart:    "<start_of_turn>model\n",
}

var Llama3 = ChatTemplate{
	Name:            "llama3",
	Source:          Llama3Template,
	EosToken:        "<|eot_id|>",
	InstructionPart: "<|start_header_id|>user<|end_header_id|>\n\n",
	ResponsePart:    "<|start_header_id|>assistant<|end_header_id|>\n\n",
}

var Qwen = ChatTemplate{
	Name:            "qwen",
	Source:          QwenTemplate,
	EosToken:        "<|im_end|>",
	InstructionPart: "<|im_start|>user\n",
	ResponsePart:    "<|im_start|>assistant\n",
}

var Phi = ChatTemplate{
	Name:            "phi",
	Source:          PhiTemplate,
	EosToken:        "<|endoftext|>",
	InstructionPart: "<|user|>\n",
	ResponsePart:    "<|assistant|>\n",
}

const GemmaTemplate = `
{{- $firstUserPrefix := "" -}}
{{- $loopMessages := .Messages -}}
{{- if and .Messages (eq (index .Messages 0).Role "system") -}}
    {{- $firstUserPrefix = printf "%s\n\n" ((index .Messages 0).Text) -}}
    {{- $loopMessages = slice .Messages 1 -}}
{{- end -}}
{{- range $index, $message := $loopMessages -}}
    {{- $role := $message.Role -}}
    {{- if eq $message.Role "assistant" -}}
        {{- $role = "model" -}}
    {{- end -}}
<start_of_turn>{{$role}}
{{ if eq $index 0 }}{{$firstUserPrefix}}{{- end -}}
    {{- range $message.Content -}}
        {{- if eq .Type "image" -}}
<start_of_image>
        {{- else if eq .Type "text" -}}
{{- .Text | trim -}}
        {{- end -}}
    {{- end -}}
<end_of_turn>
{{ end -}}
{{- if .AddGenerationPrompt -}}
<start_of_turn>model
{{ end -}}`

const Llama3Template = `<|begin_of_text|>
{{- range .Messages -}}
<|start_header_id|>{{.Role}}<|end_header_id|>

{{ range .Content -}}
{{- if eq .Type "image" }}<|image|>{{ else if eq .Type "text" }}{{ .Text | trim }}{{ end -}}
{{- end }}<|eot_id|>
{{- end -}}
{{- if .AddGenerationPrompt -}}
<|start_header_id|>assistant<|end_header_id|>

{{ end -}}`

const PhiTemplate = `{{range .Messages}}{{if eq .Role "system"}}<|system|>
{{.Text}}<|end|>
{{else if eq .Role "user"}}<|user|>
{{.Text}}<|end|>
{{else if eq .Role "assistant"}}<|assistant|>
{{.Text}}<|end|>
{{end}}{{end}}{{if .AddGenerationPrompt}}<|assistant|>
{{else}}{{.EosToken}}{{end}}`

// Qwen (Qwen2.5) chat template without tool calls.
// Each message is wrapped as <|im_start|>{role}\n{content}<|im_end|>\n and generation
// appends an opening assistant block without the closing <|im_end|>.
const QwenTemplate = `{{- $messages := .Messages -}}
{{- if gt (len $messages) 0 -}}
    {{- if eq (index $messages 0).Role "system" -}}
<|im_start|>system
{{ (index $messages 0).Text }}<|im_end|>
{{ else -}}
<|im_start|>system
You are a helpful assistant.<|im_end|>
{{ end -}}
{{- end -}}
{{- range $i, $m := $messages -}}
    {{- if and (eq $i 0) (eq $m.Role "system") -}}
        {{- continue -}}
    {{- end -}}
<|im_start|>{{$m.Role}}
{{ range $m.Content }}{{ if eq .Type "image" }}<|vision_start|><|image_pad|><|vision_end|>{{ else }}{{ .Text }}{{ end }}{{ end }}<|im_end|>
{{ end -}}
{{- if .AddGenerationPrompt -}}<|im_start|>assistant
{{ else -}}{{.EosToken}}{{- end -}}`
