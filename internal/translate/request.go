// Package translate converts between the OpenAI chat-completions
// dialect and the Anthropic Messages dialect, in both directions, so
// OpenAI-speaking clients can ride the Claude account pool.
package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const defaultMaxTokens = 8192

// claudeCodeSystemPrompt replaces generic client system prompts.
// OAuth upstreams expect traffic that looks like the official CLI;
// arbitrary system prompts would not pass.
const claudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// Xcode's coding assistant sends a distinctive prompt that upstreams
// accept as-is.
const xcodeMarker = "You are currently in Xcode"

// anthropicRequest is the Messages API request we emit.
type anthropicRequest struct {
	Model         string            `json:"model"`
	MaxTokens     int64             `json:"max_tokens"`
	System        []anthropicBlock  `json:"system,omitempty"`
	Messages      []anthropicMsg    `json:"messages"`
	Tools         []anthropicTool   `json:"tools,omitempty"`
	ToolChoice    map[string]string `json:"tool_choice,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// image
	Source *imageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToAnthropic rewrites an OpenAI chat-completions request body as an
// Anthropic Messages request body.
func ToAnthropic(body []byte) ([]byte, error) {
	req := anthropicRequest{
		Model:     gjson.GetBytes(body, "model").String(),
		MaxTokens: defaultMaxTokens,
		Stream:    gjson.GetBytes(body, "stream").Bool(),
	}
	if req.Model == "" {
		return nil, fmt.Errorf("missing model")
	}

	if mt := gjson.GetBytes(body, "max_completion_tokens"); mt.Exists() {
		req.MaxTokens = mt.Int()
	} else if mt := gjson.GetBytes(body, "max_tokens"); mt.Exists() {
		req.MaxTokens = mt.Int()
	}
	if t := gjson.GetBytes(body, "temperature"); t.Exists() {
		v := t.Float()
		req.Temperature = &v
	}
	if p := gjson.GetBytes(body, "top_p"); p.Exists() {
		v := p.Float()
		req.TopP = &v
	}
	if stop := gjson.GetBytes(body, "stop"); stop.Exists() {
		if stop.IsArray() {
			stop.ForEach(func(_, s gjson.Result) bool {
				req.StopSequences = append(req.StopSequences, s.String())
				return true
			})
		} else {
			req.StopSequences = []string{stop.String()}
		}
	}
	if user := gjson.GetBytes(body, "user"); user.Exists() {
		req.Metadata = map[string]string{"user_id": user.String()}
	}

	var systemTexts []string
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("missing messages")
	}

	var convErr error
	messages.ForEach(func(_, msg gjson.Result) bool {
		switch msg.Get("role").String() {
		case "system", "developer":
			systemTexts = append(systemTexts, contentAsText(msg.Get("content")))
		case "user":
			blocks, err := userBlocks(msg.Get("content"))
			if err != nil {
				convErr = err
				return false
			}
			req.Messages = append(req.Messages, anthropicMsg{Role: "user", Content: blocks})
		case "assistant":
			req.Messages = append(req.Messages, anthropicMsg{Role: "assistant", Content: assistantBlocks(msg)})
		case "tool":
			req.Messages = append(req.Messages, anthropicMsg{Role: "user", Content: []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: msg.Get("tool_call_id").String(),
				Content:   contentAsText(msg.Get("content")),
			}}})
		}
		return true
	})
	if convErr != nil {
		return nil, convErr
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no user or assistant messages")
	}

	req.System = systemBlocks(systemTexts)
	req.Tools = toolDefs(gjson.GetBytes(body, "tools"))
	req.ToolChoice = toolChoice(gjson.GetBytes(body, "tool_choice"))

	return json.Marshal(req)
}

// systemBlocks substitutes the Claude Code prompt unless the client is
// Xcode, whose prompt goes through untouched as an extra block.
func systemBlocks(texts []string) []anthropicBlock {
	blocks := []anthropicBlock{{Type: "text", Text: claudeCodeSystemPrompt}}
	for _, t := range texts {
		if strings.Contains(t, xcodeMarker) {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: t})
		}
	}
	return blocks
}

func contentAsText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			sb.WriteString(part.Get("text").String())
		}
		return true
	})
	return sb.String()
}

func userBlocks(content gjson.Result) ([]anthropicBlock, error) {
	if content.Type == gjson.String {
		return []anthropicBlock{{Type: "text", Text: content.String()}}, nil
	}

	var blocks []anthropicBlock
	var err error
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Get("text").String()})
		case "image_url":
			var src *imageSource
			src, err = imageSourceFromURL(part.Get("image_url.url").String())
			if err != nil {
				return false
			}
			blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		blocks = []anthropicBlock{{Type: "text", Text: ""}}
	}
	return blocks, nil
}

// imageSourceFromURL converts a data URL into an inline base64 image
// source; anything else stays a URL source.
func imageSourceFromURL(url string) (*imageSource, error) {
	if !strings.HasPrefix(url, "data:") {
		return &imageSource{Type: "url", URL: url}, nil
	}
	meta, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == meta {
		return nil, fmt.Errorf("data url must be base64 encoded")
	}
	return &imageSource{Type: "base64", MediaType: mediaType, Data: data}, nil
}

func assistantBlocks(msg gjson.Result) []anthropicBlock {
	var blocks []anthropicBlock
	if text := contentAsText(msg.Get("content")); text != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: text})
	}
	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		args := call.Get("function.arguments").String()
		if args == "" || !gjson.Valid(args) {
			args = "{}"
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    call.Get("id").String(),
			Name:  call.Get("function.name").String(),
			Input: json.RawMessage(args),
		})
		return true
	})
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: ""})
	}
	return blocks
}

func toolDefs(tools gjson.Result) []anthropicTool {
	var out []anthropicTool
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		if !fn.Exists() {
			return true
		}
		schema := fn.Get("parameters").Raw
		if schema == "" {
			schema = `{"type":"object","properties":{}}`
		}
		out = append(out, anthropicTool{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
			InputSchema: json.RawMessage(schema),
		})
		return true
	})
	return out
}

func toolChoice(choice gjson.Result) map[string]string {
	switch {
	case !choice.Exists():
		return nil
	case choice.Type == gjson.String:
		switch choice.String() {
		case "auto":
			return map[string]string{"type": "auto"}
		case "required":
			return map[string]string{"type": "any"}
		default: // "none" and unknowns
			return nil
		}
	default:
		if name := choice.Get("function.name").String(); name != "" {
			return map[string]string{"type": "tool", "name": name}
		}
		return nil
	}
}
