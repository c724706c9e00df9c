package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// chatCompletion is the OpenAI response we emit.
type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      *chatMsg    `json:"message,omitempty"`
	Delta        *chatMsg    `json:"delta,omitempty"`
	FinishReason interface{} `json:"finish_reason"`
}

type chatMsg struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Index    int     `json:"index"`
	ID       string  `json:"id,omitempty"`
	Type     string  `json:"type,omitempty"`
	Function *fnCall `json:"function,omitempty"`
}

type fnCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// finishReasonFor maps Anthropic stop reasons onto OpenAI finish
// reasons.
func finishReasonFor(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default: // end_turn, stop_sequence
		return "stop"
	}
}

// FromAnthropic rewrites a non-streaming Anthropic Messages response
// as an OpenAI chat completion.
func FromAnthropic(body []byte) ([]byte, error) {
	root := gjson.ParseBytes(body)
	if root.Get("type").String() != "message" {
		return nil, fmt.Errorf("not a message response")
	}

	msg := chatMsg{Role: "assistant"}
	var text strings.Builder
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, toolCall{
				Index: len(msg.ToolCalls),
				ID:    block.Get("id").String(),
				Type:  "function",
				Function: &fnCall{
					Name:      block.Get("name").String(),
					Arguments: args,
				},
			})
		}
		return true
	})
	content := text.String()
	msg.Content = &content

	usage := root.Get("usage")
	prompt := usage.Get("input_tokens").Int() +
		usage.Get("cache_creation_input_tokens").Int() +
		usage.Get("cache_read_input_tokens").Int()
	completion := usage.Get("output_tokens").Int()

	out := chatCompletion{
		ID:      "chatcmpl-" + root.Get("id").String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   root.Get("model").String(),
		Choices: []chatChoice{{
			Message:      &msg,
			FinishReason: finishReasonFor(root.Get("stop_reason").String()),
		}},
		Usage: &chatUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
	return json.Marshal(&out)
}
