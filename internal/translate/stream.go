package translate

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// StreamConverter folds Anthropic SSE events into OpenAI
// chat.completion.chunk frames. Feed it each data payload in order;
// it returns the frames to emit, already framed as "data: ...\n\n"
// lines, ending with "data: [DONE]" after message_stop.
type StreamConverter struct {
	id        string
	model     string
	created   int64
	toolIndex int
	// block index -> tool call index, for interleaved tool streams
	blockTool map[int64]int
}

func NewStreamConverter() *StreamConverter {
	return &StreamConverter{created: time.Now().Unix(), blockTool: make(map[int64]int)}
}

// Feed consumes one SSE data payload and returns zero or more output
// frames.
func (c *StreamConverter) Feed(data []byte) []string {
	event := gjson.ParseBytes(data)
	switch event.Get("type").String() {
	case "message_start":
		c.id = "chatcmpl-" + event.Get("message.id").String()
		c.model = event.Get("message.model").String()
		role := "assistant"
		return []string{c.frame(chatMsg{Role: role}, nil, nil)}

	case "content_block_start":
		block := event.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		idx := event.Get("index").Int()
		callIdx := c.toolIndex
		c.toolIndex++
		c.blockTool[idx] = callIdx
		return []string{c.frame(chatMsg{ToolCalls: []toolCall{{
			Index: callIdx,
			ID:    block.Get("id").String(),
			Type:  "function",
			Function: &fnCall{
				Name:      block.Get("name").String(),
				Arguments: "",
			},
		}}}, nil, nil)}

	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			text := delta.Get("text").String()
			return []string{c.frame(chatMsg{Content: &text}, nil, nil)}
		case "input_json_delta":
			callIdx, ok := c.blockTool[event.Get("index").Int()]
			if !ok {
				return nil
			}
			return []string{c.frame(chatMsg{ToolCalls: []toolCall{{
				Index:    callIdx,
				Function: &fnCall{Arguments: delta.Get("partial_json").String()},
			}}}, nil, nil)}
		}
		return nil

	case "message_delta":
		reason := finishReasonFor(event.Get("delta.stop_reason").String())
		var usage *chatUsage
		if u := event.Get("usage"); u.Exists() {
			usage = &chatUsage{
				CompletionTokens: u.Get("output_tokens").Int(),
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return []string{c.frame(chatMsg{}, &reason, usage)}

	case "message_stop":
		return []string{"data: [DONE]\n\n"}

	case "error":
		// Pass the error through in its own frame so clients see it
		// before the stream closes.
		return []string{"data: " + event.Raw + "\n\n"}
	}
	return nil
}

func (c *StreamConverter) frame(delta chatMsg, finish *string, usage *chatUsage) string {
	var reason interface{}
	if finish != nil {
		reason = *finish
	}
	chunk := chatCompletion{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []chatChoice{{Delta: &delta, FinishReason: reason}},
		Usage:   usage,
	}
	out, _ := json.Marshal(&chunk)
	return "data: " + string(out) + "\n\n"
}
