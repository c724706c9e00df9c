package relay

import (
	"github.com/tidwall/gjson"
)

// Usage accumulates token counts observed in one upstream response.
type Usage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

func (u *Usage) empty() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationTokens == 0 && u.CacheReadTokens == 0
}

// usageExtractor folds one SSE data payload (or a whole JSON body for
// non-streaming responses) into the accumulator. Each provider speaks
// a different usage dialect.
type usageExtractor func(data []byte, u *Usage)

// claudeUsage reads Anthropic Messages usage: input counts arrive on
// message_start, output counts accumulate on message_delta. The same
// paths appear in non-streaming bodies under message-less roots.
func claudeUsage(data []byte, u *Usage) {
	switch gjson.GetBytes(data, "type").String() {
	case "message_start":
		msg := gjson.GetBytes(data, "message")
		if model := msg.Get("model").String(); model != "" {
			u.Model = model
		}
		u.InputTokens = msg.Get("usage.input_tokens").Int()
		u.CacheCreationTokens = msg.Get("usage.cache_creation_input_tokens").Int()
		u.CacheReadTokens = msg.Get("usage.cache_read_input_tokens").Int()
	case "message_delta":
		u.OutputTokens += gjson.GetBytes(data, "usage.output_tokens").Int()
	case "message":
		fallthrough
	default:
		if usage := gjson.GetBytes(data, "usage"); usage.Exists() && usage.Get("input_tokens").Exists() {
			if model := gjson.GetBytes(data, "model").String(); model != "" {
				u.Model = model
			}
			u.InputTokens = usage.Get("input_tokens").Int()
			u.OutputTokens = usage.Get("output_tokens").Int()
			u.CacheCreationTokens = usage.Get("cache_creation_input_tokens").Int()
			u.CacheReadTokens = usage.Get("cache_read_input_tokens").Int()
		}
	}
}

// geminiUsage reads usageMetadata, present on the final stream chunk
// and on non-streaming bodies.
func geminiUsage(data []byte, u *Usage) {
	meta := gjson.GetBytes(data, "response.usageMetadata")
	if !meta.Exists() {
		meta = gjson.GetBytes(data, "usageMetadata")
	}
	if !meta.Exists() {
		return
	}
	u.InputTokens = meta.Get("promptTokenCount").Int()
	u.OutputTokens = meta.Get("candidatesTokenCount").Int()
	u.CacheReadTokens = meta.Get("cachedContentTokenCount").Int()
	if model := gjson.GetBytes(data, "modelVersion").String(); model != "" {
		u.Model = model
	}
}

// codexUsage reads the Responses API usage object, delivered on the
// response.completed event.
func codexUsage(data []byte, u *Usage) {
	usage := gjson.GetBytes(data, "response.usage")
	if !usage.Exists() {
		usage = gjson.GetBytes(data, "usage")
	}
	if !usage.Exists() || !usage.Get("input_tokens").Exists() {
		return
	}
	u.InputTokens = usage.Get("input_tokens").Int()
	u.OutputTokens = usage.Get("output_tokens").Int()
	u.CacheReadTokens = usage.Get("input_tokens_details.cached_tokens").Int()
	if model := gjson.GetBytes(data, "response.model").String(); model != "" {
		u.Model = model
	}
}
