// Package session derives a stable session key from request bodies and
// persists the session-to-account routes that make scheduling sticky.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Clients generated by the Claude Code CLI carry the session UUID
// inside metadata.user_id.
var userIDSessionRe = regexp.MustCompile(`session_([a-f0-9-]{36})`)

// Fingerprint derives the session key for a request body.
//
// The sources are tried in order of stability: the explicit session
// UUID in metadata.user_id, then cache-control anchored prompt text,
// then the system prompt, then the first message. The UUID is used
// directly; the text sources are hashed. Returns "" when the body
// yields nothing to key on, in which case the request is not sticky.
func Fingerprint(body []byte) string {
	if userID := gjson.GetBytes(body, "metadata.user_id"); userID.Exists() {
		if m := userIDSessionRe.FindStringSubmatch(userID.String()); m != nil {
			return m[1]
		}
	}

	if text := ephemeralText(body); text != "" {
		return hashText(text)
	}
	if text := systemText(gjson.GetBytes(body, "system")); text != "" {
		return hashText(text)
	}
	if text := firstMessageText(body); text != "" {
		return hashText(text)
	}
	// Responses API bodies carry instructions and input instead of
	// system and messages.
	if instr := gjson.GetBytes(body, "instructions"); instr.Type == gjson.String && instr.String() != "" {
		return hashText(instr.String())
	}
	if text := firstInputText(body); text != "" {
		return hashText(text)
	}
	return ""
}

func firstInputText(body []byte) string {
	if input := gjson.GetBytes(body, "input"); input.Type == gjson.String {
		return input.String()
	}
	first := gjson.GetBytes(body, "input.0.content")
	switch {
	case first.Type == gjson.String:
		return first.String()
	case first.IsArray():
		var sb strings.Builder
		first.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text"); t.Exists() {
				sb.WriteString(t.String())
			}
			return true
		})
		return sb.String()
	default:
		return ""
	}
}

// ephemeralText concatenates every text block marked with an ephemeral
// cache_control, from the system prompt and all messages. Those blocks
// are the prompt-cache anchors and stay constant across turns of one
// conversation.
func ephemeralText(body []byte) string {
	var sb strings.Builder

	collect := func(block gjson.Result) {
		if block.Get("cache_control.type").String() != "ephemeral" {
			return
		}
		if t := block.Get("text"); t.Exists() {
			sb.WriteString(t.String())
		}
	}

	if system := gjson.GetBytes(body, "system"); system.IsArray() {
		system.ForEach(func(_, block gjson.Result) bool {
			collect(block)
			return true
		})
	}
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				collect(block)
				return true
			})
		}
		return true
	})

	return sb.String()
}

func systemText(system gjson.Result) string {
	switch {
	case system.Type == gjson.String:
		return system.String()
	case system.IsArray():
		var sb strings.Builder
		system.ForEach(func(_, block gjson.Result) bool {
			sb.WriteString(block.Get("text").String())
			return true
		})
		return sb.String()
	default:
		return ""
	}
}

func firstMessageText(body []byte) string {
	first := gjson.GetBytes(body, "messages.0.content")
	switch {
	case first.Type == gjson.String:
		return first.String()
	case first.IsArray():
		var sb strings.Builder
		first.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
			return true
		})
		return sb.String()
	default:
		return ""
	}
}

// hashText returns the first 16 bytes of the SHA-256 digest, hex
// encoded (32 characters).
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
