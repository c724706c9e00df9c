package relay

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/session"
	"github.com/yansir/cc-relay/internal/translate"
)

// HandleOpenAIChat serves OpenAI chat-completions requests against the
// Claude account pool. The body is rewritten to the Anthropic Messages
// dialect before dispatch and the response is rewritten back, so the
// failover and accounting machinery sees ordinary Claude traffic.
func (d *Dispatcher) HandleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	body, ok := d.readBody(w, r)
	if !ok {
		return
	}

	anthBody, err := translate.ToAnthropic(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	model := gjson.GetBytes(anthBody, "model").String()
	stream := gjson.GetBytes(anthBody, "stream").Bool()

	respond := chatCompletionRespond
	if stream {
		respond = d.chatStreamRespond
	}

	d.run(w, r, dispatch{
		provider: account.ProviderClaude,
		// Fingerprinting the rewritten body keeps the hash identical to
		// what the same conversation would produce on the native route.
		sessionHash: session.Fingerprint(anthBody),
		model:       model,
		stream:      stream,
		build:       claudeBuilder(anthBody, r.Header, model, stream),
		extract:     claudeUsage,
		respond:     respond,
	})
}

func chatCompletionRespond(w http.ResponseWriter, resp *http.Response, u *Usage) (bool, []byte) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return false, nil
	}
	claudeUsage(body, u)

	converted, err := translate.FromAnthropic(body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "unexpected upstream response")
		return false, nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(converted)
	return true, nil
}

// chatStreamRespond replays the upstream Anthropic SSE stream as OpenAI
// chat.completion.chunk frames. Usage is folded out of the Anthropic
// events before conversion, and a terminal error event is handed back
// so the account takes its penalty.
func (d *Dispatcher) chatStreamRespond(w http.ResponseWriter, resp *http.Response, u *Usage) (bool, []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return false, nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	conv := translate.NewStreamConverter()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var errEvent []byte
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		payload := []byte(data)
		claudeUsage(payload, u)
		if sniffStreamError(payload) {
			errEvent = append([]byte(nil), payload...)
		}
		for _, frame := range conv.Feed(payload) {
			if _, err := io.WriteString(w, frame); err != nil {
				return false, errEvent
			}
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		d.logger.Warn("upstream stream broke during conversion", "error", err)
		return false, errEvent
	}
	return true, errEvent
}
