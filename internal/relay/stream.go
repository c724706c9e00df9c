package relay

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// pipeStream forwards an SSE body to the client line by line, folding
// usage out of data payloads as they pass. Events are flushed on the
// blank line that terminates them so clients see tokens as they
// arrive.
//
// Returns whether the stream ran to completion, plus the payload of an
// error event observed mid-stream (nil if none). The caller decides
// what the error means for the account; the event itself has already
// been forwarded to the client.
func pipeStream(ctx context.Context, w http.ResponseWriter, body io.Reader, extract usageExtractor, u *Usage, logger *slog.Logger) (bool, []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return false, nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024) // 1MB max line

	var errEvent []byte
	for scanner.Scan() {
		if ctx.Err() != nil {
			logger.Debug("client disconnected during stream")
			return false, errEvent
		}

		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			payload := []byte(data)
			if extract != nil {
				extract(payload, u)
			}
			if sniffStreamError(payload) {
				errEvent = append([]byte(nil), payload...)
			}
		}

		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return false, errEvent
		}
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()

	if err := scanner.Err(); err != nil {
		logger.Warn("upstream stream broke", "error", err)
		return false, errEvent
	}
	return true, errEvent
}
