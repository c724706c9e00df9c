package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/session"
)

const defaultGeminiBaseURL = "https://cloudcode-pa.googleapis.com/v1internal"

// HandleGemini serves generateContent and streamGenerateContent. The
// path carries "{model}:{method}" as one segment.
func (d *Dispatcher) HandleGemini(w http.ResponseWriter, r *http.Request) {
	model, method, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok {
		writeError(w, http.StatusNotFound, "not_found_error", "unknown gemini method")
		return
	}
	stream := method == "streamGenerateContent"
	if !stream && method != "generateContent" {
		writeError(w, http.StatusNotFound, "not_found_error", "unknown gemini method")
		return
	}

	body, okBody := d.readBody(w, r)
	if !okBody {
		return
	}

	d.run(w, r, dispatch{
		provider:    account.ProviderGemini,
		sessionHash: session.Fingerprint(body),
		model:       model,
		stream:      stream,
		build:       geminiBuilder(body, model, method, stream),
		extract:     geminiUsage,
	})
}

func geminiBuilder(body []byte, model, method string, stream bool) buildFunc {
	return func(ctx context.Context, acct *account.Account, token string) (*http.Request, error) {
		base := acct.APIURL
		if base == "" {
			base = defaultGeminiBaseURL
		}
		url := fmt.Sprintf("%s/models/%s:%s", strings.TrimSuffix(base, "/"), model, method)
		if stream {
			url += "?alt=sse"
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		if stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		return req, nil
	}
}
