package relay

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/session"
)

const defaultResponsesURL = "https://api.openai.com/v1/responses"

// HandleCodex serves OpenAI Responses API requests against the
// openai-responses account pool.
func (d *Dispatcher) HandleCodex(w http.ResponseWriter, r *http.Request) {
	body, ok := d.readBody(w, r)
	if !ok {
		return
	}

	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	// Relayed conversations are never persisted upstream; state lives
	// with the client.
	body, _ = sjson.SetBytes(body, "store", false)

	d.run(w, r, dispatch{
		provider:    account.ProviderOpenAI,
		sessionHash: session.Fingerprint(body),
		model:       model,
		stream:      stream,
		build:       codexBuilder(body, stream),
		extract:     codexUsage,
	})
}

func codexBuilder(body []byte, stream bool) buildFunc {
	return func(ctx context.Context, acct *account.Account, token string) (*http.Request, error) {
		url := acct.APIURL
		if url == "" {
			url = defaultResponsesURL
		} else if !strings.HasSuffix(url, "/responses") {
			url = strings.TrimSuffix(url, "/") + "/responses"
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
