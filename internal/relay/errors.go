package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// errorShape is the Anthropic-style error envelope returned to clients.
type errorShape struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorTypeFor maps an HTTP status onto the Anthropic error type
// vocabulary clients already know how to handle.
func errorTypeFor(status int) (string, string) {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error", "bad request"
	case http.StatusUnauthorized:
		return "authentication_error", "authentication failed"
	case http.StatusPaymentRequired:
		return "billing_error", "insufficient quota"
	case http.StatusForbidden:
		return "permission_error", "access denied"
	case http.StatusNotFound:
		return "not_found_error", "resource not found"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large", "request payload too large"
	case http.StatusTooManyRequests:
		return "rate_limit_error", "rate limited, please retry later"
	case 529:
		return "overloaded_error", "upstream overloaded, please retry later"
	default:
		return "api_error", "unexpected upstream error"
	}
}

// SanitizeError rewrites an upstream error body so account-identifying
// detail (org names, account emails, quota ids) never reaches the
// client. Well-formed upstream error envelopes keep their type and
// message text; anything else is replaced with a generic message for
// the status.
func SanitizeError(status int, body []byte) (int, []byte) {
	var parsed errorShape
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Type != "" {
		return status, buildErrorJSON(parsed.Error.Type, parsed.Error.Message)
	}

	errType, msg := errorTypeFor(status)
	return status, buildErrorJSON(errType, msg)
}

// SanitizeSSEError wraps a sanitized error as an SSE error event.
func SanitizeSSEError(status int, body []byte) string {
	_, sanitized := SanitizeError(status, body)
	return fmt.Sprintf("event: error\ndata: %s\n\n", sanitized)
}

func buildErrorJSON(errType, msg string) []byte {
	var e errorShape
	e.Type = "error"
	e.Error.Type = errType
	e.Error.Message = msg
	data, _ := json.Marshal(e)
	return data
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buildErrorJSON(errType, msg))
}
