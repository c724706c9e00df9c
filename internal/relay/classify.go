package relay

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Action is what the dispatcher does with a failed upstream response.
type Action int

const (
	// ActionSurface forwards the error to the client unchanged in
	// status. Client mistakes are not the account's fault.
	ActionSurface Action = iota
	// ActionRetrySame waits Verdict.Delay and retries the same account.
	ActionRetrySame
	// ActionFailover tries the next account without penalizing this one.
	ActionFailover
	// ActionFailoverCooldown puts the account on cooldown, then tries
	// the next one.
	ActionFailoverCooldown
	// ActionFailoverDisable removes the account until restart, drops
	// its sticky routes, then tries the next one.
	ActionFailoverDisable
)

// Verdict is the classification of one upstream failure.
type Verdict struct {
	Action   Action
	Cooldown time.Duration
	Delay    time.Duration
	Reason   string
}

const (
	rateLimitCooldown  = 60 * time.Second
	overloadedCooldown = 5 * time.Minute
	// Retry-After beyond this is not worth blocking a client for;
	// failover instead.
	maxRetryAfterWait = 5 * time.Second
)

var (
	orgDisabledPattern = regexp.MustCompile(`(?i)organization has been disabled|account has been disabled`)
	weeklyLimitPattern = regexp.MustCompile(`(?i)weekly usage limit`)
)

// Classify maps an upstream error response onto a dispatcher action.
// unavailableCooldown is the operator-configured pause for auth and
// quota failures.
func Classify(status int, header http.Header, body []byte, model string, unavailableCooldown time.Duration) Verdict {
	switch status {
	case http.StatusUnauthorized:
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: unavailableCooldown,
			Reason:   "upstream 401",
		}

	case http.StatusPaymentRequired:
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: unavailableCooldown,
			Reason:   "insufficient quota",
		}

	case http.StatusForbidden:
		if orgDisabledPattern.Match(body) {
			return Verdict{Action: ActionFailoverDisable, Reason: "organization disabled"}
		}
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: unavailableCooldown,
			Reason:   "upstream 403",
		}

	case http.StatusTooManyRequests:
		// Opus models hitting the weekly cap stay capped for a long
		// time; a one-minute cooldown would just burn retries.
		if weeklyLimitPattern.Match(body) && isOpusModel(model) {
			return Verdict{
				Action:   ActionFailoverCooldown,
				Cooldown: cooldownFromReset(header, unavailableCooldown),
				Reason:   "opus weekly limit",
			}
		}
		if wait, ok := retryAfter(header); ok && wait <= maxRetryAfterWait {
			return Verdict{Action: ActionRetrySame, Delay: wait, Reason: "rate limited, short retry-after"}
		}
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: rateLimitCooldown,
			Reason:   "rate limited",
		}

	case 529:
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: overloadedCooldown,
			Reason:   "upstream overloaded",
		}

	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Verdict{Action: ActionFailover, Reason: "upstream " + strconv.Itoa(status)}

	default:
		return Verdict{Action: ActionSurface, Reason: "client error " + strconv.Itoa(status)}
	}
}

// retryAfter parses the Retry-After header, seconds form only.
func retryAfter(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// cooldownFromReset derives a cooldown from the unified rate limit
// reset header (unix seconds), falling back to the given default.
func cooldownFromReset(header http.Header, fallback time.Duration) time.Duration {
	v := header.Get("anthropic-ratelimit-unified-reset")
	if v == "" {
		return fallback
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback
	}
	d := time.Until(time.Unix(unix, 0))
	if d <= 0 {
		return fallback
	}
	return d
}

func isOpusModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}

// sniffStreamError reports whether an SSE data payload is an error
// event injected into an otherwise-200 stream. Only the event's own
// type counts; assistant text containing the literal must not match.
func sniffStreamError(data []byte) bool {
	return gjson.GetBytes(data, "type").String() == "error"
}

// ClassifyStreamEvent maps an error event observed inside a 200 stream
// onto an account penalty. The stream already carried the error to the
// client, so there is nothing to retry; only the cooldown or disable
// side of the verdict applies.
func ClassifyStreamEvent(data []byte, unavailableCooldown time.Duration) Verdict {
	errType := gjson.GetBytes(data, "error.type").String()
	msg := gjson.GetBytes(data, "error.message").String()

	switch errType {
	case "overloaded_error":
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: overloadedCooldown,
			Reason:   "overloaded mid-stream",
		}
	case "rate_limit_error":
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: rateLimitCooldown,
			Reason:   "rate limited mid-stream",
		}
	case "authentication_error", "billing_error":
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: unavailableCooldown,
			Reason:   errType + " mid-stream",
		}
	case "permission_error":
		if orgDisabledPattern.MatchString(msg) {
			return Verdict{Action: ActionFailoverDisable, Reason: "organization disabled"}
		}
		return Verdict{
			Action:   ActionFailoverCooldown,
			Cooldown: unavailableCooldown,
			Reason:   "permission error mid-stream",
		}
	default:
		// api_error and friends: transient upstream trouble, no penalty.
		return Verdict{Action: ActionSurface, Reason: "stream error " + errType}
	}
}
