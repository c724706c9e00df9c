// Package relay implements the upstream dispatch pipeline: pick an
// account, attach its credential, forward the request, and either pipe
// the response back or classify the failure and fail over.
package relay

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/auth"
	"github.com/yansir/cc-relay/internal/config"
	"github.com/yansir/cc-relay/internal/scheduler"
	"github.com/yansir/cc-relay/internal/session"
	"github.com/yansir/cc-relay/internal/store"
)

// maxAttempts bounds how many accounts one request may burn through.
const maxAttempts = 3

// ClientProvider yields a pooled HTTP client honoring an account's
// proxy settings. Satisfied by transport.Manager.
type ClientProvider interface {
	ClientFor(proxy *config.ProxyConfig) (*http.Client, error)
}

// Dispatcher wires the scheduling, credential, transport, and
// accounting layers into one failover loop shared by all providers.
type Dispatcher struct {
	registry   *account.Registry
	scheduler  *scheduler.Scheduler
	tokens     *account.TokenManager
	sessions   *session.Store
	transports ClientProvider
	db         *store.DB
	sessionCfg config.SessionConfig
	logger     *slog.Logger
}

func NewDispatcher(
	registry *account.Registry,
	sched *scheduler.Scheduler,
	tokens *account.TokenManager,
	sessions *session.Store,
	transports ClientProvider,
	db *store.DB,
	sessionCfg config.SessionConfig,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		scheduler:  sched,
		tokens:     tokens,
		sessions:   sessions,
		transports: transports,
		db:         db,
		sessionCfg: sessionCfg,
		logger:     logger,
	}
}

// buildFunc constructs the upstream request for one attempt. It is
// called per attempt because the account (and thus URL, credential,
// proxy) changes across failovers.
type buildFunc func(ctx context.Context, acct *account.Account, token string) (*http.Request, error)

// respondFunc renders a successful upstream response to the client. It
// reports whether rendering ran to completion, plus the payload of any
// terminal error event observed inside a streamed response. A nil
// respondFunc gets the default passthrough rendering.
type respondFunc func(w http.ResponseWriter, resp *http.Response, u *Usage) (bool, []byte)

// dispatch is one end-to-end request: session-aware account selection,
// upstream call, failover on classified errors, response rendering,
// sticky binding, and usage accounting.
//
// Failover only ever happens before the first byte reaches the client.
// Once rendering starts the attempt is committed; errors after that
// point terminate the response.
type dispatch struct {
	provider    string
	sessionHash string
	model       string
	stream      bool
	build       buildFunc
	extract     usageExtractor
	respond     respondFunc
}

func (d *Dispatcher) run(w http.ResponseWriter, r *http.Request, job dispatch) {
	ctx := r.Context()
	keyHash := auth.ClientKeyHash(ctx)

	var exclude []string
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			d.logger.Debug("client disconnected before dispatch", "attempt", attempt)
			return
		}

		sel, err := d.scheduler.Select(ctx, job.provider, job.sessionHash, exclude)
		if err != nil {
			lastErr = err
			break
		}
		acct := sel.Account

		token, err := d.tokens.AccessToken(ctx, acct)
		if err != nil {
			d.logger.Warn("credential unavailable, excluding account", "account", acct.ID, "error", err)
			exclude = append(exclude, acct.ID)
			lastErr = err
			continue
		}

		upReq, err := job.build(ctx, acct, token)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "could not build upstream request")
			return
		}

		client, err := d.transports.ClientFor(acct.Proxy)
		if err != nil {
			exclude = append(exclude, acct.ID)
			lastErr = err
			continue
		}

		resp, err := client.Do(upReq)
		if err != nil {
			d.logger.Error("upstream request failed", "account", acct.ID, "error", err)
			exclude = append(exclude, acct.ID)
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			d.succeed(ctx, w, resp, acct, sel.Sticky, job, keyHash)
			return
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		verdict := Classify(resp.StatusCode, resp.Header, errBody, job.model, d.sessionCfg.UnavailableCooldown())
		d.logger.Warn("upstream error",
			"account", acct.ID, "status", resp.StatusCode, "reason", verdict.Reason)

		switch verdict.Action {
		case ActionSurface:
			status, sanitized := SanitizeError(resp.StatusCode, errBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(sanitized)
			return

		case ActionRetrySame:
			select {
			case <-time.After(verdict.Delay):
			case <-ctx.Done():
				return
			}
			// Not excluded: deterministic selection lands on the same
			// account next iteration.
			lastErr = errAttempt(verdict.Reason)
			continue

		case ActionFailover:
			exclude = append(exclude, acct.ID)
			lastErr = errAttempt(verdict.Reason)

		case ActionFailoverCooldown:
			d.registry.MarkCooldown(acct.ID, verdict.Cooldown, verdict.Reason)
			exclude = append(exclude, acct.ID)
			lastErr = errAttempt(verdict.Reason)

		case ActionFailoverDisable:
			d.registry.MarkUnavailable(acct.ID, verdict.Reason)
			if n, err := d.sessions.InvalidateAccount(context.WithoutCancel(ctx), acct.ID); err == nil && n > 0 {
				d.logger.Info("dropped sticky routes of disabled account", "account", acct.ID, "routes", n)
			}
			exclude = append(exclude, acct.ID)
			lastErr = errAttempt(verdict.Reason)
		}
	}

	if lastErr != nil {
		d.logger.Error("all dispatch attempts failed", "provider", job.provider, "error", lastErr)
	}
	// Tell the client when the pool is expected to recover.
	if until, ok := d.registry.NextAvailable(job.provider, time.Now()); ok {
		secs := int64(math.Ceil(time.Until(until).Seconds()))
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no available accounts")
}

func (d *Dispatcher) succeed(ctx context.Context, w http.ResponseWriter, resp *http.Response, acct *account.Account, sticky bool, job dispatch, keyHash string) {
	defer resp.Body.Close()

	u := &Usage{Model: job.model}
	var completed bool
	var errEvent []byte
	switch {
	case job.respond != nil:
		completed, errEvent = job.respond(w, resp, u)
	case job.stream:
		completed, errEvent = pipeStream(ctx, w, resp.Body, job.extract, u, d.logger.With("account", acct.ID))
	default:
		completed = d.passthroughJSON(w, resp, job.extract, u)
	}

	// The client context may already be gone; bookkeeping still runs.
	bg := context.WithoutCancel(ctx)

	// An error event inside a 200 stream is too late to fail over, but
	// the account penalty still applies so the next request avoids it.
	var disabled bool
	if errEvent != nil {
		verdict := ClassifyStreamEvent(errEvent, d.sessionCfg.UnavailableCooldown())
		switch verdict.Action {
		case ActionFailoverCooldown:
			d.logger.Warn("error event mid-stream, cooling account",
				"account", acct.ID, "reason", verdict.Reason, "cooldown", verdict.Cooldown)
			d.registry.MarkCooldown(acct.ID, verdict.Cooldown, verdict.Reason)
		case ActionFailoverDisable:
			d.logger.Warn("error event mid-stream, disabling account",
				"account", acct.ID, "reason", verdict.Reason)
			d.registry.MarkUnavailable(acct.ID, verdict.Reason)
			if n, err := d.sessions.InvalidateAccount(bg, acct.ID); err == nil && n > 0 {
				d.logger.Info("dropped sticky routes of disabled account", "account", acct.ID, "routes", n)
			}
			disabled = true
		}
	}

	if job.sessionHash != "" && !disabled {
		var err error
		if sticky {
			err = d.sessions.RenewIfStale(bg, job.sessionHash, d.sessionCfg.StickyTTL(), d.sessionCfg.RenewalThreshold())
		} else {
			err = d.sessions.Bind(bg, job.sessionHash, acct.ID, d.sessionCfg.StickyTTL())
		}
		if err != nil {
			d.logger.Warn("sticky bookkeeping failed", "error", err)
		}
	}

	// A canceled client gets no usage row: the counts observed so far
	// are partial and the stream never finished on either side.
	if ctx.Err() != nil {
		return
	}
	if completed || !u.empty() {
		rec := store.UsageRecord{
			AccountID:           acct.ID,
			Model:               u.Model,
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheCreationTokens: u.CacheCreationTokens,
			CacheReadTokens:     u.CacheReadTokens,
			ClientAPIKeyHash:    keyHash,
		}
		if err := d.db.RecordUsage(bg, rec); err != nil {
			d.logger.Warn("usage recording failed", "account", acct.ID, "error", err)
		}
	}
}

func (d *Dispatcher) passthroughJSON(w http.ResponseWriter, resp *http.Response, extract usageExtractor, u *Usage) bool {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "failed to read upstream response")
		return false
	}
	if extract != nil {
		extract(body, u)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return true
}

type errAttempt string

func (e errAttempt) Error() string { return string(e) }
