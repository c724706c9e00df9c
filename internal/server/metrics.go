package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/logging"
	"github.com/yansir/cc-relay/internal/store"
)

// metricsResponse is the operator-facing snapshot served at /metrics.
type metricsResponse struct {
	Version        string           `json:"version"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	Accounts       []account.Status `json:"accounts"`
	StickySessions int64            `json:"sticky_sessions"`
	Usage          metricsUsage     `json:"usage"`
	RecentLogs     []logging.Line   `json:"recent_logs,omitempty"`
}

type metricsUsage struct {
	Totals    store.UsageSummary   `json:"totals"`
	ByAccount []store.UsageSummary `json:"by_account"`
	ByModel   []store.UsageSummary `json:"by_model"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()
	since := now.Add(-24 * time.Hour)

	totals, err := s.db.UsageTotals(ctx, since)
	if err != nil {
		s.logger.Error("usage totals query failed", "error", err)
		http.Error(w, `{"error":"metrics unavailable"}`, http.StatusInternalServerError)
		return
	}
	byAccount, err := s.db.UsageByAccount(ctx, since)
	if err != nil {
		s.logger.Error("usage by account query failed", "error", err)
		http.Error(w, `{"error":"metrics unavailable"}`, http.StatusInternalServerError)
		return
	}
	byModel, err := s.db.UsageByModel(ctx, since)
	if err != nil {
		s.logger.Error("usage by model query failed", "error", err)
		http.Error(w, `{"error":"metrics unavailable"}`, http.StatusInternalServerError)
		return
	}
	sessionCount, err := s.sessions.Count(ctx)
	if err != nil {
		sessionCount = -1
	}

	resp := metricsResponse{
		Version:        s.version,
		UptimeSeconds:  int64(now.Sub(s.startTime).Seconds()),
		Accounts:       s.registry.Snapshot(now),
		StickySessions: sessionCount,
		Usage: metricsUsage{
			Totals:    totals,
			ByAccount: byAccount,
			ByModel:   byModel,
		},
	}
	if s.ring != nil {
		resp.RecentLogs = s.ring.Recent()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
