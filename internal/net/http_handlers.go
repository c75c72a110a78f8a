// Package net carries the operator HTTP surface: health probes, state and
// evolution metrics, peak history, and the socket endpoint itself.
package net

import (
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	server "gathering/server"
	"gathering/server/internal/admission"
	"gathering/server/internal/drain"
	"gathering/server/internal/metrics"
	"gathering/server/internal/net/ws"
)

// HTTPHandlerConfig wires the operator surface.
type HTTPHandlerConfig struct {
	Hub       *server.Hub
	Store     server.StateStore
	Tick      *server.TimeEngine
	Admission *admission.Controller
	Drain     *drain.Coordinator
	Telemetry *server.TelemetryCounters
	Gateway   *ws.Handler
	Logger    zerolog.Logger
}

// NewHTTPHandler builds the full route table.
func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health/live", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/health/ready", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		now := time.Now()
		storeOK := cfg.Store.Ping(r.Context()) == nil
		tickOK := cfg.Tick.Healthy(now)
		accepting := cfg.Drain.Accepting()

		body := map[string]any{
			"store":     componentStatus(storeOK),
			"tick":      componentStatus(tickOK),
			"accepting": accepting,
		}
		status := nethttp.StatusOK
		if !storeOK || !tickOK || !accepting {
			status = nethttp.StatusServiceUnavailable
		}
		writeJSON(w, status, body)
	})

	mux.HandleFunc("/health/status", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx := r.Context()
		storeErr := cfg.Store.Ping(ctx)

		payload := map[string]any{
			"serverTime": time.Now().UnixMilli(),
			"store": map[string]any{
				"status":   componentStatus(storeErr == nil),
				"counters": readState(ctx, cfg.Store),
			},
			"tick":       cfg.Tick.Stats(),
			"admission":  cfg.Admission.Stats(),
			"drain":      cfg.Drain.Snapshot(),
			"lobby":      map[string]any{"subscribers": cfg.Hub.Count()},
			"telemetry":  cfg.Telemetry.Snapshot(),
			"nodeId":     cfg.Hub.NodeID(),
			"localLive":  cfg.Drain.LocalLive(),
		}
		if storeErr != nil {
			payload["storeError"] = storeErr.Error()
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/metrics/state", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, readState(r.Context(), cfg.Store))
	})

	mux.HandleFunc("/metrics/evolution", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx := r.Context()
		ids, err := cfg.Store.SetMembers(ctx, server.KeyUnlockedMilestones)
		if err != nil {
			httpError(w, "store unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		unlocked := server.UnlockedRecords(ids)
		total := len(server.Catalog())
		metrics.MilestonesUnlocked.Set(float64(len(unlocked)))

		progress := 0.0
		if total > 0 {
			progress = float64(len(unlocked)) / float64(total) * 100
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"unlocked_count": len(unlocked),
			"total_count":    total,
			"progress_pct":   progress,
			"current_state":  readState(ctx, cfg.Store),
			"unlocked":       unlocked,
		})
	})

	mux.HandleFunc("/metrics/peak-history", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		now := time.Now()
		min := float64(now.Add(-24 * time.Hour).Unix())
		max := float64(now.Unix())
		members, err := cfg.Store.SortedRangeByScore(r.Context(), server.KeyPeakHistory, min, max)
		if err != nil {
			httpError(w, "store unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"points": parsePeakHistory(members, logger)})
	})

	mux.HandleFunc("/admission/config", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		var req struct {
			MaxPerSourcePerMinute *int   `json:"maxPerSourcePerMinute"`
			MaxGlobalPerSecond    *int   `json:"maxGlobalPerSecond"`
			MaxGlobal             *int64 `json:"maxGlobal"`
		}
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}

		applied := cfg.Admission.Reconfigure(admission.PartialConfig{
			MaxPerSourcePerMinute: req.MaxPerSourcePerMinute,
			MaxGlobalPerSecond:    req.MaxGlobalPerSecond,
			MaxGlobal:             req.MaxGlobal,
		})
		logger.Info().Interface("config", applied).Msg("admission limits reconfigured")
		writeJSON(w, nethttp.StatusOK, applied)
	})

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", cfg.Gateway.Handle)

	return mux
}

// PeakPoint is one recorded peak in the history endpoint.
type PeakPoint struct {
	Timestamp int64 `json:"timestamp"`
	PeakValue int64 `json:"peak_value"`
}

func parsePeakHistory(members []string, logger zerolog.Logger) []PeakPoint {
	points := make([]PeakPoint, 0, len(members))
	for _, member := range members {
		ts, value, ok := splitPeakMember(member)
		if !ok {
			logger.Warn().Str("member", member).Msg("discarding malformed peak history entry")
			continue
		}
		points = append(points, PeakPoint{Timestamp: ts, PeakValue: value})
	}
	return points
}

func splitPeakMember(member string) (ts, value int64, ok bool) {
	idx := strings.IndexByte(member, ':')
	if idx <= 0 || idx == len(member)-1 {
		return 0, 0, false
	}
	ts, err := strconv.ParseInt(member[:idx], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	value, err = strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ts, value, true
}

func readState(ctx context.Context, st server.StateStore) server.Snapshot {
	var snap server.Snapshot
	if v, _, err := st.GetInt(ctx, server.KeyConcurrentConnections); err == nil {
		snap.ConcurrentConnections = v
	}
	if v, _, err := st.GetInt(ctx, server.KeyTotalConnectionSeconds); err == nil {
		snap.TotalConnectionSeconds = v
	}
	if v, _, err := st.GetInt(ctx, server.KeyPeakConnections); err == nil {
		snap.PeakConnections = v
	}
	return snap
}

func componentStatus(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "unavailable"
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	nethttp.Error(w, message, status)
}
