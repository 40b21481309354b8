package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/baitline-ai/baitline/internal/engage"
)

// handleGetSession implements GET /api/baitline/sessions/{session_id}.
// Live sessions come from the engine; finalized sessions that fell out of
// memory (a restart) come from the durable snapshot.
func (d *Dependencies) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	if s := d.Engine.Session(sessionID); s != nil {
		writeJSON(w, http.StatusOK, sessionResp(*s))
		return
	}

	if d.Store != nil {
		rec, err := d.Store.GetSession(r.Context(), sessionID)
		if err != nil {
			d.Logger.Error("session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
			return
		}
		if rec != nil {
			writeJSON(w, http.StatusOK, SessionResp{
				SessionID:      rec.SessionID,
				State:          rec.State,
				Turn:           rec.Turn,
				Posture:        rec.Posture,
				Suspicion:      rec.Suspicion,
				ScamCategory:   rec.ScamCategory,
				IndicatorCount: rec.IndicatorCount,
				IndicatorTypes: stringsOrEmpty(rec.IndicatorTypes),
				CreatedAt:      rec.CreatedAt,
				LastActivity:   rec.LastActivity,
				FinalizeCause:  rec.FinalizeCause,
				Delivered:      rec.Delivered,
			})
			return
		}
	}

	writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "session not found"})
}

// handleListSessions implements GET /api/baitline/sessions?limit=N over the
// engine's tracked sessions, most recently active first.
func (d *Dependencies) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must be 1-500"})
			return
		}
		limit = n
	}

	views := d.Engine.Sessions()
	if len(views) > limit {
		views = views[:limit]
	}
	out := make([]SessionResp, 0, len(views))
	for _, v := range views {
		out = append(out, sessionResp(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func sessionResp(v engage.SessionView) SessionResp {
	return SessionResp{
		SessionID:      v.SessionID,
		State:          v.State,
		Turn:           v.Turn,
		Posture:        v.Posture,
		Suspicion:      v.Suspicion,
		ScamCategory:   v.ScamCategory,
		IndicatorCount: v.IndicatorCount,
		IndicatorTypes: stringsOrEmpty(v.IndicatorTypes),
		CreatedAt:      v.CreatedAt,
		LastActivity:   v.LastActivity,
		FinalizeCause:  v.FinalizeCause,
		Delivered:      v.Delivered,
	}
}

// stringsOrEmpty keeps the JSON field a [] rather than null.
func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// handleGetReport implements GET /api/baitline/sessions/{session_id}/report.
func (d *Dependencies) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "report store not configured"})
		return
	}
	sessionID := r.PathValue("session_id")

	rec, err := d.Store.GetReport(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("report lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "report not found"})
		return
	}

	writeJSON(w, http.StatusOK, ReportResp{
		SessionID:     rec.SessionID,
		ReportID:      rec.ReportID,
		ScamCategory:  rec.ScamCategory,
		FinalizeCause: rec.FinalizeCause,
		Emergency:     rec.Emergency,
		Turns:         rec.Turns,
		CreatedAt:     rec.CreatedAt,
		Report:        rec.Payload,
	})
}

// handleListReports implements GET /api/baitline/reports?limit=N.
func (d *Dependencies) handleListReports(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "report store not configured"})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must be 1-500"})
			return
		}
		limit = n
	}

	recs, err := d.Store.ListReports(r.Context(), limit)
	if err != nil {
		d.Logger.Error("report list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	out := make([]ReportResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ReportResp{
			SessionID:     rec.SessionID,
			ReportID:      rec.ReportID,
			ScamCategory:  rec.ScamCategory,
			FinalizeCause: rec.FinalizeCause,
			Emergency:     rec.Emergency,
			Turns:         rec.Turns,
			CreatedAt:     rec.CreatedAt,
			Report:        rec.Payload,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
