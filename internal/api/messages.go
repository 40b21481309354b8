package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/baitline-ai/baitline/internal/engage"
)

// maxMessageBytes bounds a single inbound message.
const maxMessageBytes = 16 * 1024

// handleMessage implements POST /v1/baitline/messages.
// Auth middleware has already validated the Bearer token.
func (d *Dependencies) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "message is required"})
		return
	}
	if len(req.Message) > maxMessageBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "message too large"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = engage.NewSessionID()
	}

	res, err := d.Engine.ProcessMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		d.Logger.Error("turn processing failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{
		SessionID:         res.SessionID,
		Turn:              res.Turn,
		State:             res.State,
		Posture:           res.Posture,
		Reply:             res.Reply,
		Suspicion:         res.Suspicion,
		InjectionDetected: res.InjectionDetected,
		NewIndicators:     res.NewIndicators,
		IndicatorCount:    res.IndicatorCount,
		Finalized:         res.Finalized,
		Cause:             res.Cause,
		Dropped:           res.Dropped,
	})
}
