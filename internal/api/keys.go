package api

import (
	"database/sql"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// handleCreateKey implements POST /api/baitline/keys.
// The plaintext key appears in the response once and is never stored.
func (d *Dependencies) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "key store not configured"})
		return
	}

	var req CreateKeyReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	key, plaintext, err := d.Store.CreateAPIKey(r.Context(), req.Name)
	if err != nil {
		d.Logger.Error("key creation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}

	writeJSON(w, http.StatusCreated, CreateKeyResp{
		ID:        key.ID,
		Name:      key.Name,
		APIKey:    plaintext,
		KeyPrefix: key.KeyPrefix,
		CreatedAt: key.CreatedAt,
	})
}

// handleRevokeKey implements DELETE /api/baitline/keys/{key_id}.
func (d *Dependencies) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Detail: "key store not configured"})
		return
	}
	keyID := r.PathValue("key_id")

	err := d.Store.RevokeAPIKey(r.Context(), keyID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "key not found"})
		return
	}
	if err != nil {
		d.Logger.Error("key revocation failed", zap.String("key_id", keyID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
