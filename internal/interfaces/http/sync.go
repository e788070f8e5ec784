package http

import (
	"context"
	"log/slog"
	"net/http"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/shared/middleware"
)

// ManualSyncer runs a pass inline for the caller.
type ManualSyncer interface {
	SyncNow(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error)
}

type SyncHandler struct {
	syncer ManualSyncer
	logger *slog.Logger
}

func NewSyncHandler(syncer ManualSyncer, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{syncer: syncer, logger: logger.With("component", "sync_handler")}
}

type ManualSyncRequest struct {
	ItemID string  `json:"itemId" validate:"required,uuid"`
	Cursor *string `json:"cursor,omitempty" validate:"omitempty,notblank"`
}

type ManualSyncResponse struct {
	AccountsSynced int `json:"accountsSynced"`
	Added          int `json:"added"`
	Modified       int `json:"modified"`
	Removed        int `json:"removed"`
}

// HandleManualSync runs one sync pass for an item the caller owns and
// returns its summary.
func (h *SyncHandler) HandleManualSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req ManualSyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.syncer.SyncNow(r.Context(), banksync.SyncRequest{
		ItemID:  req.ItemID,
		UserID:  userID,
		Cursor:  req.Cursor,
		Trigger: "manual",
	})
	if err != nil {
		writeSyncError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ManualSyncResponse{
		AccountsSynced: result.AccountsSynced,
		Added:          result.Added,
		Modified:       result.Modified,
		Removed:        result.Removed,
	})
}
