package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/shared/middleware"
)

type Importer interface {
	Import(ctx context.Context, userID int64, items []transaction.ImportItem) (*transaction.ImportResult, error)
}

type ImportHandler struct {
	importer Importer
	logger   *slog.Logger
}

func NewImportHandler(importer Importer, logger *slog.Logger) *ImportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportHandler{importer: importer, logger: logger.With("component", "import_handler")}
}

type ImportRequest struct {
	Transactions []transaction.ImportItem `json:"transactions" validate:"required,min=1,max=1000,dive"`
}

// HandleImport inserts manually entered transactions, skipping likely
// duplicates of the caller's recent history.
func (h *ImportHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req ImportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.importer.Import(r.Context(), userID, req.Transactions)
	if err != nil {
		if errors.Is(err, transaction.ErrEmptyImport) || errors.Is(err, transaction.ErrUnknownAccount) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.Error("import failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to import transactions")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
