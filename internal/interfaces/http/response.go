package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"ledgersync/internal/domain/banksync"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeSyncError maps a pipeline error to its HTTP status. Messages are fixed
// per kind so aggregator payloads and ciphertext never reach the client.
func writeSyncError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := banksync.KindOf(err)

	var (
		status  int
		message string
	)
	switch kind {
	case banksync.KindItemNotFound:
		status, message = http.StatusNotFound, "linked item not found"
	case banksync.KindItemInactive:
		status, message = http.StatusConflict, "linked item is inactive"
	case banksync.KindSyncInProgress:
		status, message = http.StatusConflict, "a sync is already running for this item"
	case banksync.KindCredentialTampered:
		status, message = http.StatusUnprocessableEntity, "stored credential is unusable; relink the institution"
	case banksync.KindPermanentAggregator:
		status, message = http.StatusUnprocessableEntity, permanentMessage(err)
	case banksync.KindReconciliation:
		status, message = http.StatusBadGateway, "sync could not be applied; it will be retried"
	case banksync.KindTransientAggregator:
		status, message = http.StatusServiceUnavailable, "bank data provider unavailable; try again later"
	default:
		kind = banksync.KindInternal
		status, message = http.StatusInternalServerError, "internal error"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind, "error", err)
	} else {
		logger.Warn("request rejected", "kind", kind, "error", err)
	}
	writeError(w, status, string(kind), message)
}

func permanentMessage(err error) string {
	var permanent *banksync.PermanentAggregatorError
	if errors.As(err, &permanent) && permanent.Code != "" {
		return "bank data provider rejected the request: " + permanent.Code
	}
	return "bank data provider rejected the request"
}
