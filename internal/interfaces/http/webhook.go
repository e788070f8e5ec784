package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"ledgersync/internal/domain/banksync"
)

// VerificationHeader carries the aggregator's signed JWT.
const VerificationHeader = "Plaid-Verification"

// WebhookIngestor verifies and dispatches one delivery.
type WebhookIngestor interface {
	Handle(ctx context.Context, signedJWT string, body []byte) (banksync.WebhookOutcome, error)
}

type WebhookHandler struct {
	ingestor WebhookIngestor
	logger   *slog.Logger
}

func NewWebhookHandler(ingestor WebhookIngestor, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{ingestor: ingestor, logger: logger.With("component", "webhook_handler")}
}

type WebhookResponse struct {
	Received bool `json:"received"`
}

// HandleWebhook acknowledges verified deliveries. The raw body is read
// unparsed because the signature covers its exact bytes.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	outcome, err := h.ingestor.Handle(r.Context(), r.Header.Get(VerificationHeader), body)
	if err != nil {
		switch {
		case errors.Is(err, banksync.ErrMalformedWebhook):
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed webhook payload")
		case banksync.KindOf(err) == banksync.KindWebhookVerification:
			writeError(w, http.StatusUnauthorized, string(banksync.KindWebhookVerification), "webhook verification failed")
		case banksync.KindOf(err) == banksync.KindTransientAggregator:
			// the aggregator redelivers on non-2xx
			writeError(w, http.StatusServiceUnavailable, string(banksync.KindTransientAggregator), "verification key unavailable")
		default:
			h.logger.Error("webhook handling failed", "error", err)
			writeError(w, http.StatusInternalServerError, string(banksync.KindInternal), "internal error")
		}
		return
	}

	h.logger.Debug("webhook handled",
		"type", outcome.WebhookType,
		"code", outcome.WebhookCode,
		"action", outcome.Action,
		"item_id", outcome.ItemID)
	writeJSON(w, http.StatusOK, WebhookResponse{Received: true})
}
