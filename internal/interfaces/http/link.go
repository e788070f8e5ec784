package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/shared/middleware"
)

// LinkService is the connection lifecycle the link and item routes need.
type LinkService interface {
	CreateLinkSession(ctx context.Context, userID int64) (*banksync.LinkSession, error)
	Link(ctx context.Context, userID int64, publicToken string) (*banksync.LinkedItem, error)
	GetItem(ctx context.Context, userID int64, itemID string) (*banksync.LinkedItem, error)
	Deactivate(ctx context.Context, userID int64, itemID string) (*banksync.LinkedItem, error)
}

type LinkHandler struct {
	links  LinkService
	logger *slog.Logger
}

func NewLinkHandler(links LinkService, logger *slog.Logger) *LinkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkHandler{links: links, logger: logger.With("component", "link_handler")}
}

type ExchangeRequest struct {
	PublicToken string `json:"publicToken" validate:"required,notblank"`
}

type ExchangeResponse struct {
	ItemID string `json:"itemId"`
}

type ItemResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	LastErrorKind    *string    `json:"lastErrorKind,omitempty"`
	LastErrorMessage *string    `json:"lastErrorMessage,omitempty"`
	LastErrorAt      *time.Time `json:"lastErrorAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func toItemResponse(item *banksync.LinkedItem) ItemResponse {
	return ItemResponse{
		ID:               item.ID,
		Status:           string(item.Status),
		LastSyncedAt:     item.LastSyncedAt,
		LastErrorKind:    item.LastErrorKind,
		LastErrorMessage: item.LastErrorMessage,
		LastErrorAt:      item.LastErrorAt,
		CreatedAt:        item.CreatedAt,
	}
}

// HandleCreateSession opens a link session for the caller.
func (h *LinkHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	session, err := h.links.CreateLinkSession(r.Context(), userID)
	if err != nil {
		writeSyncError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleExchange stores the new connection and returns once the first sync
// is queued.
func (h *LinkHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req ExchangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	item, err := h.links.Link(r.Context(), userID, req.PublicToken)
	if err != nil {
		if errors.Is(err, banksync.ErrMissingPublicToken) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeSyncError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ExchangeResponse{ItemID: item.ID})
}

// HandleGetItem reports an item's status for polling after a link.
func (h *LinkHandler) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	item, err := h.links.GetItem(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeSyncError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *LinkHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	item, err := h.links.Deactivate(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeSyncError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}
