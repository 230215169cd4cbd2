package handlers

import (
	"errors"
	"net/http"

	"gift-presence/internal/status"
	"gift-presence/services"
	"gift-presence/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// PresenceHandler exposes the presence operations to the transport gateway.
// The gateway owns the sockets; it calls join/leave/heartbeat on behalf of a
// validated (gift, user, connection) triple and the disconnect hook when a
// socket closes.
type PresenceHandler struct {
	app         *pocketbase.PocketBase
	coordinator *services.PresenceCoordinator
}

func NewPresenceHandler(app *pocketbase.PocketBase, coordinator *services.PresenceCoordinator) *PresenceHandler {
	return &PresenceHandler{
		app:         app,
		coordinator: coordinator,
	}
}

type presenceRequest struct {
	GiftID       string `json:"gift_id"`
	ConnectionID string `json:"connection_id"`
}

func (h *PresenceHandler) bindPresenceRequest(e *core.RequestEvent) (*presenceRequest, error) {
	var req presenceRequest
	if err := e.BindBody(&req); err != nil {
		return nil, apis.NewBadRequestError("Invalid request", err)
	}
	if req.GiftID == "" {
		return nil, apis.NewBadRequestError("gift_id is required", nil)
	}
	if !utils.IsValidConnectionID(req.ConnectionID) {
		return nil, apis.NewBadRequestError("Invalid connection_id", nil)
	}
	return &req, nil
}

// Join starts viewing a gift and returns the occupancy snapshot, redacted for
// the caller.
func (h *PresenceHandler) Join(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	req, err := h.bindPresenceRequest(e)
	if err != nil {
		return err
	}

	snapshot, err := h.coordinator.Join(e.Request.Context(), req.GiftID, e.Auth.Id, req.ConnectionID)
	if err != nil {
		return mapPresenceError(err)
	}

	return e.JSON(http.StatusOK, snapshot)
}

// Heartbeat keeps the session alive. A 404 here means the session expired or
// never existed; the client must join again.
func (h *PresenceHandler) Heartbeat(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	req, err := h.bindPresenceRequest(e)
	if err != nil {
		return err
	}

	if err := h.coordinator.Heartbeat(e.Request.Context(), req.GiftID, e.Auth.Id); err != nil {
		return mapPresenceError(err)
	}

	return e.NoContent(http.StatusNoContent)
}

// Leave ends viewing a gift. Leaving a gift the user is not viewing succeeds
// silently.
func (h *PresenceHandler) Leave(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	req, err := h.bindPresenceRequest(e)
	if err != nil {
		return err
	}

	if err := h.coordinator.Leave(e.Request.Context(), req.GiftID, e.Auth.Id, req.ConnectionID); err != nil {
		return mapPresenceError(err)
	}

	return e.NoContent(http.StatusNoContent)
}

// Disconnect is the gateway hook for a closed socket: every gift the
// connection had joined is left on its behalf.
func (h *PresenceHandler) Disconnect(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !utils.IsValidConnectionID(req.ConnectionID) {
		return apis.NewBadRequestError("Invalid connection_id", nil)
	}

	if err := h.coordinator.OnDisconnect(e.Request.Context(), req.ConnectionID); err != nil {
		return mapPresenceError(err)
	}

	return e.NoContent(http.StatusNoContent)
}

// Snapshot returns the current occupancy of a gift, redacted for the caller.
func (h *PresenceHandler) Snapshot(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	giftID := e.Request.PathValue("giftId")
	if giftID == "" {
		return apis.NewBadRequestError("Gift ID required", nil)
	}

	snapshot, err := h.coordinator.Snapshot(e.Request.Context(), giftID, e.Auth.Id)
	if err != nil {
		return mapPresenceError(err)
	}

	return e.JSON(http.StatusOK, snapshot)
}

func mapPresenceError(err error) error {
	switch {
	case errors.Is(err, status.ErrUnknownResource):
		return apis.NewNotFoundError("Gift not found", err)
	case errors.Is(err, status.ErrNotTracked):
		return apis.NewNotFoundError("No live session for this gift; join again", err)
	case errors.Is(err, status.ErrStoreUnavailable):
		return apis.NewApiError(http.StatusServiceUnavailable, "Presence temporarily unavailable", err)
	default:
		return apis.NewBadRequestError("Presence operation failed", err)
	}
}
