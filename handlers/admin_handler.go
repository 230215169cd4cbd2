package handlers

import (
	"net/http"

	"gift-presence/config"
	"gift-presence/services"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/crypto/bcrypt"
)

// AdminHandler is the operator surface: it shows raw presence state including
// viewer identities, so it sits behind an API key instead of user auth.
type AdminHandler struct {
	app     *pocketbase.PocketBase
	store   services.PresenceStore
	catalog services.GiftCatalog
	config  *config.Config
}

func NewAdminHandler(app *pocketbase.PocketBase, store services.PresenceStore, catalog services.GiftCatalog, cfg *config.Config) *AdminHandler {
	return &AdminHandler{
		app:     app,
		store:   store,
		catalog: catalog,
		config:  cfg,
	}
}

func (h *AdminHandler) requireAdminKey(e *core.RequestEvent) error {
	if h.config.AdminAPIKeyHash == "" {
		return apis.NewForbiddenError("Admin access not configured", nil)
	}

	key := e.Request.Header.Get("X-Admin-Key")
	if key == "" {
		return apis.NewUnauthorizedError("Admin key required", nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.config.AdminAPIKeyHash), []byte(key)); err != nil {
		return apis.NewForbiddenError("Invalid admin key", nil)
	}
	return nil
}

// GetPresenceDashboard lists every occupied gift with its viewer count and
// catalog metadata.
func (h *AdminHandler) GetPresenceDashboard(e *core.RequestEvent) error {
	if err := h.requireAdminKey(e); err != nil {
		return err
	}

	ctx := e.Request.Context()
	giftIDs, err := h.store.OccupiedGifts(ctx)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Presence store unavailable", err)
	}

	entries := make([]map[string]any, 0, len(giftIDs))
	totalViewers := 0
	for _, giftID := range giftIDs {
		sessions, version, err := h.store.Sessions(ctx, giftID)
		if err != nil {
			continue
		}
		totalViewers += len(sessions)

		entry := map[string]any{
			"gift_id":      giftID,
			"viewer_count": len(sessions),
			"version":      version,
		}
		if gift, err := h.catalog.Metadata(ctx, giftID); err == nil {
			entry["name"] = gift.Name
			entry["price"] = gift.Price
			entry["owner"] = gift.OwnerID
		}
		entries = append(entries, entry)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"occupied_gifts": len(giftIDs),
		"total_viewers":  totalViewers,
		"gifts":          entries,
	})
}

// GetPresenceDetails dumps the live sessions of one gift, identities included.
func (h *AdminHandler) GetPresenceDetails(e *core.RequestEvent) error {
	if err := h.requireAdminKey(e); err != nil {
		return err
	}

	giftID := e.Request.URL.Query().Get("gift_id")
	if giftID == "" {
		return apis.NewBadRequestError("Gift ID required", nil)
	}

	sessions, version, err := h.store.Sessions(e.Request.Context(), giftID)
	if err != nil {
		return apis.NewApiError(http.StatusServiceUnavailable, "Presence store unavailable", err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"gift_id":  giftID,
		"version":  version,
		"sessions": sessions,
	})
}
