package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gift-presence/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

const giftsCollection = "gifts"

// PocketBaseCatalog reads gift records from the app database. Presence
// consults it once at join time for existence and per delivered snapshot for
// ownership.
type PocketBaseCatalog struct {
	app core.App
}

func NewPocketBaseCatalog(app core.App) *PocketBaseCatalog {
	return &PocketBaseCatalog{app: app}
}

func (c *PocketBaseCatalog) Exists(_ context.Context, giftID string) (bool, error) {
	record := &core.Record{}
	err := c.app.RecordQuery(giftsCollection).
		AndWhere(dbx.HashExp{"id": giftID}).
		Limit(1).
		One(record)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gift lookup %s: %w", giftID, err)
	}
	return true, nil
}

func (c *PocketBaseCatalog) IsOwner(_ context.Context, userID, giftID string) (bool, error) {
	record, err := c.app.FindRecordById(giftsCollection, giftID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("gift lookup %s: %w", giftID, err)
	}
	return record.GetString("owner") == userID, nil
}

func (c *PocketBaseCatalog) Metadata(_ context.Context, giftID string) (*models.Gift, error) {
	record, err := c.app.FindRecordById(giftsCollection, giftID)
	if err != nil {
		return nil, fmt.Errorf("gift lookup %s: %w", giftID, err)
	}

	return &models.Gift{
		ID:      record.Id,
		Name:    record.GetString("name"),
		URL:     record.GetString("url"),
		Price:   decimal.NewFromFloat(record.GetFloat("price")),
		OwnerID: record.GetString("owner"),
	}, nil
}
