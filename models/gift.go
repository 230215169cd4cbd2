package models

import (
	"github.com/shopspring/decimal"
)

// Gift is the catalog metadata of a tracked gift entry. Presence only needs
// the owner for redaction; name, url and price feed the admin dashboard.
type Gift struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	URL     string          `json:"url"`
	Price   decimal.Decimal `json:"price"`
	OwnerID string          `json:"owner"`
}
