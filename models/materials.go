package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// MaterialLine is one consumable on a job: an inventory item reference plus a quantity.
// InventoryItemId may be empty or a client temp id; Name is the fallback key.
type MaterialLine struct {
	InventoryItemId string          `json:"inventory_item_id,omitempty"`
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit,omitempty"`
}

// Materials is a material snapshot: foam sets for both warehouse counters plus
// inventory lines. Used for both estimates and actuals.
type Materials struct {
	OpenCellSets   decimal.Decimal `json:"open_cell_sets"`
	ClosedCellSets decimal.Decimal `json:"closed_cell_sets"`
	Inventory      []MaterialLine  `json:"inventory"`
}

func (m Materials) IsZero() bool {
	if !m.OpenCellSets.IsZero() || !m.ClosedCellSets.IsZero() {
		return false
	}
	for _, l := range m.Inventory {
		if !l.Quantity.IsZero() {
			return false
		}
	}
	return true
}

func (m Materials) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Materials) Scan(src any) error {
	return scanJSON(src, m)
}
