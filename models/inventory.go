package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InventoryItem is a consumable stock line. Quantity is signed: reconciliation
// may take it below zero and the shortfall stays visible.
type InventoryItem struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	OrganizationId string          `gorm:"index:idx_inventory_org_name,priority:1;size:36;not null" json:"organization_id"`
	Name           string          `gorm:"size:255;not null" json:"name" validate:"required,max=255"`
	NameKey        string          `gorm:"index:idx_inventory_org_name,priority:2;size:255;not null" json:"-"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
	Unit           string          `gorm:"size:32" json:"unit"`
	UnitCost       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"unit_cost"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// WarehouseStock holds the two foam counters of an organization.
type WarehouseStock struct {
	OrganizationId string          `gorm:"primaryKey;size:36" json:"organization_id"`
	OpenCellSets   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"open_cell_sets"`
	ClosedCellSets decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"closed_cell_sets"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// FirstOrCreateWarehouseStock returns the organization's counter row, creating it
// at zero when missing. The row is locked for the rest of tx.
func FirstOrCreateWarehouseStock(tx *gorm.DB, orgID string) (*WarehouseStock, error) {
	ws := WarehouseStock{OrganizationId: orgID}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ?", orgID).
		FirstOrCreate(&ws).Error
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// AddWarehouseStock increments both counters in one statement. Zero deltas write nothing.
func AddWarehouseStock(tx *gorm.DB, orgID string, openCell, closedCell decimal.Decimal) error {
	if openCell.IsZero() && closedCell.IsZero() {
		return nil
	}
	if _, err := FirstOrCreateWarehouseStock(tx, orgID); err != nil {
		return err
	}
	return tx.Exec(
		"UPDATE warehouse_stocks SET open_cell_sets = open_cell_sets + ?, closed_cell_sets = closed_cell_sets + ?, updated_at = ? WHERE organization_id = ?",
		openCell, closedCell, time.Now().UTC(), orgID,
	).Error
}

// AddInventoryQuantity increments one item's quantity. It reports whether the row exists.
func AddInventoryQuantity(tx *gorm.DB, orgID, itemID string, delta decimal.Decimal) (bool, error) {
	if delta.IsZero() {
		return true, nil
	}
	res := tx.Exec(
		"UPDATE inventory_items SET quantity = quantity + ?, updated_at = ? WHERE organization_id = ? AND id = ?",
		delta, time.Now().UTC(), orgID, itemID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func GetWarehouseStock(ctx context.Context, db *gorm.DB, orgID string) (*WarehouseStock, error) {
	var ws WarehouseStock
	err := db.WithContext(ctx).Where("organization_id = ?", orgID).Limit(1).Find(&ws).Error
	if err != nil {
		return nil, err
	}
	if ws.OrganizationId == "" {
		ws.OrganizationId = orgID
	}
	return &ws, nil
}
