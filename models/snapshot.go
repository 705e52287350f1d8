package models

import (
	"context"

	"gorm.io/gorm"
)

// OrgSnapshot is the full organization state an admin client pulls.
type OrgSnapshot struct {
	Organization   Organization    `json:"organization"`
	WarehouseStock WarehouseStock  `json:"warehouse_stock"`
	Jobs           []Job           `json:"jobs"`
	Customers      []Customer      `json:"customers"`
	InventoryItems []InventoryItem `json:"inventory_items"`
	Equipment      []Equipment     `json:"equipment"`
}

func GetOrgSnapshot(ctx context.Context, db *gorm.DB, orgID string) (*OrgSnapshot, error) {
	org, err := GetOrganization(ctx, db, orgID)
	if err != nil {
		return nil, err
	}
	snap := OrgSnapshot{Organization: *org}
	ws, err := GetWarehouseStock(ctx, db, orgID)
	if err != nil {
		return nil, err
	}
	snap.WarehouseStock = *ws

	q := db.WithContext(ctx).Where("organization_id = ?", orgID).Session(&gorm.Session{})
	if err := q.Order("updated_at DESC").Find(&snap.Jobs).Error; err != nil {
		return nil, err
	}
	if err := q.Order("name ASC").Find(&snap.Customers).Error; err != nil {
		return nil, err
	}
	if err := q.Order("name ASC").Find(&snap.InventoryItems).Error; err != nil {
		return nil, err
	}
	if err := q.Order("name ASC").Find(&snap.Equipment).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}
