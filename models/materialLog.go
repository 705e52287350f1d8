package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MaterialLogSource string

const (
	MaterialLogSourceEstimate       MaterialLogSource = "estimate"
	MaterialLogSourceEstimateChange MaterialLogSource = "estimate_change"
	MaterialLogSourceReconcile      MaterialLogSource = "reconcile"
)

// AppliedLine is one inventory delta that was written to a row.
type AppliedLine struct {
	InventoryItemId string          `json:"inventory_item_id"`
	Name            string          `json:"name"`
	Delta           decimal.Decimal `json:"delta"`
}

// MaterialLog records every stock movement caused by a job.
type MaterialLog struct {
	ID              int                   `gorm:"primary_key" json:"id"`
	OrganizationId  string                `gorm:"index;size:36;not null" json:"organization_id"`
	JobId           string                `gorm:"index;size:36;not null" json:"job_id"`
	Source          MaterialLogSource     `gorm:"size:20;not null" json:"source"`
	OpenCellDelta   decimal.Decimal       `gorm:"type:decimal(20,4);not null;default:0" json:"open_cell_delta"`
	ClosedCellDelta decimal.Decimal       `gorm:"type:decimal(20,4);not null;default:0" json:"closed_cell_delta"`
	Items           JSONList[AppliedLine] `gorm:"type:json" json:"items"`
	Unmatched       JSONList[string]      `gorm:"type:json" json:"unmatched"`
	CorrelationId   string                `gorm:"size:64" json:"correlation_id"`
	CreatedAt       time.Time             `gorm:"autoCreateTime" json:"created_at"`
}
