package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

type Organization struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	Name        string      `gorm:"size:255;uniqueIndex;not null" json:"name"`
	CrewPinHash string      `gorm:"size:100" json:"-"`
	Settings    OrgSettings `gorm:"type:json" json:"settings"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type Pricing struct {
	OpenCellPricePerSet   decimal.Decimal `json:"open_cell_price_per_set"`
	ClosedCellPricePerSet decimal.Decimal `json:"closed_cell_price_per_set"`
	LaborRatePerHour      decimal.Decimal `json:"labor_rate_per_hour"`
	TaxRate               decimal.Decimal `json:"tax_rate"`
}

// DocumentCounters are the next numbers handed out for estimates and invoices.
type DocumentCounters struct {
	NextEstimateNumber int `json:"next_estimate_number"`
	NextInvoiceNumber  int `json:"next_invoice_number"`
}

type CompanyProfile struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// OrgSettings is the coordinator-owned, debounced part of organization state.
// Stock counters are not part of it.
type OrgSettings struct {
	Pricing  Pricing          `json:"pricing"`
	Counters DocumentCounters `json:"counters"`
	Company  CompanyProfile   `json:"company"`
}

func (s OrgSettings) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *OrgSettings) Scan(src any) error {
	return scanJSON(src, s)
}

type NewOrganization struct {
	Name     string      `json:"name" validate:"required,max=255"`
	CrewPin  string      `json:"crew_pin" validate:"required,min=4,max=12,numeric"`
	Settings OrgSettings `json:"settings"`
}

func CreateOrganization(ctx context.Context, db *gorm.DB, input *NewOrganization) (*Organization, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	hash, err := utils.HashPassword(input.CrewPin)
	if err != nil {
		return nil, err
	}
	org := Organization{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(input.Name),
		CrewPinHash: string(hash),
		Settings:    input.Settings,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&org).Error; err != nil {
			return err
		}
		return tx.Create(&WarehouseStock{OrganizationId: org.ID}).Error
	})
	if err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, utils.NewValidationError("name", "unique")
		}
		return nil, err
	}
	return &org, nil
}

func GetOrganization(ctx context.Context, db *gorm.DB, orgID string) (*Organization, error) {
	var org Organization
	if err := db.WithContext(ctx).Where("id = ?", orgID).Take(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &org, nil
}

// VerifyCrewPin resolves an organization by name and checks the crew PIN against its hash.
// Unknown name and wrong PIN both return ErrorUnauthorized.
func VerifyCrewPin(ctx context.Context, db *gorm.DB, orgName, pin string) (*Organization, error) {
	var org Organization
	err := db.WithContext(ctx).Where("name = ?", strings.TrimSpace(orgName)).Take(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorUnauthorized
		}
		return nil, err
	}
	if org.CrewPinHash == "" || utils.ComparePassword(org.CrewPinHash, pin) != nil {
		return nil, utils.ErrorUnauthorized
	}
	return &org, nil
}

func UpdateOrganizationSettings(ctx context.Context, db *gorm.DB, orgID string, settings OrgSettings) (*Organization, error) {
	if err := db.WithContext(ctx).Model(&Organization{}).Where("id = ?", orgID).Update("settings", settings).Error; err != nil {
		return nil, err
	}
	// MySQL reports 0 affected rows for an unchanged value, so existence is checked by re-reading.
	return GetOrganization(ctx, db, orgID)
}
