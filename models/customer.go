package models

import "time"

type Customer struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OrganizationId string    `gorm:"index;size:36;not null" json:"organization_id"`
	Name           string    `gorm:"size:255;not null" json:"name" validate:"required,max=255"`
	Email          string    `gorm:"size:255" json:"email" validate:"omitempty,email"`
	Phone          string    `gorm:"size:32" json:"phone"`
	Address        string    `gorm:"type:text" json:"address"`
	Notes          string    `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type EquipmentStatus string

const (
	EquipmentAvailable   EquipmentStatus = "Available"
	EquipmentInUse       EquipmentStatus = "In Use"
	EquipmentMaintenance EquipmentStatus = "Maintenance"
)

type Equipment struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	OrganizationId string          `gorm:"index;size:36;not null" json:"organization_id"`
	Name           string          `gorm:"size:255;not null" json:"name" validate:"required,max=255"`
	Status         EquipmentStatus `gorm:"size:20;not null;default:Available" json:"status" validate:"omitempty,oneof=Available 'In Use' Maintenance"`
	Notes          string          `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Equipment) TableName() string { return "equipment" }
