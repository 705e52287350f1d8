package models

import "time"

// AppliedWrite records a client write id once its change has committed, so a
// resend of the same write (lost response, client retry, queue replay) is
// recognized instead of applied twice.
// Unique constraint: (organization_id, write_id).
type AppliedWrite struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:36;not null;uniqueIndex:idx_applied_write,priority:1" json:"organization_id"`
	WriteId        string    `gorm:"size:128;not null;uniqueIndex:idx_applied_write,priority:2" json:"write_id"`
	TargetTable    string    `gorm:"size:64;not null" json:"target_table"`
	EntityId       string    `gorm:"size:36" json:"entity_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
