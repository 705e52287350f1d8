package models

import "time"

type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "pending"
	RetryStatusProcessing RetryStatus = "processing"
	RetryStatusCompleted  RetryStatus = "completed"
	RetryStatusFailed     RetryStatus = "failed"
)

type RetryOperation string

const (
	RetryOperationUpsert RetryOperation = "upsert"
	RetryOperationUpdate RetryOperation = "update"
	RetryOperationInsert RetryOperation = "insert"
	RetryOperationDelete RetryOperation = "delete"
)

func (o RetryOperation) IsValid() bool {
	switch o {
	case RetryOperationUpsert, RetryOperationUpdate, RetryOperationInsert, RetryOperationDelete:
		return true
	}
	return false
}

const (
	DefaultRetryMaxAttempts = 5
	// MinRetryDelay is the earliest an enqueued entry becomes due.
	MinRetryDelay = 10 * time.Second
)

// RetryQueueEntry is a write that failed on the client and is replayed server-side.
type RetryQueueEntry struct {
	ID             int            `gorm:"primary_key" json:"id"`
	OrganizationId string         `gorm:"index;uniqueIndex:idx_retry_org_idem,priority:1;size:36;not null" json:"organization_id"`
	IdempotencyKey *string        `gorm:"uniqueIndex:idx_retry_org_idem,priority:2;size:128" json:"idempotency_key,omitempty"`
	TargetTable    string         `gorm:"size:64;not null" json:"target_table"`
	Operation      RetryOperation `gorm:"size:16;not null" json:"operation"`
	Payload        RawJSON        `gorm:"type:json" json:"payload"`
	ConflictKey    string         `gorm:"size:64;not null;default:id" json:"conflict_key"`
	Status         RetryStatus    `gorm:"size:16;not null;default:pending;index:idx_retry_due,priority:1" json:"status"`
	Attempts       int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"not null;default:5" json:"max_attempts"`
	NextRetryAt    time.Time      `gorm:"not null;index:idx_retry_due,priority:2" json:"next_retry_at"`
	LastError      *string        `gorm:"type:text" json:"last_error"`
	LockedAt       *time.Time     `json:"locked_at"`
	LockedBy       *string        `gorm:"size:64" json:"locked_by"`
	FinishedAt     *time.Time     `gorm:"index" json:"finished_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
