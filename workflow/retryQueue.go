package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sprayworks/foam_backend/metrics"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

type RetryEnqueueInput struct {
	OrganizationId string                `json:"organization_id" validate:"required"`
	TargetTable    string                `json:"target_table" validate:"required"`
	Operation      models.RetryOperation `json:"operation" validate:"required"`
	Payload        json.RawMessage       `json:"payload" validate:"required"`
	ConflictKey    string                `json:"conflict_key" validate:"omitempty,oneof=id name"`
	MaxAttempts    int                   `json:"max_attempts" validate:"omitempty,min=1,max=20"`
	IdempotencyKey string                `json:"idempotency_key" validate:"omitempty,max=128"`
	DelaySeconds   int                   `json:"delay_seconds" validate:"omitempty,min=0,max=86400"`
}

// RetryBackoff is the delay before the next replay after priorAttempts failed
// replays: 10s, 20s, 40s, ...
func RetryBackoff(priorAttempts int) time.Duration {
	if priorAttempts < 0 {
		priorAttempts = 0
	}
	if priorAttempts > 20 {
		priorAttempts = 20
	}
	return models.MinRetryDelay << uint(priorAttempts)
}

// EnqueueRetry stores a failed client write for server-side replay.
// The entry is never due earlier than MinRetryDelay from now. With an idempotency
// key, a repeated enqueue returns the existing entry and created=false.
func EnqueueRetry(ctx context.Context, db *gorm.DB, in RetryEnqueueInput, now time.Time) (*models.RetryQueueEntry, bool, error) {
	if err := utils.ValidateStruct(&in); err != nil {
		return nil, false, err
	}
	if err := CheckWriteTarget(in.TargetTable, in.Operation); err != nil {
		return nil, false, utils.NewValidationError("target_table", "oneof")
	}
	if !json.Valid(in.Payload) {
		return nil, false, utils.NewValidationError("payload", "json")
	}

	delay := time.Duration(in.DelaySeconds) * time.Second
	if delay < models.MinRetryDelay {
		delay = models.MinRetryDelay
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultRetryMaxAttempts
	}
	conflictKey := in.ConflictKey
	if conflictKey == "" {
		conflictKey = "id"
	}

	entry := models.RetryQueueEntry{
		OrganizationId: in.OrganizationId,
		TargetTable:    in.TargetTable,
		Operation:      in.Operation,
		Payload:        models.RawJSON(in.Payload),
		ConflictKey:    conflictKey,
		Status:         models.RetryStatusPending,
		MaxAttempts:    maxAttempts,
		NextRetryAt:    now.UTC().Add(delay),
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		entry.IdempotencyKey = &key
	}

	err := db.WithContext(ctx).Create(&entry).Error
	if err == nil {
		metrics.RetryQueueEnqueuedCounter.WithLabelValues(in.TargetTable).Inc()
		return &entry, true, nil
	}
	if entry.IdempotencyKey == nil || !utils.IsDuplicateKeyErr(err) {
		return nil, false, err
	}
	var existing models.RetryQueueEntry
	if err := db.WithContext(ctx).
		Where("organization_id = ? AND idempotency_key = ?", in.OrganizationId, *entry.IdempotencyKey).
		Take(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

type CleanupResult struct {
	CompletedPurged int64 `json:"completed_purged"`
	FailedPurged    int64 `json:"failed_purged"`
	FailedArchived  int   `json:"failed_archived"`
	// WritesForgotten counts applied write ids dropped with the history they guarded.
	WritesForgotten int64 `json:"writes_forgotten"`
}

// RetentionCutoff is the newest finished_at that cleanup purges. Rows finished
// exactly at the cutoff are purged.
func RetentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// RetryQueueArchiver receives failed entries before cleanup deletes them.
type RetryQueueArchiver interface {
	ArchiveFailed(ctx context.Context, entries []models.RetryQueueEntry) error
}

const cleanupBatchSize = 500

// CleanupRetryQueue removes completed entries older than retentionDays and failed
// entries older than failedRetentionDays. When archiver is set, failed entries are
// archived first and a failed archive leaves them in place.
func CleanupRetryQueue(ctx context.Context, db *gorm.DB, now time.Time, retentionDays, failedRetentionDays int, archiver RetryQueueArchiver) (out CleanupResult, err error) {
	defer func() {
		metrics.RetryQueuePurgedCounter.WithLabelValues(string(models.RetryStatusCompleted)).Add(float64(out.CompletedPurged))
		metrics.RetryQueuePurgedCounter.WithLabelValues(string(models.RetryStatusFailed)).Add(float64(out.FailedPurged))
	}()
	if retentionDays < 0 {
		return out, utils.NewValidationError("retention_days", "min")
	}
	if failedRetentionDays < 0 {
		return out, utils.NewValidationError("failed_retention_days", "min")
	}
	db = db.WithContext(ctx)

	res := db.Where("status = ? AND finished_at IS NOT NULL AND finished_at <= ?",
		models.RetryStatusCompleted, RetentionCutoff(now, retentionDays)).
		Delete(&models.RetryQueueEntry{})
	if res.Error != nil {
		return out, res.Error
	}
	out.CompletedPurged = res.RowsAffected

	failedCutoff := RetentionCutoff(now, failedRetentionDays)
	if out.WritesForgotten, err = purgeAppliedWrites(db, RetentionCutoff(now, max(retentionDays, failedRetentionDays))); err != nil {
		return out, err
	}
	if archiver == nil {
		res := db.Where("status = ? AND finished_at IS NOT NULL AND finished_at <= ?",
			models.RetryStatusFailed, failedCutoff).
			Delete(&models.RetryQueueEntry{})
		if res.Error != nil {
			return out, res.Error
		}
		out.FailedPurged = res.RowsAffected
		return out, nil
	}

	for {
		var batch []models.RetryQueueEntry
		err = db.Where("status = ? AND finished_at IS NOT NULL AND finished_at <= ?",
			models.RetryStatusFailed, failedCutoff).
			Order("id ASC").
			Limit(cleanupBatchSize).
			Find(&batch).Error
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		if err := archiver.ArchiveFailed(ctx, batch); err != nil {
			return out, fmt.Errorf("archive failed retry entries: %w", err)
		}
		out.FailedArchived += len(batch)

		ids := make([]int, 0, len(batch))
		for _, e := range batch {
			ids = append(ids, e.ID)
		}
		res := db.Where("id IN ?", ids).Delete(&models.RetryQueueEntry{})
		if res.Error != nil {
			return out, res.Error
		}
		out.FailedPurged += res.RowsAffected
		if len(batch) < cleanupBatchSize {
			return out, nil
		}
	}
}

// ListRetryEntries returns an organization's entries, newest first, optionally filtered by status.
func ListRetryEntries(ctx context.Context, db *gorm.DB, orgID string, status models.RetryStatus, limit int) ([]models.RetryQueueEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).Where("organization_id = ?", orgID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.RetryQueueEntry
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func lastErrorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return &msg
}

var errMaxAttempts = errors.New("max attempts exceeded")
