package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/metrics"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errClaimLost = errors.New("retry queue entry no longer claimed by this worker")

type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// DeadLetterPublisher announces entries that reached the failed state.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, entry models.RetryQueueEntry) error
}

// RetryQueueProcessor replays due retry queue entries through Writers.
// Several processors may run at once; claims use SKIP LOCKED so each entry is
// replayed by one of them.
type RetryQueueProcessor struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Writers    *Writers
	DeadLetter DeadLetterPublisher
	WorkerID   string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
	Now          func() time.Time
}

func NewRetryQueueProcessor(db *gorm.DB, logger *logrus.Logger, writers *Writers, settings config.RetryQueueSettings) *RetryQueueProcessor {
	return &RetryQueueProcessor{
		DB:           db,
		Logger:       logger,
		Writers:      writers,
		WorkerID:     "retry-" + uuid.NewString(),
		BatchSize:    settings.BatchSize,
		PollInterval: settings.PollInterval,
		LockTimeout:  settings.LockTimeout,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *RetryQueueProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := p.ProcessBatch(ctx, p.BatchSize)
		if err != nil && ctx.Err() == nil {
			config.LogError(p.Logger, "RetryQueueProcessor", "Run", "process batch", nil, err)
		} else if res.Processed > 0 && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":     "RetryQueueProcessor",
				"worker_id": p.WorkerID,
				"processed": res.Processed,
				"succeeded": res.Succeeded,
				"failed":    res.Failed,
				"retrying":  res.Retrying,
			}).Info("retry queue batch processed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.PollInterval):
		}
	}
}

// ProcessBatch claims up to n due entries and replays each in its own transaction.
func (p *RetryQueueProcessor) ProcessBatch(ctx context.Context, n int) (BatchResult, error) {
	out := BatchResult{}
	if n <= 0 {
		n = p.BatchSize
	}
	if n <= 0 {
		n = 25
	}
	start := time.Now()
	defer metrics.ObserveBatch(start)

	claimed, expired, err := p.claim(ctx, n)
	if err != nil {
		return out, err
	}
	for _, e := range expired {
		out.Processed++
		out.Failed++
		metrics.RetryQueueOutcomeCounter.WithLabelValues(e.TargetTable, "failed").Inc()
		p.publishDeadLetter(ctx, e)
	}
	for _, e := range claimed {
		status := p.replay(ctx, e)
		if status == "" {
			continue
		}
		out.Processed++
		switch status {
		case models.RetryStatusCompleted:
			out.Succeeded++
		case models.RetryStatusFailed:
			out.Failed++
		default:
			out.Retrying++
		}
	}
	return out, nil
}

// claim flips due entries to processing. Stale processing entries that already
// used every attempt are returned separately, already marked failed.
func (p *RetryQueueProcessor) claim(ctx context.Context, n int) ([]models.RetryQueueEntry, []models.RetryQueueEntry, error) {
	now := p.now()
	staleBefore := now.Add(-p.LockTimeout)

	var claimed, expired []models.RetryQueueEntry
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.RetryQueueEntry
		err := tx.
			Where(`
				(status = ? AND next_retry_at <= ?)
				OR
				(status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			`, models.RetryStatusPending, now, models.RetryStatusProcessing, staleBefore).
			Order("next_retry_at ASC, id ASC").
			Limit(n).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			row := rows[i]
			if row.Status == models.RetryStatusProcessing && row.Attempts >= row.MaxAttempts {
				msg := fmt.Sprintf("%s (%d) after stale lock", errMaxAttempts.Error(), row.MaxAttempts)
				if err := tx.Model(&models.RetryQueueEntry{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
					"status":      models.RetryStatusFailed,
					"last_error":  &msg,
					"finished_at": &now,
					"locked_at":   nil,
					"locked_by":   nil,
				}).Error; err != nil {
					return err
				}
				row.Status = models.RetryStatusFailed
				row.LastError = &msg
				row.FinishedAt = &now
				expired = append(expired, row)
				continue
			}

			if err := tx.Model(&models.RetryQueueEntry{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
				"status":    models.RetryStatusProcessing,
				"attempts":  gorm.Expr("attempts + 1"),
				"locked_at": &now,
				"locked_by": &p.WorkerID,
			}).Error; err != nil {
				return err
			}
			row.Status = models.RetryStatusProcessing
			row.Attempts++
			row.LockedAt = &now
			row.LockedBy = &p.WorkerID
			claimed = append(claimed, row)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claimed, expired, nil
}

// replay applies one claimed entry and records the outcome. It returns the new
// status, or "" when another worker took the entry over.
// The write and the completed mark share one transaction that holds the entry
// row lock, so a crash or a stale-lock reclaim cannot apply the write twice.
func (p *RetryQueueProcessor) replay(ctx context.Context, e models.RetryQueueEntry) models.RetryStatus {
	rctx := utils.SystemContext(ctx)
	rctx = utils.SetCorrelationIdInContext(rctx, "retry-"+strconv.Itoa(e.ID))
	req := WriteRequest{
		OrganizationId: e.OrganizationId,
		Table:          e.TargetTable,
		Operation:      e.Operation,
		Payload:        []byte(e.Payload),
		ConflictKey:    e.ConflictKey,
		WriteId:        entryWriteId(e),
	}

	fields := logrus.Fields{
		"field":           "RetryQueueProcessor",
		"entry_id":        e.ID,
		"organization_id": e.OrganizationId,
		"target_table":    e.TargetTable,
		"operation":       e.Operation,
		"attempt":         e.Attempts,
	}

	var res *WriteResult
	err := p.DB.WithContext(rctx).Transaction(func(tx *gorm.DB) error {
		var owned []int
		if err := tx.Model(&models.RetryQueueEntry{}).
			Where("id = ? AND status = ? AND locked_by = ?", e.ID, models.RetryStatusProcessing, p.WorkerID).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Pluck("id", &owned).Error; err != nil {
			return err
		}
		if len(owned) == 0 {
			return errClaimLost
		}
		var err error
		if res, err = p.Writers.ApplyTx(rctx, tx, req); err != nil {
			return err
		}
		now := p.now()
		upd := tx.Model(&models.RetryQueueEntry{}).
			Where("id = ? AND locked_by = ?", e.ID, p.WorkerID).
			Updates(map[string]interface{}{
				"status":      models.RetryStatusCompleted,
				"last_error":  nil,
				"finished_at": &now,
				"locked_at":   nil,
				"locked_by":   nil,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return errClaimLost
		}
		return nil
	})

	if errors.Is(err, errClaimLost) {
		if p.Logger != nil {
			p.Logger.WithFields(fields).Warn("retry queue entry claimed by another worker")
		}
		return ""
	}
	if err == nil {
		p.Writers.Notify(rctx, req, res)
		metrics.RetryQueueOutcomeCounter.WithLabelValues(e.TargetTable, "completed").Inc()
		return models.RetryStatusCompleted
	}

	now := p.now()
	permanent := IsPermanentWriteErr(err)
	if permanent || e.Attempts >= e.MaxAttempts {
		if !p.finish(ctx, e.ID, map[string]interface{}{
			"status":      models.RetryStatusFailed,
			"last_error":  lastErrorText(err),
			"finished_at": &now,
			"locked_at":   nil,
			"locked_by":   nil,
		}) {
			return ""
		}
		metrics.RetryQueueOutcomeCounter.WithLabelValues(e.TargetTable, "failed").Inc()
		if p.Logger != nil {
			fields["permanent"] = permanent
			p.Logger.WithFields(fields).Error("retry queue entry failed: " + err.Error())
		}
		e.Status = models.RetryStatusFailed
		e.LastError = lastErrorText(err)
		e.FinishedAt = &now
		p.publishDeadLetter(ctx, e)
		return models.RetryStatusFailed
	}

	next := now.Add(RetryBackoff(e.Attempts - 1))
	if !p.finish(ctx, e.ID, map[string]interface{}{
		"status":        models.RetryStatusPending,
		"last_error":    lastErrorText(err),
		"next_retry_at": next,
		"locked_at":     nil,
		"locked_by":     nil,
	}) {
		return ""
	}
	metrics.RetryQueueOutcomeCounter.WithLabelValues(e.TargetTable, "retrying").Inc()
	if p.Logger != nil {
		fields["next_retry_at"] = next.Format(time.RFC3339Nano)
		p.Logger.WithFields(fields).Warn("retry queue entry will be retried: " + err.Error())
	}
	return models.RetryStatusPending
}

// finish records a failed attempt. It reports false when the entry is no
// longer locked by this worker.
func (p *RetryQueueProcessor) finish(ctx context.Context, id int, updates map[string]interface{}) bool {
	res := p.DB.WithContext(ctx).Model(&models.RetryQueueEntry{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, models.RetryStatusProcessing, p.WorkerID).
		Updates(updates)
	if res.Error != nil {
		config.LogError(p.Logger, "RetryQueueProcessor", "finish", "update entry", id, res.Error)
		return false
	}
	return res.RowsAffected > 0
}

// entryWriteId is the write id a replay records. Entries enqueued without an
// idempotency key fall back to one derived from the entry id.
func entryWriteId(e models.RetryQueueEntry) string {
	if e.IdempotencyKey != nil && *e.IdempotencyKey != "" {
		return *e.IdempotencyKey
	}
	return "retry-queue-" + strconv.Itoa(e.ID)
}

func (p *RetryQueueProcessor) publishDeadLetter(ctx context.Context, e models.RetryQueueEntry) {
	if p.DeadLetter == nil {
		return
	}
	if err := p.DeadLetter.PublishDeadLetter(ctx, e); err != nil {
		config.LogError(p.Logger, "RetryQueueProcessor", "publishDeadLetter", "publish", e.ID, err)
	}
}

func (p *RetryQueueProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
