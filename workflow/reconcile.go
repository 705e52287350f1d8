package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/metrics"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("foam_backend/workflow")

type ReconcileInput struct {
	OrganizationId  string                 `json:"organization_id" validate:"required"`
	JobId           string                 `json:"job_id" validate:"required"`
	Actuals         models.Materials       `json:"actuals"`
	ExecutionStatus models.ExecutionStatus `json:"execution_status" validate:"required"`
}

type ReconcileResult struct {
	JobId           string                 `json:"job_id"`
	ExecutionStatus models.ExecutionStatus `json:"execution_status"`
	StockAdjusted   bool                   `json:"stock_adjusted"`
	OpenCellDelta   decimal.Decimal        `json:"open_cell_delta"`
	ClosedCellDelta decimal.Decimal        `json:"closed_cell_delta"`
	Applied         []models.AppliedLine   `json:"applied"`
	Unmatched       []string               `json:"unmatched"`
	// AllFailed is true when inventory lines needed adjusting and none matched a row.
	AllFailed bool        `json:"all_failed"`
	Job       *models.Job `json:"job"`
}

// Reconciler owns the inventory reconciliation procedure.
type Reconciler struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Locker   *redislock.Client
	Notifier ChangeNotifier
	Now      func() time.Time
}

func NewReconciler(db *gorm.DB, logger *logrus.Logger, locker *redislock.Client, notifier ChangeNotifier) *Reconciler {
	return &Reconciler{
		DB:       db,
		Logger:   logger,
		Locker:   locker,
		Notifier: notifier,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// referenceMaterials is what the job currently has booked against stock.
func referenceMaterials(job *models.Job) models.Materials {
	if job.ReconciledMaterials != nil {
		return *job.ReconciledMaterials
	}
	if job.InventoryProcessed {
		return job.Materials
	}
	return models.Materials{}
}

// ReconcileJob records a job's actual consumption and, when the job is Completed,
// moves stock by (reference - actuals). Re-running it with the same actuals changes
// nothing; running it with corrected actuals applies only the difference.
func (r *Reconciler) ReconcileJob(ctx context.Context, in ReconcileInput) (*ReconcileResult, error) {
	result, err := r.ReconcileJobTx(ctx, r.DB.WithContext(ctx), in)
	if err != nil {
		return nil, err
	}
	notifyAll(ctx, r.Notifier, in.OrganizationId, "update", ReconcileTables(result))
	return result, nil
}

// ReconcileJobTx runs the procedure on db, which may be an open transaction.
// It does not notify; the caller does that after its commit.
func (r *Reconciler) ReconcileJobTx(ctx context.Context, db *gorm.DB, in ReconcileInput) (*ReconcileResult, error) {
	if err := utils.ValidateStruct(&in); err != nil {
		return nil, err
	}
	if !in.ExecutionStatus.IsValid() {
		return nil, utils.NewValidationError("execution_status", "oneof")
	}

	ctx, span := tracer.Start(ctx, "ReconcileJob", trace.WithAttributes(
		attribute.String("organization_id", in.OrganizationId),
		attribute.String("job_id", in.JobId),
		attribute.String("execution_status", string(in.ExecutionStatus)),
	))
	defer span.End()

	release := obtainJobLock(ctx, r.Locker, r.Logger, in.JobId)
	defer release()

	var result *ReconcileResult
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = r.reconcileTx(ctx, tx, in)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ReconcileCounter.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ReconcileCounter.WithLabelValues(reconcileOutcome(result)).Inc()
	span.SetAttributes(attribute.Bool("stock_adjusted", result.StockAdjusted), attribute.Int("unmatched", len(result.Unmatched)))
	return result, nil
}

// ReconcileTables lists the tables a reconciliation changed.
func ReconcileTables(result *ReconcileResult) []string {
	tables := []string{TableJobs}
	if result.StockAdjusted {
		tables = append(tables, TableWarehouseStocks)
		if len(result.Applied) > 0 {
			tables = append(tables, TableInventoryItems)
		}
	}
	return tables
}

func (r *Reconciler) reconcileTx(ctx context.Context, tx *gorm.DB, in ReconcileInput) (*ReconcileResult, error) {
	var job models.Job
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND id = ?", in.OrganizationId, in.JobId).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	now := r.now()
	result := &ReconcileResult{JobId: job.ID, ExecutionStatus: in.ExecutionStatus}
	updates := map[string]interface{}{
		"actuals":          in.Actuals,
		"execution_status": in.ExecutionStatus,
	}

	if in.ExecutionStatus == models.ExecutionCompleted {
		reference := referenceMaterials(&job)
		plan := PlanDeltas(reference, in.Actuals)

		resolver, err := LoadInventoryResolver(tx, in.OrganizationId)
		if err != nil {
			return nil, err
		}
		applied, err := applyMaterialDelta(tx, r.Logger, in.OrganizationId, plan, resolver)
		if err != nil {
			return nil, err
		}
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		if err := writeMaterialLog(tx, in.OrganizationId, job.ID, models.MaterialLogSourceReconcile, cid, applied); err != nil {
			return nil, err
		}

		result.StockAdjusted = applied.Changed()
		result.OpenCellDelta = applied.OpenCellSets
		result.ClosedCellDelta = applied.ClosedCellSets
		result.Applied = applied.Applied
		result.Unmatched = applied.Unmatched
		result.AllFailed = len(applied.Applied) == 0 && len(applied.Unmatched) > 0

		updates["inventory_processed"] = true
		updates["reconciled_materials"] = in.Actuals
		if job.ExecutionStatus != models.ExecutionCompleted || job.CompletedAt == nil {
			updates["completed_at"] = now
		}

		if len(applied.Unmatched) > 0 && r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"field":           "ReconcileJob",
				"organization_id": in.OrganizationId,
				"job_id":          job.ID,
				"unmatched":       applied.Unmatched,
			}).Warn("reconciliation finished with unmatched inventory lines")
		}
	}

	if err := tx.Model(&models.Job{}).
		Where("organization_id = ? AND id = ?", in.OrganizationId, job.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("organization_id = ? AND id = ?", in.OrganizationId, job.ID).Take(&job).Error; err != nil {
		return nil, err
	}
	result.Job = &job
	return result, nil
}

func reconcileOutcome(res *ReconcileResult) string {
	switch {
	case res.AllFailed:
		return "all_failed"
	case res.StockAdjusted:
		return "adjusted"
	default:
		return "unchanged"
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
