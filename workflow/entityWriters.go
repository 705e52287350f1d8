package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type JobInput struct {
	Id         string           `json:"id"`
	CustomerId *string          `json:"customer_id"`
	Name       string           `json:"name" validate:"required,max=255"`
	Address    string           `json:"address"`
	Notes      string           `json:"notes"`
	Status     models.JobStatus `json:"status"`
	Materials  models.Materials `json:"materials"`
}

// estimateDelta decides how an estimate write moves stock.
// Jobs already reconciled are owned by reconciliation and never move here.
func estimateDelta(existing *models.Job, status models.JobStatus, materials models.Materials) (MaterialDelta, bool, models.MaterialLogSource) {
	none := models.Materials{}
	if existing == nil {
		if status.CommitsMaterials() {
			return PlanDeltas(none, materials), true, models.MaterialLogSourceEstimate
		}
		return MaterialDelta{}, false, ""
	}
	if existing.ReconciledMaterials != nil {
		return MaterialDelta{}, existing.InventoryProcessed, ""
	}
	if existing.InventoryProcessed {
		if !status.CommitsMaterials() {
			return PlanDeltas(existing.Materials, none), false, models.MaterialLogSourceEstimateChange
		}
		return PlanDeltas(existing.Materials, materials), true, models.MaterialLogSourceEstimateChange
	}
	if status.CommitsMaterials() {
		return PlanDeltas(none, materials), true, models.MaterialLogSourceEstimate
	}
	return MaterialDelta{}, false, ""
}

func lockJob(tx *gorm.DB, orgID, id string) (*models.Job, error) {
	exists, err := checkOwnership(tx, &models.Job{}, orgID, id)
	if err != nil || !exists {
		return nil, err
	}
	var job models.Job
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND id = ?", orgID, id).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func applyEstimate(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, orgID, jobID string, delta MaterialDelta, source models.MaterialLogSource) (AppliedDelta, error) {
	if delta.IsZero() {
		return AppliedDelta{}, nil
	}
	resolver, err := LoadInventoryResolver(tx, orgID)
	if err != nil {
		return AppliedDelta{}, err
	}
	applied, err := applyMaterialDelta(tx, logger, orgID, delta, resolver)
	if err != nil {
		return applied, err
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return applied, writeMaterialLog(tx, orgID, jobID, source, cid, applied)
}

func stockTables(applied AppliedDelta) []string {
	var out []string
	if !applied.OpenCellSets.IsZero() || !applied.ClosedCellSets.IsZero() {
		out = append(out, TableWarehouseStocks)
	}
	if len(applied.Applied) > 0 {
		out = append(out, TableInventoryItems)
	}
	return out
}

func writeJob(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	if req.Operation == models.RetryOperationDelete {
		return deleteJob(ctx, w, db, req)
	}
	var in JobInput
	if err := decodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(&in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = models.JobStatusDraft
	}
	if !in.Status.IsValid() {
		return nil, utils.NewValidationError("status", "oneof")
	}
	if in.CustomerId != nil && utils.IsTempId(*in.CustomerId) {
		w.Logger.WithFields(logrus.Fields{
			"field":       "writeJob",
			"job_id":      in.Id,
			"customer_id": *in.CustomerId,
		}).Warn("job references an unsynced customer; customer link dropped")
		in.CustomerId = nil
	}

	res := &WriteResult{Id: in.Id}
	if utils.IsTempId(in.Id) {
		res.TempId = in.Id
		res.Id = uuid.NewString()
	}

	var job models.Job
	var applied AppliedDelta
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing *models.Job
		if res.TempId == "" {
			var err error
			if existing, err = lockJob(tx, req.OrganizationId, res.Id); err != nil {
				return err
			}
		}
		if existing == nil && req.Operation == models.RetryOperationUpdate {
			return utils.ErrorRecordNotFound
		}

		delta, processed, source := estimateDelta(existing, in.Status, in.Materials)
		if existing == nil {
			job = models.Job{
				ID:                 res.Id,
				OrganizationId:     req.OrganizationId,
				CustomerId:         in.CustomerId,
				Name:               in.Name,
				Address:            in.Address,
				Notes:              in.Notes,
				Status:             in.Status,
				ExecutionStatus:    models.ExecutionNotStarted,
				Materials:          in.Materials,
				InventoryProcessed: processed,
			}
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
		} else {
			err := tx.Model(&models.Job{}).
				Where("organization_id = ? AND id = ?", req.OrganizationId, res.Id).
				Updates(map[string]interface{}{
					"customer_id":         in.CustomerId,
					"name":                in.Name,
					"address":             in.Address,
					"notes":               in.Notes,
					"status":              in.Status,
					"materials":           in.Materials,
					"inventory_processed": processed,
				}).Error
			if err != nil {
				return err
			}
		}

		var err error
		if applied, err = applyEstimate(ctx, tx, w.Logger, req.OrganizationId, res.Id, delta, source); err != nil {
			return err
		}
		return tx.Where("organization_id = ? AND id = ?", req.OrganizationId, res.Id).Take(&job).Error
	})
	if err != nil {
		return nil, err
	}
	res.Record = &job
	res.Unmatched = applied.Unmatched
	res.touched = append([]string{TableJobs}, stockTables(applied)...)
	return res, nil
}

// deleteJob returns a committed but unreconciled estimate to stock before removing the job.
func deleteJob(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	id, err := decodeDelete(req.Payload)
	if err != nil {
		return nil, err
	}
	var applied AppliedDelta
	err = db.Transaction(func(tx *gorm.DB) error {
		existing, err := lockJob(tx, req.OrganizationId, id)
		if err != nil || existing == nil {
			return err
		}
		if existing.InventoryProcessed && existing.ReconciledMaterials == nil {
			delta := PlanDeltas(existing.Materials, models.Materials{})
			if applied, err = applyEstimate(ctx, tx, w.Logger, req.OrganizationId, id, delta, models.MaterialLogSourceEstimateChange); err != nil {
				return err
			}
		}
		return tx.Where("organization_id = ? AND id = ?", req.OrganizationId, id).Delete(&models.Job{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &WriteResult{Id: id, Unmatched: applied.Unmatched, touched: append([]string{TableJobs}, stockTables(applied)...)}, nil
}

func writeCustomer(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	if req.Operation == models.RetryOperationDelete {
		id, err := decodeDelete(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := deleteOwned(db, &models.Customer{}, req.OrganizationId, id); err != nil {
			return nil, err
		}
		return &WriteResult{Id: id, touched: []string{TableCustomers}}, nil
	}

	var c models.Customer
	if err := decodePayload(req.Payload, &c); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(&c); err != nil {
		return nil, err
	}
	if phone, err := utils.NormalizePhoneNumber(c.Phone, utils.DefaultCountryCode()); err == nil {
		c.Phone = phone
	} else {
		w.Logger.WithFields(logrus.Fields{"field": "writeCustomer", "phone": c.Phone}).Debug("phone kept as entered: " + err.Error())
		c.Phone = strings.TrimSpace(c.Phone)
	}

	res := &WriteResult{Id: c.ID}
	if utils.IsTempId(c.ID) {
		res.TempId = c.ID
		res.Id = uuid.NewString()
	}
	c.ID = res.Id
	c.OrganizationId = req.OrganizationId

	err := db.Transaction(func(tx *gorm.DB) error {
		exists, err := checkOwnership(tx, &models.Customer{}, req.OrganizationId, c.ID)
		if err != nil {
			return err
		}
		if !exists && req.Operation == models.RetryOperationUpdate {
			return utils.ErrorRecordNotFound
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "email", "phone", "address", "notes", "updated_at"}),
		}).Create(&c).Error
		if err != nil {
			return err
		}
		return tx.Where("organization_id = ? AND id = ?", req.OrganizationId, c.ID).Take(&c).Error
	})
	if err != nil {
		return nil, err
	}
	res.Record = &c
	res.touched = []string{TableCustomers}
	return res, nil
}

func writeEquipment(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	if req.Operation == models.RetryOperationDelete {
		id, err := decodeDelete(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := deleteOwned(db, &models.Equipment{}, req.OrganizationId, id); err != nil {
			return nil, err
		}
		return &WriteResult{Id: id, touched: []string{TableEquipment}}, nil
	}

	var e models.Equipment
	if err := decodePayload(req.Payload, &e); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(&e); err != nil {
		return nil, err
	}
	if e.Status == "" {
		e.Status = models.EquipmentAvailable
	}

	res := &WriteResult{Id: e.ID}
	if utils.IsTempId(e.ID) {
		res.TempId = e.ID
		res.Id = uuid.NewString()
	}
	e.ID = res.Id
	e.OrganizationId = req.OrganizationId

	err := db.Transaction(func(tx *gorm.DB) error {
		exists, err := checkOwnership(tx, &models.Equipment{}, req.OrganizationId, e.ID)
		if err != nil {
			return err
		}
		if !exists && req.Operation == models.RetryOperationUpdate {
			return utils.ErrorRecordNotFound
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "status", "notes", "updated_at"}),
		}).Create(&e).Error
		if err != nil {
			return err
		}
		return tx.Where("organization_id = ? AND id = ?", req.OrganizationId, e.ID).Take(&e).Error
	})
	if err != nil {
		return nil, err
	}
	res.Record = &e
	res.touched = []string{TableEquipment}
	return res, nil
}

// InventoryInput carries an item edit. BaseQuantity is the quantity the client
// last saw; when present the server applies Quantity-BaseQuantity as an increment
// so concurrent stock movements are not overwritten.
type InventoryInput struct {
	Id           string           `json:"id"`
	Name         string           `json:"name" validate:"required,max=255"`
	Quantity     decimal.Decimal  `json:"quantity"`
	BaseQuantity *decimal.Decimal `json:"base_quantity"`
	Unit         string           `json:"unit"`
	UnitCost     decimal.Decimal  `json:"unit_cost"`
}

func lockInventoryByName(tx *gorm.DB, orgID, name string) (*models.InventoryItem, error) {
	var items []models.InventoryItem
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND name_key = ?", orgID, utils.NormalizeName(name)).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&items).Error
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

func lockInventoryById(tx *gorm.DB, orgID, id string) (*models.InventoryItem, error) {
	exists, err := checkOwnership(tx, &models.InventoryItem{}, orgID, id)
	if err != nil || !exists {
		return nil, err
	}
	var items []models.InventoryItem
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND id = ?", orgID, id).
		Limit(1).
		Find(&items).Error
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// writeInventoryItem merges a temporary-id item into an existing row with the same
// name instead of creating a duplicate.
func writeInventoryItem(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	if req.Operation == models.RetryOperationDelete {
		id, err := decodeDelete(req.Payload)
		if err != nil {
			return nil, err
		}
		if err := deleteOwned(db, &models.InventoryItem{}, req.OrganizationId, id); err != nil {
			return nil, err
		}
		return &WriteResult{Id: id, touched: []string{TableInventoryItems}}, nil
	}

	var in InventoryInput
	if err := decodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(&in); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)

	res := &WriteResult{Id: in.Id}
	if utils.IsTempId(in.Id) {
		res.TempId = in.Id
	}

	var item models.InventoryItem
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing *models.InventoryItem
		var err error
		if res.TempId != "" || req.ConflictKey == "name" {
			existing, err = lockInventoryByName(tx, req.OrganizationId, in.Name)
		} else {
			existing, err = lockInventoryById(tx, req.OrganizationId, in.Id)
		}
		if err != nil {
			return err
		}

		if existing == nil {
			if req.Operation == models.RetryOperationUpdate {
				return utils.ErrorRecordNotFound
			}
			item = models.InventoryItem{
				ID:             utils.ServerId(in.Id),
				OrganizationId: req.OrganizationId,
				Name:           in.Name,
				NameKey:        utils.NormalizeName(in.Name),
				Quantity:       in.Quantity,
				Unit:           in.Unit,
				UnitCost:       in.UnitCost,
			}
			if err := tx.Create(&item).Error; err != nil {
				return err
			}
			res.Id = item.ID
			return nil
		}

		res.Id = existing.ID
		err = tx.Model(&models.InventoryItem{}).
			Where("organization_id = ? AND id = ?", req.OrganizationId, existing.ID).
			Updates(map[string]interface{}{
				"name":      in.Name,
				"name_key":  utils.NormalizeName(in.Name),
				"unit":      in.Unit,
				"unit_cost": in.UnitCost,
			}).Error
		if err != nil {
			return err
		}
		if in.BaseQuantity != nil {
			if _, err := models.AddInventoryQuantity(tx, req.OrganizationId, existing.ID, in.Quantity.Sub(*in.BaseQuantity)); err != nil {
				return err
			}
		}
		return tx.Where("organization_id = ? AND id = ?", req.OrganizationId, existing.ID).Take(&item).Error
	})
	if err != nil {
		return nil, err
	}
	res.Record = &item
	res.touched = []string{TableInventoryItems}
	return res, nil
}

func writeOrganizationSettings(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	var settings models.OrgSettings
	if err := decodePayload(req.Payload, &settings); err != nil {
		return nil, err
	}
	org, err := models.UpdateOrganizationSettings(ctx, db, req.OrganizationId, settings)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Id: org.ID, Record: org, touched: []string{TableOrganizations}}, nil
}

// writeJobReconciliation replays a crew completion.
func writeJobReconciliation(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	if w.Reconciler == nil {
		return nil, errors.New("reconciler not configured")
	}
	var in ReconcileInput
	if err := decodePayload(req.Payload, &in); err != nil {
		return nil, err
	}
	in.OrganizationId = req.OrganizationId
	out, err := w.Reconciler.ReconcileJobTx(ctx, db, in)
	if err != nil {
		return nil, err
	}
	return &WriteResult{Id: out.JobId, Record: out, Unmatched: out.Unmatched, touched: ReconcileTables(out)}, nil
}
