package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrUnknownTable         = errors.New("unknown target table")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidPayload       = errors.New("invalid payload")
)

// IsPermanentWriteErr reports failures that replaying cannot fix.
func IsPermanentWriteErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnknownTable) ||
		errors.Is(err, ErrUnsupportedOperation) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, utils.ErrorForbidden) ||
		errors.Is(err, utils.ErrorRecordNotFound) ||
		utils.IsValidationError(err)
}

// WriteRequest is one entity write, either live from a client or replayed from the retry queue.
type WriteRequest struct {
	OrganizationId string
	Table          string
	Operation      models.RetryOperation
	Payload        []byte
	ConflictKey    string
	// WriteId identifies one client write across resends. When set, a write id
	// that already committed is acknowledged without applying the change again.
	WriteId string
}

// WriteResult describes a committed write. TempId is set when the client sent a
// temporary id that Id now replaces.
type WriteResult struct {
	Table     string                `json:"table"`
	Operation models.RetryOperation `json:"operation"`
	Id        string                `json:"id"`
	TempId    string                `json:"temp_id,omitempty"`
	Record    any                   `json:"record,omitempty"`
	Unmatched []string              `json:"unmatched,omitempty"`
	// Duplicate is set when WriteId had already been applied.
	Duplicate bool `json:"duplicate,omitempty"`

	touched []string
}

type entityWriter func(ctx context.Context, w *Writers, db *gorm.DB, req WriteRequest) (*WriteResult, error)

// Writers dispatches entity writes by table. The same instance serves HTTP
// handlers and the retry queue processor so both paths share merge semantics.
type Writers struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Reconciler *Reconciler
	Notifier   ChangeNotifier

	registry map[string]entityWriter
}

func NewWriters(db *gorm.DB, logger *logrus.Logger, reconciler *Reconciler, notifier ChangeNotifier) *Writers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writers{
		DB:         db,
		Logger:     logger,
		Reconciler: reconciler,
		Notifier:   notifier,
		registry: map[string]entityWriter{
			TableJobs:              writeJob,
			TableCustomers:         writeCustomer,
			TableInventoryItems:    writeInventoryItem,
			TableEquipment:         writeEquipment,
			TableOrganizations:     writeOrganizationSettings,
			TableJobReconciliation: writeJobReconciliation,
		},
	}
}

var writableTables = map[string]struct{}{
	TableJobs:              {},
	TableCustomers:         {},
	TableInventoryItems:    {},
	TableEquipment:         {},
	TableOrganizations:     {},
	TableJobReconciliation: {},
}

// CheckWriteTarget reports whether table/op is a combination the writers accept.
func CheckWriteTarget(table string, op models.RetryOperation) error {
	if _, ok := writableTables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if !op.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
	}
	if op == models.RetryOperationDelete && (table == TableOrganizations || table == TableJobReconciliation) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, op, table)
	}
	return nil
}

func (w *Writers) Supports(table string, op models.RetryOperation) error {
	if err := CheckWriteTarget(table, op); err != nil {
		return err
	}
	if _, ok := w.registry[table]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// Apply runs one write and, after it commits, notifies subscribers.
func (w *Writers) Apply(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	res, err := w.ApplyTx(ctx, w.DB, req)
	if err != nil {
		return nil, err
	}
	w.Notify(ctx, req, res)
	return res, nil
}

// ApplyTx runs one write on db, which may be an open transaction; the write then
// commits or rolls back with it. The caller calls Notify after its commit.
func (w *Writers) ApplyTx(ctx context.Context, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	if req.OrganizationId == "" {
		return nil, utils.NewValidationError("organization_id", "required")
	}
	if err := w.Supports(req.Table, req.Operation); err != nil {
		return nil, err
	}
	if req.ConflictKey != "" && req.ConflictKey != "id" && !(req.Table == TableInventoryItems && req.ConflictKey == "name") {
		return nil, fmt.Errorf("%w: conflict key %q on %s", ErrInvalidPayload, req.ConflictKey, req.Table)
	}
	if len(req.WriteId) > 128 {
		return nil, utils.NewValidationError("write_id", "max")
	}
	db = db.WithContext(ctx)
	if req.WriteId == "" {
		return w.run(ctx, db, req)
	}

	var res *WriteResult
	err := db.Transaction(func(tx *gorm.DB) error {
		entityID, seen, err := beginWrite(tx, req.OrganizationId, req.WriteId, req.Table)
		if err != nil {
			return err
		}
		if seen {
			res = duplicateResult(req, entityID)
			return nil
		}
		if res, err = w.run(ctx, tx, req); err != nil {
			return err
		}
		return finishWrite(tx, req.OrganizationId, req.WriteId, res.Id)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (w *Writers) run(ctx context.Context, db *gorm.DB, req WriteRequest) (*WriteResult, error) {
	res, err := w.registry[req.Table](ctx, w, db, req)
	if err != nil {
		return nil, err
	}
	res.Table = req.Table
	res.Operation = req.Operation
	return res, nil
}

// duplicateResult acknowledges a resend with the id the first application used.
func duplicateResult(req WriteRequest, entityID string) *WriteResult {
	res := &WriteResult{Table: req.Table, Operation: req.Operation, Id: entityID, Duplicate: true}
	var p struct {
		Id string `json:"id"`
	}
	if json.Unmarshal(req.Payload, &p) == nil && utils.IsTempId(p.Id) && p.Id != "" {
		res.TempId = p.Id
	}
	return res
}

// Notify publishes the tables a committed write touched.
func (w *Writers) Notify(ctx context.Context, req WriteRequest, res *WriteResult) {
	if res == nil {
		return
	}
	notifyAll(ctx, w.Notifier, req.OrganizationId, string(req.Operation), res.touched)
}

func decodePayload(payload []byte, dest any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type deletePayload struct {
	Id string `json:"id"`
}

func decodeDelete(payload []byte) (string, error) {
	var p deletePayload
	if err := decodePayload(payload, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Id) == "" || utils.IsTempId(p.Id) {
		return "", utils.NewValidationError("id", "required")
	}
	return p.Id, nil
}

// ownerOf returns the organization owning row id of model, if the row exists.
func ownerOf(tx *gorm.DB, model any, id string) (string, bool, error) {
	var owners []string
	if err := tx.Model(model).Where("id = ?", id).Limit(1).Pluck("organization_id", &owners).Error; err != nil {
		return "", false, err
	}
	if len(owners) == 0 {
		return "", false, nil
	}
	return owners[0], true, nil
}

// checkOwnership fails with ErrorForbidden when id belongs to another organization.
// It reports whether the row exists.
func checkOwnership(tx *gorm.DB, model any, orgID, id string) (bool, error) {
	owner, exists, err := ownerOf(tx, model, id)
	if err != nil {
		return false, err
	}
	if exists && owner != orgID {
		return true, utils.ErrorForbidden
	}
	return exists, nil
}

func deleteOwned(db *gorm.DB, model any, orgID, id string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if _, err := checkOwnership(tx, model, orgID, id); err != nil {
			return err
		}
		return tx.Where("organization_id = ? AND id = ?", orgID, id).Delete(model).Error
	})
}
