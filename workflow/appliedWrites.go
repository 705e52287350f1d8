package workflow

import (
	"time"

	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// beginWrite claims writeID inside tx. When the id was already committed it
// returns seen=true and the entity id the first application produced.
// A concurrent claim of the same id blocks on the unique index until the first
// transaction ends, so at most one of them applies the change.
func beginWrite(tx *gorm.DB, orgID, writeID, table string) (entityID string, seen bool, err error) {
	row := models.AppliedWrite{
		OrganizationId: orgID,
		WriteId:        writeID,
		TargetTable:    table,
	}
	if err := tx.Create(&row).Error; err == nil {
		return "", false, nil
	} else if !utils.IsDuplicateKeyErr(err) {
		return "", false, err
	}

	// A locking read sees the row the other transaction committed even when tx
	// already holds an older snapshot.
	var existing models.AppliedWrite
	if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Where("organization_id = ? AND write_id = ?", orgID, writeID).Take(&existing).Error; err != nil {
		return "", false, err
	}
	return existing.EntityId, true, nil
}

func finishWrite(tx *gorm.DB, orgID, writeID, entityID string) error {
	return tx.Model(&models.AppliedWrite{}).
		Where("organization_id = ? AND write_id = ?", orgID, writeID).
		Update("entity_id", entityID).Error
}

// purgeAppliedWrites deletes write ids recorded at or before cutoff unless an
// unfinished queue entry can still replay them.
func purgeAppliedWrites(db *gorm.DB, cutoff time.Time) (int64, error) {
	live := db.Model(&models.RetryQueueEntry{}).
		Select("idempotency_key").
		Where("status IN ? AND idempotency_key IS NOT NULL",
			[]models.RetryStatus{models.RetryStatusPending, models.RetryStatusProcessing})
	res := db.Where("created_at <= ? AND write_id NOT IN (?)", cutoff, live).Delete(&models.AppliedWrite{})
	return res.RowsAffected, res.Error
}
