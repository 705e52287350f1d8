package workflow

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/models"
	"gorm.io/gorm"
)

// AppliedDelta is what a MaterialDelta actually changed.
type AppliedDelta struct {
	OpenCellSets   decimal.Decimal
	ClosedCellSets decimal.Decimal
	Applied        []models.AppliedLine
	Unmatched      []string
}

func (a AppliedDelta) Changed() bool {
	return !a.OpenCellSets.IsZero() || !a.ClosedCellSets.IsZero() || len(a.Applied) > 0
}

// applyMaterialDelta writes delta with atomic increments inside tx.
// Lines resolving to the same row are summed; rows are updated in id order so
// concurrent transactions take row locks in the same sequence. Lines that match
// no row are collected in Unmatched and do not fail the transaction.
func applyMaterialDelta(tx *gorm.DB, logger *logrus.Logger, orgID string, delta MaterialDelta, resolver *InventoryResolver) (AppliedDelta, error) {
	out := AppliedDelta{}

	if err := models.AddWarehouseStock(tx, orgID, delta.OpenCellSets, delta.ClosedCellSets); err != nil {
		return out, err
	}
	out.OpenCellSets = delta.OpenCellSets
	out.ClosedCellSets = delta.ClosedCellSets

	type agg struct {
		name  string
		delta decimal.Decimal
	}
	byItem := make(map[string]*agg)
	for _, line := range delta.Lines {
		itemID, stage := resolver.Resolve(line.InventoryItemId, line.Name)
		if stage == Unresolved {
			out.Unmatched = append(out.Unmatched, line.Name)
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":             "applyMaterialDelta",
					"organization_id":   orgID,
					"inventory_item_id": line.InventoryItemId,
					"name":              line.Name,
					"delta":             line.Delta.String(),
				}).Warn("no inventory row matches material line; skipped")
			}
			continue
		}
		a, ok := byItem[itemID]
		if !ok {
			a = &agg{name: line.Name}
			byItem[itemID] = a
		}
		a.delta = a.delta.Add(line.Delta)
	}

	ids := make([]string, 0, len(byItem))
	for id := range byItem {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := byItem[id]
		if a.delta.IsZero() {
			continue
		}
		found, err := models.AddInventoryQuantity(tx, orgID, id, a.delta)
		if err != nil {
			return out, err
		}
		if !found {
			out.Unmatched = append(out.Unmatched, a.name)
			continue
		}
		out.Applied = append(out.Applied, models.AppliedLine{InventoryItemId: id, Name: a.name, Delta: a.delta})
	}
	return out, nil
}

func writeMaterialLog(tx *gorm.DB, orgID, jobID string, source models.MaterialLogSource, correlationID string, applied AppliedDelta) error {
	if !applied.Changed() && len(applied.Unmatched) == 0 {
		return nil
	}
	return tx.Create(&models.MaterialLog{
		OrganizationId:  orgID,
		JobId:           jobID,
		Source:          source,
		OpenCellDelta:   applied.OpenCellSets,
		ClosedCellDelta: applied.ClosedCellSets,
		Items:           applied.Applied,
		Unmatched:       applied.Unmatched,
		CorrelationId:   correlationID,
	}).Error
}
