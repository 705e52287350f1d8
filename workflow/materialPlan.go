package workflow

import (
	"github.com/shopspring/decimal"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
)

// LineDelta is a signed stock change for one inventory line.
// Positive returns stock, negative consumes it.
type LineDelta struct {
	InventoryItemId string
	Name            string
	Delta           decimal.Decimal
}

// MaterialDelta is the stock change that moves the books from one material
// snapshot to another.
type MaterialDelta struct {
	OpenCellSets   decimal.Decimal
	ClosedCellSets decimal.Decimal
	Lines          []LineDelta
}

func (d MaterialDelta) IsZero() bool {
	return d.OpenCellSets.IsZero() && d.ClosedCellSets.IsZero() && len(d.Lines) == 0
}

// PlanDeltas computes reference - actual for every counter and inventory line.
//
// Lines pair by inventory id first, then by normalized name. A reference line
// with no partner is fully returned (+reference); an actual line with no partner
// is a pure deduction (-actual). Lines whose delta is zero are dropped.
func PlanDeltas(reference, actual models.Materials) MaterialDelta {
	out := MaterialDelta{
		OpenCellSets:   reference.OpenCellSets.Sub(actual.OpenCellSets),
		ClosedCellSets: reference.ClosedCellSets.Sub(actual.ClosedCellSets),
	}

	refUsed := make([]bool, len(reference.Inventory))
	partner := make([]int, len(actual.Inventory))
	for i := range partner {
		partner[i] = -1
	}

	// Pass 1: ids.
	for i, a := range actual.Inventory {
		if a.InventoryItemId == "" {
			continue
		}
		for j, r := range reference.Inventory {
			if !refUsed[j] && r.InventoryItemId == a.InventoryItemId {
				refUsed[j] = true
				partner[i] = j
				break
			}
		}
	}
	// Pass 2: names, for lines the id pass left alone.
	for i, a := range actual.Inventory {
		if partner[i] >= 0 {
			continue
		}
		key := utils.NormalizeName(a.Name)
		if key == "" {
			continue
		}
		for j, r := range reference.Inventory {
			if refUsed[j] || utils.NormalizeName(r.Name) != key {
				continue
			}
			// Two different ids never pair through their names.
			if a.InventoryItemId != "" && r.InventoryItemId != "" && !utils.IsTempId(a.InventoryItemId) && !utils.IsTempId(r.InventoryItemId) {
				continue
			}
			refUsed[j] = true
			partner[i] = j
			break
		}
	}

	for i, a := range actual.Inventory {
		if partner[i] < 0 {
			out.appendLine(a.InventoryItemId, a.Name, a.Quantity.Neg())
			continue
		}
		r := reference.Inventory[partner[i]]
		id := a.InventoryItemId
		if id == "" || (utils.IsTempId(id) && r.InventoryItemId != "") {
			id = r.InventoryItemId
		}
		name := a.Name
		if name == "" {
			name = r.Name
		}
		out.appendLine(id, name, r.Quantity.Sub(a.Quantity))
	}
	for j, r := range reference.Inventory {
		if !refUsed[j] {
			out.appendLine(r.InventoryItemId, r.Name, r.Quantity)
		}
	}
	return out
}

func (d *MaterialDelta) appendLine(id, name string, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	d.Lines = append(d.Lines, LineDelta{InventoryItemId: id, Name: name, Delta: delta})
}

// Negate flips every sign. Used to undo a previously applied delta.
func (d MaterialDelta) Negate() MaterialDelta {
	out := MaterialDelta{
		OpenCellSets:   d.OpenCellSets.Neg(),
		ClosedCellSets: d.ClosedCellSets.Neg(),
		Lines:          make([]LineDelta, 0, len(d.Lines)),
	}
	for _, l := range d.Lines {
		out.Lines = append(out.Lines, LineDelta{InventoryItemId: l.InventoryItemId, Name: l.Name, Delta: l.Delta.Neg()})
	}
	return out
}
