package syncclient

import (
	"github.com/shopspring/decimal"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
)

// Session is who the coordinator syncs for.
type Session struct {
	OrganizationId string
	Username       string
	Role           string
}

func (s Session) crew() bool { return s.Role == utils.RoleCrew }

// State is the client-local copy of organization state.
type State struct {
	Settings       models.OrgSettings     `json:"settings"`
	WarehouseStock models.WarehouseStock  `json:"warehouse_stock"`
	Jobs           []models.Job           `json:"jobs"`
	Customers      []models.Customer      `json:"customers"`
	InventoryItems []models.InventoryItem `json:"inventory_items"`
	Equipment      []models.Equipment     `json:"equipment"`
	CrewJobs       []models.CrewJob       `json:"crew_jobs,omitempty"`
}

func stateFromSnapshot(s *models.OrgSnapshot) State {
	return State{
		Settings:       s.Organization.Settings,
		WarehouseStock: s.WarehouseStock,
		Jobs:           s.Jobs,
		Customers:      s.Customers,
		InventoryItems: s.InventoryItems,
		Equipment:      s.Equipment,
	}
}

func (s State) clone() State {
	out := s
	out.Jobs = append([]models.Job(nil), s.Jobs...)
	out.Customers = append([]models.Customer(nil), s.Customers...)
	out.InventoryItems = append([]models.InventoryItem(nil), s.InventoryItems...)
	out.Equipment = append([]models.Equipment(nil), s.Equipment...)
	out.CrewJobs = append([]models.CrewJob(nil), s.CrewJobs...)
	return out
}

// inventoryPayload is an inventory write. BaseQuantity is the quantity the edit
// started from; the store applies quantity - base_quantity atomically.
type inventoryPayload struct {
	models.InventoryItem
	BaseQuantity *decimal.Decimal `json:"base_quantity,omitempty"`
}

func upsertJob(list []models.Job, v models.Job) []models.Job {
	for i := range list {
		if list[i].ID == v.ID {
			list[i] = v
			return list
		}
	}
	return append(list, v)
}

func upsertCustomer(list []models.Customer, v models.Customer) []models.Customer {
	for i := range list {
		if list[i].ID == v.ID {
			list[i] = v
			return list
		}
	}
	return append(list, v)
}

func upsertInventory(list []models.InventoryItem, v models.InventoryItem) []models.InventoryItem {
	for i := range list {
		if list[i].ID == v.ID {
			list[i] = v
			return list
		}
	}
	return append(list, v)
}

func upsertEquipment(list []models.Equipment, v models.Equipment) []models.Equipment {
	for i := range list {
		if list[i].ID == v.ID {
			list[i] = v
			return list
		}
	}
	return append(list, v)
}

// remove drops the row with id from the table's slice.
func (s *State) remove(table, id string) {
	switch table {
	case workflow.TableJobs:
		s.Jobs = removeWhere(s.Jobs, func(v models.Job) bool { return v.ID == id })
	case workflow.TableCustomers:
		s.Customers = removeWhere(s.Customers, func(v models.Customer) bool { return v.ID == id })
	case workflow.TableInventoryItems:
		s.InventoryItems = removeWhere(s.InventoryItems, func(v models.InventoryItem) bool { return v.ID == id })
	case workflow.TableEquipment:
		s.Equipment = removeWhere(s.Equipment, func(v models.Equipment) bool { return v.ID == id })
	}
}

func removeWhere[T any](list []T, match func(T) bool) []T {
	out := list[:0]
	for _, v := range list {
		if !match(v) {
			out = append(out, v)
		}
	}
	return out
}

// remapId replaces a temporary client id with the server id everywhere it is referenced.
func (s *State) remapId(table, tempID, serverID string) {
	if tempID == serverID || tempID == "" || serverID == "" {
		return
	}
	switch table {
	case workflow.TableJobs:
		for i := range s.Jobs {
			if s.Jobs[i].ID == tempID {
				s.Jobs[i].ID = serverID
			}
		}
	case workflow.TableCustomers:
		for i := range s.Customers {
			if s.Customers[i].ID == tempID {
				s.Customers[i].ID = serverID
			}
		}
		for i := range s.Jobs {
			if s.Jobs[i].CustomerId != nil && *s.Jobs[i].CustomerId == tempID {
				id := serverID
				s.Jobs[i].CustomerId = &id
			}
		}
	case workflow.TableInventoryItems:
		for i := range s.InventoryItems {
			if s.InventoryItems[i].ID == tempID {
				s.InventoryItems[i].ID = serverID
			}
		}
		for i := range s.Jobs {
			s.Jobs[i].Materials.Inventory = remapLines(s.Jobs[i].Materials.Inventory, tempID, serverID)
			if s.Jobs[i].Actuals != nil {
				actuals := *s.Jobs[i].Actuals
				actuals.Inventory = remapLines(actuals.Inventory, tempID, serverID)
				s.Jobs[i].Actuals = &actuals
			}
		}
	case workflow.TableEquipment:
		for i := range s.Equipment {
			if s.Equipment[i].ID == tempID {
				s.Equipment[i].ID = serverID
			}
		}
	}
}

// remapLines returns lines with tempID replaced. The input slice is never modified
// because earlier State copies may share it.
func remapLines(lines []models.MaterialLine, tempID, serverID string) []models.MaterialLine {
	var out []models.MaterialLine
	for i := range lines {
		if lines[i].InventoryItemId != tempID {
			continue
		}
		if out == nil {
			out = append([]models.MaterialLine(nil), lines...)
		}
		out[i].InventoryItemId = serverID
	}
	if out == nil {
		return lines
	}
	return out
}
