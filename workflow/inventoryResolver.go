package workflow

import (
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

type ResolveStage string

const (
	ResolvedById   ResolveStage = "id"
	ResolvedByName ResolveStage = "name"
	Unresolved     ResolveStage = ""
)

// InventoryResolver maps a material line to an inventory row in two stages:
// exact id, then case-insensitive trimmed name. When several rows share a name
// the oldest one wins.
type InventoryResolver struct {
	byId   map[string]struct{}
	byName map[string]string
}

// NewInventoryResolver indexes items. Items must be ordered oldest first.
func NewInventoryResolver(items []models.InventoryItem) *InventoryResolver {
	r := &InventoryResolver{
		byId:   make(map[string]struct{}, len(items)),
		byName: make(map[string]string, len(items)),
	}
	for _, it := range items {
		r.byId[it.ID] = struct{}{}
		key := it.NameKey
		if key == "" {
			key = utils.NormalizeName(it.Name)
		}
		if _, exists := r.byName[key]; !exists && key != "" {
			r.byName[key] = it.ID
		}
	}
	return r
}

// LoadInventoryResolver reads id and name of every item of the organization.
func LoadInventoryResolver(tx *gorm.DB, orgID string) (*InventoryResolver, error) {
	var items []models.InventoryItem
	err := tx.Select("id", "name", "name_key").
		Where("organization_id = ?", orgID).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return NewInventoryResolver(items), nil
}

func (r *InventoryResolver) Resolve(id, name string) (string, ResolveStage) {
	if id != "" {
		if _, ok := r.byId[id]; ok {
			return id, ResolvedById
		}
	}
	if key := utils.NormalizeName(name); key != "" {
		if found, ok := r.byName[key]; ok {
			return found, ResolvedByName
		}
	}
	return "", Unresolved
}

// Add registers a row created after the resolver was loaded.
func (r *InventoryResolver) Add(item models.InventoryItem) {
	r.byId[item.ID] = struct{}{}
	key := utils.NormalizeName(item.Name)
	if _, exists := r.byName[key]; !exists && key != "" {
		r.byName[key] = item.ID
	}
}
