package models

import (
	"context"
	"time"

	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobStatusDraft     JobStatus = "Draft"
	JobStatusWorkOrder JobStatus = "Work Order"
	JobStatusInvoiced  JobStatus = "Invoiced"
	JobStatusPaid      JobStatus = "Paid"
)

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusDraft, JobStatusWorkOrder, JobStatusInvoiced, JobStatusPaid:
		return true
	}
	return false
}

// CommitsMaterials reports whether a job in this status has left Draft,
// i.e. its estimate is expected to be taken out of stock.
func (s JobStatus) CommitsMaterials() bool {
	return s == JobStatusWorkOrder || s == JobStatusInvoiced || s == JobStatusPaid
}

type ExecutionStatus string

const (
	ExecutionNotStarted ExecutionStatus = "Not Started"
	ExecutionInProgress ExecutionStatus = "In Progress"
	ExecutionCompleted  ExecutionStatus = "Completed"
)

func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionNotStarted, ExecutionInProgress, ExecutionCompleted:
		return true
	}
	return false
}

type Job struct {
	ID                  string          `gorm:"primaryKey;size:36" json:"id"`
	OrganizationId      string          `gorm:"index;size:36;not null" json:"organization_id"`
	CustomerId          *string         `gorm:"index;size:36" json:"customer_id"`
	Name                string          `gorm:"size:255;not null" json:"name"`
	Address             string          `gorm:"type:text" json:"address"`
	Status              JobStatus       `gorm:"size:20;not null;default:Draft" json:"status"`
	ExecutionStatus     ExecutionStatus `gorm:"size:20;not null;default:Not Started" json:"execution_status"`
	Materials           Materials       `gorm:"type:json" json:"materials"`
	Actuals             *Materials      `gorm:"type:json" json:"actuals"`
	InventoryProcessed  bool            `gorm:"not null;default:false" json:"inventory_processed"`
	// ReconciledMaterials is the snapshot currently reflected in stock after a completion.
	ReconciledMaterials *Materials      `gorm:"type:json" json:"-"`
	Notes               string          `gorm:"type:text" json:"notes"`
	CompletedAt         *time.Time      `json:"completed_at"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// CrewJob is the subset of a job a crew session may see.
type CrewJob struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Address         string          `json:"address"`
	CustomerName    string          `json:"customer_name"`
	Status          JobStatus       `json:"status"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	Materials       Materials       `json:"materials"`
	Actuals         *Materials      `json:"actuals"`
	Notes           string          `json:"notes"`
}

// GetCrewJobs lists the work orders a crew can act on, newest first.
func GetCrewJobs(ctx context.Context, db *gorm.DB, orgID string) ([]CrewJob, error) {
	var jobs []Job
	err := db.WithContext(ctx).
		Where("organization_id = ? AND status = ?", orgID, JobStatusWorkOrder).
		Order("updated_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	customerIDs := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.CustomerId != nil {
			customerIDs = append(customerIDs, *j.CustomerId)
		}
	}
	names := make(map[string]string)
	if len(customerIDs) > 0 {
		var customers []Customer
		if err := db.WithContext(ctx).
			Select("id", "name").
			Where("organization_id = ? AND id IN ?", orgID, utils.UniqueSlice(customerIDs)).
			Find(&customers).Error; err != nil {
			return nil, err
		}
		for _, c := range customers {
			names[c.ID] = c.Name
		}
	}

	out := make([]CrewJob, 0, len(jobs))
	for _, j := range jobs {
		cj := CrewJob{
			ID:              j.ID,
			Name:            j.Name,
			Address:         j.Address,
			Status:          j.Status,
			ExecutionStatus: j.ExecutionStatus,
			Materials:       j.Materials,
			Actuals:         j.Actuals,
			Notes:           j.Notes,
		}
		if j.CustomerId != nil {
			cj.CustomerName = names[*j.CustomerId]
		}
		out = append(out, cj)
	}
	return out, nil
}
