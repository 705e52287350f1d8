package syncclient

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
)

// SaveJob stores job locally and writes it remotely in the background.
// A job without an id gets a temporary one, which is returned.
func (c *Coordinator) SaveJob(job models.Job) (string, error) {
	if job.ID == "" {
		job.ID = utils.NewTempId()
	}
	job.OrganizationId = c.Session.OrganizationId
	err := c.call(func() {
		c.state.Jobs = upsertJob(c.state.Jobs, job)
		c.startWrite(workflow.TableJobs, job.ID)
	})
	return job.ID, err
}

func (c *Coordinator) SaveCustomer(customer models.Customer) (string, error) {
	if customer.ID == "" {
		customer.ID = utils.NewTempId()
	}
	customer.OrganizationId = c.Session.OrganizationId
	err := c.call(func() {
		c.state.Customers = upsertCustomer(c.state.Customers, customer)
		c.startWrite(workflow.TableCustomers, customer.ID)
	})
	return customer.ID, err
}

// SaveInventoryItem sends the edit with the quantity it started from so the
// server applies only the difference.
func (c *Coordinator) SaveInventoryItem(item models.InventoryItem) (string, error) {
	if item.ID == "" {
		item.ID = utils.NewTempId()
	}
	item.OrganizationId = c.Session.OrganizationId
	err := c.call(func() {
		c.state.InventoryItems = upsertInventory(c.state.InventoryItems, item)
		c.startWrite(workflow.TableInventoryItems, item.ID)
	})
	return item.ID, err
}

func (c *Coordinator) SaveEquipment(e models.Equipment) (string, error) {
	if e.ID == "" {
		e.ID = utils.NewTempId()
	}
	e.OrganizationId = c.Session.OrganizationId
	err := c.call(func() {
		c.state.Equipment = upsertEquipment(c.state.Equipment, e)
		c.startWrite(workflow.TableEquipment, e.ID)
	})
	return e.ID, err
}

// DeleteEntity removes the row locally. Rows that never reached the server are
// only deleted remotely once their first write lands.
func (c *Coordinator) DeleteEntity(table, id string) error {
	return c.call(func() {
		c.state.remove(table, id)
		k := entityKey{table, id}
		delete(c.dirty, k)
		if c.inflight[k] {
			c.deleteAfter[k] = true
			return
		}
		if utils.IsTempId(id) {
			return
		}
		c.startDelete(table, id)
	})
}

func (c *Coordinator) inventoryBody(v models.InventoryItem) inventoryPayload {
	p := inventoryPayload{InventoryItem: v}
	if base, ok := c.inventoryBase[v.ID]; ok && !utils.IsTempId(v.ID) {
		p.BaseQuantity = &base
	}
	return p
}

func (c *Coordinator) bodyFor(table, id string) (any, bool) {
	switch table {
	case workflow.TableJobs:
		for _, v := range c.state.Jobs {
			if v.ID == id {
				return v, true
			}
		}
	case workflow.TableCustomers:
		for _, v := range c.state.Customers {
			if v.ID == id {
				return v, true
			}
		}
	case workflow.TableInventoryItems:
		for _, v := range c.state.InventoryItems {
			if v.ID == id {
				return c.inventoryBody(v), true
			}
		}
	case workflow.TableEquipment:
		for _, v := range c.state.Equipment {
			if v.ID == id {
				return v, true
			}
		}
	}
	return nil, false
}

func conflictKeyFor(table, id string) string {
	if table == workflow.TableInventoryItems && utils.IsTempId(id) {
		return "name"
	}
	return "id"
}

// startWrite sends the current local row. Writes to one row never overlap; an
// edit made while a write is in flight is sent after it finishes.
func (c *Coordinator) startWrite(table, id string) {
	if c.Session.crew() {
		return
	}
	k := entityKey{table, id}
	if c.inflight[k] {
		c.dirty[k] = true
		return
	}
	body, ok := c.bodyFor(table, id)
	if !ok {
		return
	}
	c.inflight[k] = true
	ctx := c.runCtx
	orgID := c.Session.OrganizationId
	// One write id covers the attempts below and the queued replay, so a resend
	// after a lost response is not applied twice.
	writeID := uuid.NewString()
	go func() {
		ack, err := retryWrite(ctx, c.sleep, func(ctx context.Context) (*WriteAck, error) {
			return c.Remote.PutEntity(ctx, orgID, table, id, writeID, body)
		})
		queued := false
		if err != nil {
			queued = c.fallback(ctx, table, models.RetryOperationUpsert, conflictKeyFor(table, id), writeID, body, err)
		}
		c.post(func() { c.finishWrite(table, id, body, ack, err, queued) })
	}()
}

func (c *Coordinator) finishWrite(table, id string, sent any, ack *WriteAck, err error, queued bool) {
	k := entityKey{table, id}
	delete(c.inflight, k)
	current := id

	if err == nil && ack != nil && ack.Id != "" && ack.Id != id {
		current = ack.Id
		c.state.remapId(table, id, current)
		nk := entityKey{table, current}
		if c.dirty[k] {
			delete(c.dirty, k)
			c.dirty[nk] = true
		}
		if c.deleteAfter[k] {
			delete(c.deleteAfter, k)
			c.deleteAfter[nk] = true
		}
		k = nk
	}

	if table == workflow.TableInventoryItems && (err == nil || queued) {
		if p, ok := sent.(inventoryPayload); ok {
			c.inventoryBase[current] = p.Quantity
		}
		if err == nil && ack != nil && len(ack.Record) > 0 && !c.dirty[k] && !c.deleteAfter[k] {
			var rec models.InventoryItem
			if json.Unmarshal(ack.Record, &rec) == nil && rec.ID == current {
				c.state.InventoryItems = upsertInventory(c.state.InventoryItems, rec)
				c.inventoryBase[current] = rec.Quantity
			}
		}
	}
	if err == nil && ack != nil && len(ack.Unmatched) > 0 {
		c.log("finishWrite").WithField("unmatched", ack.Unmatched).Warn("stock rows not found for material lines")
	}

	if c.deleteAfter[k] {
		delete(c.deleteAfter, k)
		delete(c.dirty, k)
		if !utils.IsTempId(current) {
			c.startDelete(table, current)
		}
		return
	}
	if c.dirty[k] {
		delete(c.dirty, k)
		c.startWrite(table, current)
	}
}

func (c *Coordinator) startDelete(table, id string) {
	if c.Session.crew() {
		return
	}
	k := entityKey{table, id}
	c.inflight[k] = true
	ctx := c.runCtx
	orgID := c.Session.OrganizationId
	go func() {
		_, err := retryWrite(ctx, c.sleep, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.Remote.DeleteEntity(ctx, orgID, table, id)
		})
		if err != nil {
			c.fallback(ctx, table, models.RetryOperationDelete, "id", uuid.NewString(), map[string]string{"id": id}, err)
		}
		c.post(func() {
			delete(c.inflight, k)
			delete(c.dirty, k)
			if table == workflow.TableInventoryItems {
				delete(c.inventoryBase, id)
			}
		})
	}()
}

// CompleteJob records actual usage for a job and reconciles stock remotely.
// Partial matches still count as synced; only a reconciliation where every
// inventory line failed reports an error.
func (c *Coordinator) CompleteJob(jobID string, actuals models.Materials, status models.ExecutionStatus) error {
	return c.call(func() {
		for i := range c.state.CrewJobs {
			if c.state.CrewJobs[i].ID == jobID {
				a := actuals
				c.state.CrewJobs[i].Actuals = &a
				c.state.CrewJobs[i].ExecutionStatus = status
			}
		}
		for i := range c.state.Jobs {
			if c.state.Jobs[i].ID == jobID {
				a := actuals
				c.state.Jobs[i].Actuals = &a
				c.state.Jobs[i].ExecutionStatus = status
			}
		}

		ctx := c.runCtx
		orgID := c.Session.OrganizationId
		go func() {
			ack, err := retryWrite(ctx, c.sleep, func(ctx context.Context) (*ReconcileAck, error) {
				return c.Remote.ReconcileJob(ctx, orgID, jobID, actuals, status)
			})
			if err != nil {
				c.fallback(ctx, workflow.TableJobReconciliation, models.RetryOperationUpsert, "", uuid.NewString(), workflow.ReconcileInput{
					OrganizationId:  orgID,
					JobId:           jobID,
					Actuals:         actuals,
					ExecutionStatus: status,
				}, err)
				return
			}
			if ack.AllFailed {
				c.notify(Notice{Level: NoticeError, Table: workflow.TableJobs, Id: jobID, Message: "Sync error: no inventory item matched this job's materials"})
			} else {
				c.notify(Notice{Level: NoticeInfo, Table: workflow.TableJobs, Id: jobID, Message: "Synced"})
			}
			if ack.Job != nil {
				job := *ack.Job
				c.post(func() {
					for i := range c.state.Jobs {
						if c.state.Jobs[i].ID == job.ID {
							c.state.Jobs[i] = job
						}
					}
				})
			}
		}()
	})
}

// InventoryBase reports the quantity the next write of item id will be diffed against.
func (c *Coordinator) InventoryBase(id string) (decimal.Decimal, bool, error) {
	var out decimal.Decimal
	var ok bool
	err := c.call(func() { out, ok = c.inventoryBase[id] })
	return out, ok, err
}
