package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/realtime"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
)

const (
	DefaultDebounce = 3 * time.Second
	WriteAttempts   = 3
	writeBaseDelay  = 500 * time.Millisecond
	writeMaxDelay   = 4 * time.Second
)

// WriteRetryDelay is the pause after failed attempt i (0-based): min(500ms*2^i, 4s).
func WriteRetryDelay(i int) time.Duration {
	if i < 0 {
		i = 0
	}
	if i > 8 {
		return writeMaxDelay
	}
	d := writeBaseDelay << uint(i)
	if d > writeMaxDelay {
		d = writeMaxDelay
	}
	return d
}

var ErrStopped = errors.New("coordinator stopped")

type entityKey struct {
	table string
	id    string
}

// Coordinator keeps a client-local copy of organization state in step with the
// remote store. All state is owned by the goroutine running Run; public methods
// post closures to it. Remote calls run on their own goroutines and post their
// results back.
type Coordinator struct {
	Remote   Remote
	Cache    *Cache
	Logger   *logrus.Logger
	Session  Session
	Debounce time.Duration
	// Sleep waits between write attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	ops     chan func()
	notices chan Notice
	ready   chan struct{}
	done    chan struct{}

	// Owned by the loop.
	runCtx        context.Context
	state         State
	inventoryBase map[string]decimal.Decimal
	initialized   bool
	pulling       bool
	baseline      uint64
	debounceTimer *time.Timer
	debounceGen   int
	inflight      map[entityKey]bool
	dirty         map[entityKey]bool
	deleteAfter   map[entityKey]bool
	refreshing    bool
	refreshTables map[string]bool
}

func NewCoordinator(remote Remote, cache *Cache, logger *logrus.Logger, session Session) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		Remote:        remote,
		Cache:         cache,
		Logger:        logger,
		Session:       session,
		Debounce:      DefaultDebounce,
		Now:           func() time.Time { return time.Now().UTC() },
		ops:           make(chan func(), 256),
		notices:       make(chan Notice, 64),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		inventoryBase: make(map[string]decimal.Decimal),
		inflight:      make(map[entityKey]bool),
		dirty:         make(map[entityKey]bool),
		deleteAfter:   make(map[entityKey]bool),
		refreshTables: make(map[string]bool),
	}
}

// Run processes posted work until ctx is done. It must run for the other methods to return.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	defer func() {
		if c.debounceTimer != nil {
			c.debounceTimer.Stop()
		}
		close(c.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.ops:
			fn()
		}
	}
}

// Notices delivers user-facing messages. Undrained notices are dropped once the buffer is full.
func (c *Coordinator) Notices() <-chan Notice { return c.notices }

// Ready is closed once the cold-start pull finished, successfully or not.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

func (c *Coordinator) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) log(funcName string) *logrus.Entry {
	return c.Logger.WithFields(logrus.Fields{
		"field":           "Coordinator",
		"func":            funcName,
		"organization_id": c.Session.OrganizationId,
		"role":            c.Session.Role,
	})
}

// State returns a copy of the local state.
func (c *Coordinator) State() (State, error) {
	var out State
	err := c.call(func() { out = c.state.clone() })
	return out, err
}

// Start begins the cold-start pull. Wait on Ready for it to finish.
func (c *Coordinator) Start() error {
	return c.call(func() { c.beginPull() })
}

func (c *Coordinator) fetch(ctx context.Context) (State, error) {
	if c.Session.crew() {
		jobs, err := c.Remote.FetchCrewJobs(ctx, c.Session.OrganizationId)
		if err != nil {
			return State{}, err
		}
		return State{CrewJobs: jobs}, nil
	}
	snap, err := c.Remote.FetchOrgSnapshot(ctx, c.Session.OrganizationId)
	if err != nil {
		return State{}, err
	}
	return stateFromSnapshot(snap), nil
}

func (c *Coordinator) saveCache(ctx context.Context, st State) {
	if c.Cache == nil || c.Session.Username == "" {
		return
	}
	if err := c.Cache.Save(ctx, c.Session.Username, st, c.Now()); err != nil {
		c.log("saveCache").Warn("failed to cache snapshot: " + err.Error())
	}
}

func (c *Coordinator) beginPull() {
	if c.pulling {
		return
	}
	c.pulling = true
	ctx := c.runCtx
	go func() {
		st, err := c.fetch(ctx)
		if err == nil {
			c.saveCache(ctx, st)
			c.post(func() { c.finishPull(st, true, nil) })
			return
		}
		c.log("beginPull").Warn("snapshot pull failed: " + err.Error())
		if c.Cache != nil && c.Session.Username != "" {
			cached, savedAt, ok, cerr := c.Cache.Load(ctx, c.Session.Username)
			if cerr != nil {
				c.log("beginPull").Warn("failed to read cached snapshot: " + cerr.Error())
			}
			if ok {
				c.notify(Notice{Level: NoticeWarn, Kind: Classify(err), Message: "Offline: showing data saved " + savedAt.Format(time.RFC3339)})
				c.post(func() { c.finishPull(cached, true, err) })
				return
			}
		}
		c.notify(Notice{Level: NoticeError, Kind: Classify(err), Message: "Could not load organization data"})
		c.post(func() { c.finishPull(State{}, false, err) })
	}()
}

func (c *Coordinator) finishPull(st State, ok bool, _ error) {
	if ok {
		c.replaceAll(st)
	}
	c.pulling = false
	if !c.initialized {
		c.initialized = true
		close(c.ready)
	}
}

func (c *Coordinator) replaceAll(st State) {
	c.stopDebounce()
	keep := c.unconfirmed()
	c.state = st
	c.restoreUnconfirmed(keep, "")
	c.inventoryBase = make(map[string]decimal.Decimal, len(st.InventoryItems))
	for _, it := range st.InventoryItems {
		c.inventoryBase[it.ID] = it.Quantity
	}
	c.baseline = Fingerprint(c.state.Settings)
}

// unconfirmed collects rows whose first write is still in flight.
func (c *Coordinator) unconfirmed() State {
	var keep State
	for _, j := range c.state.Jobs {
		if c.inflight[entityKey{workflow.TableJobs, j.ID}] && utils.IsTempId(j.ID) {
			keep.Jobs = append(keep.Jobs, j)
		}
	}
	for _, v := range c.state.Customers {
		if c.inflight[entityKey{workflow.TableCustomers, v.ID}] && utils.IsTempId(v.ID) {
			keep.Customers = append(keep.Customers, v)
		}
	}
	for _, v := range c.state.InventoryItems {
		if c.inflight[entityKey{workflow.TableInventoryItems, v.ID}] && utils.IsTempId(v.ID) {
			keep.InventoryItems = append(keep.InventoryItems, v)
		}
	}
	for _, v := range c.state.Equipment {
		if c.inflight[entityKey{workflow.TableEquipment, v.ID}] && utils.IsTempId(v.ID) {
			keep.Equipment = append(keep.Equipment, v)
		}
	}
	return keep
}

// restoreUnconfirmed puts kept rows back. An empty table restores every class.
func (c *Coordinator) restoreUnconfirmed(keep State, table string) {
	if table == "" || table == workflow.TableJobs {
		for _, v := range keep.Jobs {
			c.state.Jobs = upsertJob(c.state.Jobs, v)
		}
	}
	if table == "" || table == workflow.TableCustomers {
		for _, v := range keep.Customers {
			c.state.Customers = upsertCustomer(c.state.Customers, v)
		}
	}
	if table == "" || table == workflow.TableInventoryItems {
		for _, v := range keep.InventoryItems {
			c.state.InventoryItems = upsertInventory(c.state.InventoryItems, v)
		}
	}
	if table == "" || table == workflow.TableEquipment {
		for _, v := range keep.Equipment {
			c.state.Equipment = upsertEquipment(c.state.Equipment, v)
		}
	}
}

// Update applies fn to the local settings and schedules a debounced push.
func (c *Coordinator) Update(fn func(*models.OrgSettings)) error {
	return c.call(func() {
		fn(&c.state.Settings)
		c.settingsChanged()
	})
}

func (c *Coordinator) settingsChanged() {
	if c.pulling || !c.initialized || c.Session.crew() {
		return
	}
	if Fingerprint(c.state.Settings) == c.baseline {
		c.stopDebounce()
		return
	}
	c.armDebounce()
}

func (c *Coordinator) stopDebounce() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.debounceGen++
}

// armDebounce (re)starts the quiet period. A newer edit supersedes the pending push.
func (c *Coordinator) armDebounce() {
	c.stopDebounce()
	gen := c.debounceGen
	delay := c.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	c.debounceTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if gen != c.debounceGen {
				return
			}
			c.debounceTimer = nil
			c.pushSettings()
		})
	})
}

func (c *Coordinator) pushSettings() {
	if c.pulling || c.Session.crew() {
		return
	}
	settings := c.state.Settings
	fp := Fingerprint(settings)
	ctx := c.runCtx
	go func() {
		_, err := retryWrite(ctx, c.sleep, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.Remote.PutSettings(ctx, c.Session.OrganizationId, settings)
		})
		queued := false
		if err != nil {
			queued = c.fallback(ctx, workflow.TableOrganizations, models.RetryOperationUpdate, "", uuid.NewString(), settings, err)
		}
		c.post(func() {
			if err == nil || queued {
				c.baseline = fp
			}
		})
	}()
}

// retryWrite runs fn up to WriteAttempts times while it fails transiently.
func retryWrite[T any](ctx context.Context, sleep func(context.Context, time.Duration) error, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for i := 0; i < WriteAttempts; i++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if Classify(err) != KindTransient {
			return zero, err
		}
		if i < WriteAttempts-1 {
			if serr := sleep(ctx, WriteRetryDelay(i)); serr != nil {
				return zero, err
			}
		}
	}
	return zero, err
}

// fallback reports a failed write. Transient failures are handed to the server-side
// retry queue under writeID; it reports whether that succeeded.
func (c *Coordinator) fallback(ctx context.Context, table string, op models.RetryOperation, conflictKey, writeID string, payload any, err error) bool {
	kind := Classify(err)
	entry := c.log("fallback").WithFields(logrus.Fields{"table": table, "operation": op, "kind": kind.String()})
	switch kind {
	case KindAuthorization:
		entry.Warn("remote write rejected: " + err.Error())
		c.notify(Notice{Level: NoticeError, Kind: kind, Table: table, Message: "Your session has expired. Sign in again to keep syncing."})
		return false
	case KindPermanent:
		entry.Error("remote write failed: " + err.Error())
		c.notify(Notice{Level: NoticeError, Kind: kind, Table: table, Message: "Could not save " + table + ": " + err.Error()})
		return false
	}

	body, merr := json.Marshal(payload)
	if merr != nil {
		entry.Error("cannot encode payload for retry queue: " + merr.Error())
		c.notify(Notice{Level: NoticeError, Kind: KindPermanent, Table: table, Message: "Could not save " + table})
		return false
	}
	qerr := c.Remote.EnqueueRetry(ctx, c.Session.OrganizationId, RetryRequest{
		TargetTable:    table,
		Operation:      op,
		Payload:        body,
		ConflictKey:    conflictKey,
		IdempotencyKey: writeID,
	})
	if qerr != nil {
		entry.Warn("retry queue unreachable: " + qerr.Error())
		c.notify(Notice{Level: NoticeWarn, Kind: kind, Table: table, Message: "Offline: your change is kept on this device. Use force sync when you are back online."})
		return false
	}
	entry.Info("write handed to retry queue")
	c.notify(Notice{Level: NoticeWarn, Kind: kind, Table: table, Message: "Connection problem: your change is saved and will retry automatically."})
	return true
}

func (c *Coordinator) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log("notify").Warn("notice dropped: " + n.Message)
	}
}

// HandleEvent merges a realtime notification.
func (c *Coordinator) HandleEvent(e realtime.ChangeEvent) {
	if e.OrganizationId != "" && e.OrganizationId != c.Session.OrganizationId {
		return
	}
	c.HandleChange(e.Table)
}

// HandleChange re-fetches and wholesale replaces the entity class named by table.
// Crew sessions re-fetch their work orders for job changes and work-order broadcasts.
func (c *Coordinator) HandleChange(table string) {
	c.post(func() {
		if !c.initialized || c.pulling {
			return
		}
		if c.Session.crew() && table != workflow.TableJobs && table != realtime.TopicWorkOrderUpdated {
			return
		}
		if !c.Session.crew() && table == realtime.TopicWorkOrderUpdated {
			return
		}
		c.refreshTables[table] = true
		if c.refreshing {
			return
		}
		c.startRefresh()
	})
}

func (c *Coordinator) startRefresh() {
	tables := c.refreshTables
	c.refreshTables = make(map[string]bool)
	c.refreshing = true
	ctx := c.runCtx
	go func() {
		st, err := c.fetch(ctx)
		c.post(func() {
			c.refreshing = false
			if err != nil {
				c.log("startRefresh").Warn("refresh after change notification failed: " + err.Error())
			} else {
				for table := range tables {
					c.replaceClass(table, st)
				}
			}
			if len(c.refreshTables) > 0 {
				c.startRefresh()
			}
		})
	}()
}

func (c *Coordinator) replaceClass(table string, st State) {
	if c.Session.crew() {
		c.state.CrewJobs = st.CrewJobs
		return
	}
	keep := c.unconfirmed()
	switch table {
	case workflow.TableJobs:
		c.state.Jobs = st.Jobs
	case workflow.TableCustomers:
		c.state.Customers = st.Customers
	case workflow.TableInventoryItems:
		c.state.InventoryItems = st.InventoryItems
		for _, it := range st.InventoryItems {
			if !c.inflight[entityKey{workflow.TableInventoryItems, it.ID}] {
				c.inventoryBase[it.ID] = it.Quantity
			}
		}
	case workflow.TableEquipment:
		c.state.Equipment = st.Equipment
	case workflow.TableWarehouseStocks:
		c.state.WarehouseStock = st.WarehouseStock
	case workflow.TableOrganizations:
		// Unpushed local edits win until their debounced push lands.
		if c.debounceTimer == nil && Fingerprint(c.state.Settings) == c.baseline {
			c.state.Settings = st.Settings
			c.baseline = Fingerprint(st.Settings)
		}
	default:
		return
	}
	c.restoreUnconfirmed(keep, table)
}

// ForceRefresh pulls the full snapshot and replaces local state.
func (c *Coordinator) ForceRefresh(ctx context.Context) error {
	st, err := c.fetch(ctx)
	if err != nil {
		c.notify(Notice{Level: NoticeError, Kind: Classify(err), Message: "Refresh failed: " + err.Error()})
		return err
	}
	c.saveCache(ctx, st)
	if err := c.call(func() {
		c.replaceAll(st)
		if !c.initialized {
			c.initialized = true
			close(c.ready)
		}
	}); err != nil {
		return err
	}
	c.notify(Notice{Level: NoticeInfo, Message: "Refreshed"})
	return nil
}

type pendingPush struct {
	table string
	id    string
	body  any
}

// ForceSync pushes settings and every local row, then reports the combined failures.
// Rows with a write in flight are skipped.
func (c *Coordinator) ForceSync(ctx context.Context) error {
	if c.Session.crew() {
		return nil
	}
	var settings models.OrgSettings
	var pushes []pendingPush
	if err := c.call(func() {
		c.stopDebounce()
		settings = c.state.Settings
		add := func(table, id string, body any) {
			k := entityKey{table, id}
			if c.inflight[k] {
				return
			}
			c.inflight[k] = true
			pushes = append(pushes, pendingPush{table: table, id: id, body: body})
		}
		for _, v := range c.state.Jobs {
			add(workflow.TableJobs, v.ID, v)
		}
		for _, v := range c.state.Customers {
			add(workflow.TableCustomers, v.ID, v)
		}
		for _, v := range c.state.InventoryItems {
			add(workflow.TableInventoryItems, v.ID, c.inventoryBody(v))
		}
		for _, v := range c.state.Equipment {
			add(workflow.TableEquipment, v.ID, v)
		}
	}); err != nil {
		return err
	}

	var errs []error
	fp := Fingerprint(settings)
	if _, err := retryWrite(ctx, c.sleep, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Remote.PutSettings(ctx, c.Session.OrganizationId, settings)
	}); err != nil {
		errs = append(errs, err)
	} else {
		_ = c.call(func() { c.baseline = fp })
	}

	for _, p := range pushes {
		writeID := uuid.NewString()
		ack, err := retryWrite(ctx, c.sleep, func(ctx context.Context) (*WriteAck, error) {
			return c.Remote.PutEntity(ctx, c.Session.OrganizationId, p.table, p.id, writeID, p.body)
		})
		if err != nil {
			errs = append(errs, err)
		}
		_ = c.call(func() { c.finishWrite(p.table, p.id, p.body, ack, err, false) })
	}
	if len(errs) > 0 {
		c.notify(Notice{Level: NoticeError, Kind: Classify(errs[0]), Message: "Force sync finished with errors"})
		return errors.Join(errs...)
	}
	c.notify(Notice{Level: NoticeInfo, Message: "Synced"})
	return nil
}
