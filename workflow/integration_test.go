package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/models"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu     sync.Mutex
	tables []string
}

func (n *recordingNotifier) NotifyChange(_ context.Context, _, table, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tables = append(n.tables, table)
}

func setupIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "foam_test")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	models.MigrateTable(db)
	return db
}

func createOrg(t *testing.T, db *gorm.DB, name string) *models.Organization {
	t.Helper()
	org, err := models.CreateOrganization(context.Background(), db, &models.NewOrganization{Name: name, CrewPin: "1234"})
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestIntegration_WorkflowStore(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	logger := logrus.New()

	t.Run("estimate, reconcile, correct", func(t *testing.T) {
		org := createOrg(t, db, "Reconcile Co")
		notifier := &recordingNotifier{}
		reconciler := NewReconciler(db, logger, nil, notifier)
		writers := NewWriters(db, logger, reconciler, notifier)

		if err := models.AddWarehouseStock(db, org.ID, decimal.NewFromInt(100), decimal.Zero); err != nil {
			t.Fatalf("seed stock: %v", err)
		}
		inv, err := writers.Apply(ctx, WriteRequest{
			OrganizationId: org.ID,
			Table:          TableInventoryItems,
			Operation:      models.RetryOperationUpsert,
			Payload:        mustJSON(t, map[string]any{"id": "temp-tape", "name": "Tape", "quantity": "50"}),
		})
		if err != nil {
			t.Fatalf("create inventory: %v", err)
		}
		if inv.TempId != "temp-tape" || inv.Id == "temp-tape" {
			t.Fatalf("inventory id mapping: %+v", inv)
		}

		job, err := writers.Apply(ctx, WriteRequest{
			OrganizationId: org.ID,
			Table:          TableJobs,
			Operation:      models.RetryOperationUpsert,
			Payload: mustJSON(t, JobInput{
				Id:     "temp-job",
				Name:   "Attic",
				Status: models.JobStatusWorkOrder,
				Materials: models.Materials{
					OpenCellSets: decimal.NewFromInt(10),
					Inventory:    []models.MaterialLine{{Name: "tape", Quantity: decimal.NewFromInt(6)}},
				},
			}),
		})
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		assertStock(t, db, org.ID, inv.Id, "90", "44")

		reconcileAs := func(status models.ExecutionStatus, sets int64) *ReconcileResult {
			res, err := reconciler.ReconcileJob(ctx, ReconcileInput{
				OrganizationId:  org.ID,
				JobId:           job.Id,
				ExecutionStatus: status,
				Actuals: models.Materials{
					OpenCellSets: decimal.NewFromInt(sets),
					Inventory:    []models.MaterialLine{{InventoryItemId: inv.Id, Name: "Tape", Quantity: decimal.NewFromInt(4)}},
				},
			})
			if err != nil {
				t.Fatalf("ReconcileJob(%s, %d): %v", status, sets, err)
			}
			return res
		}
		reconcile := func(sets int64) *ReconcileResult { return reconcileAs(models.ExecutionCompleted, sets) }

		if res := reconcile(7); !res.StockAdjusted {
			t.Fatalf("first reconcile did not adjust stock")
		}
		assertStock(t, db, org.ID, inv.Id, "93", "46")

		if res := reconcile(7); res.StockAdjusted {
			t.Fatalf("repeat reconcile adjusted stock")
		}
		assertStock(t, db, org.ID, inv.Id, "93", "46")

		reconcile(9)
		assertStock(t, db, org.ID, inv.Id, "91", "46")

		// Completed -> In Progress -> Completed: the last applied actuals stay the reference.
		reconcileAs(models.ExecutionInProgress, 5)
		assertStock(t, db, org.ID, inv.Id, "91", "46")
		if res := reconcile(9); res.StockAdjusted {
			t.Fatalf("re-completion with the same actuals adjusted stock")
		}
		assertStock(t, db, org.ID, inv.Id, "91", "46")
		reconcileAs(models.ExecutionInProgress, 9)
		reconcile(5)
		assertStock(t, db, org.ID, inv.Id, "95", "46")
		reconcile(9)
		assertStock(t, db, org.ID, inv.Id, "91", "46")

		// Estimate edits after completion leave stock alone.
		_, err = writers.Apply(ctx, WriteRequest{
			OrganizationId: org.ID,
			Table:          TableJobs,
			Operation:      models.RetryOperationUpsert,
			Payload: mustJSON(t, JobInput{
				Id:        job.Id,
				Name:      "Attic",
				Status:    models.JobStatusInvoiced,
				Materials: models.Materials{OpenCellSets: decimal.NewFromInt(30)},
			}),
		})
		if err != nil {
			t.Fatalf("edit job: %v", err)
		}
		assertStock(t, db, org.ID, inv.Id, "91", "46")
	})

	t.Run("concurrent increments are atomic", func(t *testing.T) {
		org := createOrg(t, db, "Atomic Co")
		item := models.InventoryItem{ID: "atomic-item", OrganizationId: org.ID, Name: "Tape", NameKey: "tape", Quantity: decimal.NewFromInt(100)}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("create item: %v", err)
		}
		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		// Half the writers return 5, half consume 3: net +20 in any interleaving.
		for i := 0; i < workers; i++ {
			delta := decimal.NewFromInt(5)
			if i%2 == 1 {
				delta = decimal.NewFromInt(-3)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- db.Transaction(func(tx *gorm.DB) error {
					_, err := models.AddInventoryQuantity(tx, org.ID, item.ID, delta)
					if err != nil {
						return err
					}
					return models.AddWarehouseStock(tx, org.ID, delta, decimal.Zero)
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("increment: %v", err)
			}
		}
		assertStock(t, db, org.ID, item.ID, "20", "120")
	})

	t.Run("claims never overlap", func(t *testing.T) {
		org := createOrg(t, db, "Claim Co")
		now := time.Now().UTC()
		for i := 0; i < 30; i++ {
			e := models.RetryQueueEntry{
				OrganizationId: org.ID,
				TargetTable:    TableCustomers,
				Operation:      models.RetryOperationUpsert,
				Payload:        models.RawJSON(fmt.Sprintf(`{"id":"c-%d","name":"C %d"}`, i, i)),
				ConflictKey:    "id",
				Status:         models.RetryStatusPending,
				MaxAttempts:    5,
				NextRetryAt:    now.Add(-time.Minute),
			}
			if err := db.Create(&e).Error; err != nil {
				t.Fatalf("seed entry: %v", err)
			}
		}

		settings := config.RetryQueueSettings{BatchSize: 10, PollInterval: time.Second, LockTimeout: 5 * time.Minute}
		var mu sync.Mutex
		seen := map[int]string{}
		var wg sync.WaitGroup
		for w := 0; w < 3; w++ {
			p := NewRetryQueueProcessor(db, logger, nil, settings)
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, _, err := p.claim(ctx, 10)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, e := range claimed {
					if other, dup := seen[e.ID]; dup {
						t.Errorf("entry %d claimed by %s and %s", e.ID, other, p.WorkerID)
					}
					seen[e.ID] = p.WorkerID
				}
			}()
		}
		wg.Wait()
		if len(seen) == 0 {
			t.Fatalf("nothing claimed")
		}
		db.Where("organization_id = ?", org.ID).Delete(&models.RetryQueueEntry{})
	})

	t.Run("replay and cleanup", func(t *testing.T) {
		org := createOrg(t, db, "Replay Co")
		now := time.Now().UTC()
		writers := NewWriters(db, logger, NewReconciler(db, logger, nil, nil), nil)
		p := NewRetryQueueProcessor(db, logger, writers, config.RetryQueueSettings{BatchSize: 10, LockTimeout: time.Hour})
		p.Now = func() time.Time { return now.Add(time.Minute) }

		good, created, err := EnqueueRetry(ctx, db, RetryEnqueueInput{
			OrganizationId: org.ID,
			TargetTable:    TableCustomers,
			Operation:      models.RetryOperationUpsert,
			Payload:        json.RawMessage(`{"id":"cust-1","name":"Ada"}`),
			IdempotencyKey: "k1",
		}, now)
		if err != nil || !created {
			t.Fatalf("enqueue: created=%v err=%v", created, err)
		}
		if good.NextRetryAt.Before(now.Add(models.MinRetryDelay - time.Second)) {
			t.Fatalf("entry due too early: %s", good.NextRetryAt)
		}
		dup, created, err := EnqueueRetry(ctx, db, RetryEnqueueInput{
			OrganizationId: org.ID,
			TargetTable:    TableCustomers,
			Operation:      models.RetryOperationUpsert,
			Payload:        json.RawMessage(`{"id":"cust-1","name":"Ada"}`),
			IdempotencyKey: "k1",
		}, now)
		if err != nil || created || dup.ID != good.ID {
			t.Fatalf("idempotent enqueue: created=%v id=%d err=%v", created, dup.ID, err)
		}
		bad, _, err := EnqueueRetry(ctx, db, RetryEnqueueInput{
			OrganizationId: org.ID,
			TargetTable:    TableJobs,
			Operation:      models.RetryOperationUpdate,
			Payload:        json.RawMessage(`{"id":"missing-job","name":"Ghost"}`),
		}, now)
		if err != nil {
			t.Fatalf("enqueue bad: %v", err)
		}

		res, err := p.ProcessBatch(ctx, 10)
		if err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if res.Succeeded != 1 || res.Failed != 1 {
			t.Fatalf("batch = %+v", res)
		}
		var cust models.Customer
		if err := db.Where("organization_id = ? AND id = ?", org.ID, "cust-1").Take(&cust).Error; err != nil {
			t.Fatalf("replayed customer missing: %v", err)
		}

		// Finished exactly at the cutoff is purged; a second later is kept.
		cutoff := RetentionCutoff(now, 7)
		db.Model(&models.RetryQueueEntry{}).Where("id = ?", good.ID).Update("finished_at", cutoff)
		db.Model(&models.RetryQueueEntry{}).Where("id = ?", bad.ID).Update("finished_at", cutoff.Add(time.Second))
		out, err := CleanupRetryQueue(ctx, db, now, 7, 7, nil)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if out.CompletedPurged != 1 || out.FailedPurged != 0 {
			t.Fatalf("cleanup = %+v", out)
		}
	})
}

func TestIntegration_WriteIds(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := context.Background()
	logger := logrus.New()
	writers := NewWriters(db, logger, NewReconciler(db, logger, nil, nil), nil)

	t.Run("resent inventory edit applies once", func(t *testing.T) {
		org := createOrg(t, db, "Resend Co")
		item := models.InventoryItem{ID: "resend-item", OrganizationId: org.ID, Name: "Tape", NameKey: "tape", Quantity: decimal.NewFromInt(50)}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("create item: %v", err)
		}
		req := WriteRequest{
			OrganizationId: org.ID,
			Table:          TableInventoryItems,
			Operation:      models.RetryOperationUpsert,
			Payload:        mustJSON(t, map[string]any{"id": item.ID, "name": "Tape", "quantity": "40", "base_quantity": "50"}),
			WriteId:        "edit-1",
		}
		// The first response is lost; the client sends the same write again.
		if _, err := writers.Apply(ctx, req); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		res, err := writers.Apply(ctx, req)
		if err != nil {
			t.Fatalf("resend: %v", err)
		}
		if !res.Duplicate || res.Id != item.ID {
			t.Fatalf("resend result = %+v", res)
		}
		var got models.InventoryItem
		db.Where("id = ?", item.ID).Take(&got)
		if !got.Quantity.Equal(decimal.NewFromInt(40)) {
			t.Fatalf("quantity = %s, want 40", got.Quantity)
		}

		// A queued copy of the same write is completed without applying it again.
		key := "edit-1"
		e := models.RetryQueueEntry{
			OrganizationId: org.ID,
			TargetTable:    TableInventoryItems,
			Operation:      models.RetryOperationUpsert,
			Payload:        models.RawJSON(req.Payload),
			IdempotencyKey: &key,
			Status:         models.RetryStatusPending,
			MaxAttempts:    5,
			NextRetryAt:    time.Now().UTC().Add(-time.Minute),
		}
		if err := db.Create(&e).Error; err != nil {
			t.Fatalf("seed entry: %v", err)
		}
		p := NewRetryQueueProcessor(db, logger, writers, config.RetryQueueSettings{BatchSize: 10, LockTimeout: time.Hour})
		out, err := p.ProcessBatch(ctx, 10)
		if err != nil || out.Succeeded != 1 {
			t.Fatalf("batch = %+v err = %v", out, err)
		}
		db.Where("id = ?", item.ID).Take(&got)
		if !got.Quantity.Equal(decimal.NewFromInt(40)) {
			t.Fatalf("quantity after replay = %s, want 40", got.Quantity)
		}
	})

	t.Run("resent create keeps one row", func(t *testing.T) {
		org := createOrg(t, db, "Create Co")
		req := WriteRequest{
			OrganizationId: org.ID,
			Table:          TableCustomers,
			Operation:      models.RetryOperationUpsert,
			Payload:        mustJSON(t, map[string]any{"id": "temp-ada", "name": "Ada"}),
			WriteId:        "create-1",
		}
		first, err := writers.Apply(ctx, req)
		if err != nil {
			t.Fatalf("first apply: %v", err)
		}
		second, err := writers.Apply(ctx, req)
		if err != nil {
			t.Fatalf("resend: %v", err)
		}
		if second.Id != first.Id || second.TempId != "temp-ada" {
			t.Fatalf("first = %+v, resend = %+v", first, second)
		}
		var n int64
		db.Model(&models.Customer{}).Where("organization_id = ?", org.ID).Count(&n)
		if n != 1 {
			t.Fatalf("customers = %d, want 1", n)
		}
	})

	t.Run("replay that lost its claim changes nothing", func(t *testing.T) {
		org := createOrg(t, db, "Stale Co")
		e := models.RetryQueueEntry{
			OrganizationId: org.ID,
			TargetTable:    TableCustomers,
			Operation:      models.RetryOperationUpsert,
			Payload:        models.RawJSON(`{"id":"stale-cust","name":"Ada"}`),
			Status:         models.RetryStatusPending,
			MaxAttempts:    5,
			NextRetryAt:    time.Now().UTC().Add(-time.Minute),
		}
		if err := db.Create(&e).Error; err != nil {
			t.Fatalf("seed entry: %v", err)
		}
		p := NewRetryQueueProcessor(db, logger, writers, config.RetryQueueSettings{BatchSize: 10, LockTimeout: time.Hour})
		claimed, _, err := p.claim(ctx, 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("claim: %d %v", len(claimed), err)
		}
		// Another worker took the entry over after a stale lock.
		db.Model(&models.RetryQueueEntry{}).Where("id = ?", e.ID).Update("locked_by", "retry-other")

		if status := p.replay(ctx, claimed[0]); status != "" {
			t.Fatalf("replay status = %q, want none", status)
		}
		var n int64
		db.Model(&models.Customer{}).Where("organization_id = ?", org.ID).Count(&n)
		if n != 0 {
			t.Fatalf("write applied by a worker without the claim")
		}
		var row models.RetryQueueEntry
		db.Where("id = ?", e.ID).Take(&row)
		if row.Status != models.RetryStatusProcessing || row.LockedBy == nil || *row.LockedBy != "retry-other" {
			t.Fatalf("entry changed by a worker without the claim: %+v", row)
		}
	})
}

func assertStock(t *testing.T, db *gorm.DB, orgID, itemID, wantOpen, wantItem string) {
	t.Helper()
	ws, err := models.GetWarehouseStock(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("GetWarehouseStock: %v", err)
	}
	if !ws.OpenCellSets.Equal(decimal.RequireFromString(wantOpen)) {
		t.Fatalf("open cell sets = %s, want %s", ws.OpenCellSets, wantOpen)
	}
	var item models.InventoryItem
	if err := db.Where("organization_id = ? AND id = ?", orgID, itemID).Take(&item).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if !item.Quantity.Equal(decimal.RequireFromString(wantItem)) {
		t.Fatalf("%s quantity = %s, want %s", item.Name, item.Quantity, wantItem)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("foam-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=foam_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
