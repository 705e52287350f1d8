package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
)

func TestRetryBackoffGrows(t *testing.T) {
	if got := RetryBackoff(0); got != 10*time.Second {
		t.Fatalf("RetryBackoff(0) = %s", got)
	}
	if got := RetryBackoff(-3); got != 10*time.Second {
		t.Fatalf("RetryBackoff(-3) = %s", got)
	}
	if got := RetryBackoff(2); got != 40*time.Second {
		t.Fatalf("RetryBackoff(2) = %s", got)
	}
	prev := time.Duration(0)
	for i := 0; i < 25; i++ {
		got := RetryBackoff(i)
		if got < prev {
			t.Fatalf("RetryBackoff(%d) = %s < %s", i, got, prev)
		}
		if got < models.MinRetryDelay {
			t.Fatalf("RetryBackoff(%d) = %s below minimum", i, got)
		}
		prev = got
	}
	if RetryBackoff(21) != RetryBackoff(20) {
		t.Fatalf("back-off not capped")
	}
}

func TestRetentionCutoffBoundary(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cutoff := RetentionCutoff(now, 7)
	want := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	if !cutoff.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", cutoff, want)
	}
	if !RetentionCutoff(now, 0).Equal(now) {
		t.Fatalf("zero retention should cut at now")
	}
}

func TestCheckWriteTarget(t *testing.T) {
	ok := []struct {
		table string
		op    models.RetryOperation
	}{
		{TableJobs, models.RetryOperationUpsert},
		{TableCustomers, models.RetryOperationDelete},
		{TableInventoryItems, models.RetryOperationInsert},
		{TableOrganizations, models.RetryOperationUpdate},
		{TableJobReconciliation, models.RetryOperationInsert},
	}
	for _, tc := range ok {
		if err := CheckWriteTarget(tc.table, tc.op); err != nil {
			t.Fatalf("CheckWriteTarget(%s, %s): %v", tc.table, tc.op, err)
		}
	}

	if err := CheckWriteTarget("invoices", models.RetryOperationUpsert); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("unknown table err = %v", err)
	}
	if err := CheckWriteTarget(TableJobs, "merge"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("bad op err = %v", err)
	}
	if err := CheckWriteTarget(TableOrganizations, models.RetryOperationDelete); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("org delete err = %v", err)
	}
}

func TestIsPermanentWriteErr(t *testing.T) {
	permanent := []error{
		fmt.Errorf("x: %w", ErrUnknownTable),
		ErrInvalidPayload,
		utils.ErrorForbidden,
		utils.ErrorRecordNotFound,
		utils.NewValidationError("name", "required"),
	}
	for _, err := range permanent {
		if !IsPermanentWriteErr(err) {
			t.Fatalf("%v should be permanent", err)
		}
	}
	for _, err := range []error{nil, errors.New("connection reset"), context.DeadlineExceeded} {
		if IsPermanentWriteErr(err) {
			t.Fatalf("%v should be retryable", err)
		}
	}
}

func TestEnqueueRetryValidatesBeforeWriting(t *testing.T) {
	now := time.Now()
	base := RetryEnqueueInput{
		OrganizationId: "org-1",
		TargetTable:    TableJobs,
		Operation:      models.RetryOperationUpsert,
		Payload:        json.RawMessage(`{"id":"j1","name":"Attic"}`),
	}
	cases := map[string]func(in *RetryEnqueueInput){
		"no org":          func(in *RetryEnqueueInput) { in.OrganizationId = "" },
		"unknown table":   func(in *RetryEnqueueInput) { in.TargetTable = "invoices" },
		"bad operation":   func(in *RetryEnqueueInput) { in.Operation = "merge" },
		"bad payload":     func(in *RetryEnqueueInput) { in.Payload = json.RawMessage(`{"id":`) },
		"bad conflict":    func(in *RetryEnqueueInput) { in.ConflictKey = "email" },
		"too many tries":  func(in *RetryEnqueueInput) { in.MaxAttempts = 50 },
		"long idem key":   func(in *RetryEnqueueInput) { in.IdempotencyKey = strings.Repeat("k", 129) },
		"negative delay":  func(in *RetryEnqueueInput) { in.DelaySeconds = -1 },
		"missing payload": func(in *RetryEnqueueInput) { in.Payload = nil },
		"org delete": func(in *RetryEnqueueInput) {
			in.TargetTable, in.Operation = TableOrganizations, models.RetryOperationDelete
		},
	}
	for name, mutate := range cases {
		in := base
		mutate(&in)
		// A nil DB proves validation fails before any query.
		_, _, err := EnqueueRetry(context.Background(), nil, in, now)
		if !utils.IsValidationError(err) {
			t.Fatalf("%s: err = %v, want validation error", name, err)
		}
	}
}

func TestCleanupRejectsNegativeRetention(t *testing.T) {
	if _, err := CleanupRetryQueue(context.Background(), nil, time.Now(), -1, 30, nil); !utils.IsValidationError(err) {
		t.Fatalf("err = %v", err)
	}
	if _, err := CleanupRetryQueue(context.Background(), nil, time.Now(), 7, -1, nil); !utils.IsValidationError(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestArchiveObjectName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	got := ArchiveObjectName("", ts, 42)
	want := fmt.Sprintf("retry-queue/failed/2026/01/02/%d-42.jsonl", ts.UnixNano())
	if got != want {
		t.Fatalf("ArchiveObjectName = %q, want %q", got, want)
	}
	if got := ArchiveObjectName("archive", ts, 1); !strings.HasPrefix(got, "archive/2026/01/02/") {
		t.Fatalf("custom prefix: %q", got)
	}
}

func TestEncodeJSONLines(t *testing.T) {
	entries := []models.RetryQueueEntry{
		{ID: 1, OrganizationId: "org-1", TargetTable: TableJobs, Payload: models.RawJSON(`{"id":"j1"}`)},
		{ID: 2, OrganizationId: "org-1", TargetTable: TableCustomers, Payload: models.RawJSON(`{"id":"c1"}`)},
	}
	data, err := EncodeJSONLines(entries)
	if err != nil {
		t.Fatalf("EncodeJSONLines: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	var first struct {
		ID      int             `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("line 0: %v", err)
	}
	if first.ID != 1 || string(first.Payload) != `{"id":"j1"}` {
		t.Fatalf("line 0 = %s", lines[0])
	}
}

func TestLastErrorTextTruncates(t *testing.T) {
	if lastErrorText(nil) != nil {
		t.Fatalf("nil error should give nil text")
	}
	got := lastErrorText(errors.New(strings.Repeat("x", 5000)))
	if len(*got) != 2000 {
		t.Fatalf("len = %d", len(*got))
	}
}

func TestWritersApplyRejectsBeforeStore(t *testing.T) {
	w := NewWriters(nil, nil, nil, nil)
	ctx := context.Background()
	cases := []struct {
		name string
		req  WriteRequest
		want func(error) bool
	}{
		{"no org", WriteRequest{Table: TableJobs, Operation: models.RetryOperationUpsert}, utils.IsValidationError},
		{"unknown table", WriteRequest{OrganizationId: "o", Table: "invoices", Operation: models.RetryOperationUpsert}, func(err error) bool { return errors.Is(err, ErrUnknownTable) }},
		{"name key on jobs", WriteRequest{OrganizationId: "o", Table: TableJobs, Operation: models.RetryOperationUpsert, ConflictKey: "name"}, func(err error) bool { return errors.Is(err, ErrInvalidPayload) }},
		{"long write id", WriteRequest{OrganizationId: "o", Table: TableJobs, Operation: models.RetryOperationUpsert, WriteId: strings.Repeat("w", 129)}, utils.IsValidationError},
	}
	for _, tc := range cases {
		if _, err := w.Apply(ctx, tc.req); !tc.want(err) {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
	}
}

func TestDuplicateResultKeepsFirstId(t *testing.T) {
	res := duplicateResult(WriteRequest{
		Table:     TableCustomers,
		Operation: models.RetryOperationUpsert,
		Payload:   []byte(`{"id":"temp-c1","name":"Ada"}`),
	}, "cust-srv")
	if !res.Duplicate || res.Id != "cust-srv" || res.TempId != "temp-c1" || res.Table != TableCustomers {
		t.Fatalf("result = %+v", res)
	}
	res = duplicateResult(WriteRequest{Table: TableInventoryItems, Payload: []byte(`{"id":"inv-1"}`)}, "inv-1")
	if res.TempId != "" || res.Id != "inv-1" {
		t.Fatalf("server id reported as temporary: %+v", res)
	}
}

func TestEntryWriteId(t *testing.T) {
	key := "client-write-1"
	if got := entryWriteId(models.RetryQueueEntry{ID: 7, IdempotencyKey: &key}); got != key {
		t.Fatalf("write id = %q", got)
	}
	if got := entryWriteId(models.RetryQueueEntry{ID: 7}); got != "retry-queue-7" {
		t.Fatalf("fallback write id = %q", got)
	}
}
