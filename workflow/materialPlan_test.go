package workflow

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sprayworks/foam_backend/models"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func line(id, name, qty string) models.MaterialLine {
	return models.MaterialLine{InventoryItemId: id, Name: name, Quantity: d(qty)}
}

// ledger applies deltas to in-memory counters the way applyMaterialDelta does.
type ledger struct {
	open, closed decimal.Decimal
	items        map[string]decimal.Decimal
}

func (l *ledger) apply(delta MaterialDelta) {
	l.open = l.open.Add(delta.OpenCellSets)
	l.closed = l.closed.Add(delta.ClosedCellSets)
	for _, ln := range delta.Lines {
		l.items[ln.InventoryItemId] = l.items[ln.InventoryItemId].Add(ln.Delta)
	}
}

func TestPlanDeltasSameSnapshotIsZero(t *testing.T) {
	m := models.Materials{
		OpenCellSets:   d("4"),
		ClosedCellSets: d("1.5"),
		Inventory:      []models.MaterialLine{line("inv-1", "Tape", "3"), line("", "Plastic", "2")},
	}
	if got := PlanDeltas(m, m); !got.IsZero() {
		t.Fatalf("PlanDeltas(m, m) = %+v, want zero", got)
	}
}

func TestPlanDeltasPairsByIdThenName(t *testing.T) {
	reference := models.Materials{Inventory: []models.MaterialLine{
		line("inv-1", "Tape", "5"),
		line("", "Plastic Sheet", "2"),
		line("inv-3", "Gloves", "4"),
	}}
	actual := models.Materials{Inventory: []models.MaterialLine{
		line("inv-1", "Duct tape", "3"),
		line("temp-abc", " plastic sheet ", "1"),
		line("", "Masks", "2"),
	}}
	got := PlanDeltas(reference, actual)

	want := map[string]string{
		"Duct tape":       "2",
		" plastic sheet ": "1",
		"Masks":           "-2",
		"Gloves":          "4",
	}
	if len(got.Lines) != len(want) {
		t.Fatalf("lines = %+v", got.Lines)
	}
	for _, l := range got.Lines {
		w, ok := want[l.Name]
		if !ok {
			t.Fatalf("unexpected line %+v", l)
		}
		if !l.Delta.Equal(d(w)) {
			t.Fatalf("%s delta = %s, want %s", l.Name, l.Delta, w)
		}
	}
}

func TestPlanDeltasDistinctIdsNeverPairByName(t *testing.T) {
	reference := models.Materials{Inventory: []models.MaterialLine{line("inv-1", "Tape", "5")}}
	actual := models.Materials{Inventory: []models.MaterialLine{line("inv-2", "Tape", "5")}}
	got := PlanDeltas(reference, actual)
	if len(got.Lines) != 2 {
		t.Fatalf("lines = %+v, want a return and a deduction", got.Lines)
	}
}

func TestPlanDeltasTempIdTakesReferenceId(t *testing.T) {
	reference := models.Materials{Inventory: []models.MaterialLine{line("inv-1", "Tape", "5")}}
	actual := models.Materials{Inventory: []models.MaterialLine{line("temp-1", "tape", "2")}}
	got := PlanDeltas(reference, actual)
	if len(got.Lines) != 1 || got.Lines[0].InventoryItemId != "inv-1" || !got.Lines[0].Delta.Equal(d("3")) {
		t.Fatalf("lines = %+v", got.Lines)
	}
}

func TestEstimateThenReconcileThenCorrect(t *testing.T) {
	l := &ledger{open: d("100"), items: map[string]decimal.Decimal{"inv-1": d("50")}}
	estimate := models.Materials{OpenCellSets: d("10"), Inventory: []models.MaterialLine{line("inv-1", "Tape", "6")}}

	// Draft -> Work Order deducts the estimate once.
	delta, processed, source := estimateDelta(nil, models.JobStatusWorkOrder, estimate)
	if !processed || source != models.MaterialLogSourceEstimate {
		t.Fatalf("processed=%v source=%q", processed, source)
	}
	l.apply(delta)
	if !l.open.Equal(d("90")) || !l.items["inv-1"].Equal(d("44")) {
		t.Fatalf("after estimate open=%s inv=%s", l.open, l.items["inv-1"])
	}
	job := &models.Job{Materials: estimate, InventoryProcessed: processed, Status: models.JobStatusWorkOrder}

	// Saving the same estimate again moves nothing.
	delta, _, _ = estimateDelta(job, models.JobStatusWorkOrder, estimate)
	if !delta.IsZero() {
		t.Fatalf("re-save delta = %+v", delta)
	}

	// Crew reports 7 sets and 4 tape.
	actual := models.Materials{OpenCellSets: d("7"), Inventory: []models.MaterialLine{line("inv-1", "Tape", "4")}}
	l.apply(PlanDeltas(referenceMaterials(job), actual))
	if !l.open.Equal(d("93")) || !l.items["inv-1"].Equal(d("46")) {
		t.Fatalf("after reconcile open=%s inv=%s", l.open, l.items["inv-1"])
	}
	job.ReconciledMaterials = &actual

	// Same actuals again: idempotent.
	again := PlanDeltas(referenceMaterials(job), actual)
	if !again.IsZero() {
		t.Fatalf("repeat reconcile delta = %+v", again)
	}

	// Correction to 9 sets applies only the difference.
	corrected := models.Materials{OpenCellSets: d("9"), Inventory: []models.MaterialLine{line("inv-1", "Tape", "4")}}
	l.apply(PlanDeltas(referenceMaterials(job), corrected))
	if !l.open.Equal(d("91")) || !l.items["inv-1"].Equal(d("46")) {
		t.Fatalf("after correction open=%s inv=%s", l.open, l.items["inv-1"])
	}

	// Reconciled jobs ignore later estimate edits.
	job.ReconciledMaterials = &corrected
	delta, _, _ = estimateDelta(job, models.JobStatusInvoiced, models.Materials{OpenCellSets: d("20")})
	if !delta.IsZero() {
		t.Fatalf("estimate edit after reconcile delta = %+v", delta)
	}
}

func TestReferenceSurvivesLeavingCompleted(t *testing.T) {
	l := &ledger{open: d("100"), items: map[string]decimal.Decimal{"inv-1": d("50")}}
	job := &models.Job{Status: models.JobStatusWorkOrder}

	first := models.Materials{OpenCellSets: d("7"), Inventory: []models.MaterialLine{line("inv-1", "Tape", "4")}}
	l.apply(PlanDeltas(referenceMaterials(job), first))
	job.ExecutionStatus = models.ExecutionCompleted
	job.InventoryProcessed = true
	job.ReconciledMaterials = &first

	// Back to In Progress: stock is not restored and the reference stays.
	job.ExecutionStatus = models.ExecutionInProgress
	if ref := referenceMaterials(job); !ref.OpenCellSets.Equal(d("7")) {
		t.Fatalf("reference after leaving Completed = %+v", ref)
	}

	// Completed again with the same actuals moves nothing.
	if again := PlanDeltas(referenceMaterials(job), first); !again.IsZero() {
		t.Fatalf("second completion delta = %+v", again)
	}

	// Completed again with new actuals moves only the difference.
	second := models.Materials{OpenCellSets: d("5"), Inventory: []models.MaterialLine{line("inv-1", "Tape", "4")}}
	l.apply(PlanDeltas(referenceMaterials(job), second))
	if !l.open.Equal(d("95")) || !l.items["inv-1"].Equal(d("46")) {
		t.Fatalf("after second completion open=%s inv=%s", l.open, l.items["inv-1"])
	}
}

func TestEstimateDeltaRules(t *testing.T) {
	est := models.Materials{ClosedCellSets: d("3")}
	bigger := models.Materials{ClosedCellSets: d("5")}

	delta, processed, _ := estimateDelta(nil, models.JobStatusDraft, est)
	if !delta.IsZero() || processed {
		t.Fatalf("draft create: delta=%+v processed=%v", delta, processed)
	}

	draft := &models.Job{Materials: est, Status: models.JobStatusDraft}
	delta, processed, _ = estimateDelta(draft, models.JobStatusWorkOrder, est)
	if !processed || !delta.ClosedCellSets.Equal(d("-3")) {
		t.Fatalf("promote: delta=%+v processed=%v", delta, processed)
	}

	wo := &models.Job{Materials: est, Status: models.JobStatusWorkOrder, InventoryProcessed: true}
	delta, processed, source := estimateDelta(wo, models.JobStatusWorkOrder, bigger)
	if !processed || source != models.MaterialLogSourceEstimateChange || !delta.ClosedCellSets.Equal(d("-2")) {
		t.Fatalf("grow estimate: delta=%+v processed=%v source=%q", delta, processed, source)
	}

	delta, processed, _ = estimateDelta(wo, models.JobStatusDraft, est)
	if processed || !delta.ClosedCellSets.Equal(d("3")) {
		t.Fatalf("demote: delta=%+v processed=%v", delta, processed)
	}
}

func TestNegateUndoesDelta(t *testing.T) {
	delta := PlanDeltas(models.Materials{OpenCellSets: d("2")}, models.Materials{Inventory: []models.MaterialLine{line("inv-1", "Tape", "1")}})
	l := &ledger{items: map[string]decimal.Decimal{}}
	l.apply(delta)
	l.apply(delta.Negate())
	if !l.open.IsZero() || !l.items["inv-1"].IsZero() {
		t.Fatalf("ledger not restored: open=%s inv=%s", l.open, l.items["inv-1"])
	}
}

func TestInventoryResolver(t *testing.T) {
	r := NewInventoryResolver([]models.InventoryItem{
		{ID: "old", Name: "Tape"},
		{ID: "new", Name: " tape "},
		{ID: "gloves", Name: "Gloves"},
	})
	cases := []struct {
		id, name  string
		wantID    string
		wantStage ResolveStage
	}{
		{"gloves", "whatever", "gloves", ResolvedById},
		{"temp-1", "TAPE", "old", ResolvedByName},
		{"", "gloves ", "gloves", ResolvedByName},
		{"missing", "Masks", "", Unresolved},
	}
	for _, tc := range cases {
		id, stage := r.Resolve(tc.id, tc.name)
		if id != tc.wantID || stage != tc.wantStage {
			t.Fatalf("Resolve(%q, %q) = %q %q, want %q %q", tc.id, tc.name, id, stage, tc.wantID, tc.wantStage)
		}
	}

	r.Add(models.InventoryItem{ID: "masks", Name: "Masks"})
	if id, stage := r.Resolve("", "masks"); id != "masks" || stage != ResolvedByName {
		t.Fatalf("after Add: %q %q", id, stage)
	}
}
