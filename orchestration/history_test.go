package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/scanweave/scanweave/core"
)

func historyRecord(id string, state ExecutionState, completedAt time.Time) *Record {
	return &Record{
		ExecutionID:  id,
		DataSourceID: testSourceID,
		State:        state,
		CompletedAt:  completedAt,
	}
}

func listHistory(t *testing.T, store *MemoryHistoryStore, filter HistoryFilter) []*Record {
	t.Helper()
	recs, err := store.List(context.Background(), filter)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return recs
}

func recordIDs(recs []*Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ExecutionID
	}
	return ids
}

func TestMemoryHistoryStore_EvictsOldestCompleted(t *testing.T) {
	store := NewMemoryHistoryStore(2, 2)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	ctx := context.Background()
	for i, id := range []string{"exec-1", "exec-2", "exec-3"} {
		rec := historyRecord(id, StateCompleted, base.Add(time.Duration(i)*time.Minute))
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s) error = %v", id, err)
		}
	}

	got := recordIDs(listHistory(t, store, HistoryFilter{}))
	if !equalStrings(got, []string{"exec-3", "exec-2"}) {
		t.Errorf("List() = %v, want newest two [exec-3 exec-2]", got)
	}
}

func TestMemoryHistoryStore_UnsuccessfulStatesShareOneRing(t *testing.T) {
	store := NewMemoryHistoryStore(4, 2)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	ctx := context.Background()
	store.Record(ctx, historyRecord("exec-f1", StateFailed, base))
	store.Record(ctx, historyRecord("exec-c1", StateCancelled, base.Add(time.Minute)))
	store.Record(ctx, historyRecord("exec-f2", StateFailed, base.Add(2*time.Minute)))

	// The failed ring holds two, so the oldest unsuccessful record is gone
	// regardless of its particular terminal state.
	got := recordIDs(listHistory(t, store, HistoryFilter{}))
	if !equalStrings(got, []string{"exec-f2", "exec-c1"}) {
		t.Errorf("List() = %v, want [exec-f2 exec-c1]", got)
	}
}

func TestMemoryHistoryStore_MergesRingsNewestFirst(t *testing.T) {
	store := NewMemoryHistoryStore(4, 4)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	ctx := context.Background()
	store.Record(ctx, historyRecord("exec-1", StateCompleted, base))
	store.Record(ctx, historyRecord("exec-2", StateFailed, base.Add(time.Minute)))
	store.Record(ctx, historyRecord("exec-3", StateCompleted, base.Add(2*time.Minute)))
	store.Record(ctx, historyRecord("exec-4", StateCancelled, base.Add(3*time.Minute)))

	got := recordIDs(listHistory(t, store, HistoryFilter{}))
	if !equalStrings(got, []string{"exec-4", "exec-3", "exec-2", "exec-1"}) {
		t.Errorf("List() = %v, want interleaved newest first", got)
	}
}

func TestMemoryHistoryStore_Filters(t *testing.T) {
	store := NewMemoryHistoryStore(8, 8)
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	ctx := context.Background()
	recs := []*Record{
		historyRecord("exec-1", StateCompleted, base),
		historyRecord("exec-2", StateFailed, base.Add(time.Minute)),
		historyRecord("exec-3", StateCompleted, base.Add(2*time.Minute)),
		historyRecord("exec-4", StateCancelled, base.Add(3*time.Minute)),
	}
	recs[1].DataSourceID = "ds-other"
	recs[2].Tags = []string{"pci", "quarterly"}
	for _, rec := range recs {
		store.Record(ctx, rec)
	}

	if got := recordIDs(listHistory(t, store, HistoryFilter{ExecutionID: "exec-2"})); !equalStrings(got, []string{"exec-2"}) {
		t.Errorf("filter by execution ID = %v, want [exec-2]", got)
	}
	if got := recordIDs(listHistory(t, store, HistoryFilter{DataSourceID: "ds-other"})); !equalStrings(got, []string{"exec-2"}) {
		t.Errorf("filter by data source = %v, want [exec-2]", got)
	}
	if got := recordIDs(listHistory(t, store, HistoryFilter{States: []ExecutionState{StateFailed, StateCancelled}})); !equalStrings(got, []string{"exec-4", "exec-2"}) {
		t.Errorf("filter by states = %v, want [exec-4 exec-2]", got)
	}
	if got := recordIDs(listHistory(t, store, HistoryFilter{Tag: "pci"})); !equalStrings(got, []string{"exec-3"}) {
		t.Errorf("filter by tag = %v, want [exec-3]", got)
	}
	// Since is inclusive of records completed exactly at the cutoff.
	if got := recordIDs(listHistory(t, store, HistoryFilter{Since: base.Add(2 * time.Minute)})); !equalStrings(got, []string{"exec-4", "exec-3"}) {
		t.Errorf("filter by since = %v, want [exec-4 exec-3]", got)
	}
	if got := recordIDs(listHistory(t, store, HistoryFilter{Limit: 2})); !equalStrings(got, []string{"exec-4", "exec-3"}) {
		t.Errorf("limit 2 = %v, want [exec-4 exec-3]", got)
	}
}

func TestRecordFromSnapshot(t *testing.T) {
	started := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		ID:           "exec-1",
		RequestID:    "req-1",
		DataSourceID: testSourceID,
		Strategy:     core.PlanAdaptive,
		Priority:     core.PriorityHigh,
		State:        StateFailed,
		Progress:     0.8,
		SubmittedAt:  started.Add(-time.Minute),
		StartedAt:    started,
		CompletedAt:  started.Add(42 * time.Minute),
		Error:        "rule r2 failed",
		StageResults: []StageResult{
			{
				StageID: "stage-1",
				Rules: []RuleOutcome{
					{RuleID: "r1", Handle: "res-r1"},
					{RuleID: "r2", Error: "rule r2 failed"},
				},
				Failed: 1,
			},
			{
				StageID: "stage-1",
				Attempt: 2,
				Rules: []RuleOutcome{
					{RuleID: "r2", Error: "rule r2 failed"},
				},
				Failed: 1,
			},
		},
	}
	req := scanRequest("r1", "r2", "r3")
	req.Tags = []string{"pci"}

	rec := recordFromSnapshot(snap, req)
	if rec.ExecutionID != "exec-1" || rec.State != StateFailed {
		t.Errorf("record = %s/%s, want exec-1/failed", rec.ExecutionID, rec.State)
	}
	if rec.Duration != 42*time.Minute {
		t.Errorf("Duration = %s, want 42m", rec.Duration)
	}
	if rec.RulesTotal != 3 {
		t.Errorf("RulesTotal = %d, want 3", rec.RulesTotal)
	}
	// Failed outcomes are counted across every attempt.
	if rec.RulesFailed != 2 {
		t.Errorf("RulesFailed = %d, want 2", rec.RulesFailed)
	}
	if !equalStrings(rec.Tags, []string{"pci"}) {
		t.Errorf("Tags = %v, want [pci]", rec.Tags)
	}
}

func TestRecordFromSnapshot_NeverStarted(t *testing.T) {
	snap := &Snapshot{
		ID:          "exec-1",
		State:       StateCancelled,
		SubmittedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC),
	}
	rec := recordFromSnapshot(snap, scanRequest("r1"))
	if rec.Duration != 0 {
		t.Errorf("Duration = %s, want 0 for an execution that never ran", rec.Duration)
	}
}
