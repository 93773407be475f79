package orchestration

import (
	"context"
	"sort"
	"time"

	"github.com/scanweave/scanweave/core"
)

// Record is the retained summary of one terminal execution. Completed
// executions and unsuccessful ones (failed, cancelled, expired) are kept
// in separate bounded buffers.
type Record struct {
	ExecutionID  string            `json:"execution_id"`
	RequestID    string            `json:"request_id"`
	DataSourceID string            `json:"data_source_id"`
	State        ExecutionState    `json:"state"`
	Priority     core.Priority     `json:"priority"`
	Strategy     core.PlanStrategy `json:"strategy"`
	Tags         []string          `json:"tags,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
	Duration     time.Duration     `json:"duration"`
	Progress     float64           `json:"progress"`
	CurrentStep  string            `json:"current_step,omitempty"`
	Stages       []StageResult     `json:"stages,omitempty"`
	RulesTotal   int               `json:"rules_total"`
	RulesFailed  int               `json:"rules_failed"`
	Error        string            `json:"error,omitempty"`
}

// HistoryFilter narrows a history listing. Zero values match everything.
type HistoryFilter struct {
	ExecutionID  string
	DataSourceID string
	States       []ExecutionState
	Tag          string
	Since        time.Time
	Limit        int
}

func (f HistoryFilter) matches(rec *Record) bool {
	if f.ExecutionID != "" && rec.ExecutionID != f.ExecutionID {
		return false
	}
	if f.DataSourceID != "" && rec.DataSourceID != f.DataSourceID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tag != "" {
		found := false
		for _, t := range rec.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && rec.CompletedAt.Before(f.Since) {
		return false
	}
	return true
}

// HistoryStore persists terminal execution records.
type HistoryStore interface {
	// Record appends one terminal record.
	Record(ctx context.Context, rec *Record) error

	// List returns records matching filter, newest first.
	List(ctx context.Context, filter HistoryFilter) ([]*Record, error)
}

// MemoryHistoryStore keeps history in two in-process ring buffers, one for
// completed executions and one for everything else. Oldest entries are
// evicted silently once a ring fills.
type MemoryHistoryStore struct {
	completed *core.Ring[*Record]
	failed    *core.Ring[*Record]
}

// NewMemoryHistoryStore builds an in-memory store with the given ring
// capacities.
func NewMemoryHistoryStore(completedSize, failedSize int) *MemoryHistoryStore {
	return &MemoryHistoryStore{
		completed: core.NewRing[*Record](completedSize),
		failed:    core.NewRing[*Record](failedSize),
	}
}

// Record appends rec to the ring matching its terminal state.
func (s *MemoryHistoryStore) Record(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	if rec.State == StateCompleted {
		s.completed.Push(rec)
	} else {
		s.failed.Push(rec)
	}
	return nil
}

// List merges both rings newest-first and applies the filter.
func (s *MemoryHistoryStore) List(_ context.Context, filter HistoryFilter) ([]*Record, error) {
	merged := append(s.completed.Items(), s.failed.Items()...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CompletedAt.After(merged[j].CompletedAt)
	})

	var out []*Record
	for _, rec := range merged {
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// recordFromSnapshot derives the history record for a terminal snapshot.
func recordFromSnapshot(s *Snapshot, req *core.ScanRequest) *Record {
	rec := &Record{
		ExecutionID:  s.ID,
		RequestID:    s.RequestID,
		DataSourceID: s.DataSourceID,
		State:        s.State,
		Priority:     s.Priority,
		Strategy:     s.Strategy,
		Tags:         req.Tags,
		SubmittedAt:  s.SubmittedAt,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		Progress:     s.Progress,
		CurrentStep:  s.CurrentStep,
		Stages:       s.StageResults,
		RulesTotal:   len(req.RuleIDs),
		Error:        s.Error,
	}
	if !s.StartedAt.IsZero() && !s.CompletedAt.IsZero() {
		rec.Duration = s.CompletedAt.Sub(s.StartedAt)
	}
	for _, stage := range s.StageResults {
		for _, rule := range stage.Rules {
			if !rule.Succeeded() {
				rec.RulesFailed++
			}
		}
	}
	return rec
}

// snapshotFromRecord rebuilds the externally visible snapshot of an
// execution that has already left the live table.
func snapshotFromRecord(rec *Record) *Snapshot {
	return &Snapshot{
		ID:           rec.ExecutionID,
		RequestID:    rec.RequestID,
		DataSourceID: rec.DataSourceID,
		Strategy:     rec.Strategy,
		Priority:     rec.Priority,
		State:        rec.State,
		Progress:     rec.Progress,
		CurrentStep:  rec.CurrentStep,
		StageResults: rec.Stages,
		SubmittedAt:  rec.SubmittedAt,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
		Error:        rec.Error,
	}
}
