package scheduling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/scanweave/scanweave/core"
)

// testTimingAdvisor implements core.TimingAdvisor for placement testing.
type testTimingAdvisor struct {
	delay time.Duration
	err   error
}

func (a *testTimingAdvisor) RecommendDelay(ctx context.Context, req *core.ScanRequest, now time.Time) (time.Duration, error) {
	return a.delay, a.err
}

func testPlacer(advisor core.TimingAdvisor, backlog int) *placer {
	cfg := core.DefaultConfig()
	cfg.Calendar.Location = time.UTC
	return newPlacer(cfg.Calendar, advisor, NewLoadPredictor(), nil, func() int { return backlog })
}

func placeRequest(priority core.Priority, rules int) *core.ScanRequest {
	ids := make([]string, rules)
	for i := range ids {
		ids[i] = fmt.Sprintf("r%d", i+1)
	}
	return &core.ScanRequest{
		DataSourceID: "ds-orders",
		Type:         core.ScanTypeFull,
		RuleIDs:      ids,
		Priority:     priority,
	}
}

// dayAt builds a time on 2025-03-12, a Wednesday, plus a day offset.
func dayAt(days, hour, min int) time.Time {
	return time.Date(2025, 3, 12+days, hour, min, 0, 0, time.UTC)
}

func TestPlacer_BusinessHours(t *testing.T) {
	p := testPlacer(nil, 0)

	tests := []struct {
		name     string
		now      time.Time
		priority core.Priority
		want     time.Time
	}{
		{"urgent inside the window runs in fifteen", dayAt(0, 10, 0), core.PriorityHigh, dayAt(0, 10, 15)},
		{"critical inside the window runs in fifteen", dayAt(0, 10, 0), core.PriorityCritical, dayAt(0, 10, 15)},
		{"normal inside the window waits an hour", dayAt(0, 10, 0), core.PriorityNormal, dayAt(0, 11, 0)},
		{"evening waits for the next morning", dayAt(0, 20, 0), core.PriorityLow, dayAt(1, 9, 0)},
		{"early morning waits for today's opening", dayAt(0, 7, 0), core.PriorityNormal, dayAt(0, 9, 0)},
		{"saturday waits for monday", dayAt(3, 11, 0), core.PriorityNormal, dayAt(5, 9, 0)},
		{"friday evening waits for monday", dayAt(2, 18, 0), core.PriorityHigh, dayAt(5, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := placeRequest(tt.priority, 10)
			got := p.place(context.Background(), req, core.ScheduleBusinessHours, tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("place(business_hours) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlacer_OffPeak(t *testing.T) {
	p := testPlacer(nil, 0)
	req := placeRequest(core.PriorityNormal, 10)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"inside business defers to closing", dayAt(0, 11, 0), dayAt(0, 17, 0)},
		{"evening starts in thirty", dayAt(0, 20, 0), dayAt(0, 20, 30)},
		{"weekend starts in thirty", dayAt(3, 11, 0), dayAt(3, 11, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.place(context.Background(), req, core.ScheduleOffPeak, tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("place(off_peak) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlacer_MaintenanceShift(t *testing.T) {
	p := testPlacer(nil, 0)
	req := placeRequest(core.PriorityNormal, 10)

	// 01:45 is outside business hours, so off-peak placement lands at
	// 02:15, inside the maintenance window, and shifts to its end.
	got := p.place(context.Background(), req, core.ScheduleOffPeak, dayAt(1, 1, 45))
	if want := dayAt(1, 4, 0); !got.Equal(want) {
		t.Errorf("place() inside maintenance = %v, want %v", got, want)
	}

	// Landing exactly at the window end does not shift.
	got = p.place(context.Background(), req, core.ScheduleOffPeak, dayAt(1, 3, 30))
	if want := dayAt(1, 4, 0); !got.Equal(want) {
		t.Errorf("place() at window end = %v, want %v", got, want)
	}

	// Landing exactly at the window start does.
	got = p.place(context.Background(), req, core.ScheduleOffPeak, dayAt(1, 1, 30))
	if want := dayAt(1, 4, 0); !got.Equal(want) {
		t.Errorf("place() at window start = %v, want %v", got, want)
	}
}

func TestPlacer_ImmediateIgnoresCalendar(t *testing.T) {
	p := testPlacer(nil, 0)
	req := placeRequest(core.PriorityNormal, 10)
	now := dayAt(1, 2, 30)

	for _, strategy := range []core.ScheduleStrategy{core.ScheduleImmediate, core.ScheduleDependencyAware} {
		got := p.place(context.Background(), req, strategy, now)
		if !got.Equal(now) {
			t.Errorf("place(%s) = %v, want now even inside maintenance", strategy, got)
		}
	}
}

func TestPlacer_OptimalTimeHeuristic(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		backlog int
		rules   int
		want    time.Time
	}{
		{"business base delay", dayAt(0, 9, 30), 0, 10, dayAt(0, 10, 0)},
		{"quiet off-hours floors at five minutes", dayAt(0, 20, 0), 0, 10, dayAt(0, 20, 5)},
		{"peak adds two hours", dayAt(0, 12, 0), 0, 10, dayAt(0, 14, 30)},
		{"moderate backlog adds thirty minutes", dayAt(0, 9, 30), 15, 10, dayAt(0, 10, 30)},
		{"deep backlog adds an hour", dayAt(0, 9, 30), 25, 10, dayAt(0, 11, 0)},
		{"wide rule set adds an hour", dayAt(0, 9, 30), 0, 25, dayAt(0, 11, 0)},
		{"small rule set runs sooner", dayAt(0, 9, 30), 0, 3, dayAt(0, 9, 45)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPlacer(nil, tt.backlog)
			req := placeRequest(core.PriorityNormal, tt.rules)
			got := p.place(context.Background(), req, core.ScheduleOptimalTime, tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("place(optimal_time) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlacer_OptimalTimePriorityBounds(t *testing.T) {
	p := testPlacer(nil, 0)

	// Peak pushes the heuristic to two and a half hours; critical work is
	// capped at two.
	got := p.place(context.Background(), placeRequest(core.PriorityCritical, 10), core.ScheduleOptimalTime, dayAt(0, 12, 0))
	if want := dayAt(0, 14, 0); !got.Equal(want) {
		t.Errorf("place(critical) = %v, want %v", got, want)
	}

	// Background work is held back at least four hours.
	got = p.place(context.Background(), placeRequest(core.PriorityBackground, 10), core.ScheduleOptimalTime, dayAt(0, 20, 0))
	if want := dayAt(1, 0, 0); !got.Equal(want) {
		t.Errorf("place(background) = %v, want %v", got, want)
	}

	// The background floor can land in maintenance and shifts out of it.
	got = p.place(context.Background(), placeRequest(core.PriorityBackground, 10), core.ScheduleOptimalTime, dayAt(0, 22, 30))
	if want := dayAt(1, 4, 0); !got.Equal(want) {
		t.Errorf("place(background through maintenance) = %v, want %v", got, want)
	}
}

func TestPlacer_OptimalTimeAdvisor(t *testing.T) {
	now := dayAt(0, 9, 30)

	tests := []struct {
		name    string
		advisor *testTimingAdvisor
		req     *core.ScanRequest
		want    time.Time
	}{
		{"recommendation honored", &testTimingAdvisor{delay: 3 * time.Hour}, placeRequest(core.PriorityNormal, 10), dayAt(0, 12, 30)},
		{"recommendation floored", &testTimingAdvisor{delay: time.Minute}, placeRequest(core.PriorityNormal, 10), dayAt(0, 9, 35)},
		{"recommendation capped for critical", &testTimingAdvisor{delay: 3 * time.Hour}, placeRequest(core.PriorityCritical, 10), dayAt(0, 11, 30)},
		{"zero recommendation falls back to heuristic", &testTimingAdvisor{}, placeRequest(core.PriorityNormal, 10), dayAt(0, 10, 0)},
		{"advisor error falls back to heuristic", &testTimingAdvisor{err: fmt.Errorf("model offline")}, placeRequest(core.PriorityNormal, 10), dayAt(0, 10, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPlacer(tt.advisor, 0)
			got := p.place(context.Background(), tt.req, core.ScheduleOptimalTime, now)
			if !got.Equal(tt.want) {
				t.Errorf("place(optimal_time) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlacer_ResourceBasedSpreadsPlacements(t *testing.T) {
	p := testPlacer(nil, 0)
	req := placeRequest(core.PriorityNormal, 10)
	now := dayAt(0, 9, 0)

	// With nothing booked every hour scores alike, off-peak hours ahead,
	// and the earliest off-peak hour is now.
	first := p.place(context.Background(), req, core.ScheduleResourceBased, now)
	if !first.Equal(now) {
		t.Fatalf("first placement = %v, want %v", first, now)
	}

	// The first placement booked its hour, so the next best slot is the
	// first off-peak hour after the peak window, and the one after that
	// moves on again.
	second := p.place(context.Background(), req, core.ScheduleResourceBased, now)
	if want := now.Add(7 * time.Hour); !second.Equal(want) {
		t.Fatalf("second placement = %v, want %v", second, want)
	}
	third := p.place(context.Background(), req, core.ScheduleResourceBased, now)
	if want := now.Add(8 * time.Hour); !third.Equal(want) {
		t.Fatalf("third placement = %v, want %v", third, want)
	}
}

func TestPlacer_ResourceBasedAvoidsLoadedHours(t *testing.T) {
	predictor := NewLoadPredictor()
	cfg := core.DefaultConfig()
	cfg.Calendar.Location = time.UTC
	p := newPlacer(cfg.Calendar, nil, predictor, nil, func() int { return 0 })
	req := placeRequest(core.PriorityNormal, 10)

	// A heavily loaded pool defers to the hour where the observation has
	// decayed the most: the last off-peak step of the scan horizon.
	now := dayAt(0, 9, 0)
	predictor.Observe(now, 0.8)
	got := p.place(context.Background(), req, core.ScheduleResourceBased, now)
	if want := now.Add(23 * time.Hour); !got.Equal(want) {
		t.Fatalf("place(resource_based) = %v, want %v", got, want)
	}
}

func TestPlacer_ResourceBasedShiftsOutOfMaintenance(t *testing.T) {
	p := testPlacer(nil, 0)
	req := placeRequest(core.PriorityNormal, 10)

	now := dayAt(1, 2, 10)
	got := p.place(context.Background(), req, core.ScheduleResourceBased, now)
	if want := dayAt(1, 4, 0); !got.Equal(want) {
		t.Fatalf("place(resource_based) = %v, want %v", got, want)
	}
}
