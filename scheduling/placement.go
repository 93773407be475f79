package scheduling

import (
	"context"
	"math"
	"time"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/resilience"
)

const (
	// optimalBaseDelay is the starting delay of the optimal-time
	// heuristic before load, time-of-day and size adjustments.
	optimalBaseDelay = 30 * time.Minute

	// optimalFloor is the minimum optimal-time delay after adjustments.
	optimalFloor = 5 * time.Minute

	// criticalMaxDelay caps how far optimal-time placement may defer a
	// critical request.
	criticalMaxDelay = 2 * time.Hour

	// backgroundMinDelay is how long optimal-time placement holds back a
	// background request at minimum.
	backgroundMinDelay = 4 * time.Hour

	// businessRushDelay and businessNormalDelay place business-hours
	// requests that arrive inside the window.
	businessRushDelay   = 15 * time.Minute
	businessNormalDelay = time.Hour

	// offPeakDelay places off-peak requests that arrive outside business
	// hours.
	offPeakDelay = 30 * time.Minute

	// resourceScanHorizonHours is how far ahead resource-based placement
	// scans for the quietest hour.
	resourceScanHorizonHours = 24

	// offPeakBonus is the flat score bonus an off-peak hour earns during
	// the resource-based scan.
	offPeakBonus = 20.0
)

// placer converts a validated request into a due time under one of the
// scheduling strategies. It never returns an error: every strategy has a
// deterministic fallback. The optional timing advisor refines optimal-time
// placement and is consulted through a circuit breaker.
type placer struct {
	calendar  core.CalendarConfig
	advisor   core.TimingAdvisor
	breaker   *resilience.CircuitBreaker
	predictor *LoadPredictor
	logger    core.Logger

	// backlog reports the current pending-queue depth for the load
	// adjustment of the optimal-time heuristic.
	backlog func() int
}

// newPlacer builds a placer. advisor may be nil.
func newPlacer(calendar core.CalendarConfig, advisor core.TimingAdvisor, predictor *LoadPredictor, logger core.Logger, backlog func() int) *placer {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	p := &placer{
		calendar:  calendar,
		advisor:   advisor,
		predictor: predictor,
		logger:    core.WithComponent(logger, "placer"),
		backlog:   backlog,
	}
	if advisor != nil {
		p.breaker, _ = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("timing-advisor"))
	}
	return p
}

// place computes the due time for req under strategy. Immediate and
// dependency-aware requests run right away; the dispatcher alone gates the
// latter on their dependencies. Every other strategy is kept out of the
// maintenance window.
func (p *placer) place(ctx context.Context, req *core.ScanRequest, strategy core.ScheduleStrategy, now time.Time) time.Time {
	switch strategy {
	case core.ScheduleBusinessHours:
		return p.maintenanceShift(p.businessHoursDue(req, now))
	case core.ScheduleOffPeak:
		return p.maintenanceShift(p.offPeakDue(now))
	case core.ScheduleResourceBased:
		return p.resourceBasedDue(now)
	case core.ScheduleOptimalTime, core.SchedulePredictive, core.ScheduleAdaptive:
		return p.optimalDue(ctx, req, now)
	}
	return now
}

// businessHoursDue places work inside the business window: urgent requests
// run within fifteen minutes, the rest after an hour. Outside the window
// the request waits for the next business morning.
func (p *placer) businessHoursDue(req *core.ScanRequest, now time.Time) time.Time {
	local := now.In(p.calendar.Location)
	if p.inBusinessHours(local) {
		if req.Priority <= core.PriorityHigh {
			return now.Add(businessRushDelay)
		}
		return now.Add(businessNormalDelay)
	}
	return p.nextBusinessMorning(local)
}

// offPeakDue starts soon when already outside business hours, otherwise
// defers to the close of business.
func (p *placer) offPeakDue(now time.Time) time.Time {
	local := now.In(p.calendar.Location)
	if !p.inBusinessHours(local) {
		return now.Add(offPeakDelay)
	}
	return time.Date(local.Year(), local.Month(), local.Day(), p.calendar.BusinessEnd, 0, 0, 0, p.calendar.Location)
}

// resourceBasedDue scans the coming day in one-hour steps and picks the
// step with the most predicted headroom; off-peak steps earn a flat bonus
// so equally idle hours resolve away from the peak window. The share of
// the chosen hour, after any maintenance shift, is booked with the
// predictor so consecutive placements spread out.
func (p *placer) resourceBasedDue(now time.Time) time.Time {
	best := now
	bestScore := math.Inf(-1)
	for h := 0; h < resourceScanHorizonHours; h++ {
		at := now.Add(time.Duration(h) * time.Hour)
		score := (1 - p.predictor.Predict(at)) * 100
		if !p.inPeakHours(at.In(p.calendar.Location)) {
			score += offPeakBonus
		}
		if score > bestScore {
			best, bestScore = at, score
		}
	}
	best = p.maintenanceShift(best)
	p.predictor.Book(best, scheduledLoadShare)
	return best
}

// optimalDue asks the timing advisor for a delay and falls back to the
// load and time-of-day heuristic. Whatever the source, the delay is
// floored at five minutes, capped for critical work, stretched for
// background work, then kept out of the maintenance window.
func (p *placer) optimalDue(ctx context.Context, req *core.ScanRequest, now time.Time) time.Time {
	delay := p.advisorDelay(ctx, req, now)
	if delay <= 0 {
		delay = p.heuristicDelay(req, now)
	}
	if delay < optimalFloor {
		delay = optimalFloor
	}
	if req.Priority == core.PriorityCritical && delay > criticalMaxDelay {
		delay = criticalMaxDelay
	}
	if req.Priority == core.PriorityBackground && delay < backgroundMinDelay {
		delay = backgroundMinDelay
	}
	return p.maintenanceShift(now.Add(delay))
}

// advisorDelay consults the timing advisor. Zero means no recommendation,
// either because there is no advisor, the advisor declined, or the call
// failed.
func (p *placer) advisorDelay(ctx context.Context, req *core.ScanRequest, now time.Time) time.Duration {
	if p.advisor == nil {
		return 0
	}
	var delay time.Duration
	err := p.breaker.Execute(ctx, func() error {
		d, err := p.advisor.RecommendDelay(ctx, req, now)
		if err != nil {
			return err
		}
		delay = d
		return nil
	})
	if err != nil {
		p.logger.Debug("Timing advisor unavailable, using heuristic placement", map[string]interface{}{
			"request_id": req.ID,
			"error":      err.Error(),
		})
		return 0
	}
	return delay
}

// heuristicDelay is the deterministic optimal-time fallback: half an hour,
// adjusted for queue depth, time of day and request size.
func (p *placer) heuristicDelay(req *core.ScanRequest, now time.Time) time.Duration {
	delay := optimalBaseDelay
	switch backlog := p.backlog(); {
	case backlog > 20:
		delay += time.Hour
	case backlog > 10:
		delay += 30 * time.Minute
	}
	local := now.In(p.calendar.Location)
	switch {
	case p.inPeakHours(local):
		delay += 2 * time.Hour
	case !p.inBusinessHours(local):
		delay -= 30 * time.Minute
	}
	switch n := len(req.RuleIDs); {
	case n > 20:
		delay += time.Hour
	case n < 5:
		delay -= 15 * time.Minute
	}
	return delay
}

// maintenanceShift moves a due time landing inside the maintenance window
// to the window's end.
func (p *placer) maintenanceShift(due time.Time) time.Time {
	local := due.In(p.calendar.Location)
	if h := local.Hour(); h >= p.calendar.MaintenanceStart && h < p.calendar.MaintenanceEnd {
		return time.Date(local.Year(), local.Month(), local.Day(), p.calendar.MaintenanceEnd, 0, 0, 0, p.calendar.Location)
	}
	return due
}

// nextBusinessMorning returns the first business-day opening after local.
func (p *placer) nextBusinessMorning(local time.Time) time.Time {
	day := local
	for {
		open := time.Date(day.Year(), day.Month(), day.Day(), p.calendar.BusinessStart, 0, 0, 0, p.calendar.Location)
		if isWeekday(open.Weekday()) && open.After(local) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
}

func (p *placer) inBusinessHours(local time.Time) bool {
	if !isWeekday(local.Weekday()) {
		return false
	}
	h := local.Hour()
	return h >= p.calendar.BusinessStart && h < p.calendar.BusinessEnd
}

func (p *placer) inPeakHours(local time.Time) bool {
	h := local.Hour()
	return h >= p.calendar.PeakStart && h < p.calendar.PeakEnd
}

func isWeekday(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}
