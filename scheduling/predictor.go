package scheduling

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// scheduledLoadShare is the nominal pool fraction booked for one
	// placed scan when projecting future load.
	scheduledLoadShare = 0.05

	// loadDecayPerHour is the fraction of observed utilization assumed to
	// survive each hour into the future.
	loadDecayPerHour = 0.9

	// bookingHorizon bounds how long stale hour buckets are kept, in
	// hours.
	bookingHorizon = 25
)

// UtilizationSource reports current resource pool utilization as a
// fraction in [0, 1]. The scheduler samples it once per tick to anchor
// load prediction; without one, prediction works from booked placements
// alone.
type UtilizationSource interface {
	PoolUtilization(ctx context.Context) float64
}

// LoadPredictor projects pool utilization over the coming day. The most
// recent observed utilization decays hour over hour, and load booked by
// earlier resource-based placements is added on top of its hour bucket, so
// consecutive placements spread out instead of piling onto the same quiet
// hour.
type LoadPredictor struct {
	mu         sync.Mutex
	observed   float64
	observedAt time.Time
	booked     map[int64]float64
}

func NewLoadPredictor() *LoadPredictor {
	return &LoadPredictor{booked: make(map[int64]float64)}
}

// Observe records the utilization fraction measured at now.
func (p *LoadPredictor) Observe(now time.Time, utilization float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observed = clamp01(utilization)
	p.observedAt = now
}

// Book reserves load in t's hour bucket so subsequent placements see it.
// Buckets more than a day behind t are dropped.
func (p *LoadPredictor) Book(t time.Time, load float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := hourBucket(t)
	p.booked[bucket] += load
	for b := range p.booked {
		if b < bucket-bookingHorizon {
			delete(p.booked, b)
		}
	}
}

// Predict returns the expected utilization fraction at t.
func (p *LoadPredictor) Predict(t time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	load := p.booked[hourBucket(t)]
	if !p.observedAt.IsZero() {
		ahead := t.Sub(p.observedAt).Hours()
		if ahead < 0 {
			ahead = 0
		}
		load += p.observed * math.Pow(loadDecayPerHour, ahead)
	}
	return clamp01(load)
}

func hourBucket(t time.Time) int64 {
	return t.Unix() / 3600
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
