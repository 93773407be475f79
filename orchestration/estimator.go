package orchestration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/resilience"
)

// Estimator derives the resource requirement of a scan from data-source
// metadata. The deterministic heuristics are the contract; an optional
// advisor can refine individual values, clamped to the same bounds, and is
// consulted through a circuit breaker so a misbehaving advisor degrades to
// the heuristics instead of stalling admission.
type Estimator struct {
	dataSources core.DataSourceService
	advisor     core.ResourceAdvisor
	breaker     *resilience.CircuitBreaker
	logger      core.Logger
}

// NewEstimator builds an estimator. advisor may be nil.
func NewEstimator(dataSources core.DataSourceService, advisor core.ResourceAdvisor, logger core.Logger) *Estimator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	e := &Estimator{
		dataSources: dataSources,
		advisor:     advisor,
		logger:      core.WithComponent(logger, "estimator"),
	}
	if advisor != nil {
		// Construction only fails on invalid config; defaults are valid.
		e.breaker, _ = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("resource-advisor"))
	}
	return e
}

// Estimate returns the resource requirement for req along with the
// metadata it was derived from.
func (e *Estimator) Estimate(ctx context.Context, req *core.ScanRequest) (core.ResourceRequirement, *core.DataSourceMetadata, error) {
	meta, err := e.dataSources.Metadata(ctx, req.DataSourceID)
	if err != nil {
		return core.ResourceRequirement{}, nil, &core.OrchestrationError{
			Op:   "estimator.Estimate",
			Kind: "estimation",
			ID:   req.DataSourceID,
			Err:  fmt.Errorf("data source metadata: %w", err),
		}
	}
	if meta == nil {
		meta = &core.DataSourceMetadata{}
	}

	base := baseRequirement(req, meta)

	if e.advisor != nil {
		base = e.applyHints(ctx, req, meta, base)
	}

	final := applyComplexity(base)

	e.logger.Debug("Resource requirement estimated", map[string]interface{}{
		"data_source_id":     req.DataSourceID,
		"estimated_rows":     meta.EstimatedRows,
		"rules":              len(req.RuleIDs),
		"cpu_percent":        final.CPUPercent,
		"memory_mb":          final.MemoryMB,
		"complexity":         final.Complexity,
		"estimated_duration": final.EstimatedDuration.String(),
	})
	return final, meta, nil
}

// applyHints overlays any positive advisor values onto the base
// requirement, re-clamped to the heuristic bounds. Advisor failures fall
// back to the base values silently; the breaker keeps a broken advisor
// from being consulted at all.
func (e *Estimator) applyHints(ctx context.Context, req *core.ScanRequest, meta *core.DataSourceMetadata, base core.ResourceRequirement) core.ResourceRequirement {
	var hint *core.ResourceRequirement
	err := e.breaker.Execute(ctx, func() error {
		h, err := e.advisor.EstimateResources(ctx, req, meta)
		if err != nil {
			return err
		}
		hint = h
		return nil
	})
	if err != nil {
		e.logger.Debug("Resource advisor unavailable, using heuristics", map[string]interface{}{
			"data_source_id": req.DataSourceID,
			"error":          err.Error(),
		})
	} else if hint != nil {
		base = overlayHint(base, *hint)
	}

	var d time.Duration
	err = e.breaker.Execute(ctx, func() error {
		dur, err := e.advisor.EstimateDuration(ctx, req)
		if err != nil {
			return err
		}
		d = dur
		return nil
	})
	if err == nil && d > 0 {
		base.EstimatedDuration = d
		base = base.Clamp()
	}
	return base
}

// baseRequirement computes the deterministic heuristic requirement, with
// every value clamped to its bounds. Complexity is not yet applied; the
// caller multiplies it in after any advisor overlay.
func baseRequirement(req *core.ScanRequest, meta *core.DataSourceMetadata) core.ResourceRequirement {
	rows := float64(meta.EstimatedRows)
	tables := float64(len(meta.Tables))
	rules := float64(len(req.RuleIDs))

	complexity := 1.0
	if len(req.RuleIDs) > 10 {
		complexity += 0.5
	}
	if req.Type == core.ScanTypeDeep {
		complexity += 1.0
	}
	if len(meta.Columns) > 100 {
		complexity += 0.3
	}

	minutes := math.Ceil(rows / 100000 * 10 * math.Max(1, rules/10) * complexity)

	return core.ResourceRequirement{
		CPUPercent:        rows / 100000 * 2,
		MemoryMB:          rows / 10000 * 100,
		StorageMB:         rows / 1000 * 10,
		NetworkMbps:       tables * 5,
		DBConnections:     tables / 10,
		APIRate:           rules * 5,
		Complexity:        complexity,
		EstimatedDuration: time.Duration(minutes) * time.Minute,
	}.Clamp()
}

// overlayHint replaces base values with the advisor's where the advisor
// supplied one (positive), then re-clamps to the heuristic bounds.
func overlayHint(base core.ResourceRequirement, hint core.ResourceRequirement) core.ResourceRequirement {
	if hint.CPUPercent > 0 {
		base.CPUPercent = hint.CPUPercent
	}
	if hint.MemoryMB > 0 {
		base.MemoryMB = hint.MemoryMB
	}
	if hint.StorageMB > 0 {
		base.StorageMB = hint.StorageMB
	}
	if hint.NetworkMbps > 0 {
		base.NetworkMbps = hint.NetworkMbps
	}
	if hint.DBConnections > 0 {
		base.DBConnections = hint.DBConnections
	}
	if hint.APIRate > 0 {
		base.APIRate = hint.APIRate
	}
	if hint.Complexity >= 1 {
		base.Complexity = hint.Complexity
	}
	if hint.EstimatedDuration > 0 {
		base.EstimatedDuration = hint.EstimatedDuration
	}
	return base.Clamp()
}

// applyComplexity scales the four load-shaped resources by the complexity
// multiplier, re-clamped so no dimension escapes its bounds. Duration
// already carries complexity from the heuristic, and connection/rate
// budgets are discrete limits rather than load.
func applyComplexity(r core.ResourceRequirement) core.ResourceRequirement {
	r.CPUPercent *= r.Complexity
	r.MemoryMB *= r.Complexity
	r.StorageMB *= r.Complexity
	r.NetworkMbps *= r.Complexity
	return r.Clamp()
}
