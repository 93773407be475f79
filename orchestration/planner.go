package orchestration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/scanweave/scanweave/core"
	"github.com/scanweave/scanweave/resilience"
)

// StageMode is how the rules inside one stage are dispatched.
type StageMode string

const (
	// StageSequential runs the stage's rules one after another in the
	// declared order.
	StageSequential StageMode = "sequential"

	// StageParallel fans the stage's rules out, bounded by the stage's
	// MaxConcurrency. Results keep the declared order.
	StageParallel StageMode = "parallel"
)

// Stage is one contiguous unit of plan work.
type Stage struct {
	ID               string    `json:"id"`
	Mode             StageMode `json:"mode"`
	RuleIDs          []string  `json:"rule_ids"`
	MaxConcurrency   int       `json:"max_concurrency,omitempty"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	DependsOn        []string  `json:"depends_on,omitempty"`
}

// Plan is the staged execution layout of one request. Stages form a linear
// chain: each depends on its predecessor, and the rules across stages
// partition the request's rule set without duplication.
type Plan struct {
	Strategy core.PlanStrategy `json:"strategy"`
	Stages   []Stage           `json:"stages"`
}

// RuleCount returns the number of rules across all stages.
func (p *Plan) RuleCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.RuleIDs)
	}
	return n
}

// ruleKindComplex marks rules whose kind forces sequential dispatch under
// adaptive grouping.
const ruleKindComplex = "complex"

// Planner builds execution plans. The optional plan advisor backs the
// intelligent strategy; when it yields nothing usable the planner falls
// back to adaptive grouping, never to an error.
type Planner struct {
	rules   core.RuleService
	advisor core.PlanAdvisor
	breaker *resilience.CircuitBreaker
	logger  core.Logger
}

// NewPlanner builds a planner. advisor may be nil.
func NewPlanner(rules core.RuleService, advisor core.PlanAdvisor, logger core.Logger) *Planner {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	p := &Planner{
		rules:   rules,
		advisor: advisor,
		logger:  core.WithComponent(logger, "planner"),
	}
	if advisor != nil {
		p.breaker, _ = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("plan-advisor"))
	}
	return p
}

// Build constructs the plan for req under its strategy, sized against the
// estimated requirement.
func (p *Planner) Build(ctx context.Context, req *core.ScanRequest, strategy core.PlanStrategy, requirement core.ResourceRequirement) (*Plan, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown plan strategy %q", core.ErrInvalidRequest, strategy)
	}

	var stages []Stage
	switch strategy {
	case core.PlanSequential:
		stages = p.sequentialStages(req)
	case core.PlanParallel:
		stages = p.parallelStages(req, requirement)
	case core.PlanAdaptive:
		stages = p.adaptiveStages(ctx, req, requirement, adaptivePlain)
	case core.PlanIntelligent:
		stages = p.intelligentStages(ctx, req, requirement)
	case core.PlanPriorityBased:
		stages = p.adaptiveStages(ctx, req, requirement, adaptivePriorityBoost)
	case core.PlanResourceOptimized:
		stages = p.adaptiveStages(ctx, req, requirement, adaptiveResourceTight)
	}

	plan := &Plan{Strategy: strategy, Stages: stages}
	chainStages(plan.Stages)
	spreadDuration(plan.Stages, requirement.EstimatedDuration, len(req.RuleIDs))
	return plan, nil
}

// sequentialStages yields one single-rule stage per rule.
func (p *Planner) sequentialStages(req *core.ScanRequest) []Stage {
	stages := make([]Stage, 0, len(req.RuleIDs))
	for _, id := range req.RuleIDs {
		stages = append(stages, Stage{
			Mode:    StageSequential,
			RuleIDs: []string{id},
		})
	}
	return stages
}

// parallelStages batches rules into parallel stages sized by the
// requirement: min(|rules|, ⌊cpu/5⌋, dbConnections), floored at one. A
// single rule therefore still yields one parallel stage of size one.
func (p *Planner) parallelStages(req *core.ScanRequest, requirement core.ResourceRequirement) []Stage {
	size := parallelBatchSize(len(req.RuleIDs), requirement)
	var stages []Stage
	for _, batch := range chunkRules(req.RuleIDs, size) {
		stages = append(stages, Stage{
			Mode:           StageParallel,
			RuleIDs:        batch,
			MaxConcurrency: len(batch),
		})
	}
	return stages
}

// adaptiveVariant tunes how adaptive grouping sizes its parallel stages.
type adaptiveVariant int

const (
	adaptivePlain adaptiveVariant = iota

	// adaptivePriorityBoost widens parallel stages to the full group for
	// high-urgency requests.
	adaptivePriorityBoost

	// adaptiveResourceTight halves parallel concurrency to leave more
	// headroom for co-tenants.
	adaptiveResourceTight
)

// adaptiveStages groups rules by kind, preserving first-appearance order.
// Small groups (≤3) and complex-kind groups run sequentially; the rest run
// as one parallel stage sized like the parallel strategy.
func (p *Planner) adaptiveStages(ctx context.Context, req *core.ScanRequest, requirement core.ResourceRequirement, variant adaptiveVariant) []Stage {
	infos := p.describeRules(ctx, req)

	type group struct {
		kind  string
		rules []string
	}
	var groups []*group
	byKind := make(map[string]*group)
	for i, id := range req.RuleIDs {
		kind := ""
		if i < len(infos) {
			kind = infos[i].Kind
		}
		g, ok := byKind[kind]
		if !ok {
			g = &group{kind: kind}
			byKind[kind] = g
			groups = append(groups, g)
		}
		g.rules = append(g.rules, id)
	}

	var stages []Stage
	for _, g := range groups {
		if len(g.rules) <= 3 || g.kind == ruleKindComplex {
			stages = append(stages, Stage{
				Mode:    StageSequential,
				RuleIDs: g.rules,
			})
			continue
		}
		concurrency := parallelBatchSize(len(g.rules), requirement)
		switch variant {
		case adaptivePriorityBoost:
			if req.Priority <= core.PriorityHigh {
				concurrency = len(g.rules)
			}
		case adaptiveResourceTight:
			if concurrency > 1 {
				concurrency /= 2
			}
		}
		stages = append(stages, Stage{
			Mode:           StageParallel,
			RuleIDs:        g.rules,
			MaxConcurrency: concurrency,
		})
	}
	return stages
}

// intelligentStages asks the plan advisor for a stage layout. Anything
// short of a complete, well-formed partition of the request's rules falls
// back to adaptive grouping.
func (p *Planner) intelligentStages(ctx context.Context, req *core.ScanRequest, requirement core.ResourceRequirement) []Stage {
	if p.advisor == nil {
		return p.adaptiveStages(ctx, req, requirement, adaptivePlain)
	}

	var hints []core.StageHint
	err := p.breaker.Execute(ctx, func() error {
		h, err := p.advisor.SuggestStages(ctx, req)
		if err != nil {
			return err
		}
		hints = h
		return nil
	})
	if err != nil || len(hints) == 0 {
		if err != nil {
			p.logger.Debug("Plan advisor unavailable, falling back to adaptive", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
		return p.adaptiveStages(ctx, req, requirement, adaptivePlain)
	}

	stages, ok := stagesFromHints(req, hints)
	if !ok {
		p.logger.Warn("Plan advisor suggestion does not partition the rule set, falling back to adaptive", map[string]interface{}{
			"request_id": req.ID,
			"hints":      len(hints),
		})
		return p.adaptiveStages(ctx, req, requirement, adaptivePlain)
	}
	return stages
}

// stagesFromHints validates that the hints partition the request's rules
// exactly once and converts them to stages.
func stagesFromHints(req *core.ScanRequest, hints []core.StageHint) ([]Stage, bool) {
	want := make(map[string]int, len(req.RuleIDs))
	for _, id := range req.RuleIDs {
		want[id]++
	}

	var stages []Stage
	for _, h := range hints {
		if len(h.RuleIDs) == 0 {
			return nil, false
		}
		for _, id := range h.RuleIDs {
			if want[id] == 0 {
				return nil, false
			}
			want[id]--
		}
		mode := StageSequential
		concurrency := 0
		if h.Parallel {
			mode = StageParallel
			concurrency = h.MaxConcurrency
			if concurrency <= 0 || concurrency > len(h.RuleIDs) {
				concurrency = len(h.RuleIDs)
			}
		}
		stages = append(stages, Stage{
			Mode:           mode,
			RuleIDs:        h.RuleIDs,
			MaxConcurrency: concurrency,
		})
	}
	for _, n := range want {
		if n != 0 {
			return nil, false
		}
	}
	return stages, true
}

// describeRules fetches planning metadata for the request's rules. On
// failure every rule is treated as unclassified simple work.
func (p *Planner) describeRules(ctx context.Context, req *core.ScanRequest) []core.RuleInfo {
	infos, err := p.rules.Describe(ctx, req.RuleIDs)
	if err != nil || len(infos) != len(req.RuleIDs) {
		if err != nil {
			p.logger.Warn("Rule description failed, planning rules as unclassified", map[string]interface{}{
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
		infos = make([]core.RuleInfo, len(req.RuleIDs))
		for i, id := range req.RuleIDs {
			infos[i] = core.RuleInfo{ID: id, Complexity: 1}
		}
	}
	return infos
}

// parallelBatchSize bounds a parallel batch by the CPU and connection
// budget of the requirement.
func parallelBatchSize(ruleCount int, requirement core.ResourceRequirement) int {
	size := ruleCount
	if byCPU := int(math.Floor(requirement.CPUPercent / 5)); byCPU < size {
		size = byCPU
	}
	if byConns := int(requirement.DBConnections); byConns < size {
		size = byConns
	}
	if size < 1 {
		size = 1
	}
	return size
}

func chunkRules(ruleIDs []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(ruleIDs); start += size {
		end := start + size
		if end > len(ruleIDs) {
			end = len(ruleIDs)
		}
		chunks = append(chunks, ruleIDs[start:end])
	}
	return chunks
}

// chainStages assigns stage IDs and links each stage to its predecessor.
func chainStages(stages []Stage) {
	for i := range stages {
		stages[i].ID = fmt.Sprintf("stage-%d", i+1)
		if i > 0 {
			stages[i].DependsOn = []string{stages[i-1].ID}
		}
	}
}

// spreadDuration apportions the total estimated duration across stages in
// proportion to their rule counts, at least one minute each.
func spreadDuration(stages []Stage, total time.Duration, ruleCount int) {
	if ruleCount == 0 {
		return
	}
	totalMinutes := total.Minutes()
	for i := range stages {
		minutes := int(math.Ceil(totalMinutes * float64(len(stages[i].RuleIDs)) / float64(ruleCount)))
		if minutes < 1 {
			minutes = 1
		}
		stages[i].EstimatedMinutes = minutes
	}
}
