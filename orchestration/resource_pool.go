package orchestration

import (
	"container/heap"
	"sync"
	"time"

	"github.com/scanweave/scanweave/core"
)

// ResourceUsage is one point across the six pooled resource dimensions.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	StorageMB     float64 `json:"storage_mb"`
	NetworkMbps   float64 `json:"network_mbps"`
	DBConnections float64 `json:"db_connections"`
	APIRate       float64 `json:"api_rate"`
}

// PoolStatus is a consistent snapshot of the resource pool.
type PoolStatus struct {
	Capacity    ResourceUsage `json:"capacity"`
	Allocatable ResourceUsage `json:"allocatable"`
	Used        ResourceUsage `json:"used"`
	Allocations int           `json:"allocations"`
}

// allocation records one execution's hold on the pool. Expiry is the
// estimated duration plus a grace period; the sweeper reclaims anything
// still held past that point.
type allocation struct {
	executionID string
	requirement core.ResourceRequirement
	allocatedAt time.Time
	expiresAt   time.Time
	index       int // position in the expiry heap
}

// resourcePool tracks the six shared resource counters under one critical
// section. Allocation and release are atomic; decision reads use a
// consistent snapshot. A min-heap on expiresAt gives the sweeper O(log n)
// reclaims.
type resourcePool struct {
	capacity ResourceUsage
	margin   float64

	mu     sync.Mutex
	used   ResourceUsage
	allocs map[string]*allocation
	expiry expiryHeap
}

func newResourcePool(capacity core.PoolConfig, safetyMargin float64) *resourcePool {
	return &resourcePool{
		capacity: ResourceUsage{
			CPUPercent:    capacity.CPUPercent,
			MemoryMB:      capacity.MemoryMB,
			StorageMB:     capacity.StorageMB,
			NetworkMbps:   capacity.NetworkMbps,
			DBConnections: capacity.DBConnections,
			APIRate:       capacity.APIRate,
		},
		margin: safetyMargin,
		allocs: make(map[string]*allocation),
	}
}

// allocatable returns the admission ceiling: capacity scaled down by the
// safety margin.
func (p *resourcePool) allocatable() ResourceUsage {
	f := 1 - p.margin
	return ResourceUsage{
		CPUPercent:    p.capacity.CPUPercent * f,
		MemoryMB:      p.capacity.MemoryMB * f,
		StorageMB:     p.capacity.StorageMB * f,
		NetworkMbps:   p.capacity.NetworkMbps * f,
		DBConnections: p.capacity.DBConnections * f,
		APIRate:       p.capacity.APIRate * f,
	}
}

func (p *resourcePool) fitsLocked(req core.ResourceRequirement) bool {
	limit := p.allocatable()
	return p.used.CPUPercent+req.CPUPercent <= limit.CPUPercent &&
		p.used.MemoryMB+req.MemoryMB <= limit.MemoryMB &&
		p.used.StorageMB+req.StorageMB <= limit.StorageMB &&
		p.used.NetworkMbps+req.NetworkMbps <= limit.NetworkMbps &&
		p.used.DBConnections+req.DBConnections <= limit.DBConnections &&
		p.used.APIRate+req.APIRate <= limit.APIRate
}

// allocate reserves req for executionID if every resource dimension fits
// under the admission ceiling. The check and the reservation are one
// atomic step.
func (p *resourcePool) allocate(executionID string, req core.ResourceRequirement, now time.Time, grace time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.allocs[executionID]; exists {
		return false
	}
	if !p.fitsLocked(req) {
		return false
	}

	p.used.CPUPercent += req.CPUPercent
	p.used.MemoryMB += req.MemoryMB
	p.used.StorageMB += req.StorageMB
	p.used.NetworkMbps += req.NetworkMbps
	p.used.DBConnections += req.DBConnections
	p.used.APIRate += req.APIRate

	a := &allocation{
		executionID: executionID,
		requirement: req,
		allocatedAt: now,
		expiresAt:   now.Add(req.EstimatedDuration + grace),
	}
	p.allocs[executionID] = a
	heap.Push(&p.expiry, a)
	return true
}

// release returns executionID's reservation to the pool. It is idempotent:
// releasing an unknown or already-released execution is a no-op.
func (p *resourcePool) release(executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.allocs[executionID]
	if !ok {
		return false
	}
	p.releaseLocked(a)
	return true
}

func (p *resourcePool) releaseLocked(a *allocation) {
	req := a.requirement
	p.used.CPUPercent -= req.CPUPercent
	p.used.MemoryMB -= req.MemoryMB
	p.used.StorageMB -= req.StorageMB
	p.used.NetworkMbps -= req.NetworkMbps
	p.used.DBConnections -= req.DBConnections
	p.used.APIRate -= req.APIRate
	delete(p.allocs, a.executionID)
	heap.Remove(&p.expiry, a.index)
}

// releaseExpired reclaims every allocation whose expiry has passed and
// returns the owning execution IDs so the caller can terminate them.
func (p *resourcePool) releaseExpired(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for p.expiry.Len() > 0 {
		a := p.expiry[0]
		if a.expiresAt.After(now) {
			break
		}
		p.releaseLocked(a)
		expired = append(expired, a.executionID)
	}
	return expired
}

// held reports whether executionID currently holds an allocation.
func (p *resourcePool) held(executionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.allocs[executionID]
	return ok
}

// status returns a consistent snapshot of capacity and usage.
func (p *resourcePool) status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStatus{
		Capacity:    p.capacity,
		Allocatable: p.allocatable(),
		Used:        p.used,
		Allocations: len(p.allocs),
	}
}

// expiryHeap is a min-heap of allocations ordered by expiry time, with
// index maintenance so releases can remove entries in place.
type expiryHeap []*allocation

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x interface{}) {
	a := x.(*allocation)
	a.index = len(*h)
	*h = append(*h, a)
}

func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}
