package orchestration

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/scanweave/scanweave/core"
)

// BulkMode selects how a bulk submission fans its requests out.
type BulkMode string

const (
	// BulkSequential submits the requests one after another in order.
	BulkSequential BulkMode = "sequential"

	// BulkParallel submits concurrently, gated to bulkParallelism
	// submissions in flight.
	BulkParallel BulkMode = "parallel"
)

const (
	// maxBulkRequests caps one bulk call.
	maxBulkRequests = 50

	// bulkParallelism gates concurrent submissions of a parallel bulk.
	bulkParallelism = 20
)

// BulkItem is the per-request outcome of a bulk submission.
type BulkItem struct {
	Index       int    `json:"index"`
	RequestID   string `json:"request_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Queued      bool   `json:"queued"`
	Error       string `json:"error,omitempty"`
}

// BulkReceipt summarizes a bulk submission. Individual failures never fail
// the bulk; each item carries its own outcome.
type BulkReceipt struct {
	BulkID    string     `json:"bulk_id"`
	Mode      BulkMode   `json:"mode"`
	Items     []BulkItem `json:"items"`
	Submitted int        `json:"submitted"`
	Failed    int        `json:"failed"`
}

// BulkExecute submits up to maxBulkRequests requests in one call. Each
// request is planned under its own priority with the adaptive strategy;
// submission only admits or queues, it never waits for execution. Partial
// failure is normal: inspect the receipt's items.
func (o *Orchestrator) BulkExecute(ctx context.Context, requests []*core.ScanRequest, mode BulkMode) (*BulkReceipt, error) {
	if !o.running.Load() {
		return nil, fmt.Errorf("orchestrator: %w", core.ErrNotStarted)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: bulk submission is empty", core.ErrInvalidRequest)
	}
	if len(requests) > maxBulkRequests {
		return nil, fmt.Errorf("%w: bulk submission of %d exceeds limit %d", core.ErrInvalidRequest, len(requests), maxBulkRequests)
	}
	switch mode {
	case "":
		mode = BulkSequential
	case BulkSequential, BulkParallel:
	default:
		return nil, fmt.Errorf("%w: unknown bulk mode %q", core.ErrInvalidRequest, mode)
	}

	receipt := &BulkReceipt{
		BulkID: core.NewID("bulk"),
		Mode:   mode,
		Items:  make([]BulkItem, len(requests)),
	}

	if mode == BulkParallel {
		sem := semaphore.NewWeighted(bulkParallelism)
		var wg sync.WaitGroup
		for i, req := range requests {
			if err := sem.Acquire(ctx, 1); err != nil {
				receipt.Items[i] = BulkItem{Index: i, Error: err.Error()}
				continue
			}
			wg.Add(1)
			i, req := i, req
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				receipt.Items[i] = o.bulkSubmit(ctx, i, req)
			}()
		}
		wg.Wait()
	} else {
		for i, req := range requests {
			receipt.Items[i] = o.bulkSubmit(ctx, i, req)
		}
	}

	for _, item := range receipt.Items {
		if item.Error == "" {
			receipt.Submitted++
		} else {
			receipt.Failed++
		}
	}
	o.logger.Info("Bulk submission finished", map[string]interface{}{
		"bulk_id":   receipt.BulkID,
		"mode":      string(mode),
		"requests":  len(requests),
		"submitted": receipt.Submitted,
		"failed":    receipt.Failed,
	})
	return receipt, nil
}

func (o *Orchestrator) bulkSubmit(ctx context.Context, index int, req *core.ScanRequest) BulkItem {
	item := BulkItem{Index: index}
	sub, err := o.Submit(ctx, req, "", 0)
	if err != nil {
		item.Error = err.Error()
		return item
	}
	item.RequestID = sub.RequestID
	item.ExecutionID = sub.ExecutionID
	item.Queued = sub.Queued
	return item
}
