// Package memory provides in-memory collaborator modules for the flows. They
// keep idempotency keys like the real modules must, count effective state
// changes and can be told to fail, which makes them the test doubles of the
// engine and the backing of the demo commands.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ignatij/sagaflow/pkg/workflow"
)

type fault struct {
	err   error
	times int // negative fails forever
}

// Faults injects errors into named operations.
type Faults struct {
	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

func newFaults() *Faults {
	return &Faults{faults: make(map[string]*fault), calls: make(map[string]int)}
}

// InjectFault makes the next times calls of op fail with err. A negative
// times fails every call until ClearFaults.
func (f *Faults) InjectFault(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{err: err, times: times}
}

func (f *Faults) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
}

// Calls returns how many times op was called, failed calls included.
func (f *Faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	ft, ok := f.faults[op]
	if !ok || ft.times == 0 {
		return nil
	}
	if ft.times > 0 {
		ft.times--
	}
	return ft.err
}

// revision counts effective state changes of a module.
type revision struct {
	n atomic.Int64
}

func (r *revision) bump() { r.n.Add(1) }

// Revision returns the number of effective state changes so far. Calls that
// find the state already as requested do not count.
func (r *revision) Revision() int64 { return r.n.Load() }

// idempotencyKey identifies the step execution a creating call belongs to.
func idempotencyKey(ctx context.Context) string {
	runID := workflow.RunID(ctx)
	if runID == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", runID, workflow.StepName(ctx))
}
