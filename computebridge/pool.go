package computebridge

import (
	"context"
	"fmt"
	"sync"
)

// Bridge serializes every call into a Runtime through a worker pool of
// exactly one: the underlying compute runtime is not re-entrant, so
// concurrency 1 is load-bearing here rather than a tuning knob.
type Bridge struct {
	runtime  Runtime
	tasks    chan task
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type task struct {
	req    Request
	result chan<- taskResult
}

type taskResult struct {
	resp Response
	err  error
}

// New constructs a Bridge and starts its single worker goroutine.
func New(runtime Runtime) *Bridge {
	b := &Bridge{
		runtime:  runtime,
		tasks:    make(chan task, 64),
		stopChan: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		case t := <-b.tasks:
			resp, err := b.runtime.Run(t.req)
			t.result <- taskResult{resp: resp, err: err}
		}
	}
}

// Run enqueues req and blocks until the single worker has processed it or
// ctx is cancelled. Calls may take seconds to minutes; callers queue behind
// whatever the runtime is currently rendering.
func (b *Bridge) Run(ctx context.Context, req Request) (Response, error) {
	resultCh := make(chan taskResult, 1)
	select {
	case b.tasks <- task{req: req, result: resultCh}:
	case <-ctx.Done():
		return Response{}, fmt.Errorf("compute bridge: %w", ctx.Err())
	case <-b.stopChan:
		return Response{}, fmt.Errorf("compute bridge: shut down")
	}

	select {
	case r := <-resultCh:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, fmt.Errorf("compute bridge: %w", ctx.Err())
	case <-b.stopChan:
		// The worker may have exited with this task still queued.
		select {
		case r := <-resultCh:
			return r.resp, r.err
		default:
			return Response{}, fmt.Errorf("compute bridge: shut down")
		}
	}
}

// Shutdown stops the worker, waiting for any in-flight call to finish.
func (b *Bridge) Shutdown() {
	close(b.stopChan)
	b.wg.Wait()
}
