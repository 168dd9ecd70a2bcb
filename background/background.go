// Package background implements BackgroundRequestCoordinator: a
// rendezvous between the API-call side (which holds a Runnable and wants
// a worker handle) and the fake-request side (which holds a worker
// handle and wants the Runnable). Grounded on storage/rowwriter.go's
// single-slot chan struct{} token idiom, generalized here from a
// one-directional permit into a two-way value exchange — one channel per
// direction instead of one token being passed back and forth.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Runnable is the work an API-call side wants a worker to execute.
type Runnable func(ctx context.Context)

// Worker is the handle a fake-request side delivers.
type Worker interface {
	Run(ctx context.Context, r Runnable)
}

// cell is the single-slot, two-way rendezvous point for one request id.
// Exactly one value crosses each channel before the cell is discarded.
type cell struct {
	runnableCh chan Runnable
	workerCh   chan Worker
}

func newCell() *cell {
	return &cell{
		runnableCh: make(chan Runnable, 1),
		workerCh:   make(chan Worker, 1),
	}
}

// Coordinator implements BackgroundRequestCoordinator.
type Coordinator struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{cells: make(map[string]*cell)}
}

// cellFor looks up or atomically creates the rendezvous cell for id.
func (c *Coordinator) cellFor(id string) *cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.cells[id]
	if !ok {
		cl = newCell()
		c.cells[id] = cl
	}
	return cl
}

// remove deletes the cell for id, if it is still the same cell instance
// (double-remove-safe: the second side to finish is a no-op).
func (c *Coordinator) remove(id string, cl *cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cells[id] == cl {
		delete(c.cells, id)
	}
}

// TimeoutError reports that a rendezvous did not complete within its
// deadline.
type TimeoutError struct {
	RequestID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("background: rendezvous for request %q timed out", e.RequestID)
}

// WaitForThreadStart is called from the API-call side: it has a Runnable
// and wants the Worker the fake-request side will deliver.
func (c *Coordinator) WaitForThreadStart(ctx context.Context, requestID string, r Runnable, deadline time.Duration) (Worker, error) {
	cl := c.cellFor(requestID)
	defer c.remove(requestID, cl)

	cl.runnableCh <- r

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case w := <-cl.workerCh:
		return w, nil
	case <-timer.C:
		return nil, &TimeoutError{RequestID: requestID}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForUserRunnable is called from the fake-request side: it has a
// Worker handle and wants the Runnable the API-call side deposited.
func (c *Coordinator) WaitForUserRunnable(ctx context.Context, requestID string, w Worker, deadline time.Duration) (Runnable, error) {
	cl := c.cellFor(requestID)
	defer c.remove(requestID, cl)

	cl.workerCh <- w

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case r := <-cl.runnableCh:
		return r, nil
	case <-timer.C:
		return nil, &TimeoutError{RequestID: requestID}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingCount reports the number of rendezvous cells currently awaiting
// their counterpart, for tests and diagnostics.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cells)
}
