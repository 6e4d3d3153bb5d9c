package server

import (
	"context"
	"fmt"
)

// task is a unit of work for the machine goroutine.
type task struct {
	fn   func() any
	done chan result
}

// result holds the return value from a machine operation.
type result struct {
	value any
	err   error
}

// MachineWorker serializes all evaluation through a single goroutine.
// The machine is single-threaded; every handler submits its work here
// so concurrent requests never share an EvalContext.
type MachineWorker struct {
	tasks chan task
	quit  chan struct{}
}

// NewMachineWorker creates a worker and starts its goroutine.
func NewMachineWorker() *MachineWorker {
	w := &MachineWorker{
		tasks: make(chan task, 64),
		quit:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes tasks sequentially on a dedicated goroutine.
func (w *MachineWorker) loop() {
	for {
		select {
		case t := <-w.tasks:
			t.done <- w.execute(t.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs one task, recovering from panics.
func (w *MachineWorker) execute(fn func() any) result {
	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("machine panic: %v", r)
			}
		}()
		res.value = fn()
	}()
	return res
}

// Do submits a function and blocks until it completes or ctx is done.
// A canceled submission never runs; a canceled wait abandons the
// result but the task still finishes on the worker goroutine.
func (w *MachineWorker) Do(ctx context.Context, fn func() any) (any, error) {
	t := task{fn: fn, done: make(chan result, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, fmt.Errorf("worker stopped")
	}
	select {
	case res := <-t.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine.
func (w *MachineWorker) Stop() {
	close(w.quit)
}
