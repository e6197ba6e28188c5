package main

import (
	"context"
	"fmt"
	"sync"
)

// CleanupFunc releases one acquired resource.
type CleanupFunc struct {
	Name string
	Fn   func(ctx context.Context) error
}

// teardownStack records release actions in acquisition order. Drain runs
// them most recent first and keeps going past failures.
type teardownStack struct {
	mu    sync.Mutex
	funcs []CleanupFunc
}

// Push registers fn to run at teardown.
func (t *teardownStack) Push(name string, fn func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs = append(t.funcs, CleanupFunc{Name: name, Fn: fn})
}

// Len returns the number of pending release actions.
func (t *teardownStack) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.funcs)
}

// Drain runs and removes every pending action. A panicking action is
// recorded as a failure like any other. Drain on an empty stack does nothing.
func (t *teardownStack) Drain(ctx context.Context) *ErrorChain {
	logger := Logger(ctx)
	chain := NewErrorChain("teardown")

	for {
		t.mu.Lock()
		if len(t.funcs) == 0 {
			t.mu.Unlock()
			break
		}
		cf := t.funcs[len(t.funcs)-1]
		t.funcs = t.funcs[:len(t.funcs)-1]
		t.mu.Unlock()

		logger.Debug("Running cleanup function", "name", cf.Name)
		err := runCleanup(ctx, cf)
		if err == nil {
			continue
		}
		logger.Warn("Cleanup function failed", "name", cf.Name, "error", err)
		if nested, ok := err.(*ErrorChain); ok {
			chain.Merge(nested)
		} else {
			chain.Add(err)
		}
	}
	return chain
}

func runCleanup(ctx context.Context, cf CleanupFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewGuestError(ErrTeardown, fmt.Sprintf("cleanup %s panicked: %v", cf.Name, r)).
				WithComponent("teardown")
		}
	}()
	if cf.Fn == nil {
		return nil
	}
	return cf.Fn(ctx)
}
