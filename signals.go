package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// scopeRegistry tracks live scopes by canonical root. It enforces single
// ownership of a root and lets a signal close everything still open.
type scopeRegistry struct {
	mu     sync.Mutex
	scopes map[string]*Scope
}

var scopes = &scopeRegistry{scopes: make(map[string]*Scope)}

// acquire records s as the owner of its root, or fails with ErrConflict when
// another live scope owns it.
func (r *scopeRegistry) acquire(s *Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.scopes[s.root]; ok && owner != s {
		return NewGuestError(ErrConflict, "guest root is already owned by a live scope").
			WithContext("root", s.root).
			WithContext("owner_state", owner.State().String()).
			WithComponent("scope")
	}
	r.scopes[s.root] = s
	Logger(context.Background()).Debug("Registered scope", "root", s.root)
	return nil
}

func (r *scopeRegistry) release(s *Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scopes[s.root] == s {
		delete(r.scopes, s.root)
		Logger(context.Background()).Debug("Unregistered scope", "root", s.root)
	}
}

func (r *scopeRegistry) live() []*Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		out = append(out, s)
	}
	return out
}

// GracefulShutdown closes live scopes when the process is asked to stop.
type GracefulShutdown struct {
	registry *scopeRegistry
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

var globalShutdown = &GracefulShutdown{registry: scopes}

// InitGracefulShutdown installs the SIGINT/SIGTERM handler. Calling the
// returned function removes it.
func InitGracefulShutdown(ctx context.Context) func() {
	gs := globalShutdown
	gs.once.Do(func() {
		gs.ctx, gs.cancel = context.WithCancel(ctx)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			defer signal.Stop(sigChan)
			select {
			case sig := <-sigChan:
				Logger(ctx).Info("Received shutdown signal, closing guest scopes", "signal", sig)
				gs.Shutdown(DefaultShutdownWait)
			case <-gs.ctx.Done():
			}
		}()
		Logger(ctx).Debug("Graceful shutdown handler initialized")
	})
	return func() {
		if gs.cancel != nil {
			gs.cancel()
		}
	}
}

// Shutdown kills running commands and closes every live scope, waiting at
// most timeout in total.
func (gs *GracefulShutdown) Shutdown(timeout time.Duration) {
	ctx := gs.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	logger := Logger(ctx).With("component", "shutdown")

	live := gs.registry.live()
	if len(live) == 0 {
		logger.Info("No guest scopes to close")
		return
	}
	logger.Info("Closing guest scopes", "count", len(live), "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Scope) {
			defer wg.Done()
			s.Interrupt()
			if err := s.Close(shutdownCtx); err != nil {
				if IsErrorCode(err, ErrInvalidState) {
					logger.Warn("Guest scope did not settle before the shutdown deadline", "root", s.Root(), "error", err)
					return
				}
				logger.Error("Guest scope left dirty", "root", s.Root(), "error", err)
				return
			}
			logger.Info("Guest scope closed", "root", s.Root())
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Error("Shutdown timed out, some guest roots may still have mounts")
	}
}
