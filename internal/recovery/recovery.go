// Package recovery runs the startup steps that rebuild PeerMatch's
// in-process state from durable storage after a restart.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup, before consumers start
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a plain function to Recoverable.
type RecoverFunc func(ctx context.Context) error

func (f RecoverFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type component struct {
	name string
	r    Recoverable
}

// RecoveryManager runs registered components in registration order.
type RecoveryManager struct {
	components []component
}

// NewRecoveryManager creates an empty recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a named component to recover.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.components = append(rm.components, component{name: name, r: r})
}

// Len returns the number of registered components.
func (rm *RecoveryManager) Len() int {
	return len(rm.components)
}

// RecoverAll recovers every component. A failing component does not stop the
// others; all failures are returned together. A cancelled ctx stops early.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.components))

	var errs []error
	recovered := 0
	for _, c := range rm.components {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		slog.Debug("Component recovered", "component", c.name)
		recovered++
	}

	slog.Info("Application recovery completed", "recovered", recovered, "errors", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w",
			len(errs), len(rm.components), errors.Join(errs...))
	}
	return nil
}
