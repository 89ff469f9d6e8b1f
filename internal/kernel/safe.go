package kernel

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError is returned by runSafely when the guarded call panicked.
type PanicError struct {
	Scope     string
	Recovered any
	Stack     []byte
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic recovered: %v", e.Scope, e.Recovered)
}

// IsPanic reports whether err carries a recovered panic.
func IsPanic(err error) bool {
	var panicErr *PanicError
	return errors.As(err, &panicErr)
}

// runSafely executes fn and converts panics into a *PanicError tagged with scope.
// Lifecycle hooks, drivers and bus handlers all run through it.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = &PanicError{Scope: scope, Recovered: recovered, Stack: debug.Stack()}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
