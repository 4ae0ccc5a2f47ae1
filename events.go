package tasksync

import (
	"context"
	"fmt"
	"sync"
)

// MutationError is surfaced to the UI after a failed mutation has been rolled
// back. Retry re-invokes the same mutation.
type MutationError struct {
	Op    string
	Key   Key
	Token Token
	Err   error
	Retry func(ctx context.Context) error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// RefetchError is surfaced once a key's canonical refetch has failed
// Failures times in a row.
type RefetchError struct {
	Key      Key
	Failures int
	Err      error
}

func (e *RefetchError) Error() string {
	return fmt.Sprintf("refetch %s failed %d times: %v", e.Key, e.Failures, e.Err)
}

func (e *RefetchError) Unwrap() error { return e.Err }

// ============================================================================
// Event Emitter
// ============================================================================

type emitter struct {
	mu         sync.RWMutex
	onMutation []func(*MutationError)
	onRefetch  []func(*RefetchError)
}

func (e *emitter) OnMutationError(h func(*MutationError)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMutation = append(e.onMutation, h)
}

func (e *emitter) OnRefetchError(h func(*RefetchError)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRefetch = append(e.onRefetch, h)
}

func (e *emitter) emitMutation(err *MutationError) {
	e.mu.RLock()
	handlers := append([]func(*MutationError){}, e.onMutation...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(err)
		}()
	}
}

func (e *emitter) emitRefetch(err *RefetchError) {
	e.mu.RLock()
	handlers := append([]func(*RefetchError){}, e.onRefetch...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(err)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMutation = nil
	e.onRefetch = nil
}
