package tasksync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Definition configures a Store for one domain. Domain behaviour is data:
// how an id maps to a push filter, how the canonical collection is fetched
// and how it is ordered.
type Definition[T Entity] struct {
	Domain Domain
	Filter func(id string) Filter
	Fetch  func(ctx context.Context, caller Caller, id string) ([]T, error)
	// Less orders the reconciled collection. Nil keeps backend order.
	Less func(a, b T) bool
}

// Store is the subscription manager for one domain. Each id it is asked
// about gets its own Subscription Key, cache and state.
type Store[T Entity] struct {
	def      Definition[T]
	registry *Registry
	coord    *Coordinator
	caller   Caller
	events   *emitter
	log      zerolog.Logger

	mu   sync.Mutex
	keys map[string]*keyState[T]
}

type keyState[T Entity] struct {
	cache   *Cache[T]
	loading bool
	live    bool
	err     error
}

// NewStore creates a store for def backed by the engine's registry,
// coordinator and caller.
func NewStore[T Entity](e *Engine, def Definition[T]) *Store[T] {
	return &Store[T]{
		def:      def,
		registry: e.registry,
		coord:    e.coord,
		caller:   e.caller,
		events:   e.events,
		log:      e.log.With().Str("domain", string(def.Domain)).Logger(),
		keys:     make(map[string]*keyState[T]),
	}
}

// Key returns the Subscription Key for id.
func (s *Store[T]) Key(id string) Key {
	return Key{Domain: s.def.Domain, ID: id}
}

// Subscribe opens the push channel for id and loads its canonical
// collection. When the channel cannot be opened the collection is still
// loaded, the state reports Live=false and the setup error is returned.
func (s *Store[T]) Subscribe(ctx context.Context, id string) error {
	key := s.Key(id)
	ks := s.state(id)

	_, subErr := s.registry.Subscribe(ctx, key, SubscribeOptions{
		Filter: s.def.Filter(id),
		Fetch: func(ctx context.Context) (any, error) {
			return s.fetch(ctx, id)
		},
		OnChange: func(v any) {
			s.reconcile(key, ks, v.(fetched[T]))
		},
		OnError: func(err error, failures int) {
			s.mu.Lock()
			ks.err = &RefetchError{Key: key, Failures: failures, Err: err}
			s.mu.Unlock()
		},
	})
	if errors.Is(subErr, ErrSubscriptionCancelled) {
		return subErr
	}

	s.mu.Lock()
	ks.live = subErr == nil
	s.mu.Unlock()

	if err := s.Refresh(ctx, id); err != nil && subErr == nil {
		return err
	}
	return subErr
}

// Unsubscribe closes the channel for id and drops its cache.
func (s *Store[T]) Unsubscribe(id string) {
	s.registry.Unsubscribe(s.Key(id))
	s.coord.forget(s.Key(id))
	s.mu.Lock()
	delete(s.keys, id)
	s.mu.Unlock()
}

// Refresh refetches the canonical collection for id. It works without a
// live channel too.
func (s *Store[T]) Refresh(ctx context.Context, id string) error {
	ks := s.state(id)
	s.mu.Lock()
	ks.loading = true
	s.mu.Unlock()

	err := s.registry.Refresh(ctx, s.Key(id))
	if errors.Is(err, ErrNotSubscribed) {
		var f fetched[T]
		f, err = s.fetch(ctx, id)
		if err == nil {
			s.reconcile(s.Key(id), ks, f)
		}
	}

	s.mu.Lock()
	ks.loading = false
	if err != nil {
		ks.err = err
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", s.Key(id), err)
	}
	return nil
}

// State returns the current collection and status for id.
func (s *Store[T]) State(id string) State[T] {
	ks := s.state(id)
	s.mu.Lock()
	st := State[T]{Loading: ks.loading, Live: ks.live, Err: ks.err}
	s.mu.Unlock()
	st.Data = ks.cache.Get()
	return st
}

// Watch calls fn with the collection for id after every cache write.
func (s *Store[T]) Watch(id string, fn func([]T)) (cancel func()) {
	return s.state(id).cache.Watch(fn)
}

// OnOptimistic attaches optimistic handlers to the subscribed key for id.
func (s *Store[T]) OnOptimistic(id string, h Handlers) error {
	return s.coord.RegisterHandlers(s.Key(id), h)
}

// Mutate applies patch optimistically to id's cache, invokes call and then
// commits or rolls back. On failure the rolled-back state is in place
// before the returned *MutationError is emitted.
func (s *Store[T]) Mutate(ctx context.Context, id, name string, token Token, patch Patch[T], call func(ctx context.Context) error) error {
	return s.run(ctx, mutation[T]{id: id, name: name, token: token, patch: patch, call: call})
}

type mutation[T Entity] struct {
	id    string
	name  string
	token Token
	patch Patch[T]
	call  func(ctx context.Context) error
	// onRollback rewrites the restored collection within the rollback write.
	onRollback func(cur []T) []T
	// retry overrides the default of re-running the same mutation.
	retry func(ctx context.Context) error
}

func (s *Store[T]) run(ctx context.Context, m mutation[T]) error {
	key := s.Key(m.id)
	ks := s.state(m.id)

	_, applied := applyOptimistic(s.coord, ks.cache, key, m.token, m.name, m.patch, m.onRollback)

	err := m.call(ctx)
	if err == nil {
		if applied {
			s.coord.Commit(m.token)
		}
		return nil
	}

	if applied {
		s.coord.Rollback(m.token, err)
	}

	retry := m.retry
	if retry == nil {
		retry = func(ctx context.Context) error { return s.run(ctx, m) }
	}
	merr := &MutationError{Op: m.name, Key: key, Token: m.token, Err: err, Retry: retry}
	s.log.Warn().Err(err).Str("op", m.name).Str("token", string(m.token)).Msg("mutation failed")
	s.events.emitMutation(merr)
	return merr
}

// fetched is a canonical collection stamped with the moment its fetch began.
type fetched[T Entity] struct {
	rows []T
	mark uint64
}

func (s *Store[T]) fetch(ctx context.Context, id string) (fetched[T], error) {
	mark := s.coord.mark()
	rows, err := s.def.Fetch(ctx, s.caller, id)
	return fetched[T]{rows: rows, mark: mark}, err
}

func (s *Store[T]) reconcile(key Key, ks *keyState[T], f fetched[T]) {
	ks.cache.update(func(cur []T) []T {
		return Reconcile(f.rows, cur, s.coord.unsettled(f.mark), s.def.Less)
	})
	echoed := make(map[Token]bool)
	for _, r := range f.rows {
		if t := r.OpToken(); t != "" {
			echoed[t] = true
		}
	}
	s.coord.settle(key, f.mark, echoed)
	s.mu.Lock()
	ks.err = nil
	s.mu.Unlock()
}

func (s *Store[T]) state(id string) *keyState[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[id]
	if !ok {
		ks = &keyState[T]{cache: NewCache[T]()}
		s.keys[id] = ks
	}
	return ks
}

// find returns the first cached record for id matching pred.
func (s *Store[T]) find(id string, pred func(T) bool) (T, bool) {
	for _, r := range s.state(id).cache.Get() {
		if pred(r) {
			return r, true
		}
	}
	var zero T
	return zero, false
}

// fetchList is the common Fetch for domains whose RPC returns a JSON array.
func fetchList[T Entity](name, param string) func(ctx context.Context, caller Caller, id string) ([]T, error) {
	return func(ctx context.Context, caller Caller, id string) ([]T, error) {
		var out []T
		if err := caller.Call(ctx, name, map[string]any{param: id}, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
