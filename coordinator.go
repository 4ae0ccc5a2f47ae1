package tasksync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handlers are the optimistic callbacks attached to a Subscription Key after
// it has been subscribed. Either may be nil.
type Handlers struct {
	OnOptimisticUpdate func(op *Operation)
	OnOptimisticError  func(op *Operation, err error)
}

// Operation is one speculative mutation awaiting confirmation.
type Operation struct {
	Token     Token
	Key       Key
	Name      string
	Patch     any
	CreatedAt time.Time

	restore func()
}

// Patch transforms a cached collection. Apply receives a private copy.
type Patch[T any] interface {
	Apply(current []T) []T
}

// PatchFunc adapts a function to Patch.
type PatchFunc[T any] func(current []T) []T

func (f PatchFunc[T]) Apply(current []T) []T { return f(current) }

// Append adds items at the end of the collection.
func Append[T any](items ...T) Patch[T] {
	return PatchFunc[T](func(cur []T) []T { return append(cur, items...) })
}

// Update rewrites the record with the given id. Unknown ids are ignored.
func Update[T Record](id ID, fn func(T) T) Patch[T] {
	return UpdateWhere(func(r T) bool { return r.RecordID() == id }, fn)
}

// UpdateWhere rewrites every record matching pred.
func UpdateWhere[T any](pred func(T) bool, fn func(T) T) Patch[T] {
	return PatchFunc[T](func(cur []T) []T {
		for i, r := range cur {
			if pred(r) {
				cur[i] = fn(r)
			}
		}
		return cur
	})
}

// Remove drops the record with the given id.
func Remove[T Record](id ID) Patch[T] {
	return PatchFunc[T](func(cur []T) []T {
		out := cur[:0]
		for _, r := range cur {
			if r.RecordID() != id {
				out = append(out, r)
			}
		}
		return out
	})
}

// Coordinator applies speculative patches to caches and undoes them when the
// paired remote call fails.
type Coordinator struct {
	registry *Registry
	log      zerolog.Logger
	now      func() time.Time

	mu  sync.Mutex
	ops map[Token]*Operation
	// committed operations whose records still await a canonical echo
	committed map[Token]commit
	// orders commits against the start of canonical fetches
	clock uint64
}

type commit struct {
	key Key
	at  uint64
}

// NewCoordinator creates a coordinator whose handlers live in registry.
func NewCoordinator(registry *Registry, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		log:       log.With().Str("component", "coordinator").Logger(),
		now:       time.Now,
		ops:       make(map[Token]*Operation),
		committed: make(map[Token]commit),
	}
}

// RegisterHandlers attaches or replaces the optimistic handlers of a
// subscribed key.
func (c *Coordinator) RegisterHandlers(key Key, h Handlers) error {
	return c.registry.setHandlers(key, h)
}

// ApplyOptimistic applies patch to cache and records the operation under
// token. When key is not subscribed nothing is applied and ok is false; the
// caller then simply waits for reconciliation.
func ApplyOptimistic[T Entity](c *Coordinator, cache *Cache[T], key Key, token Token, name string, patch Patch[T]) (op *Operation, ok bool) {
	return applyOptimistic(c, cache, key, token, name, patch, nil)
}

// applyOptimistic is ApplyOptimistic with a finish step that rewrites the
// restored collection inside the same cache write as the rollback.
func applyOptimistic[T Entity](c *Coordinator, cache *Cache[T], key Key, token Token, name string, patch Patch[T], finish func([]T) []T) (op *Operation, ok bool) {
	h, live := c.registry.handlers(key)
	if !live {
		c.log.Debug().Stringer("key", key).Str("op", name).Msg("key not subscribed, optimistic path skipped")
		return nil, false
	}

	op = &Operation{
		Token:     token,
		Key:       key,
		Name:      name,
		Patch:     patch,
		CreatedAt: c.now(),
	}
	// Registered before the write so a concurrent reconcile keeps the
	// speculative records it is about to see.
	c.mu.Lock()
	c.ops[token] = op
	delete(c.committed, token)
	c.mu.Unlock()

	prev, next, version := cache.write(func(cur []T, _ uint64) []T { return patch.Apply(cur) })
	u := diffRecords(prev, next)

	c.mu.Lock()
	op.restore = func() {
		cache.write(func(cur []T, current uint64) []T {
			out := prev
			if current != version {
				// Other writers touched the cache since; undo only our records.
				out = u.revert(cur)
			}
			if finish != nil {
				out = finish(out)
			}
			return out
		})
	}
	c.mu.Unlock()

	c.log.Debug().Stringer("key", key).Str("op", name).Str("token", string(token)).Msg("optimistic patch applied")
	if h.OnOptimisticUpdate != nil {
		safeCall(func() { h.OnOptimisticUpdate(op) })
	}
	return op, true
}

// Rollback restores the snapshot taken before the operation and reports err
// to the key's OnOptimisticError handler. It returns false for unknown or
// already resolved tokens.
func (c *Coordinator) Rollback(token Token, err error) bool {
	op := c.take(token)
	if op == nil {
		return false
	}
	op.restore()

	c.log.Warn().Err(err).Stringer("key", op.Key).Str("op", op.Name).Str("token", string(token)).Msg("optimistic patch rolled back")
	if h, ok := c.registry.handlers(op.Key); ok && h.OnOptimisticError != nil {
		safeCall(func() { h.OnOptimisticError(op, err) })
	}
	return true
}

// Commit resolves the operation once its remote call has succeeded. Its
// speculative records stay until a canonical record echoes the token, or
// until a fetch that began after the commit comes back without it.
func (c *Coordinator) Commit(token Token) bool {
	op := c.take(token)
	if op == nil {
		return false
	}
	c.mu.Lock()
	c.clock++
	c.committed[token] = commit{key: op.Key, at: c.clock}
	c.mu.Unlock()
	c.log.Debug().Stringer("key", op.Key).Str("op", op.Name).Str("token", string(token)).Msg("optimistic patch committed")
	return true
}

// Pending reports whether token refers to an unresolved operation.
func (c *Coordinator) Pending(token Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ops[token]
	return ok
}

// AwaitingEcho reports whether token was committed and its records are still
// waiting for reconciliation to supersede them.
func (c *Coordinator) AwaitingEcho(token Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.committed[token]
	return ok
}

// mark stamps the start of a canonical fetch.
func (c *Coordinator) mark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	return c.clock
}

// unsettled is the predicate reconciliation uses for a fetch that began at
// mark: a token's records survive while its operation is pending, or when it
// was committed after the fetch started and so may be missing from it.
func (c *Coordinator) unsettled(mark uint64) func(Token) bool {
	return func(token Token) bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.ops[token]; ok {
			return true
		}
		cm, ok := c.committed[token]
		return ok && cm.at > mark
	}
}

// settle forgets the committed tokens of key that a fetch begun at mark has
// resolved: echoed by a canonical record, or committed before the fetch began.
func (c *Coordinator) settle(key Key, mark uint64, echoed map[Token]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, cm := range c.committed {
		if cm.key == key && (echoed[token] || cm.at < mark) {
			delete(c.committed, token)
		}
	}
}

// forget drops every committed token of key.
func (c *Coordinator) forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, cm := range c.committed {
		if cm.key == key {
			delete(c.committed, token)
		}
	}
}

// forgetAll drops every committed token.
func (c *Coordinator) forgetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.committed)
}

func (c *Coordinator) take(token Token) *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.ops[token]
	delete(c.ops, token)
	return op
}

// undo records what a patch changed, keyed by record id.
type undo[T Entity] struct {
	before  map[ID]T
	added   map[ID]bool
	removed []T
}

func diffRecords[T Entity](prev, next []T) undo[T] {
	u := undo[T]{before: make(map[ID]T), added: make(map[ID]bool)}
	old := make(map[ID]T, len(prev))
	for _, r := range prev {
		old[r.RecordID()] = r
	}
	present := make(map[ID]bool, len(next))
	for _, r := range next {
		id := r.RecordID()
		present[id] = true
		p, ok := old[id]
		switch {
		case !ok:
			u.added[id] = true
		case p != r:
			u.before[id] = p
		}
	}
	for _, r := range prev {
		if !present[r.RecordID()] {
			u.removed = append(u.removed, r)
		}
	}
	return u
}

func (u undo[T]) revert(cur []T) []T {
	out := make([]T, 0, len(cur)+len(u.removed))
	seen := make(map[ID]bool, len(cur))
	for _, r := range cur {
		id := r.RecordID()
		seen[id] = true
		if u.added[id] {
			continue
		}
		if p, ok := u.before[id]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, r)
	}
	for _, r := range u.removed {
		if !seen[r.RecordID()] {
			out = append(out, r)
		}
	}
	return out
}

func safeCall(fn func()) {
	defer func() { recover() }() // swallow panics in user callbacks
	fn()
}
