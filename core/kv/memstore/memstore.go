// Package memstore is an in-process kv.Store backed by an ordered B-tree.
// It supports fault injection through Hooks so that tests can simulate
// timeouts, lost writes and crashes at precise points.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// Op names a store operation for hooks.
type Op string

const (
	OpGet     Op = "get"
	OpInsert  Op = "insert"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// Hooks intercept operations. A non-nil error from Before aborts the
// operation without applying it. A non-nil error from After is returned to
// the caller even though the operation was applied, which is how an ambiguous
// write looks from the client side.
type Hooks struct {
	Before func(ctx context.Context, op Op, key string) error
	After  func(ctx context.Context, op Op, key string) error
}

type item struct {
	key     string
	value   []byte
	xattr   []byte
	cas     kv.Cas
	deleted bool
}

func itemLess(a, b *item) bool { return a.key < b.key }

// Store is the in-memory backend.
type Store struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[*item]
	nextCas kv.Cas
	closed  bool

	hooksMu sync.RWMutex
	hooks   Hooks

	logger *zap.Logger
}

var _ kv.Store = (*Store)(nil)
var _ kv.Scanner = (*Store)(nil)

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tree:   btree.NewG[*item](32, itemLess),
		logger: logger.Named("memstore"),
	}
}

// SetHooks replaces the active hooks. Passing the zero Hooks disables them.
func (s *Store) SetHooks(h Hooks) {
	s.hooksMu.Lock()
	s.hooks = h
	s.hooksMu.Unlock()
}

func (s *Store) before(ctx context.Context, op Op, key string) error {
	s.hooksMu.RLock()
	h := s.hooks.Before
	s.hooksMu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, op, key)
}

func (s *Store) after(ctx context.Context, op Op, key string) error {
	s.hooksMu.RLock()
	h := s.hooks.After
	s.hooksMu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, op, key)
}

func (s *Store) Get(ctx context.Context, key string, opts kv.GetOptions) (*kv.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.before(ctx, OpGet, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, kv.ErrClosed
	}
	it, ok := s.tree.Get(&item{key: key})
	s.mu.RUnlock()
	if !ok || (it.deleted && !opts.AccessDeleted) {
		return nil, kv.ErrDocNotFound
	}
	return it.toDocument(), s.after(ctx, OpGet, key)
}

func (s *Store) Insert(ctx context.Context, key string, m kv.Mutation, _ kv.WriteOptions) (kv.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.before(ctx, OpInsert, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, kv.ErrClosed
	}
	if _, ok := s.tree.Get(&item{key: key}); ok {
		s.mu.Unlock()
		return 0, kv.ErrDocExists
	}
	cas := s.bumpCas()
	s.tree.ReplaceOrInsert(newItem(key, m, cas))
	s.mu.Unlock()
	return cas, s.after(ctx, OpInsert, key)
}

func (s *Store) Replace(ctx context.Context, key string, m kv.Mutation, cas kv.Cas, _ kv.WriteOptions) (kv.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.before(ctx, OpReplace, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, kv.ErrClosed
	}
	cur, ok := s.tree.Get(&item{key: key})
	if !ok {
		s.mu.Unlock()
		return 0, kv.ErrDocNotFound
	}
	if cas != 0 && cur.cas != cas {
		s.mu.Unlock()
		return 0, kv.ErrCasMismatch
	}
	newCas := s.bumpCas()
	s.tree.ReplaceOrInsert(newItem(key, m, newCas))
	s.mu.Unlock()
	return newCas, s.after(ctx, OpReplace, key)
}

func (s *Store) Remove(ctx context.Context, key string, cas kv.Cas, _ kv.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.before(ctx, OpRemove, key); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return kv.ErrClosed
	}
	cur, ok := s.tree.Get(&item{key: key})
	if !ok {
		s.mu.Unlock()
		return kv.ErrDocNotFound
	}
	if cas != 0 && cur.cas != cas {
		s.mu.Unlock()
		return kv.ErrCasMismatch
	}
	s.tree.Delete(cur)
	s.mu.Unlock()
	return s.after(ctx, OpRemove, key)
}

// Scan walks the tree from prefix in key order.
func (s *Store) Scan(ctx context.Context, prefix string) ([]*kv.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	var out []*kv.Document
	s.tree.AscendGreaterOrEqual(&item{key: prefix}, func(it *item) bool {
		if !strings.HasPrefix(it.key, prefix) {
			return false
		}
		out = append(out, it.toDocument())
		return true
	})
	return out, nil
}

// Len returns the number of entries, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.logger.Debug("memstore closed", zap.Int("entries", s.tree.Len()))
	}
	return nil
}

// bumpCas must be called with mu held.
func (s *Store) bumpCas() kv.Cas {
	s.nextCas++
	return s.nextCas
}

func newItem(key string, m kv.Mutation, cas kv.Cas) *item {
	return &item{
		key:     key,
		value:   cloneBytes(m.Value),
		xattr:   cloneBytes(m.Xattr),
		cas:     cas,
		deleted: m.Deleted,
	}
}

func (it *item) toDocument() *kv.Document {
	return &kv.Document{
		Key:     it.key,
		Value:   cloneBytes(it.value),
		Xattr:   cloneBytes(it.xattr),
		Cas:     it.cas,
		Deleted: it.deleted,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
