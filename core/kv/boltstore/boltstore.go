// Package boltstore is a single-node durable kv.Store on top of BoltDB.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

var docsBucket = []byte("documents")

// Options configures the store.
type Options struct {
	// NoSync skips fsync on every commit. Writes requesting
	// kv.DurabilityPersistToMajority (or MajorityAndPersistToActive) still
	// force a sync before they are acknowledged.
	NoSync bool
	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration
}

// record is the on-disk encoding of one document.
type record struct {
	Value   []byte `json:"v,omitempty"`
	Xattr   []byte `json:"x,omitempty"`
	Cas     uint64 `json:"c"`
	Deleted bool   `json:"d,omitempty"`
}

// Store is the bolt backend.
type Store struct {
	db     *bolt.DB
	noSync bool
	logger *zap.Logger
}

var _ kv.Store = (*Store)(nil)
var _ kv.Scanner = (*Store)(nil)

// Open opens (creating if needed) the bolt file at path.
func Open(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = time.Second
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}
	db.NoSync = opts.NoSync
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents bucket: %w", err)
	}
	logger = logger.Named("boltstore")
	logger.Info("bolt store opened", zap.String("path", path), zap.Bool("no_sync", opts.NoSync))
	return &Store{db: db, noSync: opts.NoSync, logger: logger}, nil
}

func (s *Store) Get(ctx context.Context, key string, opts kv.GetOptions) (*kv.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *kv.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := load(tx.Bucket(docsBucket), key)
		if err != nil {
			return err
		}
		if rec == nil || (rec.Deleted && !opts.AccessDeleted) {
			return kv.ErrDocNotFound
		}
		doc = rec.toDocument(key)
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return doc, nil
}

func (s *Store) Insert(ctx context.Context, key string, m kv.Mutation, opts kv.WriteOptions) (kv.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var cas kv.Cas
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		cur, err := load(b, key)
		if err != nil {
			return err
		}
		if cur != nil {
			return kv.ErrDocExists
		}
		cas, err = store(b, key, m)
		return err
	})
	if err != nil {
		return 0, s.mapErr(err)
	}
	return cas, s.persist(opts)
}

func (s *Store) Replace(ctx context.Context, key string, m kv.Mutation, cas kv.Cas, opts kv.WriteOptions) (kv.Cas, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var newCas kv.Cas
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		cur, err := load(b, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return kv.ErrDocNotFound
		}
		if cas != 0 && kv.Cas(cur.Cas) != cas {
			return kv.ErrCasMismatch
		}
		newCas, err = store(b, key, m)
		return err
	})
	if err != nil {
		return 0, s.mapErr(err)
	}
	return newCas, s.persist(opts)
}

func (s *Store) Remove(ctx context.Context, key string, cas kv.Cas, opts kv.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		cur, err := load(b, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return kv.ErrDocNotFound
		}
		if cas != 0 && kv.Cas(cur.Cas) != cas {
			return kv.ErrCasMismatch
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return s.mapErr(err)
	}
	return s.persist(opts)
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]*kv.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*kv.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(docsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %q: %w", k, err)
			}
			out = append(out, rec.toDocument(string(k)))
		}
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.logger.Info("closing bolt store")
	return s.db.Close()
}

// persist forces an fsync when the store runs without per-commit sync and
// the caller asked for persistence.
func (s *Store) persist(opts kv.WriteOptions) error {
	if !s.noSync || opts.Durability < kv.DurabilityMajorityAndPersistToActive {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("bolt sync failed", zap.Error(err))
		return fmt.Errorf("%w: sync: %v", kv.ErrTimeout, err)
	}
	return nil
}

func (s *Store) mapErr(err error) error {
	if err == bolt.ErrDatabaseNotOpen {
		return kv.ErrClosed
	}
	return err
}

func load(b *bolt.Bucket, key string) (*record, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %q: %w", key, err)
	}
	return &rec, nil
}

// store writes m under key with a fresh CAS taken from the bucket sequence.
func store(b *bolt.Bucket, key string, m kv.Mutation) (kv.Cas, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(record{Value: m.Value, Xattr: m.Xattr, Cas: seq, Deleted: m.Deleted})
	if err != nil {
		return 0, err
	}
	if err := b.Put([]byte(key), raw); err != nil {
		return 0, err
	}
	return kv.Cas(seq), nil
}

func (r *record) toDocument(key string) *kv.Document {
	return &kv.Document{Key: key, Value: r.Value, Xattr: r.Xattr, Cas: kv.Cas(r.Cas), Deleted: r.Deleted}
}
