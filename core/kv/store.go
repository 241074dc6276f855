// Package kv defines the document store adapter that the transaction layer
// runs on top of. A Store offers single-document operations with
// compare-and-swap semantics and nothing more: no multi-document atomicity,
// no retries. Every backend (in-memory, bolt, raft, remote) implements it.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Cas is an opaque version token. It changes on every successful mutation of a
// document. Zero is never a valid CAS for a stored document; passing zero to
// Replace or Remove means "no CAS check".
type Cas uint64

// Document is a single stored entry.
type Document struct {
	Key string
	// Value is the document body. For a tombstone it is whatever the writer
	// left there, usually nil.
	Value []byte
	// Xattr is the metadata section the transaction layer uses for staging.
	// The store treats it as opaque bytes.
	Xattr []byte
	Cas   Cas
	// Deleted marks a tombstone: an entry that exists only to carry Xattr.
	Deleted bool
}

// Mutation is the full new content of a document.
type Mutation struct {
	Value   []byte
	Xattr   []byte
	Deleted bool
}

// GetOptions tunes Get.
type GetOptions struct {
	// AccessDeleted makes tombstones visible. Without it a tombstone reads
	// as ErrDocNotFound.
	AccessDeleted bool
}

// WriteOptions tunes Insert, Replace and Remove.
type WriteOptions struct {
	Durability Durability
}

// Store is the document store adapter.
type Store interface {
	// Get returns the document stored under key.
	Get(ctx context.Context, key string, opts GetOptions) (*Document, error)
	// Insert creates key. It fails with ErrDocExists if any entry, live or
	// tombstone, already occupies key.
	Insert(ctx context.Context, key string, m Mutation, opts WriteOptions) (Cas, error)
	// Replace overwrites key if its current CAS equals cas (or cas is 0).
	Replace(ctx context.Context, key string, m Mutation, cas Cas, opts WriteOptions) (Cas, error)
	// Remove deletes key entirely, tombstone included.
	Remove(ctx context.Context, key string, cas Cas, opts WriteOptions) error
	Close() error
}

// Scanner is implemented by stores that can list their keys in order.
type Scanner interface {
	// Scan returns every entry, tombstones included, whose key starts with
	// prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]*Document, error)
}

// Durability is the replication/persistence level a write must reach before
// the store acknowledges it.
type Durability int

const (
	DurabilityNone Durability = iota
	DurabilityMajority
	DurabilityMajorityAndPersistToActive
	DurabilityPersistToMajority
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityMajority:
		return "majority"
	case DurabilityMajorityAndPersistToActive:
		return "majority_and_persist"
	case DurabilityPersistToMajority:
		return "persist_to_majority"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

// ParseDurability maps a configuration string onto a Durability.
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return DurabilityNone, nil
	case "majority":
		return DurabilityMajority, nil
	case "majority_and_persist", "majority_and_persist_to_active":
		return DurabilityMajorityAndPersistToActive, nil
	case "persist_to_majority":
		return DurabilityPersistToMajority, nil
	default:
		return DurabilityNone, fmt.Errorf("%w: %q", ErrInvalidDurability, s)
	}
}

// MarshalText lets Durability be used directly in YAML/flag values.
func (d Durability) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Durability) UnmarshalText(b []byte) error {
	v, err := ParseDurability(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Upsert writes key without any CAS check, inserting it if absent. It is a
// convenience for seeding data outside of transactions.
func Upsert(ctx context.Context, s Store, key string, value []byte, opts WriteOptions) (Cas, error) {
	cas, err := s.Insert(ctx, key, Mutation{Value: value}, opts)
	if errors.Is(err, ErrDocExists) {
		return s.Replace(ctx, key, Mutation{Value: value}, 0, opts)
	}
	return cas, err
}
