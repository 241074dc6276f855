package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// AtrKeyPrefix prefixes every Active Transaction Record document key.
const AtrKeyPrefix = "_txn:atr-"

// maxAtrCasRetries bounds the read-modify-write loop on one ATR document.
// Many attempts share an ATR, so CAS contention there is normal and says
// nothing about the attempts themselves.
const maxAtrCasRetries = 32

// AtrKeyFor returns the ATR document an attempt whose first mutated document
// is docKey records itself in.
func AtrKeyFor(docKey string, numATRs int) string {
	slot := crc32.ChecksumIEEE([]byte(docKey)) % uint32(numATRs)
	return fmt.Sprintf("%s%d", AtrKeyPrefix, slot)
}

// IsAtrKey reports whether key names an ATR document.
func IsAtrKey(key string) bool { return strings.HasPrefix(key, AtrKeyPrefix) }

// atrEntry is one attempt's record inside an ATR document.
type atrEntry struct {
	TransactionID string       `json:"tid"`
	State         AttemptState `json:"st"`
	// StartMillis and ExpiryMillis are client wall-clock milliseconds.
	StartMillis  int64  `json:"tst"`
	ExpiryMillis int64  `json:"exp"`
	Durability   string `json:"d,omitempty"`
	// Docs lists every key the attempt may have staged. A key is added
	// before the document itself is staged.
	Docs []string `json:"docs,omitempty"`
}

func (e *atrEntry) expired(now time.Time) bool {
	return now.UnixMilli() >= e.StartMillis+e.ExpiryMillis
}

func (e *atrEntry) hasDoc(key string) bool {
	for _, k := range e.Docs {
		if k == key {
			return true
		}
	}
	return false
}

type atrDocument struct {
	Attempts map[string]*atrEntry `json:"attempts"`
}

// atrStore reads and updates ATR documents.
type atrStore struct {
	store     kv.Store
	opts      kv.WriteOptions
	kvTimeout time.Duration
	logger    *zap.Logger
}

func (s *atrStore) load(ctx context.Context, key string) (*atrDocument, kv.Cas, error) {
	kctx, cancel := context.WithTimeout(ctx, s.kvTimeout)
	defer cancel()
	doc, err := s.store.Get(kctx, key, kv.GetOptions{})
	if errors.Is(err, kv.ErrDocNotFound) {
		return &atrDocument{Attempts: map[string]*atrEntry{}}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var out atrDocument
	if err := json.Unmarshal(doc.Value, &out); err != nil {
		return nil, 0, fmt.Errorf("corrupt ATR %s: %w", key, err)
	}
	if out.Attempts == nil {
		out.Attempts = map[string]*atrEntry{}
	}
	return &out, doc.Cas, nil
}

// entry returns the attempt's entry, or ErrAtrEntryNotFound.
func (s *atrStore) entry(ctx context.Context, key, attemptID string) (*atrEntry, error) {
	doc, _, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	e, ok := doc.Attempts[attemptID]
	if !ok {
		return nil, ErrAtrEntryNotFound
	}
	return e, nil
}

// mutate applies fn to the current ATR document and writes it back under CAS,
// re-reading on contention. fn reports whether it changed anything.
func (s *atrStore) mutate(ctx context.Context, key string, fn func(*atrDocument) (bool, error)) error {
	for i := 0; i < maxAtrCasRetries; i++ {
		doc, cas, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil || !changed {
			return err
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		kctx, cancel := context.WithTimeout(ctx, s.kvTimeout)
		if cas == 0 {
			_, err = s.store.Insert(kctx, key, kv.Mutation{Value: raw}, s.opts)
		} else {
			_, err = s.store.Replace(kctx, key, kv.Mutation{Value: raw}, cas, s.opts)
		}
		cancel()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, kv.ErrCasMismatch), errors.Is(err, kv.ErrDocExists), errors.Is(err, kv.ErrDocNotFound):
			s.logger.Debug("ATR contention, re-reading", zap.String("atr", key), zap.Int("try", i+1))
			continue
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return fmt.Errorf("%w: %v", kv.ErrTimeout, err)
		default:
			return err
		}
	}
	return fmt.Errorf("%w: ATR %s too contended", kv.ErrUnavailable, key)
}

// addDoc records docKey against the attempt, creating a PENDING entry from
// template if the attempt has none yet.
func (s *atrStore) addDoc(ctx context.Context, key, attemptID string, template atrEntry, docKey string) error {
	return s.mutate(ctx, key, func(doc *atrDocument) (bool, error) {
		e, ok := doc.Attempts[attemptID]
		if !ok {
			e = &template
			e.State = AttemptStatePending
			e.Docs = nil
			doc.Attempts[attemptID] = e
		} else if e.State != AttemptStatePending {
			return false, fmt.Errorf("%w: ATR entry is %s", ErrAttemptNotActive, e.State)
		}
		if e.hasDoc(docKey) {
			return false, nil
		}
		e.Docs = append(e.Docs, docKey)
		return true, nil
	})
}

// transition moves the entry to state to if it is currently in one of from.
// Reaching to when the entry is already there is a no-op.
func (s *atrStore) transition(ctx context.Context, key, attemptID string, to AttemptState, from ...AttemptState) error {
	return s.mutate(ctx, key, func(doc *atrDocument) (bool, error) {
		e, ok := doc.Attempts[attemptID]
		if !ok {
			return false, ErrAtrEntryNotFound
		}
		if e.State == to {
			return false, nil
		}
		for _, f := range from {
			if e.State == f {
				e.State = to
				return true, nil
			}
		}
		return false, fmt.Errorf("%w: cannot move ATR entry from %s to %s", ErrAttemptNotActive, e.State, to)
	})
}

// commit moves the entry from PENDING to COMMITTED unless it has expired by
// now(). Once expired the entry may already be treated as abandoned by
// readers and cleanup, so it can no longer become committed.
func (s *atrStore) commit(ctx context.Context, key, attemptID string, now func() time.Time) error {
	return s.mutate(ctx, key, func(doc *atrDocument) (bool, error) {
		e, ok := doc.Attempts[attemptID]
		if !ok {
			return false, ErrAtrEntryNotFound
		}
		switch e.State {
		case AttemptStateCommitted:
			return false, nil
		case AttemptStatePending:
			if e.expired(now()) {
				return false, fmt.Errorf("%w: ATR entry expired before commit", ErrTransactionExpired)
			}
			e.State = AttemptStateCommitted
			return true, nil
		}
		return false, fmt.Errorf("%w: cannot move ATR entry from %s to %s", ErrAttemptNotActive, e.State, AttemptStateCommitted)
	})
}

// removeEntry deletes the attempt's entry if it is still in state.
func (s *atrStore) removeEntry(ctx context.Context, key, attemptID string, state AttemptState) error {
	return s.mutate(ctx, key, func(doc *atrDocument) (bool, error) {
		e, ok := doc.Attempts[attemptID]
		if !ok {
			return false, nil
		}
		if e.State != state {
			return false, fmt.Errorf("%w: ATR entry %s changed to %s while cleaning", ErrAttemptNotActive, attemptID, e.State)
		}
		delete(doc.Attempts, attemptID)
		return true, nil
	})
}
