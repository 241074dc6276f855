package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// GetResult is a document as seen from inside an attempt.
type GetResult struct {
	Key   string
	Value []byte
	Cas   kv.Cas

	transcoder Transcoder
	// committed is the body the document must keep while we stage it.
	committed []byte
}

// ContentAs decodes Value into out with the transaction's transcoder.
func (r *GetResult) ContentAs(out interface{}) error {
	return r.transcoder.Decode(r.Value, out)
}

// visibleDoc is what a stored document means to this attempt once any
// foreign staging on it has been resolved through its ATR entry.
type visibleDoc struct {
	exists bool
	body   []byte
}

// AttemptContext is handed to the transaction callback. All operations are
// serialized; the callback must not call them concurrently.
type AttemptContext struct {
	mu sync.Mutex

	t         *Transactions
	cfg       Config
	writeOpts kv.WriteOptions
	logger    *zap.Logger

	transactionID string
	attemptID     string
	deadline      time.Time

	stage    Stage
	atrKey   string
	atrState AttemptState
	// atrTouched is set once an ATR write for this attempt has been issued,
	// even if its outcome is unknown.
	atrTouched bool
	atrDocs    []string

	buffer            *stagedBuffer
	failure           *TransactionOperationFailedError
	unstagingComplete bool
	appRolledBack     bool
	rollbackErr       error
}

func (a *AttemptContext) TransactionID() string { return a.transactionID }
func (a *AttemptContext) AttemptID() string     { return a.attemptID }

// Get reads key, seeing this attempt's own staged writes first.
func (a *AttemptContext) Get(ctx context.Context, key string) (*GetResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return nil, err
	}
	res, err := a.read(ctx, key)
	if err != nil {
		return nil, a.fail(err)
	}
	return res, nil
}

// GetOptional is Get returning (nil, nil) for a missing document.
func (a *AttemptContext) GetOptional(ctx context.Context, key string) (*GetResult, error) {
	res, err := a.Get(ctx, key)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil, nil
	}
	return res, err
}

// Insert stages the creation of key.
func (a *AttemptContext) Insert(ctx context.Context, key string, value interface{}) (*GetResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return nil, err
	}
	body, err := a.cfg.Transcoder.Encode(value)
	if err != nil {
		return nil, a.fail(fmt.Errorf("encoding %s: %w", key, err))
	}
	res, err := a.insert(ctx, key, body)
	if err != nil {
		return nil, a.fail(err)
	}
	return res, nil
}

// Replace stages a new body for doc, which must come from this attempt.
func (a *AttemptContext) Replace(ctx context.Context, doc *GetResult, value interface{}) (*GetResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, a.fail(errors.New("replace: nil document"))
	}
	body, err := a.cfg.Transcoder.Encode(value)
	if err != nil {
		return nil, a.fail(fmt.Errorf("encoding %s: %w", doc.Key, err))
	}
	res, err := a.replace(ctx, doc, body)
	if err != nil {
		return nil, a.fail(err)
	}
	return res, nil
}

// Remove stages the deletion of doc, which must come from this attempt.
func (a *AttemptContext) Remove(ctx context.Context, doc *GetResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return err
	}
	if doc == nil {
		return a.fail(errors.New("remove: nil document"))
	}
	if err := a.remove(ctx, doc); err != nil {
		return a.fail(err)
	}
	return nil
}

// checkUsable is the gate every operation passes. Callers hold mu.
func (a *AttemptContext) checkUsable() error {
	if a.failure != nil {
		return newOperationFailed(a.failure.class, fmt.Errorf("%w: %v", ErrPreviousOperationFailed, a.failure.cause))
	}
	if a.stage != StageAttempting {
		return newOperationFailed(ClassPermanent, fmt.Errorf("%w: attempt is %s", ErrAttemptNotActive, a.stage))
	}
	if a.expired() {
		return a.fail(ErrTransactionExpired)
	}
	return nil
}

func (a *AttemptContext) expired() bool {
	return !a.t.clock.Now().Before(a.deadline)
}

// fail records err as the attempt's failure, unless it is one the
// application may handle and carry on from.
func (a *AttemptContext) fail(err error) error {
	if errors.Is(err, ErrDocumentNotFound) || errors.Is(err, ErrDocumentAlreadyExists) {
		return err
	}
	tofe := classifyStoreErr(err)
	if a.failure == nil {
		a.failure = tofe
		a.logger.Debug("attempt operation failed", zap.Stringer("class", tofe.class), zap.Error(tofe.cause))
	}
	return tofe
}

func (a *AttemptContext) moveTo(next Stage) {
	if !a.stage.canMoveTo(next) {
		a.logger.Error("illegal attempt stage transition", zap.Stringer("from", a.stage), zap.Stringer("to", next))
		return
	}
	a.stage = next
}

func (a *AttemptContext) result(key string, value []byte, cas kv.Cas, committed []byte) *GetResult {
	return &GetResult{Key: key, Value: value, Cas: cas, transcoder: a.cfg.Transcoder, committed: committed}
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrDocumentNotFound, key)
}

func (a *AttemptContext) storeGet(ctx context.Context, key string) (*kv.Document, error) {
	kctx, cancel := context.WithTimeout(ctx, a.cfg.KeyValueTimeout)
	defer cancel()
	return a.t.store.Get(kctx, key, kv.GetOptions{AccessDeleted: true})
}

func (a *AttemptContext) read(ctx context.Context, key string) (*GetResult, error) {
	if m, ok := a.buffer.resolve(key); ok {
		if m.typ == MutationRemove {
			return nil, notFound(key)
		}
		return a.result(key, m.value, m.cas, m.original), nil
	}

	doc, err := a.storeGet(ctx, key)
	if errors.Is(err, kv.ErrDocNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	view, err := a.resolveVisible(ctx, doc)
	if err != nil {
		return nil, err
	}
	a.buffer.observe(key, doc.Cas)
	if !view.exists {
		return nil, notFound(key)
	}
	return a.result(key, view.body, doc.Cas, view.body), nil
}

// resolveVisible decides which version of doc is current. Staging left by
// another attempt is interpreted through that attempt's ATR entry.
func (a *AttemptContext) resolveVisible(ctx context.Context, doc *kv.Document) (visibleDoc, error) {
	plain := visibleDoc{exists: !doc.Deleted, body: doc.Value}
	meta, err := decodeMeta(doc.Xattr)
	if err != nil || meta == nil {
		return plain, err
	}
	// Leftovers of an earlier attempt of this same transaction never block us.
	if meta.ID.Transaction == a.transactionID {
		return plain, nil
	}

	entry, err := a.t.atr.entry(ctx, meta.ATR.Key, meta.ID.Attempt)
	if errors.Is(err, ErrAtrEntryNotFound) {
		return plain, nil
	}
	if err != nil {
		return visibleDoc{}, err
	}

	switch entry.State {
	case AttemptStateCommitted, AttemptStateCompleted:
		if meta.Op.Type == MutationRemove {
			return visibleDoc{}, nil
		}
		return visibleDoc{exists: true, body: meta.Op.Staged}, nil
	case AttemptStatePending:
		if !entry.expired(a.t.clock.Now()) {
			return visibleDoc{}, fmt.Errorf("%w: %s is staged by attempt %s", ErrWriteWriteConflict, doc.Key, meta.ID.Attempt)
		}
		// Abort the expired attempt before overwriting its staging so that
		// it can no longer reach its commit point.
		err = a.t.atr.transition(ctx, meta.ATR.Key, meta.ID.Attempt, AttemptStateAborted, AttemptStatePending)
		switch {
		case errors.Is(err, ErrAtrEntryNotFound):
			return plain, nil
		case err == nil:
			a.logger.Debug("aborted expired attempt", zap.String("key", doc.Key),
				zap.String("atr", meta.ATR.Key), zap.String("other_attempt_id", meta.ID.Attempt))
			return plain, nil
		case errors.Is(err, ErrAttemptNotActive):
			// It moved on meanwhile (committed or rolled back); decide again.
			return a.resolveVisible(ctx, doc)
		default:
			return visibleDoc{}, err
		}
	default:
		return plain, nil
	}
}

// ensureAtr records key in this attempt's ATR entry, creating the entry on
// the first mutation. It must succeed before the document is staged.
func (a *AttemptContext) ensureAtr(ctx context.Context, key string) error {
	for _, k := range a.atrDocs {
		if k == key {
			return nil
		}
	}
	if a.atrKey == "" {
		a.atrKey = AtrKeyFor(key, a.cfg.NumATRs)
	}
	now := a.t.clock.Now()
	template := atrEntry{
		TransactionID: a.transactionID,
		StartMillis:   now.UnixMilli(),
		ExpiryMillis:  a.deadline.Sub(now).Milliseconds(),
		Durability:    a.cfg.DurabilityLevel.String(),
	}
	a.atrTouched = true
	if err := a.t.atr.addDoc(ctx, a.atrKey, a.attemptID, template, key); err != nil {
		return err
	}
	a.atrState = AttemptStatePending
	a.atrDocs = append(a.atrDocs, key)
	return nil
}

// stageWrite writes the staged form of a mutation. cas 0 with insert=true
// creates the document; otherwise the write is CAS-guarded.
func (a *AttemptContext) stageWrite(ctx context.Context, key string, typ MutationType, value, original []byte,
	cas, originalCas kv.Cas, insert bool) (kv.Cas, error) {
	meta := &docMeta{
		ID:  metaID{Transaction: a.transactionID, Attempt: a.attemptID},
		ATR: metaATR{Key: a.atrKey},
		Op:  metaOp{Type: typ, Staged: value},
	}
	if originalCas != 0 {
		meta.Restore = &metaRestore{Cas: uint64(originalCas)}
	}
	m := (&stagedMutation{typ: typ, original: original}).document(meta)

	kctx, cancel := context.WithTimeout(ctx, a.cfg.KeyValueTimeout)
	defer cancel()
	if insert {
		return a.t.store.Insert(kctx, key, m, a.writeOpts)
	}
	return a.t.store.Replace(kctx, key, m, cas, a.writeOpts)
}

func (a *AttemptContext) insert(ctx context.Context, key string, body []byte) (*GetResult, error) {
	if m, ok := a.buffer.resolve(key); ok {
		if m.typ != MutationRemove {
			return nil, fmt.Errorf("%w: %w", ErrDocumentAlreadyExists, ErrKeyAlreadyStaged)
		}
		// Insert after our own remove puts a body back: a replace.
		newCas, err := a.stageWrite(ctx, key, MutationReplace, body, m.original, m.cas, m.originalCas, false)
		if err != nil {
			return nil, err
		}
		if err := a.buffer.stageReplace(key, body, m.cas, newCas, m.original); err != nil {
			return nil, err
		}
		return a.result(key, body, newCas, m.original), nil
	}

	if err := a.ensureAtr(ctx, key); err != nil {
		return nil, err
	}
	cas, err := a.stageWrite(ctx, key, MutationInsert, body, nil, 0, 0, true)
	if errors.Is(err, kv.ErrDocExists) {
		cas, err = a.insertOverExisting(ctx, key, body)
	}
	if err != nil {
		return nil, err
	}
	if err := a.buffer.stageInsert(key, body, cas); err != nil {
		return nil, err
	}
	return a.result(key, body, cas, nil), nil
}

// insertOverExisting handles an insert that found the key occupied. It may
// take over a tombstone or abandoned staging; a live document is an error.
func (a *AttemptContext) insertOverExisting(ctx context.Context, key string, body []byte) (kv.Cas, error) {
	doc, err := a.storeGet(ctx, key)
	if err != nil {
		return 0, err
	}
	view, err := a.resolveVisible(ctx, doc)
	if err != nil {
		return 0, err
	}
	if view.exists {
		return 0, fmt.Errorf("%w: %s", ErrDocumentAlreadyExists, key)
	}
	return a.stageWrite(ctx, key, MutationInsert, body, nil, doc.Cas, 0, false)
}

func (a *AttemptContext) replace(ctx context.Context, doc *GetResult, body []byte) (*GetResult, error) {
	key := doc.Key
	if m, ok := a.buffer.resolve(key); ok {
		if m.typ == MutationRemove {
			return nil, notFound(key)
		}
		if err := a.buffer.checkCas(key, doc.Cas); err != nil {
			return nil, err
		}
		newCas, err := a.stageWrite(ctx, key, m.typ, body, m.original, m.cas, m.originalCas, false)
		if err != nil {
			return nil, err
		}
		if err := a.buffer.stageReplace(key, body, doc.Cas, newCas, m.original); err != nil {
			return nil, err
		}
		return a.result(key, body, newCas, m.original), nil
	}

	if err := a.buffer.checkCas(key, doc.Cas); err != nil {
		return nil, err
	}
	if err := a.ensureAtr(ctx, key); err != nil {
		return nil, err
	}
	newCas, err := a.stageWrite(ctx, key, MutationReplace, body, doc.committed, doc.Cas, doc.Cas, false)
	if err != nil {
		return nil, err
	}
	if err := a.buffer.stageReplace(key, body, doc.Cas, newCas, doc.committed); err != nil {
		return nil, err
	}
	return a.result(key, body, newCas, doc.committed), nil
}

func (a *AttemptContext) remove(ctx context.Context, doc *GetResult) error {
	key := doc.Key
	if m, ok := a.buffer.resolve(key); ok {
		if m.typ == MutationRemove {
			return notFound(key)
		}
		if err := a.buffer.checkCas(key, doc.Cas); err != nil {
			return err
		}
		if m.typ == MutationInsert {
			// Nothing existed before us: drop the tombstone outright.
			kctx, cancel := context.WithTimeout(ctx, a.cfg.KeyValueTimeout)
			defer cancel()
			if err := a.t.store.Remove(kctx, key, m.cas, a.writeOpts); err != nil {
				return err
			}
			a.buffer.drop(key)
			return nil
		}
		newCas, err := a.stageWrite(ctx, key, MutationRemove, nil, m.original, m.cas, m.originalCas, false)
		if err != nil {
			return err
		}
		return a.buffer.stageRemove(key, doc.Cas, newCas, m.original)
	}

	if err := a.buffer.checkCas(key, doc.Cas); err != nil {
		return err
	}
	if err := a.ensureAtr(ctx, key); err != nil {
		return err
	}
	newCas, err := a.stageWrite(ctx, key, MutationRemove, nil, doc.committed, doc.Cas, doc.Cas, false)
	if err != nil {
		return err
	}
	return a.buffer.stageRemove(key, doc.Cas, newCas, doc.committed)
}

// record snapshots the attempt for the caller's Result.
func (a *AttemptContext) record() Attempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Attempt{
		ID:                a.attemptID,
		State:             a.atrState,
		Stage:             a.stage,
		AtrKey:            a.atrKey,
		UnstagingComplete: a.unstagingComplete,
		Expired:           a.failure != nil && a.failure.class == ClassExpired,
	}
}

func (a *AttemptContext) enqueueCleanup() {
	if !a.atrTouched || a.t.cleaner == nil || !a.cfg.CleanupClientAttempts {
		return
	}
	a.t.cleaner.enqueue(a.atrKey, a.attemptID)
}
