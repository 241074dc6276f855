package txn

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/kv"
)

// docFinalizer applies or reverts one attempt's staging on a document. The
// committing attempt, rollback and cleanup all go through it, so a document
// is finished the same way whoever gets to it first.
type docFinalizer struct {
	store      kv.Store
	opts       kv.WriteOptions
	kvTimeout  time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	timeout    time.Duration
	logger     *zap.Logger
}

// finalize commits (commit=true) or reverts the staging attemptID left on
// key, retrying transient failures with exponential backoff. hint, when
// non-nil, lets the first try skip the read. A document no longer staged by
// attemptID counts as done.
func (f *docFinalizer) finalize(ctx context.Context, key, attemptID string, commit bool, hint *stagedMutation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.backoffMin
	b.MaxInterval = f.backoffMax
	b.MaxElapsedTime = f.timeout
	b.Reset()

	op := func() error {
		err := f.finalizeOnce(ctx, key, attemptID, commit, hint)
		if err == nil {
			return nil
		}
		// Whatever went wrong, the next try works from a fresh read.
		hint = nil
		if kv.IsTransient(err) || errors.Is(err, kv.ErrCasMismatch) || errors.Is(err, kv.ErrDocNotFound) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		f.logger.Debug("retrying document finalization",
			zap.String("key", key), zap.Bool("commit", commit), zap.Duration("next", next), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (f *docFinalizer) finalizeOnce(ctx context.Context, key, attemptID string, commit bool, hint *stagedMutation) error {
	var (
		cas    kv.Cas
		typ    MutationType
		staged []byte
		body   []byte
	)
	if hint != nil {
		cas, typ, staged, body = hint.cas, hint.typ, hint.value, hint.original
	} else {
		kctx, cancel := context.WithTimeout(ctx, f.kvTimeout)
		doc, err := f.store.Get(kctx, key, kv.GetOptions{AccessDeleted: true})
		cancel()
		if errors.Is(err, kv.ErrDocNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		meta, err := decodeMeta(doc.Xattr)
		if err != nil {
			return err
		}
		if meta == nil || meta.ID.Attempt != attemptID {
			return nil
		}
		cas, typ, staged, body = doc.Cas, meta.Op.Type, meta.Op.Staged, doc.Value
	}

	kctx, cancel := context.WithTimeout(ctx, f.kvTimeout)
	defer cancel()
	var err error
	switch {
	case commit && typ == MutationRemove:
		err = f.store.Remove(kctx, key, cas, f.opts)
	case commit:
		_, err = f.store.Replace(kctx, key, kv.Mutation{Value: staged}, cas, f.opts)
	case typ == MutationInsert:
		err = f.store.Remove(kctx, key, cas, f.opts)
	default:
		_, err = f.store.Replace(kctx, key, kv.Mutation{Value: body}, cas, f.opts)
	}
	return err
}
