package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojotxn/core/kv"
)

var (
	// ErrWriteWriteConflict means another live attempt has staged the document.
	ErrWriteWriteConflict = errors.New("write-write conflict with another transaction")
	// ErrStaleRead means the document changed after this attempt last read it.
	ErrStaleRead = errors.New("document changed since it was read")
	// ErrKeyAlreadyStaged is returned when inserting a key this attempt already staged.
	ErrKeyAlreadyStaged = errors.New("key already staged in this attempt")
	// ErrDocumentNotFound is returned by Get, Replace and Remove for absent documents.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDocumentAlreadyExists is returned by Insert when the document exists.
	ErrDocumentAlreadyExists = errors.New("document already exists")
	// ErrTransactionExpired means the transaction ran past its expiry.
	ErrTransactionExpired = errors.New("transaction expired")
	// ErrPreviousOperationFailed is returned by every operation after one has failed.
	ErrPreviousOperationFailed = errors.New("a previous operation in this attempt failed")
	// ErrAttemptNotActive is returned for operations on a finished attempt.
	ErrAttemptNotActive = errors.New("attempt is no longer active")
	// ErrAtrEntryNotFound means the ATR holds no entry for the attempt.
	ErrAtrEntryNotFound = errors.New("attempt entry not found in ATR")
	// ErrCommitAmbiguous means the commit point write may or may not have landed.
	ErrCommitAmbiguous = errors.New("commit outcome is unknown")
)

// ErrorClass buckets attempt failures by how the coordinator must react.
type ErrorClass int

const (
	// ClassTransient failures are retried with a new attempt.
	ClassTransient ErrorClass = iota
	// ClassPermanent failures roll back and end the transaction.
	ClassPermanent
	// ClassAmbiguous failures happened around the commit point.
	ClassAmbiguous
	// ClassExpired failures ran out of transaction time.
	ClassExpired
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAmbiguous:
		return "ambiguous"
	case ClassExpired:
		return "expired"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// TransactionOperationFailedError is what attempt operations return when the
// attempt can no longer commit. The coordinator reads Retry and Rollback to
// decide what happens next.
type TransactionOperationFailedError struct {
	class    ErrorClass
	retry    bool
	rollback bool
	cause    error
}

func newOperationFailed(class ErrorClass, cause error) *TransactionOperationFailedError {
	e := &TransactionOperationFailedError{class: class, cause: cause}
	switch class {
	case ClassTransient:
		e.retry, e.rollback = true, true
	case ClassPermanent, ClassExpired:
		e.rollback = true
	}
	return e
}

func (e *TransactionOperationFailedError) Error() string {
	return fmt.Sprintf("transaction operation failed (%s, retry=%t, rollback=%t): %v", e.class, e.retry, e.rollback, e.cause)
}

func (e *TransactionOperationFailedError) Unwrap() error    { return e.cause }
func (e *TransactionOperationFailedError) Class() ErrorClass { return e.class }
func (e *TransactionOperationFailedError) Retry() bool       { return e.retry }
func (e *TransactionOperationFailedError) Rollback() bool    { return e.rollback }

// TransactionFailedError is returned by Run when the transaction did not
// commit and was cleanly rolled back (or never wrote anything).
type TransactionFailedError struct {
	cause  error
	result *Result
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed after %d attempt(s): %v", e.result.TransactionID, len(e.result.Attempts), e.cause)
}

func (e *TransactionFailedError) Unwrap() error   { return e.cause }
func (e *TransactionFailedError) Result() *Result { return e.result }

// TransactionCommitAmbiguousError is returned by Run when the commit point
// may or may not have been reached. Callers should inspect document state
// before retrying.
type TransactionCommitAmbiguousError struct {
	cause  error
	result *Result
}

func (e *TransactionCommitAmbiguousError) Error() string {
	return fmt.Sprintf("transaction %s commit ambiguous: %v", e.result.TransactionID, e.cause)
}

func (e *TransactionCommitAmbiguousError) Unwrap() error   { return e.cause }
func (e *TransactionCommitAmbiguousError) Result() *Result { return e.result }

// classifyStoreErr maps a store failure during an attempt operation onto the
// transaction error taxonomy.
func classifyStoreErr(err error) *TransactionOperationFailedError {
	var tofe *TransactionOperationFailedError
	switch {
	case errors.As(err, &tofe):
		return tofe
	case errors.Is(err, ErrTransactionExpired):
		return newOperationFailed(ClassExpired, err)
	case errors.Is(err, ErrWriteWriteConflict), errors.Is(err, ErrStaleRead):
		return newOperationFailed(ClassTransient, err)
	case errors.Is(err, kv.ErrCasMismatch):
		return newOperationFailed(ClassTransient, fmt.Errorf("%w: %v", ErrStaleRead, err))
	case errors.Is(err, kv.ErrDocExists), errors.Is(err, kv.ErrDocNotFound):
		// The document moved between our read and our write.
		return newOperationFailed(ClassTransient, fmt.Errorf("%w: %v", ErrStaleRead, err))
	case kv.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return newOperationFailed(ClassTransient, err)
	default:
		return newOperationFailed(ClassPermanent, err)
	}
}
