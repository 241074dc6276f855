package txn

import "fmt"

// AttemptState is the durable state of an attempt as recorded in its ATR entry.
type AttemptState string

const (
	// AttemptStateNothingWritten is in-memory only: the attempt has not
	// staged anything and so has no ATR entry.
	AttemptStateNothingWritten AttemptState = "NOTHING_WRITTEN"
	AttemptStatePending        AttemptState = "PENDING"
	AttemptStateAborted        AttemptState = "ABORTED"
	// AttemptStateCommitted is the commit point.
	AttemptStateCommitted  AttemptState = "COMMITTED"
	AttemptStateCompleted  AttemptState = "COMPLETED"
	AttemptStateRolledBack AttemptState = "ROLLED_BACK"
)

// terminal reports whether no further work is owed for an entry in state s.
func (s AttemptState) terminal() bool {
	return s == AttemptStateCompleted || s == AttemptStateRolledBack
}

// Stage is the coordinator-side lifecycle of a single attempt.
type Stage int

const (
	StageStarting Stage = iota
	StageAttempting
	StageCommitting
	StageCommitted
	StageRollingBack
	StageRolledBack
	StageCompleted
	StageFailed
)

var stageNames = map[Stage]string{
	StageStarting:    "STARTING",
	StageAttempting:  "ATTEMPTING",
	StageCommitting:  "COMMITTING",
	StageCommitted:   "COMMITTED",
	StageRollingBack: "ROLLING_BACK",
	StageRolledBack:  "ROLLED_BACK",
	StageCompleted:   "COMPLETED",
	StageFailed:      "FAILED",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// stageTransitions lists the legal moves. FAILED is reachable from any
// non-final stage and is handled separately.
var stageTransitions = map[Stage][]Stage{
	StageStarting:    {StageAttempting},
	StageAttempting:  {StageCommitting, StageRollingBack},
	StageCommitting:  {StageCommitted, StageRollingBack},
	StageCommitted:   {StageCompleted},
	StageRollingBack: {StageRolledBack},
}

func (s Stage) canMoveTo(next Stage) bool {
	if next == StageFailed {
		return s != StageCompleted && s != StageRolledBack && s != StageFailed
	}
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MutationType is the kind of change staged on a document.
type MutationType string

const (
	MutationInsert  MutationType = "insert"
	MutationReplace MutationType = "replace"
	MutationRemove  MutationType = "remove"
)
