package txn

// Attempt describes one finished attempt of a transaction.
type Attempt struct {
	ID string
	// State is the last ATR state this attempt is known to have written.
	State AttemptState
	Stage Stage
	// AtrKey is empty when the attempt never wrote anything.
	AtrKey            string
	UnstagingComplete bool
	Expired           bool
}

// Result is returned by Run for a transaction that committed or was rolled
// back on request of the application.
type Result struct {
	TransactionID string
	Attempts      []Attempt
	// UnstagingComplete is false when the transaction committed but some
	// documents are still staged. Readers already see the committed values;
	// cleanup will finish the documents.
	UnstagingComplete bool
	// RolledBack is true when the callback called Rollback.
	RolledBack bool
}
