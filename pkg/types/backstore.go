package types

// Backstore is the backing relational store the mirror populates from
// and commits to. Implementations must return rows in a stable order
// for repeated Query calls with the same offset, as long as no
// concurrent delete reorders them.
type Backstore interface {
	// Query returns up to limit rows of the given item type starting at
	// offset, as field maps keyed by column name. Limit must be
	// positive. An empty result marks the type exhausted.
	Query(itemType string, limit, offset int) ([]Fields, error)

	// Begin mints a new commit identifier and opens a bulk-apply
	// transaction for it. Commit identifiers increase monotonically.
	Begin(message string) (CommitTx, error)

	// CommitCount returns the number of commits recorded in the store.
	// Used to detect commits made by other processes.
	CommitCount() (int, error)

	// Close releases the underlying connection.
	Close() error
}

// CommitTx is one commit's worth of bulk writes. Each primitive is
// atomic: partial application is reported as a single failure. Rollback
// after a failed primitive leaves the store as it was before Begin.
type CommitTx interface {
	// ID returns the commit identifier minted by Begin.
	ID() int64

	// Insert adds rows to the item type's table. Rows without an "id"
	// field are assigned one by the store; the returned slice holds the
	// final identity of every row in input order.
	Insert(itemType string, rows []Fields) ([]int64, error)

	// Update rewrites rows matched by their "id" field.
	Update(itemType string, rows []Fields) error

	// Delete removes the rows with the given identities.
	Delete(itemType string, ids []int64) error

	// Commit makes the writes durable.
	Commit() error

	// Rollback discards the transaction, including the minted commit row.
	Rollback() error
}
