package types

// Status is the lifecycle state of a mirrored item. Items start as
// Committed when they come from the backing store, or ToAdd when staged
// by a caller. All statuses other than Committed mark the item dirty.
type Status int

const (
	// Committed means the item matches the backing store.
	Committed Status = iota
	// ToAdd means the item was staged locally and has never been persisted.
	ToAdd
	// ToUpdate means the item was edited; the pre-edit snapshot is kept
	// until commit or rollback.
	ToUpdate
	// ToRemove means a previously committed item is staged for deletion.
	ToRemove
	// AddedAndRemoved means a staged item was removed before ever reaching
	// the backing store; it is never flushed.
	AddedAndRemoved
)

// String returns the status name used in errors and logs.
func (s Status) String() string {
	switch s {
	case Committed:
		return "committed"
	case ToAdd:
		return "to_add"
	case ToUpdate:
		return "to_update"
	case ToRemove:
		return "to_remove"
	case AddedAndRemoved:
		return "added_and_removed"
	default:
		return "unknown"
	}
}

// Dirty reports whether an item with this status needs a commit.
func (s Status) Dirty() bool {
	return s != Committed
}
