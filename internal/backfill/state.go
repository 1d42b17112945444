package backfill

import "fmt"

// State is the lifecycle of a backfill instance. Init and Backfilling are
// resumable from persisted progress; Done is terminal. Failed is a frozen
// error state surfaced to the catalog, requiring drop/recreate.
type State int

const (
	// StateInit means no progress has been persisted yet.
	StateInit State = iota

	// StateBackfilling means the snapshot scan is in flight.
	StateBackfilling

	// StateDone means the view has caught up; the operator is a pure
	// pass-through.
	StateDone

	// StateFailed means a fatal fault halted the instance; its state is
	// frozen at the last persisted progress.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBackfilling:
		return "backfilling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
