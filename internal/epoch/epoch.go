// Package epoch defines checkpoint epochs and the barrier coordinator that
// aligns all operators to a monotonically increasing sequence of them.
package epoch

// Epoch is a global checkpoint boundary. Epochs are strictly monotonic; every
// operator processes all records for epoch E before acknowledging barrier E.
type Epoch uint64

// Barrier marks the boundary of an epoch inside an ordered message stream.
type Barrier struct {
	Epoch Epoch
}

// Injector receives barriers from the coordinator. Injecting a barrier blocks
// until every record for the preceding epoch has been flushed downstream and
// the barrier itself has been fully processed.
type Injector interface {
	InjectBarrier(barrier Barrier) error
}
