package session

import "sync/atomic"

// seqGen hands out process-unique session numbers, starting at 1.
type seqGen struct {
	val atomic.Uint64
}

// next returns the next session number.
func (s *seqGen) next() uint64 {
	return s.val.Add(1)
}
