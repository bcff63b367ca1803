package reader

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle of one read invocation.
type State int32

const (
	StateNotStarted State = iota
	StateResolving
	StateOpening
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateResolving:
		return "resolving"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// readState moves forward only. Completed and Failed are terminal.
type readState struct {
	v atomic.Int32
}

func (r *readState) load() State { return State(r.v.Load()) }

func (r *readState) set(next State) {
	for {
		cur := r.v.Load()
		if State(cur) == StateCompleted || State(cur) == StateFailed {
			return
		}
		if r.v.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}
