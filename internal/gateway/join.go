package gateway

import (
	"sync"
	"time"
)

// JoinTracker holds per-instance join synchronization state for
// parallel and inclusive gateway joins (§4.2). A gateway is a join
// when its fan-in (incoming connection count) is greater than one. One
// JoinTracker belongs to exactly one running instance.
type JoinTracker struct {
	mu        sync.Mutex
	parallel  map[string]*parallelJoin
	inclusive map[string]*inclusiveJoin
}

type parallelJoin struct {
	expected  int
	arrived   int
	startedAt time.Time
}

type inclusiveJoin struct {
	committed    bool
	arrived      map[string]bool // branch id -> arrived
	firstArrival time.Time
}

// NewJoinTracker creates an empty tracker.
func NewJoinTracker() *JoinTracker {
	return &JoinTracker{
		parallel:  make(map[string]*parallelJoin),
		inclusive: make(map[string]*inclusiveJoin),
	}
}

// ArriveParallel registers one branch's arrival at a parallel join.
// expected is the gateway's fan-in. Returns true exactly once per join
// occurrence — when the last of the expected branches arrives —
// signalling the scheduler should proceed past the gateway.
func (jt *JoinTracker) ArriveParallel(gatewayID string, expected int) bool {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	j, ok := jt.parallel[gatewayID]
	if !ok {
		j = &parallelJoin{expected: expected, startedAt: time.Now()}
		jt.parallel[gatewayID] = j
	}
	j.arrived++
	if j.arrived >= j.expected {
		delete(jt.parallel, gatewayID) // reset for a future loop-back through this join
		return true
	}
	return false
}

// ArriveInclusive registers one branch's arrival at an inclusive join,
// identified by branchID (the id of the incoming connection the
// branch arrived on). The first arrival on a given gateway occurrence
// commits it and returns proceed=true; every subsequent arrival on the
// same occurrence returns proceed=false — that branch terminates
// without continuing past the join (§4.2, §4.9).
func (jt *JoinTracker) ArriveInclusive(gatewayID, branchID string) (proceed bool) {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	j, ok := jt.inclusive[gatewayID]
	if !ok {
		j = &inclusiveJoin{arrived: make(map[string]bool), firstArrival: time.Now()}
		jt.inclusive[gatewayID] = j
	}
	j.arrived[branchID] = true

	if j.committed {
		return false
	}
	j.committed = true
	return true
}

// OpenJoin describes a parallel join still waiting on branches, for
// deadlock sweeping (§4.9).
type OpenJoin struct {
	GatewayID string
	Arrived   int
	Expected  int
	Since     time.Time
}

// OpenJoins returns every parallel join currently waiting on at least
// one more branch. The cancellation subsystem's deadlock sweep polls
// this on an interval and compares Since against its threshold.
func (jt *JoinTracker) OpenJoins() []OpenJoin {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	out := make([]OpenJoin, 0, len(jt.parallel))
	for id, j := range jt.parallel {
		out = append(out, OpenJoin{
			GatewayID: id,
			Arrived:   j.arrived,
			Expected:  j.expected,
			Since:     j.startedAt,
		})
	}
	return out
}
