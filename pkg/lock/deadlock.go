package lock

import (
	"sync"

	"github.com/google/uuid"
)

// deadlockDetector maintains the wait-for graph: which transactions
// wait on which keys, and which transactions hold each key. Cycle
// detection walks wait-for edges (tx -> tx) derived from both maps.
type deadlockDetector struct {
	mu      sync.Mutex
	waitFor map[uuid.UUID]map[uuid.UUID]struct{} // waiter -> set of holders it waits on
	heldBy  map[string]map[uuid.UUID]struct{}    // key -> set of current holders
}

func newDeadlockDetector() *deadlockDetector {
	return &deadlockDetector{
		waitFor: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		heldBy:  make(map[string]map[uuid.UUID]struct{}),
	}
}

func (d *deadlockDetector) addWaitEdge(waiter uuid.UUID, key string, holders []uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.heldBy[key]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		d.heldBy[key] = set
	}
	for _, h := range holders {
		set[h] = struct{}{}
	}

	edges, ok := d.waitFor[waiter]
	if !ok {
		edges = make(map[uuid.UUID]struct{})
		d.waitFor[waiter] = edges
	}
	for _, h := range holders {
		if h != waiter {
			edges[h] = struct{}{}
		}
	}
}

func (d *deadlockDetector) removeWaitEdge(waiter uuid.UUID, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waitFor, waiter)
}

func (d *deadlockDetector) removeHoldEdge(key string, tx uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.heldBy[key]; ok {
		delete(set, tx)
		if len(set) == 0 {
			delete(d.heldBy, key)
		}
	}
}

func (d *deadlockDetector) removeTransaction(tx uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waitFor, tx)
	for _, edges := range d.waitFor {
		delete(edges, tx)
	}
	for _, holders := range d.heldBy {
		delete(holders, tx)
	}
}

// detectCycles runs DFS from every waiting transaction and returns the
// set of transactions participating in each distinct cycle found.
func (d *deadlockDetector) detectCycles() [][]uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cycles [][]uuid.UUID
	visited := make(map[uuid.UUID]bool)

	for start := range d.waitFor {
		if visited[start] {
			continue
		}
		stack := []uuid.UUID{}
		recStack := make(map[uuid.UUID]bool)
		var dfs func(n uuid.UUID) []uuid.UUID
		dfs = func(n uuid.UUID) []uuid.UUID {
			visited[n] = true
			recStack[n] = true
			stack = append(stack, n)
			for next := range d.waitFor[n] {
				if recStack[next] {
					// found a back edge: extract the cycle from stack
					for i, s := range stack {
						if s == next {
							return append([]uuid.UUID(nil), stack[i:]...)
						}
					}
				}
				if !visited[next] {
					if cyc := dfs(next); cyc != nil {
						return cyc
					}
				}
			}
			recStack[n] = false
			stack = stack[:len(stack)-1]
			return nil
		}
		if cyc := dfs(start); cyc != nil {
			cycles = append(cycles, cyc)
		}
	}
	return cycles
}
