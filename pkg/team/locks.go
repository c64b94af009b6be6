package team

import (
	"sort"
	"sync"
)

// keyedLocks hands out one RW mutex per team so mutations on different
// teams never contend with each other. Locks are created on first use and
// never released; the set of teams a process touches is small.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.RWMutex)}
}

func (k *keyedLocks) get(teamID string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[teamID]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[teamID] = l
	}
	return l
}

// lockWrite takes the write lock for one team and returns the unlock.
func (k *keyedLocks) lockWrite(teamID string) func() {
	l := k.get(teamID)
	l.Lock()
	return l.Unlock
}

// lockRead takes the read lock for one team and returns the unlock.
func (k *keyedLocks) lockRead(teamID string) func() {
	l := k.get(teamID)
	l.RLock()
	return l.RUnlock
}

// lockAll write-locks several teams in lexicographic ID order, which keeps
// concurrent multi-team operations from deadlocking against each other.
func (k *keyedLocks) lockAll(teamIDs []string) func() {
	ids := append([]string(nil), teamIDs...)
	sort.Strings(ids)

	var locked []*sync.RWMutex
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		l := k.get(id)
		l.Lock()
		locked = append(locked, l)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}
