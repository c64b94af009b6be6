package parallel

import "sync"

// keyedLocks hands out one mutex per team so conflict detection and
// convergence sessions serialize per team without contending across teams.
// Locks are created on first use and never released.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) get(teamID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[teamID]
	if !ok {
		l = &sync.Mutex{}
		k.locks[teamID] = l
	}
	return l
}

// lock takes the team's lock and returns the unlock.
func (k *keyedLocks) lock(teamID string) func() {
	l := k.get(teamID)
	l.Lock()
	return l.Unlock
}
