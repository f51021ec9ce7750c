package position

import "sync"

// LeaseMap hands out the exclusive per-(user, market) lease that
// serializes all position mutations. A tick that fails to take the lease
// is dropped, not queued; the next scheduled fire sees fresh state.
type LeaseMap struct {
	mu    sync.Mutex
	held  map[string]struct{}
}

// NewLeaseMap creates an empty lease map.
func NewLeaseMap() *LeaseMap {
	return &LeaseMap{held: make(map[string]struct{})}
}

func leaseKey(userID, market string) string {
	return userID + "|" + market
}

// TryAcquire takes the lease for the pair. It returns false immediately
// when another tick holds it.
func (l *LeaseMap) TryAcquire(userID, market string) bool {
	key := leaseKey(userID, market)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release gives the lease back.
func (l *LeaseMap) Release(userID, market string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, leaseKey(userID, market))
}
