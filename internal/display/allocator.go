// Package display allocates virtual display numbers for terminal
// instances. Allocation is deterministic where possible (account id
// modulo the window size) but collision-checked: when two accounts share
// a residue the allocator probes forward to the next free number instead
// of handing out a duplicate.
package display

import (
	"fmt"
	"sync"
)

// Allocator hands out display numbers from [base, base+count).
type Allocator struct {
	mu        sync.Mutex
	base      int
	count     int
	inUse     map[int]int64 // display -> account
	byAccount map[int64]int
}

// NewAllocator creates an allocator over a window of count displays
// starting at base.
func NewAllocator(base, count int) *Allocator {
	return &Allocator{
		base:      base,
		count:     count,
		inUse:     make(map[int]int64),
		byAccount: make(map[int64]int),
	}
}

// Acquire returns the account's display number, allocating one if
// needed. Re-acquiring is idempotent. It fails when every display in the
// window is taken.
func (a *Allocator) Acquire(accountID int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d, ok := a.byAccount[accountID]; ok {
		return d, nil
	}

	preferred := int(accountID % int64(a.count))
	if preferred < 0 {
		preferred += a.count
	}
	for i := 0; i < a.count; i++ {
		d := a.base + (preferred+i)%a.count
		if _, taken := a.inUse[d]; !taken {
			a.inUse[d] = accountID
			a.byAccount[accountID] = d
			return d, nil
		}
	}
	return 0, fmt.Errorf("no free display in window [%d, %d)", a.base, a.base+a.count)
}

// Release frees the account's display, if any.
func (a *Allocator) Release(accountID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d, ok := a.byAccount[accountID]; ok {
		delete(a.inUse, d)
		delete(a.byAccount, accountID)
	}
}

// Lookup returns the account's current display, if allocated.
func (a *Allocator) Lookup(accountID int64) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d, ok := a.byAccount[accountID]
	return d, ok
}
