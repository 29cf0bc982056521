package session

import (
	"sync"
	"time"
)

// Context is the per-attempt frozen snapshot of volatile inputs (spec.md
// 3 "SessionContext"). Notably the account id must not change for the
// duration of an attempt regardless of any external refresher.
type Context struct {
	ConsoleIP       string
	RegkeyHex8      string
	DiscoveredPort  uint16
	AccountIDRaw    [8]byte
	AccountIDHex    string
	AccountIDB64    string
	FrozenAt        time.Time
	PSNFrozen       bool
	SessionActive   bool
}

// freezeCounter is the counted-freeze token described in spec.md 9
// "Frozen account identifier": freeze increments, unfreeze decrements, a
// background refresher skips its work while the count is above zero. N
// freezes followed by N unfreezes restores the refreshable state.
type freezeCounter struct {
	mu    sync.Mutex
	count int
}

func (f *freezeCounter) Freeze() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
}

func (f *freezeCounter) Unfreeze() {
	f.mu.Lock()
	if f.count > 0 {
		f.count--
	}
	f.mu.Unlock()
}

func (f *freezeCounter) Frozen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count > 0
}
