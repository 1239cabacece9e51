// Package scoring keeps the scoring service's session record consistent
// when more than one voice agent runs in the same process.
//
// A single [Ownership] slot is shared by every [Guard]. A guard may start a
// remote scoring session only while the slot is free, and writes or ends it
// only while the slot still holds the session id it started. Ownership is
// compared by session id, so a guard that merely believes it started
// something cannot end another guard's session.
package scoring

import "sync"

// Ownership is the process-wide scoring slot. Create one and inject it into
// every guard. The zero value is an empty slot ready to use.
type Ownership struct {
	mu        sync.Mutex
	sessionID string
	owner     string
}

// NewOwnership returns an empty slot.
func NewOwnership() *Ownership {
	return &Ownership{}
}

// TryAcquire claims the slot for sessionID on behalf of owner. It fails if
// the slot is held by anyone, including owner itself, or sessionID is empty.
func (o *Ownership) TryAcquire(sessionID, owner string) bool {
	if sessionID == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionID != "" {
		return false
	}
	o.sessionID = sessionID
	o.owner = owner
	return true
}

// Release frees the slot if it holds sessionID and reports whether it did.
func (o *Ownership) Release(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sessionID == "" || o.sessionID != sessionID {
		return false
	}
	o.sessionID = ""
	o.owner = ""
	return true
}

// Holds reports whether the slot currently holds sessionID.
func (o *Ownership) Holds(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sessionID != "" && o.sessionID == sessionID
}

// Current returns the held session id and its owner, or empty strings.
func (o *Ownership) Current() (sessionID, owner string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID, o.owner
}
