package model

import (
	"sync"
	"time"
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	isError bool
	expires time.Time
	now     func() time.Time
}

// Set stores an info message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.set(msg, false, d)
}

// SetError stores an error message that expires after d.
func (f *Flash) SetError(msg string, d time.Duration) {
	f.set(msg, true, d)
}

func (f *Flash) set(msg string, isErr bool, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.isError = isErr
	f.expires = f.clock().Add(d)
}

// Get returns the current message and whether it is an error. Expired
// messages read as empty.
func (f *Flash) Get() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.clock().After(f.expires) {
		return "", false
	}
	return f.message, f.isError
}

func (f *Flash) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}
