// Package creds is the single process-wide home of the stored
// credential. Everything else reads through a Store instead of poking
// at its own copy; only the session gate and the action dispatcher's
// 401 path are allowed to mutate it.
package creds

import (
	"sync"
	"time"
)

type Credentials struct {
	Token        string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

func (c Credentials) Empty() bool { return c.Token == "" }

func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

type Store interface {
	Load() (Credentials, error)
	Save(Credentials) error
	Clear() error
	// Changed delivers a coalesced signal after every Save or Clear.
	Changed() <-chan struct{}
	Close() error
}

// notifier coalesces change signals into a 1-buffered channel so a
// slow listener never blocks a Save.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier { return notifier{ch: make(chan struct{}, 1)} }

func (n notifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Memory is the in-process Store used by tests and by callers that do
// not want credentials touching disk.
type Memory struct {
	mu sync.Mutex
	c  Credentials
	n  notifier
}

func NewMemory() *Memory { return &Memory{n: newNotifier()} }

func (m *Memory) Load() (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c, nil
}

func (m *Memory) Save(c Credentials) error {
	m.mu.Lock()
	m.c = c
	m.mu.Unlock()
	m.n.notify()
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.c = Credentials{}
	m.mu.Unlock()
	m.n.notify()
	return nil
}

func (m *Memory) Changed() <-chan struct{} { return m.n.ch }

func (m *Memory) Close() error { return nil }
