package sync

import (
	"sync"
)

// NetworkStatus is one connectivity snapshot.
type NetworkStatus struct {
	IsOnline       bool   `json:"isOnline"`
	ConnectionType string `json:"connectionType,omitempty"`
}

// NetworkMonitor emits connectivity changes. The engine subscribes once
// and never polls.
type NetworkMonitor interface {
	Status() NetworkStatus
	Subscribe() <-chan NetworkStatus
}

// ManualMonitor is a settable NetworkMonitor driven by embedding code or
// the HTTP surface. It fans each change out to all subscribers.
type ManualMonitor struct {
	mu     sync.Mutex
	status NetworkStatus
	subs   []chan NetworkStatus
}

func NewManualMonitor(initial NetworkStatus) *ManualMonitor {
	return &ManualMonitor{status: initial}
}

func (m *ManualMonitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *ManualMonitor) Subscribe() <-chan NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan NetworkStatus, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// Set publishes a new status. Subscribers with full buffers miss
// intermediate states but always see a later one.
func (m *ManualMonitor) Set(status NetworkStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == status {
		return
	}
	m.status = status
	for _, ch := range m.subs {
		select {
		case ch <- status:
		default:
		}
	}
}
