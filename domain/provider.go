package domain

import (
	"fmt"
	"time"
)

type SessionStatus uint8

const (
	SessionStatusConnecting SessionStatus = iota
	SessionStatusConnected
	SessionStatusConnectedWithWarnings
	SessionStatusDisconnected
	SessionStatusDisconnectedFailed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionStatusConnecting:
		return "Connecting"
	case SessionStatusConnected:
		return "Connected"
	case SessionStatusConnectedWithWarnings:
		return "ConnectedWithWarnings"
	case SessionStatusDisconnected:
		return "Disconnected"
	case SessionStatusDisconnectedFailed:
		return "DisconnectedFailed"
	default:
		return fmt.Sprintf("SessionStatus(%d)", uint8(s))
	}
}

func (s SessionStatus) IsConnected() bool {
	return s == SessionStatusConnected || s == SessionStatusConnectedWithWarnings
}

// CanTransitionTo reports whether the session state machine allows next after s.
// DisconnectedFailed is only left through a fresh Connecting attempt.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case SessionStatusConnecting:
		return true
	case SessionStatusConnected, SessionStatusConnectedWithWarnings:
		return true
	case SessionStatusDisconnected:
		return next != SessionStatusConnectedWithWarnings
	case SessionStatusDisconnectedFailed:
		return next == SessionStatusConnecting || next == SessionStatusConnected
	default:
		return false
	}
}

// Provider is the connection state of one market data source.
type Provider struct {
	ProviderID  int
	Code        string
	Name        string
	Status      SessionStatus
	LastUpdated time.Time
	// LastMessage describes the last status change, e.g. the resync failure.
	LastMessage string
}

func NewProvider(id int, code, name string) Provider {
	return Provider{
		ProviderID:  id,
		Code:        code,
		Name:        name,
		Status:      SessionStatusConnecting,
		LastUpdated: time.Now(),
	}
}

// SetStatus applies a transition and reports whether the status changed.
func (p *Provider) SetStatus(next SessionStatus, at time.Time) (bool, error) {
	if !p.Status.CanTransitionTo(next) {
		return false, fmt.Errorf("provider %s: invalid status transition %s -> %s", p.Code, p.Status, next)
	}
	changed := p.Status != next
	p.Status = next
	p.LastUpdated = at
	return changed, nil
}
