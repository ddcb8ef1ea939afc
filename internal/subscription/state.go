// internal/subscription/state.go
package subscription

import (
	"encoding/json"
	"fmt"
	"time"
)

// State — фаза жизненного цикла подписки.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of a subscription.
// Attempt and ResumeAt are set in Connecting and Backoff.
type Status struct {
	State     State
	Attempt   int
	ResumeAt  time.Time
	LastError error
}

// MarshalJSON is used by the control status endpoint.
func (s Status) MarshalJSON() ([]byte, error) {
	out := struct {
		State     State      `json:"state"`
		Attempt   int        `json:"attempt,omitempty"`
		ResumeAt  *time.Time `json:"resume_at,omitempty"`
		LastError string     `json:"last_error,omitempty"`
	}{State: s.State, Attempt: s.Attempt}
	if !s.ResumeAt.IsZero() {
		out.ResumeAt = &s.ResumeAt
	}
	if s.LastError != nil {
		out.LastError = s.LastError.Error()
	}
	return json.Marshal(out)
}
