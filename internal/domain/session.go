package domain

import "time"

// State is the position of a session in the confirmation flow.
type State string

const (
	// StateCreated is the initial state before a usable draft exists.
	StateCreated State = "CREATED"
	// StateAwaitingConfirmation means a draft was presented and the session
	// is waiting for an affirmative or an edit.
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	// StateAwaitingAccount means the draft is confirmed but still needs an
	// account (classification and expense only).
	StateAwaitingAccount State = "AWAITING_ACCOUNT"
	// StateCommitted is terminal: the draft was written to the ledger.
	StateCommitted State = "COMMITTED"
	// StateExpired is terminal: the session idled past its TTL.
	StateExpired State = "EXPIRED"
	// StateCancelled is terminal: the user cancelled explicitly.
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Session is the durable state of one conversation thread. The session store
// exclusively owns its lifetime; the reconciler and state machine receive it
// by reference for the duration of one event and must not retain it.
//
// Invariant: Draft is internally consistent whenever State is not CREATED.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Kind           Kind      `json:"kind"`
	State          State     `json:"state"`
	Draft          *Draft    `json:"draft,omitempty"`
	Taxonomy       Taxonomy  `json:"taxonomy"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Touch records activity for TTL accounting.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// Idle reports whether the session has been inactive longer than ttl.
func (s *Session) Idle(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivityAt) > ttl
}

// Clone returns a deep copy, so a caller can stage a transition and only
// publish it after the durable write succeeds.
func (s *Session) Clone() *Session {
	out := *s
	out.Draft = s.Draft.Clone()
	out.Taxonomy.Categories = append([]string(nil), s.Taxonomy.Categories...)
	out.Taxonomy.Accounts = append([]string(nil), s.Taxonomy.Accounts...)
	return &out
}
