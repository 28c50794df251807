package domain

import (
	"math"
	"time"
)

type UserID string

// PresenceState tracks where a user sits in the liveness state machine.
type PresenceState string

const (
	StateActive PresenceState = "active"
	StateStale  PresenceState = "stale"
)

// CursorPosition is a point in the shared coordinate space.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Finite reports whether both coordinates are usable numbers. Positions
// with NaN or infinite components are treated as "not pointing".
func (p CursorPosition) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// UserPresence is the ephemeral state of one session participant.
// Records are owned by the presence store; consumers only ever see copies.
type UserPresence struct {
	ID         UserID
	Name       string
	Email      string
	Color      string
	Cursor     *CursorPosition
	State      PresenceState
	LastSeenAt time.Time
	Sequence   uint64
}

// Label returns the display label for the user, falling back to the
// user id when no name or email was announced.
func (u *UserPresence) Label() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return string(u.ID)
}

// Clone returns a deep copy safe to hand to consumers.
func (u *UserPresence) Clone() *UserPresence {
	cp := *u
	if u.Cursor != nil {
		cur := *u.Cursor
		cp.Cursor = &cur
	}
	return &cp
}
