package domain

// MessageKind discriminates presence wire messages.
type MessageKind string

const (
	KindUpdate    MessageKind = "update"
	KindHeartbeat MessageKind = "heartbeat"
	KindDeparture MessageKind = "departure"
)

// Envelope is the wire shape exchanged between session participants.
// Delivery is best-effort: duplicates, drops and reordering are all
// expected, and the per-user Sequence is what restores order.
type Envelope struct {
	UserID   UserID          `json:"user_id"`
	Sequence uint64          `json:"sequence"`
	Kind     MessageKind     `json:"kind"`
	Name     string          `json:"user_name,omitempty"`
	Email    string          `json:"user_email,omitempty"`
	Color    string          `json:"color,omitempty"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
}

// Position returns the cursor position carried by the envelope, or nil
// when it is absent or malformed. Non-finite coordinates are downgraded
// to "no position" rather than rejected.
func (e *Envelope) Position() *CursorPosition {
	if e.Cursor == nil || !e.Cursor.Finite() {
		return nil
	}
	cur := *e.Cursor
	return &cur
}
