package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorPosition_Finite(t *testing.T) {
	tests := []struct {
		name string
		pos  CursorPosition
		want bool
	}{
		{"origin", CursorPosition{0, 0}, true},
		{"negative coords", CursorPosition{-10.5, -3}, true},
		{"nan x", CursorPosition{math.NaN(), 20}, false},
		{"nan y", CursorPosition{20, math.NaN()}, false},
		{"positive infinity", CursorPosition{math.Inf(1), 0}, false},
		{"negative infinity", CursorPosition{0, math.Inf(-1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pos.Finite())
		})
	}
}

func TestEnvelope_Position_SanitizesMalformed(t *testing.T) {
	env := &Envelope{
		UserID:   "u1",
		Sequence: 1,
		Kind:     KindUpdate,
		Cursor:   &CursorPosition{X: math.NaN(), Y: 20},
	}
	assert.Nil(t, env.Position(), "non-finite coordinates must read as no position")

	env.Cursor = &CursorPosition{X: 5, Y: 20}
	pos := env.Position()
	assert.NotNil(t, pos)
	assert.NotSame(t, env.Cursor, pos, "Position must return a copy")
}

func TestUserPresence_Label(t *testing.T) {
	u := &UserPresence{ID: "abc-123"}
	assert.Equal(t, "abc-123", u.Label())

	u.Email = "a@example.com"
	assert.Equal(t, "a@example.com", u.Label())

	u.Name = "Ada"
	assert.Equal(t, "Ada", u.Label())
}

func TestUserPresence_Clone(t *testing.T) {
	u := &UserPresence{ID: "u1", Cursor: &CursorPosition{X: 1, Y: 2}}
	cp := u.Clone()

	cp.Cursor.X = 99
	assert.Equal(t, 1.0, u.Cursor.X, "clone must not share the cursor pointer")
}
