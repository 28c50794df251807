package services

import (
	"fmt"
	"testing"

	"presencenet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorAllocator_Deterministic(t *testing.T) {
	a := NewColorAllocator(nil)

	first := a.Allocate("user-a")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, a.Allocate("user-a"))
	}
}

func TestColorAllocator_CollisionProbesToDistinctColor(t *testing.T) {
	a := NewColorAllocator([]string{"red", "green", "blue"})

	// Find two ids that hash into the same preferred slot.
	base := domain.UserID("user-0")
	var colliding domain.UserID
	for i := 1; ; i++ {
		candidate := domain.UserID(fmt.Sprintf("user-%d", i))
		if a.slot(candidate) == a.slot(base) {
			colliding = candidate
			break
		}
	}

	c1 := a.Allocate(base)
	c2 := a.Allocate(colliding)
	assert.NotEqual(t, c1, c2, "colliding users must probe to distinct colors")
}

func TestColorAllocator_UniqueWithinCapacity(t *testing.T) {
	palette := []string{"a", "b", "c", "d"}
	a := NewColorAllocator(palette)

	seen := make(map[string]bool)
	for i := 0; i < len(palette); i++ {
		color := a.Allocate(domain.UserID(fmt.Sprintf("user-%d", i)))
		assert.False(t, seen[color], "color %s assigned twice", color)
		seen[color] = true
	}
}

func TestColorAllocator_ReleaseFreesColor(t *testing.T) {
	a := NewColorAllocator([]string{"red", "green"})

	c1 := a.Allocate("user-a")
	c2 := a.Allocate("user-b")
	require.NotEqual(t, c1, c2)

	a.Release("user-a")
	assert.Equal(t, 1, a.ActiveCount())

	// The freed color is the only one left for a third user.
	c3 := a.Allocate("user-c")
	assert.Equal(t, c1, c3)
}

func TestColorAllocator_DegradesPastCapacity(t *testing.T) {
	a := NewColorAllocator([]string{"red", "green"})

	a.Allocate("user-a")
	a.Allocate("user-b")

	// Palette exhausted: reuse is accepted, failure is not.
	c := a.Allocate("user-c")
	assert.Contains(t, []string{"red", "green"}, c)
	assert.Equal(t, 3, a.ActiveCount())
}

func TestColorAllocator_ReleaseUnknownIsNoop(t *testing.T) {
	a := NewColorAllocator(nil)
	a.Release("never-seen")
	assert.Equal(t, 0, a.ActiveCount())
}
