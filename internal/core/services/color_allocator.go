package services

import (
	"hash/fnv"
	"sync"

	"presencenet/internal/core/domain"
)

// DefaultPalette is the ordered fallback palette used when the
// configuration does not supply one.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#bcf60c", "#fabebe", "#008080", "#e6beff",
}

// ColorAllocator deterministically maps user ids into a bounded palette.
// The same user keeps the same color for as long as it stays allocated,
// and no two active users share a color while the palette has room.
// Past palette capacity, assignment degrades to reuse.
type ColorAllocator struct {
	mu      sync.Mutex
	palette []string
	held    map[domain.UserID]string
	inUse   map[string]int
}

func NewColorAllocator(palette []string) *ColorAllocator {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &ColorAllocator{
		palette: palette,
		held:    make(map[domain.UserID]string),
		inUse:   make(map[string]int),
	}
}

// Allocate returns the color assigned to the user, assigning one on
// first sight. The preferred slot is a stable hash of the id; on
// collision subsequent palette entries are probed in order.
func (a *ColorAllocator) Allocate(id domain.UserID) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if color, ok := a.held[id]; ok {
		return color
	}

	start := a.slot(id)
	color := a.palette[start]
	for i := 0; i < len(a.palette); i++ {
		candidate := a.palette[(start+i)%len(a.palette)]
		if a.inUse[candidate] == 0 {
			color = candidate
			break
		}
	}

	a.held[id] = color
	a.inUse[color]++
	return color
}

// Release frees the user's color for future allocations. Unknown ids
// are a no-op.
func (a *ColorAllocator) Release(id domain.UserID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	color, ok := a.held[id]
	if !ok {
		return
	}
	delete(a.held, id)
	if a.inUse[color] > 1 {
		a.inUse[color]--
	} else {
		delete(a.inUse, color)
	}
}

// Held reports the color currently assigned to the user, if any.
func (a *ColorAllocator) Held(id domain.UserID) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	color, ok := a.held[id]
	return color, ok
}

// ActiveCount returns the number of users currently holding a color.
func (a *ColorAllocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *ColorAllocator) slot(id domain.UserID) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(a.palette)))
}
