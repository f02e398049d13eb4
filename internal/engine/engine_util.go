package engine

import (
	"maps"
	"slices"
	"time"
)

type Rules struct {
	Capacity           int
	MaxClaimsPerMember int
	SelectionWindow    time.Duration
	ExecutionWindow    time.Duration
	Slots              []string // empty means any non-empty slot id is claimable
}

func DefaultRules() Rules {
	return Rules{
		Capacity:           5,
		MaxClaimsPerMember: 4,
		SelectionWindow:    10 * time.Second,
		ExecutionWindow:    30 * time.Second,
	}
}

func (r Rules) AllowsSlot(slotID string) bool {
	if slotID == "" {
		return false
	}
	if len(r.Slots) == 0 {
		return true
	}
	return slices.Contains(r.Slots, slotID)
}

// Clone returns a deep copy so transitions never alias the caller's maps,
// slices or pointers.
func (r Room) Clone() Room {
	c := r
	c.Members = slices.Clone(r.Members)
	c.Claims = maps.Clone(r.Claims)
	if c.Claims == nil {
		c.Claims = map[string]string{}
	}
	if r.MapSelection != nil {
		v := *r.MapSelection
		c.MapSelection = &v
	}
	if r.ActiveSelectionID != nil {
		v := *r.ActiveSelectionID
		c.ActiveSelectionID = &v
	}
	if r.Deadline != nil {
		v := *r.Deadline
		c.Deadline = &v
	}
	return c
}
