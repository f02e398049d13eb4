package engine

import (
	"encoding/json"
	"fmt"
)

func Encode(r Room) ([]byte, error) {
	if r.Claims == nil {
		r.Claims = map[string]string{}
	}
	return json.Marshal(r)
}

// Decode parses a stored document, repairs what can be repaired
// deterministically and rejects the rest with ErrMalformedRoom. Room size is
// not checked here; capacity only limits Join, so a stored room stays readable
// after the configured capacity is lowered.
func Decode(data []byte) (Room, error) {
	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return Room{}, fmt.Errorf("%w: %w", ErrMalformedRoom, err)
	}
	r = Normalize(r)
	if err := Validate(r); err != nil {
		return Room{}, err
	}
	return r, nil
}

// Normalize fixes drift that every client would fix the same way: a missing
// claims map, claims held by non-members, leftovers of an activity while in
// LOBBY, and a leader that is no longer a member (Members[0] takes over).
func Normalize(r Room) Room {
	n := r.Clone()
	for slot, owner := range n.Claims {
		if !n.IsMember(owner) {
			delete(n.Claims, slot)
		}
	}
	if len(n.Members) > 0 && !n.IsMember(n.LeaderID) {
		n.LeaderID = n.Members[0].Identity
	}
	if n.Phase == PhaseLobby {
		n.Deadline = nil
		n.ActiveSelectionID = nil
		clear(n.Claims)
	}
	return n
}

func Validate(r Room) error {
	if r.Code == "" {
		return fmt.Errorf("%w: missing code", ErrMalformedRoom)
	}
	if !r.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrMalformedRoom, r.Phase)
	}
	if len(r.Members) == 0 {
		return fmt.Errorf("%w: no members", ErrMalformedRoom)
	}

	seen := make(map[string]bool, len(r.Members))
	for _, m := range r.Members {
		if m.Identity == "" {
			return fmt.Errorf("%w: member without identity", ErrMalformedRoom)
		}
		if seen[m.Identity] {
			return fmt.Errorf("%w: duplicate member %q", ErrMalformedRoom, m.Identity)
		}
		seen[m.Identity] = true
	}
	if !seen[r.LeaderID] {
		return fmt.Errorf("%w: leader %q is not a member", ErrMalformedRoom, r.LeaderID)
	}
	for slot, owner := range r.Claims {
		if !seen[owner] {
			return fmt.Errorf("%w: slot %q owned by non-member %q", ErrMalformedRoom, slot, owner)
		}
	}

	switch r.Phase {
	case PhaseLobby:
		if r.Deadline != nil || r.ActiveSelectionID != nil || len(r.Claims) > 0 {
			return fmt.Errorf("%w: lobby carries activity state", ErrMalformedRoom)
		}
	case PhaseSelection, PhaseExecution:
		if r.Deadline == nil {
			return fmt.Errorf("%w: %s without deadline", ErrMalformedRoom, r.Phase)
		}
	}
	return nil
}
