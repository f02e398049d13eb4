package engine

import (
	"errors"
	"slices"
	"time"
)

var ErrNotFound = errors.New("room not found")
var ErrRoomFull = errors.New("room full")
var ErrQuotaExceeded = errors.New("claim quota exceeded")
var ErrUnauthorized = errors.New("not the room leader")
var ErrStoreUnavailable = errors.New("store unavailable")
var ErrResourceExhausted = errors.New("room code space exhausted")
var ErrWrongPhase = errors.New("not allowed in current phase")
var ErrNotMember = errors.New("not a room member")
var ErrUnknownSlot = errors.New("unknown claim slot")
var ErrStale = errors.New("room state already moved on")
var ErrDeadlineNotReached = errors.New("phase deadline not reached")
var ErrMalformedRoom = errors.New("malformed room document")
var ErrInvalidArgument = errors.New("invalid argument")

type Phase string

const (
	PhaseLobby     Phase = "LOBBY"
	PhaseSelection Phase = "SELECTION"
	PhaseExecution Phase = "EXECUTION"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhaseSelection, PhaseExecution:
		return true
	}
	return false
}

type Member struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

// Room is the persisted document, one per room code.
type Room struct {
	Code              string            `json:"code"`
	LeaderID          string            `json:"leaderId"`
	Phase             Phase             `json:"phase"`
	MapSelection      *string           `json:"mapSelection"`
	ActiveSelectionID *string           `json:"activeSelectionId"`
	Deadline          *time.Time        `json:"deadline"`
	Claims            map[string]string `json:"claims"`
	Members           []Member          `json:"members"`
	CreatedAt         time.Time         `json:"createdAt"`
}

type ClaimOutcome string

const (
	ClaimAcquired ClaimOutcome = "acquired"
	ClaimReleased ClaimOutcome = "released"
	ClaimIgnored  ClaimOutcome = "ignored" // slot already owned by someone else
)

func NewRoom(code string, leader Member, now time.Time) Room {
	return Room{
		Code:      code,
		LeaderID:  leader.Identity,
		Phase:     PhaseLobby,
		Claims:    map[string]string{},
		Members:   []Member{leader},
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}
}

// Join appends m to the member list. Rejoining is a no-op.
func Join(r Room, m Member, rules Rules) (Room, error) {
	if m.Identity == "" {
		return r, ErrInvalidArgument
	}
	if r.IsMember(m.Identity) {
		return r, nil
	}
	if len(r.Members) >= rules.Capacity {
		return r, ErrRoomFull
	}

	next := r.Clone()
	next.Members = append(next.Members, m)
	return next, nil
}

// Leave removes identity from the room. When the room still has members and
// the leaver was leader, leadership passes to Members[0]. empty reports that
// no members remain and the document should be deleted.
func Leave(r Room, identity string) (next Room, empty bool) {
	idx := r.memberIndex(identity)
	if idx < 0 {
		return r, len(r.Members) == 0
	}

	next = r.Clone()
	next.Members = slices.Delete(next.Members, idx, idx+1)
	if len(next.Members) == 0 {
		next.LeaderID = ""
		return next, true
	}

	if next.LeaderID == identity {
		next.LeaderID = next.Members[0].Identity
	}
	for slot, owner := range next.Claims {
		if owner == identity {
			delete(next.Claims, slot)
		}
	}
	return next, false
}

// StartActivity moves LOBBY -> SELECTION. An empty mapSelection keeps the
// current one.
func StartActivity(r Room, caller, activityID, mapSelection string, now time.Time, rules Rules) (Room, error) {
	if r.LeaderID != caller {
		return r, ErrUnauthorized
	}
	if r.Phase != PhaseLobby {
		return r, ErrWrongPhase
	}
	if activityID == "" {
		return r, ErrInvalidArgument
	}

	next := r.Clone()
	next.Phase = PhaseSelection
	next.ActiveSelectionID = &activityID
	if mapSelection != "" {
		next.MapSelection = &mapSelection
	}
	next.Deadline = deadlineAfter(now, rules.window(PhaseSelection))
	next.Claims = map[string]string{}
	return next, nil
}

func SetMapSelection(r Room, caller, mapID string) (Room, error) {
	if r.LeaderID != caller {
		return r, ErrUnauthorized
	}
	if r.Phase != PhaseLobby {
		return r, ErrWrongPhase
	}
	if mapID == "" {
		return r, ErrInvalidArgument
	}

	next := r.Clone()
	next.MapSelection = &mapID
	return next, nil
}

// Advance performs the deadline-driven transition out of expected. It only
// commits against the exact pre-image the caller scheduled its timer for, so
// a timer that fires after the room already moved on yields ErrStale.
func Advance(r Room, caller string, expected Phase, expectedDeadline time.Time, now time.Time, rules Rules) (Room, error) {
	if r.LeaderID != caller {
		return r, ErrUnauthorized
	}
	if r.Phase != expected || r.Deadline == nil || !r.Deadline.Equal(expectedDeadline) {
		return r, ErrStale
	}
	if now.Before(*r.Deadline) {
		return r, ErrDeadlineNotReached
	}

	to, ok := NextPhase(r.Phase)
	if !ok {
		return r, ErrWrongPhase
	}

	next := r.Clone()
	next.Phase = to
	if to == PhaseLobby {
		next.Deadline = nil
		next.ActiveSelectionID = nil
		next.Claims = map[string]string{}
		return next, nil
	}
	next.Deadline = deadlineAfter(now, rules.window(to))
	return next, nil
}

// ToggleClaim releases slotID when caller owns it, acquires it when it is
// free and caller is under quota, and ignores it when someone else owns it.
func ToggleClaim(r Room, caller, slotID string, rules Rules) (Room, ClaimOutcome, error) {
	if !r.IsMember(caller) {
		return r, "", ErrNotMember
	}
	if r.Phase != PhaseSelection {
		return r, "", ErrWrongPhase
	}
	if !rules.AllowsSlot(slotID) {
		return r, "", ErrUnknownSlot
	}

	owner, taken := r.Claims[slotID]
	switch {
	case taken && owner == caller:
		next := r.Clone()
		delete(next.Claims, slotID)
		return next, ClaimReleased, nil
	case taken:
		return r, ClaimIgnored, nil
	}

	if r.ClaimCount(caller) >= rules.MaxClaimsPerMember {
		return r, "", ErrQuotaExceeded
	}
	next := r.Clone()
	next.Claims[slotID] = caller
	return next, ClaimAcquired, nil
}

func (r Room) IsMember(identity string) bool {
	return r.memberIndex(identity) >= 0
}

func (r Room) IsLeader(identity string) bool {
	return identity != "" && r.LeaderID == identity
}

func (r Room) ClaimCount(identity string) int {
	n := 0
	for _, owner := range r.Claims {
		if owner == identity {
			n++
		}
	}
	return n
}

func (r Room) memberIndex(identity string) int {
	return slices.IndexFunc(r.Members, func(m Member) bool { return m.Identity == identity })
}
