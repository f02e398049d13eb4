package types

import "github.com/DoyleJ11/tactics-room-backend/internal/engine"

// Client -> server command types.
const (
	CmdCreateRoom      = "createRoom"
	CmdJoinRoom        = "joinRoom"
	CmdLeaveRoom       = "leaveRoom"
	CmdSetMapSelection = "setMapSelection"
	CmdStartActivity   = "startActivity"
	CmdToggleClaim     = "toggleClaim"
)

// Server -> client message types.
const (
	MsgRoomSnapshot = "RoomSnapshot"
	MsgRoomClosed   = "RoomClosed"
	MsgClaimResult  = "ClaimResult"
	MsgError        = "Error"
)

type ClientMessage struct {
	Type         string `json:"type"`
	Code         string `json:"code,omitempty"`
	MapSelection string `json:"mapSelection,omitempty"`
	ActivityID   string `json:"activityId,omitempty"`
	SlotID       string `json:"slotId,omitempty"`
}

type ServerMessage struct {
	Type     string       `json:"type"`
	Room     *engine.Room `json:"room,omitempty"`
	IsLeader bool         `json:"isLeader,omitempty"`
	Code     string       `json:"code,omitempty"`
	SlotID   string       `json:"slotId,omitempty"`
	Outcome  string       `json:"outcome,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Error codes carried in ServerMessage.Error.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeNotFound          = "not_found"
	ErrCodeRoomFull          = "room_full"
	ErrCodeQuotaExceeded     = "quota_exceeded"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeWrongPhase        = "wrong_phase"
	ErrCodeNotMember         = "not_member"
	ErrCodeUnknownSlot       = "unknown_slot"
	ErrCodeNoRoom            = "no_room"
	ErrCodeMalformedRoom     = "malformed_room"
	ErrCodeResourceExhausted = "resource_exhausted"
	ErrCodeStoreUnavailable  = "store_unavailable"
	ErrCodeInternal          = "internal"
)
