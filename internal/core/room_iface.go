package core

import (
	"github.com/dkeye/callroom/internal/domain"
)

// RoomInfo is a read-only view for APIs (no password, no member ids).
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	Protected   bool          `json:"protected"`
	MemberCount int           `json:"members"`
}

// LeaveResult describes what a departure did to its room.
type LeaveResult struct {
	RoomID domain.RoomID
	// Closed is set when the room was destroyed by this departure.
	Closed bool
	// Remaining lists the members that were still in the room and must be notified.
	Remaining []SessionID
}

// RoomManager is the Room Registry: room existence, membership and
// password checks, plus the connection -> room reverse index.
//
// The callbacks passed to JoinRoom and LeaveRoom run while the room is
// locked, so notifications they enqueue are ordered with the membership
// change that caused them. They must not call back into the RoomManager.
type RoomManager interface {
	CreateRoom(creator SessionID, password string) (domain.Room, error)
	JoinRoom(sid SessionID, id domain.RoomID, password string, onJoined func(existing []SessionID)) ([]SessionID, error)
	LeaveRoom(sid SessionID, onLeft func(LeaveResult)) (LeaveResult, bool)
	RoomOf(sid SessionID) (domain.RoomID, bool)
	Members(id domain.RoomID) ([]SessionID, bool)
	GetRoom(id domain.RoomID) (RoomInfo, bool)
}
