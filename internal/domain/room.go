package domain

import (
	"errors"
	"strings"
)

const (
	RoomIDLength = 5
	// RoomIDAlphabet is the uppercase alphanumeric set room ids are drawn from.
	RoomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrIDSpaceExhausted = errors.New("room id space exhausted")
)

type RoomID string

// NormalizeRoomID trims user input and upper-cases it to match generated ids.
func NormalizeRoomID(raw string) RoomID {
	return RoomID(strings.ToUpper(strings.TrimSpace(raw)))
}

type Room struct {
	ID       RoomID
	Password string
	Creator  UserID
}

func (r *Room) Protected() bool { return r.Password != "" }

// CheckPassword compares verbatim: case-sensitive, no normalization.
func (r *Room) CheckPassword(password string) bool {
	if !r.Protected() {
		return true
	}
	return r.Password == password
}
