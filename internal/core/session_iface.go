package core

import "github.com/dkeye/callroom/internal/domain"

// SessionID identifies one live signaling connection.
type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what the directory stores and the relay fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}
