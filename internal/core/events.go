package core

import (
	"encoding/json"

	"github.com/dkeye/callroom/internal/domain"
)

// Client -> server events.
const (
	EventCreateRoom         = "create-room"
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventReady              = "ready"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventICECandidate       = "ice-candidate"
	EventICECandidates      = "ice-candidates"
	EventToggleMedia        = "toggle-media"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventChatMessage        = "chat-message"
	EventEmojiReaction      = "emoji-reaction"
	EventPing               = "ping"
	EventWhoAmI             = "whoami"
)

// Server -> client events. Offer, answer, candidates, chat-message and
// emoji-reaction reuse the client event names.
const (
	EventWelcome         = "welcome"
	EventPong            = "pong"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventRoomClosed      = "room-closed"
	EventUserToggleMedia = "user-toggle-media"
	EventUserScreenShare = "user-screen-share"
	EventError           = "error"
)

// Ack error strings.
const (
	ErrTextRoomNotFound    = "Room not found"
	ErrTextInvalidPassword = "Incorrect password"
	ErrTextAlreadyInRoom   = "Already in a room"
	ErrTextInvalidPayload  = "Invalid payload"
	ErrTextInternal        = "Internal error"
)

const ReasonCreatorLeft = "Creator left the room"

// Envelope is the frame every event travels in. Ref is only set on
// requests that expect an ack and on the ack itself.
type Envelope struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event, ref string, data any) (Frame, error) {
	env := Envelope{Type: event, Ref: ref}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

type CreateRoomRequest struct {
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type CreateRoomAck struct {
	OK     bool          `json:"ok"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type JoinRoomRequest struct {
	RoomID      string `json:"roomId" validate:"required"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type JoinRoomAck struct {
	OK           bool          `json:"ok"`
	RoomID       domain.RoomID `json:"roomId,omitempty"`
	Participants []Participant `json:"participants"`
	Error        string        `json:"error,omitempty"`
}

// Participant is a directory entry as seen by other members.
type Participant struct {
	ID            SessionID `json:"id"`
	Name          string    `json:"name"`
	AudioEnabled  bool      `json:"audioEnabled"`
	VideoEnabled  bool      `json:"videoEnabled"`
	ScreenSharing bool      `json:"screenSharing"`
}

// RoomRequest carries the room a broadcast-style event targets.
type RoomRequest struct {
	RoomID domain.RoomID `json:"roomId,omitempty"`
}

// DirectedRequest is an offer, answer or candidate addressed to one
// connection. Payload fields are opaque to the server.
type DirectedRequest struct {
	To         SessionID         `json:"to" validate:"required"`
	Offer      json.RawMessage   `json:"offer,omitempty"`
	Answer     json.RawMessage   `json:"answer,omitempty"`
	Candidate  json.RawMessage   `json:"candidate,omitempty"`
	Candidates []json.RawMessage `json:"candidates,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type CandidatesRequest struct {
	To         SessionID         `json:"to" validate:"required"`
	Candidates []json.RawMessage `json:"candidates" validate:"required,min=1"`
}

// DirectedEvent is a DirectedRequest as delivered to its target.
type DirectedEvent struct {
	From       SessionID         `json:"from"`
	Offer      json.RawMessage   `json:"offer,omitempty"`
	Answer     json.RawMessage   `json:"answer,omitempty"`
	Candidate  json.RawMessage   `json:"candidate,omitempty"`
	Candidates []json.RawMessage `json:"candidates,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type ToggleMediaRequest struct {
	RoomID  domain.RoomID    `json:"roomId,omitempty"`
	Type    domain.MediaKind `json:"type" validate:"required,oneof=audio video"`
	Enabled bool             `json:"enabled"`
}

type ChatRequest struct {
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Message json.RawMessage `json:"message"`
}

type EmojiRequest struct {
	RoomID domain.RoomID `json:"roomId,omitempty"`
	Emoji  string        `json:"emoji" validate:"required"`
}

type WelcomeEvent struct {
	ID   SessionID `json:"id"`
	Name string    `json:"name"`
}

type WhoAmIEvent struct {
	ID     SessionID     `json:"id"`
	Name   string        `json:"name"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
}

type UserJoinedEvent struct {
	ID   SessionID `json:"id"`
	Name string    `json:"name"`
}

type UserLeftEvent struct {
	ID SessionID `json:"id"`
}

type RoomClosedEvent struct {
	Reason string `json:"reason"`
}

type UserToggleMediaEvent struct {
	ID      SessionID        `json:"id"`
	Type    domain.MediaKind `json:"type"`
	Enabled bool             `json:"enabled"`
}

type UserScreenShareEvent struct {
	ID      SessionID `json:"id"`
	Sharing bool      `json:"sharing"`
}

type ChatMessageEvent struct {
	ID        string    `json:"id"`
	UserID    SessionID `json:"userId"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

type EmojiReactionEvent struct {
	UserID SessionID `json:"userId"`
	Name   string    `json:"name"`
	Emoji  string    `json:"emoji"`
}

type ErrorEvent struct {
	Error string `json:"error"`
}
