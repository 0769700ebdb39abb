package orch

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/dkeye/callroom/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) ToggleMedia(sid core.SessionID, req core.ToggleMediaRequest) {
	id, ok := o.currentRoom(sid, req.RoomID)
	if !ok || !req.Type.Valid() {
		return
	}
	o.Registry.SetMedia(sid, req.Type, req.Enabled)
	o.toRoom(sid, id, core.EventUserToggleMedia, core.UserToggleMediaEvent{ID: sid, Type: req.Type, Enabled: req.Enabled})
}

func (o *Orchestrator) ScreenShare(sid core.SessionID, req core.RoomRequest, sharing bool) {
	id, ok := o.currentRoom(sid, req.RoomID)
	if !ok {
		return
	}
	o.Registry.SetScreenSharing(sid, sharing)
	o.toRoom(sid, id, core.EventUserScreenShare, core.UserScreenShareEvent{ID: sid, Sharing: sharing})
}

// Chat broadcasts a text message. Non-text, empty and rate-limited
// messages are dropped without telling the sender.
func (o *Orchestrator) Chat(sid core.SessionID, req core.ChatRequest) bool {
	id, ok := o.currentRoom(sid, req.RoomID)
	if !ok {
		return false
	}
	var text string
	if err := json.Unmarshal(req.Message, &text); err != nil || strings.TrimSpace(text) == "" {
		return false
	}
	if o.Chat != nil && !o.Chat.Allow(sid) {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Msg("chat rate limited")
		return false
	}
	text = truncateRunes(text, o.Limits.ChatMaxLen)

	o.toRoom(sid, id, core.EventChatMessage, core.ChatMessageEvent{
		ID:        uuid.NewString(),
		UserID:    sid,
		Name:      o.Registry.Name(sid),
		Message:   text,
		Timestamp: o.now().UnixMilli(),
	})
	return true
}

func (o *Orchestrator) Emoji(sid core.SessionID, req core.EmojiRequest) bool {
	id, ok := o.currentRoom(sid, req.RoomID)
	if !ok {
		return false
	}
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" || (o.Limits.EmojiMaxLen > 0 && utf8.RuneCountInString(emoji) > o.Limits.EmojiMaxLen) {
		return false
	}
	o.toRoom(sid, id, core.EventEmojiReaction, core.EmojiReactionEvent{UserID: sid, Name: o.Registry.Name(sid), Emoji: emoji})
	return true
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
