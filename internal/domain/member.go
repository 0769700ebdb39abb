package domain

// MediaKind names a toggleable local media source.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// MediaState is the last-known media state a participant announced.
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User          *User
	Media         MediaState
	ScreenSharing bool
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
// Media starts enabled, matching a client that joined with camera and mic on.
func NewMember(user *User) *Member {
	return &Member{
		User:  user,
		Media: MediaState{AudioEnabled: true, VideoEnabled: true},
	}
}

func (m *Member) SetMedia(kind MediaKind, enabled bool) {
	switch kind {
	case MediaAudio:
		m.Media.AudioEnabled = enabled
	case MediaVideo:
		m.Media.VideoEnabled = enabled
	}
}
