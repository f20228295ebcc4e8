package model

import "time"

// Session is the one logical conversation context bound to a character.
// An empty CharacterID means there is no session.
type Session struct {
	ID            string `json:"sessionId"`
	CharacterID   string `json:"characterId,omitempty"`
	CharacterName string `json:"characterName,omitempty"`
}

// Active reports whether the session is bound to a character and has an id.
func (s Session) Active() bool {
	return s.ID != "" && s.CharacterID != ""
}

// SessionSource records how a session id was obtained.
type SessionSource string

const (
	SessionSourceExisting    SessionSource = "existing"
	SessionSourceInitialized SessionSource = "initialized"
)

// SessionBinding is the persisted record of a session adopted for a character.
type SessionBinding struct {
	SessionID     string        `json:"sessionId"`
	CharacterID   string        `json:"characterId"`
	CharacterName string        `json:"characterName"`
	Source        SessionSource `json:"source"`
	GraphNodes    int           `json:"graphNodes"`
	GraphEdges    int           `json:"graphEdges"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ActivityLevel classifies an activity feed entry.
type ActivityLevel string

const (
	ActivityInfo    ActivityLevel = "info"
	ActivitySuccess ActivityLevel = "success"
	ActivityWarning ActivityLevel = "warning"
	ActivityError   ActivityLevel = "error"
)

// ActivityEntry is one user-visible notification.
type ActivityEntry struct {
	ID        int64         `json:"id,omitempty"`
	Level     ActivityLevel `json:"level"`
	Message   string        `json:"message"`
	SessionID string        `json:"sessionId,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}
