package session

import (
	"github.com/echograph/tavernbridge/internal/config"
	"github.com/echograph/tavernbridge/internal/model"
)

// RPC actions understood by the backend.
const (
	ActionSubmitCharacter     = "tavern.submit_character"
	ActionCurrentSession      = "tavern.current_session"
	ActionInitialize          = "initialize"
	ActionEnhancePrompt       = "enhance_prompt"
	ActionSyncConversation    = "sync_conversation"
	ActionProcessConversation = "process_conversation"
	ActionStats               = "sessions.stats"
)

// CharacterData is the full card submitted ahead of initialization.
type CharacterData struct {
	model.CharacterCard
	WorldInfo    string           `json:"world_info"`
	RawCharacter *model.Character `json:"raw_character,omitempty"`
	RawData      map[string]any   `json:"raw_data"`
}

// SubmitCharacterRequest is the tavern.submit_character payload.
type SubmitCharacterRequest struct {
	CharacterID   string        `json:"character_id"`
	CharacterName string        `json:"character_name"`
	CharacterData CharacterData `json:"character_data"`
	Timestamp     float64       `json:"timestamp"`
}

// CurrentSessionResponse answers tavern.current_session.
type CurrentSessionResponse struct {
	HasSession bool   `json:"has_session"`
	SessionID  string `json:"session_id"`
	GraphNodes int    `json:"graph_nodes"`
	GraphEdges int    `json:"graph_edges"`
}

// SessionConfig is forwarded verbatim to the backend on initialize.
type SessionConfig struct {
	SlidingWindow config.SlidingWindow `json:"sliding_window"`
}

// InitializeRequest is the initialize payload.
type InitializeRequest struct {
	SessionID     string              `json:"session_id"`
	CharacterCard model.CharacterCard `json:"character_card"`
	WorldInfo     string              `json:"world_info"`
	SessionConfig SessionConfig       `json:"session_config"`
	IsTest        bool                `json:"is_test"`
	EnableAgent   bool                `json:"enable_agent"`
}

// GraphStats summarizes what an initialize call created.
type GraphStats struct {
	NodesCreated int `json:"nodes_created"`
	EdgesCreated int `json:"edges_created"`
}

// InitializeResponse answers initialize.
type InitializeResponse struct {
	SessionID  string     `json:"session_id"`
	Message    string     `json:"message"`
	GraphStats GraphStats `json:"graph_stats"`
}

// StatsRequest is the sessions.stats payload.
type StatsRequest struct {
	SessionID string `json:"session_id"`
}

// Stats answers sessions.stats.
type Stats struct {
	SessionID         string `json:"session_id,omitempty"`
	GraphNodes        int    `json:"graph_nodes"`
	GraphEdges        int    `json:"graph_edges"`
	ConversationTurns int    `json:"conversation_turns"`
	HotMemorySize     int    `json:"hot_memory_size"`
	SlidingWindowSize int    `json:"sliding_window_size"`
	ProcessedTurns    int    `json:"processed_turns"`
}
