package router

import "github.com/echograph/tavernbridge/internal/model"

// ProcessConversationRequest feeds one finished turn into the sliding window.
type ProcessConversationRequest struct {
	SessionID       string `json:"session_id"`
	UserInput       string `json:"user_input"`
	LLMResponse     string `json:"llm_response"`
	Timestamp       string `json:"timestamp"`
	ChatID          int    `json:"chat_id"`
	TavernMessageID string `json:"tavern_message_id"`
}

// ProcessConversationResult answers process_conversation.
type ProcessConversationResult struct {
	TurnProcessed     bool `json:"turn_processed"`
	TurnSequence      int  `json:"turn_sequence"`
	TargetProcessed   bool `json:"target_processed"`
	WindowSize        int  `json:"window_size"`
	NodesUpdated      int  `json:"nodes_updated"`
	EdgesAdded        int  `json:"edges_added"`
	ConflictsResolved int  `json:"conflicts_resolved"`
}

// HistoryEntry is one chat message as the conflict resolver sees it.
type HistoryEntry struct {
	Sequence    int    `json:"sequence"`
	MessageID   any    `json:"message_id"`
	UserInput   string `json:"user_input"`
	LLMResponse string `json:"llm_response"`
	Timestamp   string `json:"timestamp"`
	IsUser      bool   `json:"is_user"`
	ContentHash string `json:"content_hash"`
}

// SyncConversationRequest carries the host's full chat log.
type SyncConversationRequest struct {
	SessionID     string         `json:"session_id"`
	TavernHistory []HistoryEntry `json:"tavern_history"`
}

// SyncConversationResult answers sync_conversation.
type SyncConversationResult struct {
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

// EnhancePromptRequest asks for graph context relevant to the user's input.
type EnhancePromptRequest struct {
	SessionID        string                `json:"session_id"`
	UserInput        string                `json:"user_input"`
	RecentHistory    []model.PromptMessage `json:"recent_history"`
	MaxContextLength int                   `json:"max_context_length"`
}

// EnhancePromptResult answers enhance_prompt.
type EnhancePromptResult struct {
	EnhancedContext string `json:"enhanced_context"`
}

// Push event bodies.
type initializationComplete struct {
	Stats struct {
		NodesAdded int `json:"nodes_added"`
	} `json:"stats"`
}

type graphUpdated struct {
	TotalNodes int `json:"total_nodes"`
}

type reinitializationComplete struct {
	CharacterName string `json:"character_name"`
}

type reinitializationFailed struct {
	Error string `json:"error"`
}
