// Package host abstracts the chat host the bridge serves: which character is
// active, what the chat log holds, and the world-info text to seed with.
package host

import (
	"context"
	"sync"

	"github.com/echograph/tavernbridge/internal/model"
)

// Context is the read-only view of the chat host.
type Context interface {
	// ActiveCharacter returns the selected character, or false when none is.
	ActiveCharacter() (*model.Character, bool)
	// Chat returns the current chat log, oldest first.
	Chat() []model.ChatMessage
	// WorldInfo returns the world-info text for the active character.
	WorldInfo(ctx context.Context) string
}

// MemoryContext is a Context whose state is pushed in by the host.
type MemoryContext struct {
	mu        sync.RWMutex
	character *model.Character
	chat      []model.ChatMessage
	worldInfo string
}

// NewMemoryContext returns an empty MemoryContext.
func NewMemoryContext() *MemoryContext {
	return &MemoryContext{}
}

// SetCharacter selects c. A nil c clears the selection.
func (m *MemoryContext) SetCharacter(c *model.Character) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.character = c
}

// SetChat replaces the chat log.
func (m *MemoryContext) SetChat(chat []model.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = append([]model.ChatMessage(nil), chat...)
}

// AppendMessage adds one message to the end of the chat log.
func (m *MemoryContext) AppendMessage(msg model.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = append(m.chat, msg)
}

// SetWorldInfo sets the world-info text.
func (m *MemoryContext) SetWorldInfo(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worldInfo = text
}

func (m *MemoryContext) ActiveCharacter() (*model.Character, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.character == nil || m.character.ID == "" {
		return nil, false
	}
	c := *m.character
	return &c, true
}

func (m *MemoryContext) Chat() []model.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ChatMessage(nil), m.chat...)
}

func (m *MemoryContext) WorldInfo(context.Context) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.worldInfo != "" {
		return m.worldInfo
	}
	if m.character != nil {
		return worldInfoFromCard(m.character)
	}
	return ""
}

// worldInfoFromCard reads a world_info string embedded in the card data.
func worldInfoFromCard(c *model.Character) string {
	if v, ok := c.Data["world_info"].(string); ok {
		return v
	}
	return ""
}
