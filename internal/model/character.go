package model

import "strings"

const unknownCharacterName = "Unknown Character"

// Character is the host's active character card. ID is the host's identifier
// rendered as a string; "0" is a valid id, "" means no character is selected.
type Character struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Personality string         `json:"personality,omitempty" yaml:"personality,omitempty"`
	Scenario    string         `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	FirstMes    string         `json:"first_mes,omitempty" yaml:"first_mes,omitempty"`
	MesExample  string         `json:"mes_example,omitempty" yaml:"mes_example,omitempty"`
	Avatar      string         `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Data        map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// HasData reports whether the card carries anything the backend can seed from.
func (c *Character) HasData() bool {
	if c == nil {
		return false
	}
	return strings.TrimSpace(c.Name) != "" || len(c.Data) > 0
}

// CharacterCard is the normalized card sent to the backend.
type CharacterCard struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Personality string `json:"personality"`
	Scenario    string `json:"scenario"`
	FirstMes    string `json:"first_mes"`
	MesExample  string `json:"mes_example"`
	Avatar      string `json:"avatar"`
}

// Card flattens the character, falling back to the nested data block for
// fields the top level leaves empty.
func (c *Character) Card() CharacterCard {
	name := c.Name
	if name == "" {
		name = unknownCharacterName
	}
	return CharacterCard{
		Name:        name,
		Description: c.field(c.Description, "description"),
		Personality: c.field(c.Personality, "personality"),
		Scenario:    c.field(c.Scenario, "scenario"),
		FirstMes:    c.field(c.FirstMes, "first_mes"),
		MesExample:  c.field(c.MesExample, "mes_example"),
		Avatar:      c.Avatar,
	}
}

func (c *Character) field(top, key string) string {
	if top != "" {
		return top
	}
	if v, ok := c.Data[key].(string); ok {
		return v
	}
	return ""
}

// ChatMessage is one entry of the host's chat log.
type ChatMessage struct {
	ID        string `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	IsUser    bool   `json:"is_user" yaml:"is_user"`
	Content   string `json:"mes" yaml:"mes"`
	Timestamp string `json:"send_date,omitempty" yaml:"send_date,omitempty"`
}

// PromptMessage is one entry of an outbound chat-completion prompt.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptPayload is the outbound prompt the host is about to send. Handlers may
// rewrite Chat in place.
type PromptPayload struct {
	DryRun bool            `json:"dryRun"`
	Chat   []PromptMessage `json:"chat"`
}
