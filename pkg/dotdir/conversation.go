package dotdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	conversationFile = "conversation.json"
)

// Conversation is the chat history chatwire chat resumes from.
type Conversation struct {
	// Session is the upstream session id. The upstream assigns it on the
	// first reply and expects it back on every later request.
	Session string `json:"session,omitempty"`

	// Model the conversation was held with.
	Model string `json:"model,omitempty"`

	// Messages in chronological order (oldest first).
	Messages []ConversationMessage `json:"messages"`
}

// ConversationMessage is a single turn.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LoadConversation loads the conversation from a target .chatwire/conversation.json.
// Returns nil, nil if no conversation has been saved.
// If overrideDir is non-empty, it is used instead of the default ~/.chatwire/ location.
func (m *Manager) LoadConversation(overrideDir string) (*Conversation, error) {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, conversationFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading conversation: %w", err)
	}

	conv := &Conversation{}
	if err := json.Unmarshal(data, conv); err != nil {
		return nil, fmt.Errorf("parsing conversation: %w", err)
	}

	return conv, nil
}

// SaveConversation persists conv to a target .chatwire/conversation.json.
func (m *Manager) SaveConversation(conv *Conversation, overrideDir string) error {
	if conv == nil {
		return errors.New("cannot save nil conversation")
	}

	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling conversation: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, conversationFile), data, 0o600); err != nil {
		return fmt.Errorf("writing conversation: %w", err)
	}

	return nil
}

// ClearConversation removes the saved conversation so the next chat starts a
// new session. Returns nil if nothing was saved.
func (m *Manager) ClearConversation(overrideDir string) error {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(dir, conversationFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing conversation: %w", err)
	}

	return nil
}
