package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message roles understood by the chat-completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one {role, content} pair of a conversation.
// The JSON shape matches what the chat-completion API and the browser both use.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is an ordered sequence of messages, oldest first.
type History []Message

// Append returns h with a new message added at the end.
func (h History) Append(role, content string) History {
	return append(h, Message{Role: role, Content: content})
}

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Tail returns the last n messages. n <= 0 means "everything".
func (h History) Tail(n int) History {
	if n <= 0 || len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// JSON encodes the history as a JSON array. A nil history encodes as "[]"
// so what we store and what we put in redirect URLs is always a valid array.
func (h History) JSON() string {
	if h == nil {
		h = History{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		// Marshalling a slice of string pairs cannot fail.
		return "[]"
	}
	return string(b)
}

// ParseHistory decodes a JSON array of {role, content} objects.
//
// An empty (or whitespace-only) input yields an empty history. Anything that
// is not a JSON array of messages is an error; callers decide whether that is
// a validation failure or something to ignore.
func ParseHistory(raw string) (History, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return History{}, nil
	}

	var h History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("model: parsing history: %w", err)
	}
	if h == nil {
		// "null" decodes to a nil slice
		h = History{}
	}
	return h, nil
}

// ConversationStore is the per-user partition that holds ConversationRecords.
//
// Records used to live in one physical table per user. They now share a
// single table keyed by user_id, and the store row keeps the deterministic
// per-user namespace so "does this user's store exist?" still has an answer.
type ConversationStore struct {
	Name      string    `json:"name"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationRecord is one persisted chat turn with its full history snapshot.
// Records are append-only: created on every successful turn, never changed.
type ConversationRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	StoreName string    `json:"store"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	History   History   `json:"history"`
	CreatedAt time.Time `json:"createdAt"`
}

// StoreName derives the deterministic store namespace for an email address:
// '@' and '.' become '_' and "_data" is appended.
//
//	StoreName("a@x.com") == "a_x_com_data"
func StoreName(email string) string {
	r := strings.NewReplacer("@", "_", ".", "_")
	return r.Replace(email) + "_data"
}
