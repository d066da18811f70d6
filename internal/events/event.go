// Package events carries status changes from workers to live clients. Events are addressed to
// rooms and are never persisted.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeDocumentStatus  = "document.status.updated"
	TypeWorkspaceStatus = "workspace.status.updated"
	TypeChatChunk       = "chat.response_chunk"
	TypeChatComplete    = "chat.response_complete"
	TypeChatError       = "chat.error"
)

type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Origin  string          `json:"origin,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

type DocumentStatus struct {
	DocumentID  string  `json:"documentId"`
	OwnerID     string  `json:"ownerId"`
	WorkspaceID string  `json:"workspaceId"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Error       *string `json:"error,omitempty"`
	ChunkCount  *int    `json:"chunkCount,omitempty"`
}

type WorkspaceStatus struct {
	WorkspaceID string  `json:"workspaceId"`
	OwnerID     string  `json:"ownerId"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Error       *string `json:"error,omitempty"`
}

type ChatChunk struct {
	Chunk     string `json:"chunk"`
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId"`
}

type ChatComplete struct {
	FullResponse string `json:"fullResponse"`
	MessageID    string `json:"messageId"`
	RequestID    string `json:"requestId"`
}

type ChatError struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
}

func UserRoom(userID string) string {
	return "user:" + userID
}

func WorkspaceRoom(workspaceID string) string {
	return "workspace:" + workspaceID
}

// New builds an event of typ for room. Payload types in this package always marshal.
func New(typ, room string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return Event{
		ID:      ulid.Make().String(),
		Type:    typ,
		Room:    room,
		At:      time.Now().UTC(),
		Payload: raw,
	}
}

// Decode unmarshals the payload of e into T.
func Decode[T any](e Event) (T, error) {
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload failed: %w", e.Type, err)
	}
	return out, nil
}
