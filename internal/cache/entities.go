package cache

import (
	"log/slog"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"gopherrag/internal/model"
)

// Schema versions of the cached payloads. Bump one whenever its model's JSON shape changes.
const (
	workspaceVersion = 1
	documentVersion  = 1
	sessionVersion   = 1
	messageVersion   = 1
	settingVersion   = 1
	appStateVersion  = 1
)

// Collection child types used in scope keys.
const (
	ChildWorkspaces = "workspaces"
	ChildDocuments  = "documents"
	ChildSessions   = "chat_sessions"
	ChildMessages   = "chat_messages"
)

type TTLs struct {
	AppState time.Duration
	Entity   time.Duration
	Message  time.Duration
	Config   time.Duration
}

type Stores struct {
	Workspaces Store[model.Workspace]
	Documents  Store[model.Document]
	Sessions   Store[model.ChatSession]
	Messages   Store[model.ChatMessage]
	Settings   Store[model.Setting]
	AppState   Store[model.AppState]
}

// Entities groups one coordinator per cached entity type.
type Entities struct {
	Workspaces *Coordinator[model.Workspace]
	Documents  *Coordinator[model.Document]
	Sessions   *Coordinator[model.ChatSession]
	Messages   *Coordinator[model.ChatMessage]
	Settings   *Coordinator[model.Setting]
	AppState   *Coordinator[model.AppState]
}

func NewEntities(client redisv9.Cmdable, stores Stores, ttls TTLs, prefix string, logger *slog.Logger, metrics *Metrics) *Entities {
	opts := Options{Prefix: prefix, Logger: logger, Metrics: metrics}
	return &Entities{
		Workspaces: New(client, stores.Workspaces, Spec[model.Workspace]{
			Kind:    "workspace",
			Version: workspaceVersion,
			TTL:     ttls.Entity,
			ID:      func(w *model.Workspace) string { return w.ID },
			Scopes: func(w *model.Workspace) []Scope {
				return []Scope{UserWorkspaces(w.OwnerID)}
			},
		}, opts),
		Documents: New(client, stores.Documents, Spec[model.Document]{
			Kind:    "document",
			Version: documentVersion,
			TTL:     ttls.Entity,
			ID:      func(d *model.Document) string { return d.ID },
			Scopes: func(d *model.Document) []Scope {
				return []Scope{WorkspaceDocuments(d.WorkspaceID)}
			},
		}, opts),
		Sessions: New(client, stores.Sessions, Spec[model.ChatSession]{
			Kind:    "chat_session",
			Version: sessionVersion,
			TTL:     ttls.Entity,
			ID:      func(s *model.ChatSession) string { return s.ID },
			Scopes: func(s *model.ChatSession) []Scope {
				scopes := []Scope{UserSessions(s.OwnerID)}
				if s.WorkspaceID != "" {
					scopes = append(scopes, WorkspaceSessions(s.WorkspaceID))
				}
				return scopes
			},
		}, opts),
		Messages: New(client, stores.Messages, Spec[model.ChatMessage]{
			Kind:    "chat_message",
			Version: messageVersion,
			TTL:     ttls.Message,
			ID:      func(m *model.ChatMessage) string { return m.ID },
			Scopes: func(m *model.ChatMessage) []Scope {
				return []Scope{SessionMessages(m.SessionID)}
			},
		}, opts),
		Settings: New(client, stores.Settings, Spec[model.Setting]{
			Kind:    "setting",
			Version: settingVersion,
			TTL:     ttls.Config,
			ID:      func(s *model.Setting) string { return s.Key },
		}, opts),
		AppState: New(client, stores.AppState, Spec[model.AppState]{
			Kind:    "app_state",
			Version: appStateVersion,
			TTL:     ttls.AppState,
			ID:      func(s *model.AppState) string { return s.Key },
		}, opts),
	}
}

func UserWorkspaces(userID string) Scope {
	return Scope{ParentType: "user", ParentID: userID, ChildType: ChildWorkspaces}
}

func WorkspaceDocuments(workspaceID string) Scope {
	return Scope{ParentType: "workspace", ParentID: workspaceID, ChildType: ChildDocuments}
}

func UserSessions(userID string) Scope {
	return Scope{ParentType: "user", ParentID: userID, ChildType: ChildSessions}
}

func WorkspaceSessions(workspaceID string) Scope {
	return Scope{ParentType: "workspace", ParentID: workspaceID, ChildType: ChildSessions}
}

func SessionMessages(sessionID string) Scope {
	return Scope{ParentType: "chat_session", ParentID: sessionID, ChildType: ChildMessages}
}
