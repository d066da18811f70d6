// Package ws streams event bus rooms to websocket clients.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gopherrag/internal/cache"
	"gopherrag/internal/events"
	"gopherrag/internal/pkg/jwtutil"
	"gopherrag/internal/transport/http/response"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	readLimit    = 4096
)

// Canceller stops in-flight chat requests.
type Canceller interface {
	Cancel(userID, requestID string) bool
}

// ClientMessage is what a client may send. The only action is "cancel".
type ClientMessage struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
}

// Hello is the first frame of every connection, sent once the subscription is live.
type Hello struct {
	Type  string   `json:"type"`
	Rooms []string `json:"rooms"`
}

type Gateway struct {
	hub       *events.Hub
	entities  *cache.Entities
	canceller Canceller
	secret    string
	buffer    int
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewGateway(hub *events.Hub, entities *cache.Entities, canceller Canceller, secret string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		hub:       hub,
		entities:  entities,
		canceller: canceller,
		secret:    secret,
		buffer:    64,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "ws"),
	}
}

// Handle upgrades the request and relays the caller's user room plus every workspace_id query
// parameter the caller owns. The token comes from the token query parameter or a bearer header.
func (g *Gateway) Handle(c *gin.Context) {
	claims, err := jwtutil.ParseToken(g.secret, token(c))
	if err != nil {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
		return
	}

	rooms := []string{events.UserRoom(claims.UserID)}
	for _, id := range c.QueryArray("workspace_id") {
		ws, err := g.entities.Workspaces.Get(c.Request.Context(), id)
		if errors.Is(err, cache.ErrNotFound) || (err == nil && ws.OwnerID != claims.UserID) {
			response.Error(c, http.StatusNotFound, response.CodeWorkspaceNotFound, "workspace not found")
			return
		}
		if err != nil {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "load workspace failed")
			return
		}
		rooms = append(rooms, events.WorkspaceRoom(ws.ID))
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := g.hub.Subscribe(g.buffer, rooms...)
	defer sub.Close()

	logger := g.logger.With("user_id", claims.UserID)
	logger.Info("websocket client connected", "rooms", rooms)

	done := make(chan struct{})
	go g.read(conn, claims.UserID, done, logger)

	if err := g.write(conn, Hello{Type: "subscribed", Rooms: rooms}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			logger.Info("websocket client disconnected")
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := g.write(conn, e); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read consumes client frames until the connection fails. It never writes.
func (g *Gateway) read(conn *websocket.Conn, userID string, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "cancel":
			if g.canceller != nil && msg.RequestID != "" {
				logger.Debug("cancel requested", "request_id", msg.RequestID, "found", g.canceller.Cancel(userID, msg.RequestID))
			}
		default:
			logger.Debug("unknown client action", "action", msg.Action)
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func token(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	return strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
}
