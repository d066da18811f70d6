package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherrag/internal/events"
	"gopherrag/internal/model"
	"gopherrag/internal/pkg/jwtutil"
	"gopherrag/internal/testutil"
	"gopherrag/internal/transport/ws"
)

const secret = "test-secret"

type recordingCanceller struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingCanceller) Cancel(userID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, userID+"/"+id)
	return true
}

func (r *recordingCanceller) cancelled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newServer(t *testing.T) (*httptest.Server, *events.Hub, *recordingCanceller) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	entities := testutil.NewEntities(t, db)
	require.NoError(t, entities.Workspaces.Create(context.Background(), &model.Workspace{
		ID: "w1", OwnerID: "u1", Name: "docs", RAGType: model.RAGTypeVector, Status: model.WorkspaceReady,
	}))

	hub := events.NewHub(testutil.Logger(), nil)
	canceller := &recordingCanceller{}
	router := gin.New()
	router.GET("/ws", ws.NewGateway(hub, entities, canceller, secret, testutil.Logger()).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub, canceller
}

func dial(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(url, nil)
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwtutil.GenerateToken(secret, time.Hour, userID, userID)
	require.NoError(t, err)
	return token
}

func TestGatewayRelaysUserAndWorkspaceRooms(t *testing.T) {
	srv, hub, _ := newServer(t)
	conn, _, err := dial(t, srv, "token="+tokenFor(t, "u1")+"&workspace_id=w1")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello ws.Hello
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "subscribed", hello.Type)
	assert.Equal(t, []string{events.UserRoom("u1"), events.WorkspaceRoom("w1")}, hello.Rooms)

	hub.Publish(context.Background(),
		events.New(events.TypeDocumentStatus, events.UserRoom("u2"), events.DocumentStatus{DocumentID: "other"}),
		events.New(events.TypeDocumentStatus, events.WorkspaceRoom("w1"), events.DocumentStatus{DocumentID: "d1", Status: "parsing"}),
	)

	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.TypeDocumentStatus, got.Type)
	payload, err := events.Decode[events.DocumentStatus](got)
	require.NoError(t, err)
	assert.Equal(t, "d1", payload.DocumentID)
}

func TestGatewayForwardsCancel(t *testing.T) {
	srv, _, canceller := newServer(t)
	conn, _, err := dial(t, srv, "token="+tokenFor(t, "u1"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var hello ws.Hello
	require.NoError(t, conn.ReadJSON(&hello))

	require.NoError(t, conn.WriteJSON(ws.ClientMessage{Action: "cancel", RequestID: "r1"}))
	assert.Eventually(t, func() bool {
		return len(canceller.cancelled()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"u1/r1"}, canceller.cancelled())
}

func TestGatewayRejectsBadToken(t *testing.T) {
	srv, _, _ := newServer(t)
	_, resp, err := dial(t, srv, "token=garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayRejectsForeignWorkspace(t *testing.T) {
	srv, _, _ := newServer(t)
	_, resp, err := dial(t, srv, "token="+tokenFor(t, "u2")+"&workspace_id=w1")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
