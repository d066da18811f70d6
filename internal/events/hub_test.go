package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherrag/internal/testutil"
)

func newTestHub() *Hub {
	return NewHub(testutil.Logger(), NewMetrics(prometheus.NewRegistry()))
}

func TestPublishReachesOnlyRoomSubscribers(t *testing.T) {
	hub := newTestHub()
	alice := hub.Subscribe(4, UserRoom("alice"))
	bob := hub.Subscribe(4, UserRoom("bob"))
	defer alice.Close()
	defer bob.Close()

	hub.Publish(context.Background(), New(TypeDocumentStatus, UserRoom("alice"), DocumentStatus{
		DocumentID: "d1",
		Status:     "parsing",
	}))

	require.Len(t, alice.C, 1)
	assert.Len(t, bob.C, 0)

	e := <-alice.C
	payload, err := Decode[DocumentStatus](e)
	require.NoError(t, err)
	assert.Equal(t, "d1", payload.DocumentID)
	assert.Equal(t, "parsing", payload.Status)
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(16, WorkspaceRoom("w1"))
	defer sub.Close()

	statuses := []string{"uploading", "uploaded", "parsing", "parsed"}
	for _, s := range statuses {
		hub.Publish(context.Background(), New(TypeDocumentStatus, WorkspaceRoom("w1"), DocumentStatus{Status: s}))
	}

	for _, want := range statuses {
		payload, err := Decode[DocumentStatus](<-sub.C)
		require.NoError(t, err)
		assert.Equal(t, want, payload.Status)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(1, UserRoom("u"))
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), New(TypeChatChunk, UserRoom("u"), ChatChunk{Chunk: "x"}))
	}
	assert.Len(t, sub.C, 1)
}

func TestCloseIsIdempotentAndDetaches(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(1, UserRoom("u"), WorkspaceRoom("w"))
	assert.Equal(t, 1, hub.Subscribers(UserRoom("u")))

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, hub.Subscribers(UserRoom("u")))
	assert.Equal(t, 0, hub.Subscribers(WorkspaceRoom("w")))
	_, open := <-sub.C
	assert.False(t, open)

	hub.Publish(context.Background(), New(TypeChatChunk, UserRoom("u"), ChatChunk{}))
}

func TestListenersSeeLocalPublishButNotBroadcast(t *testing.T) {
	hub := newTestHub()
	var calls atomic.Int32
	hub.AddListener(func(_ context.Context, e Event) {
		if e.Type == TypeDocumentStatus {
			calls.Add(1)
		}
	})

	hub.Publish(context.Background(), New(TypeDocumentStatus, UserRoom("u"), DocumentStatus{}))
	hub.Broadcast(New(TypeDocumentStatus, UserRoom("u"), DocumentStatus{}))

	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumerSkipsOwnOrigin(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(4, UserRoom("u"))
	defer sub.Close()
	c := &Consumer{origin: "me", hub: hub, logger: testutil.Logger()}

	own := New(TypeChatChunk, UserRoom("u"), ChatChunk{Chunk: "mine"})
	own.Origin = "me"
	remote := New(TypeChatChunk, UserRoom("u"), ChatChunk{Chunk: "theirs"})
	remote.Origin = "other"

	c.handle(mustJSON(t, own))
	c.handle(mustJSON(t, remote))
	c.handle([]byte("not json"))

	require.Len(t, sub.C, 1)
	payload, err := Decode[ChatChunk](<-sub.C)
	require.NoError(t, err)
	assert.Equal(t, "theirs", payload.Chunk)
}
