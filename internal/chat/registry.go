package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamCancelled is the cancellation cause of a token signalled through the registry.
var ErrStreamCancelled = errors.New("stream cancelled by request")

type token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	owner  string
}

// Registry maps request ids to the cancellation tokens of in-flight streams.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]token)}
}

// GetOrCreate returns the token of requestID, deriving a new one from parent when absent.
// The first caller's ownerID is the only user allowed to signal the token.
func (r *Registry) GetOrCreate(parent context.Context, requestID, ownerID string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[requestID]; ok {
		return t.ctx
	}
	ctx, cancel := context.WithCancelCause(parent)
	r.tokens[requestID] = token{ctx: ctx, cancel: cancel, owner: ownerID}
	return ctx
}

// Signal cancels the token of requestID on behalf of ownerID. It reports whether a token
// owned by ownerID was registered.
func (r *Registry) Signal(requestID, ownerID string) bool {
	r.mu.Lock()
	t, ok := r.tokens[requestID]
	r.mu.Unlock()
	if !ok || t.owner != ownerID {
		return false
	}
	t.cancel(ErrStreamCancelled)
	return true
}

// Release forgets requestID and frees its token. Releasing an unknown id is a no-op.
func (r *Registry) Release(requestID string) {
	r.mu.Lock()
	t, ok := r.tokens[requestID]
	delete(r.tokens, requestID)
	r.mu.Unlock()
	if ok {
		t.cancel(context.Canceled)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Cancelled reports whether ctx was stopped by a signal or by its parent.
func Cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
