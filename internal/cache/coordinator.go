package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when the relational store has no row for the requested id.
var ErrNotFound = errors.New("entity not found")

// generationTTL bounds how long an invalidation counter survives. It only needs to outlive
// a single read-through fill.
const generationTTL = time.Hour

// fillScript writes a value only if no invalidation happened since the reader sampled the
// generation counter, so a slow reader cannot resurrect a pre-mutation value.
var fillScript = redisv9.NewScript(`
local gen = redis.call('GET', KEYS[2])
if gen == false then gen = '0' end
if gen == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// Store is the relational side of one entity type. FindByID returns (nil, nil) when the
// row does not exist.
type Store[T any] interface {
	FindByID(ctx context.Context, id string) (*T, error)
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
	ListIDs(ctx context.Context, parentType, parentID string) ([]string, error)
	DeleteByParent(ctx context.Context, parentType, parentID string) error
}

// Scope names a parent-scoped collection, rendered as {parentType}:{parentId}:{childType}.
type Scope struct {
	ParentType string
	ParentID   string
	ChildType  string
}

func (s Scope) String() string {
	return s.ParentType + ":" + s.ParentID + ":" + s.ChildType
}

// Spec describes how one entity type is keyed, versioned and expired.
type Spec[T any] struct {
	Kind    string
	Version int
	TTL     time.Duration
	ListTTL time.Duration
	ID      func(*T) string
	// Scopes lists every collection the entity is a member of.
	Scopes func(*T) []Scope
}

type Options struct {
	Prefix  string
	Logger  *slog.Logger
	Metrics *Metrics
}

// Coordinator is a read-through, write-invalidate cache for one entity type. Store
// mutations always happen first; cache failures never reach the caller.
type Coordinator[T any] struct {
	client  redisv9.Cmdable
	store   Store[T]
	spec    Spec[T]
	prefix  string
	codec   codec[T]
	flight  singleflight.Group
	logger  *slog.Logger
	metrics *Metrics
}

func New[T any](client redisv9.Cmdable, store Store[T], spec Spec[T], opts Options) *Coordinator[T] {
	if spec.TTL <= 0 {
		spec.TTL = 5 * time.Minute
	}
	if spec.ListTTL <= 0 {
		spec.ListTTL = spec.TTL
	}
	if spec.Scopes == nil {
		spec.Scopes = func(*T) []Scope { return nil }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator[T]{
		client:  client,
		store:   store,
		spec:    spec,
		prefix:  opts.Prefix,
		codec:   codec[T]{kind: spec.Kind, version: spec.Version},
		logger:  logger.With("component", "cache", "kind", spec.Kind),
		metrics: opts.Metrics,
	}
}

// Get returns the entity from cache, falling back to the store on miss, decode failure or
// schema mismatch. Concurrent misses for the same id share one store read.
func (c *Coordinator[T]) Get(ctx context.Context, id string) (*T, error) {
	key := c.EntityKey(id)
	if raw, ok := c.read(ctx, key); ok {
		entity, err := c.codec.decodeEntity(raw)
		if err == nil {
			c.metrics.observe(c.spec.Kind, resultHit)
			return entity, nil
		}
		c.metrics.observe(c.spec.Kind, resultStale)
		c.logger.Debug("cached entity rejected", "key", key, "error", err)
	} else {
		c.metrics.observe(c.spec.Kind, resultMiss)
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		gen := c.generation(ctx, key)
		entity, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			return nil, ErrNotFound
		}
		if raw, err := c.codec.encode(entity); err == nil {
			c.fill(ctx, key, gen, raw, c.spec.TTL)
		}
		return entity, nil
	})
	if err != nil {
		return nil, err
	}
	entity := *(v.(*T))
	return &entity, nil
}

// List returns the members of scope in store order. The cached value holds ids only; if
// any member is absent from the cache the collection is dropped and re-read from the store.
func (c *Coordinator[T]) List(ctx context.Context, scope Scope) ([]T, error) {
	key := c.ScopeKey(scope)
	if raw, ok := c.read(ctx, key); ok {
		ids, err := c.codec.decodeIDs(raw)
		if err == nil {
			if members, complete := c.cachedMembers(ctx, ids); complete {
				c.metrics.observe(c.spec.Kind+"[]", resultHit)
				return members, nil
			}
			c.metrics.observe(c.spec.Kind+"[]", resultPartial)
		} else {
			c.metrics.observe(c.spec.Kind+"[]", resultStale)
		}
		c.invalidate(ctx, key)
	} else {
		c.metrics.observe(c.spec.Kind+"[]", resultMiss)
	}

	gen := c.generation(ctx, key)
	ids, err := c.store.ListIDs(ctx, scope.ParentType, scope.ParentID)
	if err != nil {
		return nil, err
	}
	members := make([]T, 0, len(ids))
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		entity, err := c.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		members = append(members, *entity)
		present = append(present, id)
	}
	if raw, err := c.codec.encodeIDs(present); err == nil {
		c.fill(ctx, key, gen, raw, c.spec.ListTTL)
	}
	return members, nil
}

// Create inserts the entity, then invalidates its key and every collection it joins.
func (c *Coordinator[T]) Create(ctx context.Context, entity *T) error {
	if err := c.store.Create(ctx, entity); err != nil {
		return err
	}
	c.invalidate(ctx, c.keysFor(entity)...)
	return nil
}

// Update applies fields in the store and invalidates (never refreshes) the cached entity and
// its collections before returning.
func (c *Coordinator[T]) Update(ctx context.Context, id string, fields map[string]any) error {
	current, err := c.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		c.invalidate(ctx, c.EntityKey(id))
		return fmt.Errorf("update %s %s: %w", c.spec.Kind, id, ErrNotFound)
	}
	if err := c.store.Update(ctx, id, fields); err != nil {
		return err
	}
	c.invalidate(ctx, c.keysFor(current)...)
	return nil
}

// Delete removes the row and its cache entries. Deleting a missing id is not an error.
func (c *Coordinator[T]) Delete(ctx context.Context, id string) error {
	current, err := c.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		c.invalidate(ctx, c.EntityKey(id))
		return nil
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, c.keysFor(current)...)
	return nil
}

// DeleteScope removes every member of scope in one store statement and drops the member
// keys together with the collection key. Members' other collections are left to expire.
func (c *Coordinator[T]) DeleteScope(ctx context.Context, scope Scope) error {
	ids, err := c.store.ListIDs(ctx, scope.ParentType, scope.ParentID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteByParent(ctx, scope.ParentType, scope.ParentID); err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, c.EntityKey(id))
	}
	keys = append(keys, c.ScopeKey(scope))
	c.invalidate(ctx, keys...)
	return nil
}

func (c *Coordinator[T]) EntityKey(id string) string {
	return c.key(c.spec.Kind + ":" + id)
}

func (c *Coordinator[T]) ScopeKey(scope Scope) string {
	return c.key(scope.String())
}

func (c *Coordinator[T]) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *Coordinator[T]) keysFor(entity *T) []string {
	scopes := c.spec.Scopes(entity)
	keys := make([]string, 0, len(scopes)+1)
	keys = append(keys, c.EntityKey(c.spec.ID(entity)))
	for _, s := range scopes {
		keys = append(keys, c.ScopeKey(s))
	}
	return keys
}

func (c *Coordinator[T]) cachedMembers(ctx context.Context, ids []string) ([]T, bool) {
	if len(ids) == 0 {
		return []T{}, true
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.EntityKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("cache mget failed", "error", err)
		return nil, false
	}
	members := make([]T, 0, len(ids))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, false
		}
		entity, err := c.codec.decodeEntity([]byte(raw))
		if err != nil {
			return nil, false
		}
		members = append(members, *entity)
	}
	return members, true
}

func (c *Coordinator[T]) read(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redisv9.Nil {
		return nil, false
	}
	if err != nil {
		c.metrics.observe(c.spec.Kind, resultError)
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, false
	}
	return raw, true
}

// generation samples the invalidation counter of key. An empty string means the cache is
// unavailable and the caller should skip the fill.
func (c *Coordinator[T]) generation(ctx context.Context, key string) string {
	gen, err := c.client.Get(ctx, genKey(key)).Result()
	if err == redisv9.Nil {
		return "0"
	}
	if err != nil {
		return ""
	}
	return gen
}

func (c *Coordinator[T]) fill(ctx context.Context, key, gen string, raw []byte, ttl time.Duration) {
	if gen == "" {
		return
	}
	err := fillScript.Run(ctx, c.client, []string{key, genKey(key)}, gen, raw, ttl.Milliseconds()).Err()
	if err != nil && err != redisv9.Nil {
		c.logger.Warn("cache fill failed", "key", key, "error", err)
	}
}

// invalidate drops keys and bumps their generations. Errors are logged and swallowed. It
// runs detached from ctx cancellation because the store write it follows has already
// committed.
func (c *Coordinator[T]) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		c.flight.Forget(key)
	}
	_, err := c.client.Pipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Del(ctx, keys...)
		for _, key := range keys {
			pipe.Incr(ctx, genKey(key))
			pipe.Expire(ctx, genKey(key), generationTTL)
		}
		return nil
	})
	if err != nil {
		c.metrics.observe(c.spec.Kind, resultError)
		c.logger.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

func genKey(key string) string {
	return key + "#gen"
}
