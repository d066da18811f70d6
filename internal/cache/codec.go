package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errStaleEntry = errors.New("cache entry schema mismatch")

// envelope is the only format written to redis. Readers reject anything whose version or
// type does not match exactly, so an old deployment's entries read as misses.
type envelope struct {
	Version int             `json:"v"`
	Type    string          `json:"t"`
	Data    json.RawMessage `json:"d"`
}

type codec[T any] struct {
	kind    string
	version int
}

func (c codec[T]) listType() string {
	return c.kind + "[]"
}

func (c codec[T]) encode(entity *T) ([]byte, error) {
	return c.wrap(c.kind, entity)
}

func (c codec[T]) encodeIDs(ids []string) ([]byte, error) {
	return c.wrap(c.listType(), ids)
}

func (c codec[T]) wrap(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s failed: %w", typ, err)
	}
	return json.Marshal(envelope{Version: c.version, Type: typ, Data: data})
}

func (c codec[T]) decodeEntity(raw []byte) (*T, error) {
	var entity T
	if err := c.unwrap(raw, c.kind, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

func (c codec[T]) decodeIDs(raw []byte) ([]string, error) {
	var ids []string
	if err := c.unwrap(raw, c.listType(), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c codec[T]) unwrap(raw []byte, typ string, out any) error {
	var env envelope
	if err := strictDecode(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", errStaleEntry, err)
	}
	if env.Version != c.version || env.Type != typ || len(env.Data) == 0 {
		return fmt.Errorf("%w: got v%d %q, want v%d %q", errStaleEntry, env.Version, env.Type, c.version, typ)
	}
	if err := strictDecode(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", errStaleEntry, err)
	}
	return nil
}

func strictDecode(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
