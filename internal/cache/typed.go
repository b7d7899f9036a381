package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Codec converts between typed values and stored payloads.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// TypedResult is Result with a decoded value.
type TypedResult[T any] struct {
	Key        string
	Data       T
	Found      bool
	IsStale    bool
	IsFetching bool
	Err        error
	Timestamp  time.Time
}

// Loading reports the cold-start case.
func (r TypedResult[T]) Loading() bool {
	return !r.Found && r.IsFetching
}

// Typed wraps a Namespace with a codec so callers work with T instead of bytes.
type Typed[T any] struct {
	ns    *Namespace
	codec Codec[T]
}

// NewTyped creates a typed view of ns. A nil codec uses JSON.
func NewTyped[T any](ns *Namespace, codec Codec[T]) *Typed[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &Typed[T]{ns: ns, codec: codec}
}

// Namespace returns the underlying namespace.
func (t *Typed[T]) Namespace() *Namespace {
	return t.ns
}

// Get is Namespace.Get for typed values.
func (t *Typed[T]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) TypedResult[T] {
	return t.decode(t.ns.Get(ctx, key, t.wrap(fetch)))
}

// Load is Namespace.Load for typed values.
func (t *Typed[T]) Load(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) TypedResult[T] {
	return t.decode(t.ns.Load(ctx, key, t.wrap(fetch)))
}

// Refresh is Namespace.Refresh for typed values.
func (t *Typed[T]) Refresh(ctx context.Context, key string) TypedResult[T] {
	return t.decode(t.ns.Refresh(ctx, key))
}

// Invalidate is Namespace.Invalidate.
func (t *Typed[T]) Invalidate(ctx context.Context, key string) error {
	return t.ns.Invalidate(ctx, key)
}

// Patch applies mutate to the decoded current value. found is false when
// nothing is cached; current is then the zero value.
func (t *Typed[T]) Patch(ctx context.Context, key string, mutate func(current T, found bool) (T, error)) TypedResult[T] {
	return t.decode(t.ns.Patch(ctx, key, func(payload []byte, found bool) ([]byte, error) {
		var current T
		if found {
			v, err := t.codec.Decode(payload)
			if err != nil {
				return nil, corrupt(key, err)
			}
			current = v
		}
		next, err := mutate(current, found)
		if err != nil {
			return nil, err
		}
		return t.codec.Encode(next)
	}))
}

// Subscribe registers fn for decoded results on key.
func (t *Typed[T]) Subscribe(key string, fn func(TypedResult[T])) (unsubscribe func()) {
	return t.ns.Subscribe(key, func(res types.Result) {
		fn(t.decode(res))
	})
}

func (t *Typed[T]) wrap(fetch func(ctx context.Context) (T, error)) types.FetchFunc {
	if fetch == nil {
		return nil
	}
	return func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return t.codec.Encode(v)
	}
}

func (t *Typed[T]) decode(res types.Result) TypedResult[T] {
	out := TypedResult[T]{
		Key:        res.Key,
		Found:      res.Found,
		IsStale:    res.IsStale,
		IsFetching: res.IsFetching,
		Err:        res.Err,
		Timestamp:  res.Timestamp,
	}
	if !res.Found {
		return out
	}
	v, err := t.codec.Decode(res.Data)
	if err != nil {
		out.Found = false
		out.Err = corrupt(res.Key, err)
		return out
	}
	out.Data = v
	return out
}

func corrupt(key string, err error) error {
	return errors.NewError(errors.ErrCodeCorruptEntry, "payload does not decode").
		WithKey(key).WithComponent("typed").WithCause(err)
}
