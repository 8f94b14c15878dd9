// Package storage defines the key/value contract the object pipeline
// persists through. Backends are assumed to provide atomic single-key
// writes and nothing more: no cross-key transactions, no ordering
// guarantees between keys. Callers that need ordering (the pipeline's
// chunk-before-manifest-before-receipt discipline) sequence their own
// writes.
package storage

import (
	"bytes"
	"context"
	"io"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	// ErrNotFound is returned when a key has no value in the store.
	ErrNotFound errString = "not found"

	// ErrExists is returned by exclusive puts when the key is already set.
	ErrExists errString = "exists already"

	// ErrNotSupported is returned by optional operations a backend or
	// provider does not implement.
	ErrNotSupported errString = "not supported"
)

// Store implementations persist opaque values under string keys.
//
// Typically this is something file system-like: a local directory, an
// embedded KV database, an object bucket. Implementations are assumed
// to be fairly simple and safe for concurrent use.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	Put(context.Context, string, io.Reader) error
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
	KeysPrefix(ctx context.Context, prefix string) ([]string, error)
	Clear(context.Context) error
}

// ReadAll fetches the value for key and reads it fully.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	rdr, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(rdr)
	if err != nil {
		rdr.Close()
		return nil, err
	}
	if err = rdr.Close(); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteAll stores value under key.
func WriteAll(ctx context.Context, store Store, key string, value []byte) error {
	return store.Put(ctx, key, bytes.NewReader(value))
}
