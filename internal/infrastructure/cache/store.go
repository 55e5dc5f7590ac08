package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a string key does not exist or has expired.
	ErrNotFound = errors.New("cache: key not found")

	// ErrWrongType is returned when a key holds a different kind of value.
	ErrWrongType = errors.New("cache: key holds the wrong kind of value")
)

// Store is the key/value backend of the device state cache.
//
// Keys hold a string, a hash or an ordered list and each key carries an
// independent optional deadline. Expired keys behave as missing. Every
// method is a single atomic operation on one key, except Delete which
// removes each key atomically.
type Store interface {
	// Set stores a string value and clears any deadline on the key.
	Set(ctx context.Context, key, value string) error
	// Get returns the string value of key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// HashSet writes fields into a hash, keeping the key's deadline.
	HashSet(ctx context.Context, key string, fields map[string]string) error
	// HashGet returns the requested fields that exist.
	HashGet(ctx context.Context, key string, fields ...string) (map[string]string, error)
	// HashGetAll returns every field of a hash. A missing key yields an empty map.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// ListPushBounded moves member to the newest end of a list, then drops
	// the oldest members beyond limit and returns them. limit <= 0 disables trimming.
	ListPushBounded(ctx context.Context, key, member string, limit int) ([]string, error)
	// ListRemove removes member from a list.
	ListRemove(ctx context.Context, key, member string) error
	// ListMembers returns a list oldest first.
	ListMembers(ctx context.Context, key string) ([]string, error)

	// ExpireAt schedules key for eviction. Missing keys are ignored.
	ExpireAt(ctx context.Context, key string, at time.Time) error
	// Persist clears the deadline of key.
	Persist(ctx context.Context, key string) error
	// Deadline reports the eviction time of key, if any.
	Deadline(ctx context.Context, key string) (time.Time, bool, error)

	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
