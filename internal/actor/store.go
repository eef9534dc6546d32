// Package actor provides the durable substrate shared by the per-document
// and per-user actors: a namespaced key-value store and a single-slot alarm
// scheduler. Keys are namespaced per actor id, so there is no cross-id
// contention; serialization of operations for one id is the owning actor's
// responsibility.
package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrKeyNotFound indicates that no value is stored under the key.
	ErrKeyNotFound = errors.New("actor: key not found")
	// ErrInvalidNamespace indicates that an actor namespace is empty or malformed.
	ErrInvalidNamespace = errors.New("actor: invalid namespace")
	// ErrInvalidKey indicates that a storage key is empty or malformed.
	ErrInvalidKey = errors.New("actor: invalid key")
)

// Store is ordered, durable key-value storage for one actor. Writes may
// take non-trivial latency; callers must await them before assuming
// read-after-write.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Storage hands out per-actor Store views over a shared backing database.
type Storage interface {
	ForActor(kind, id string) (Store, error)
	Close() error
}

func namespacePrefix(kind, id string) (string, error) {
	kind = strings.TrimSpace(kind)
	id = strings.TrimSpace(id)
	if kind == "" || id == "" {
		return "", fmt.Errorf("%w: kind=%q id=%q", ErrInvalidNamespace, kind, id)
	}
	if strings.Contains(kind, "/") || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: kind and id must not contain '/'", ErrInvalidNamespace)
	}
	return kind + "/" + id + "/", nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return nil
}
