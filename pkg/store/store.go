// Package store provides the shared status store: a flat string-keyed
// property namespace with an atomic compare-and-swap primitive. Every
// controller instance sharing a store arbitrates run claims through it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("property not found")

// Store is the shared status store.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// GetPrefix returns every property whose key starts with prefix.
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Put writes a single property.
	Put(ctx context.Context, key, value string) error

	// PutAll writes all properties in one transaction.
	PutAll(ctx context.Context, props map[string]string) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// PutIfEqual sets key to value, and writes others, only if key
	// currently holds expected. An empty expected means the key must not
	// exist. It reports whether the swap happened.
	PutIfEqual(ctx context.Context, key, expected, value string, others map[string]string) (bool, error)

	// Swap applies sw atomically. See Swap.
	Swap(ctx context.Context, sw Swap) (bool, error)
}

// Swap is a conditional multi-key update. If Key currently holds
// Expected (or is absent when Expected is empty), Key is set to Value,
// every entry of Puts is written and every key in Deletes is removed,
// all in one atomic step. Otherwise nothing changes.
type Swap struct {
	Key      string
	Expected string
	Value    string
	Puts     map[string]string
	Deletes  []string
}

// New creates the store selected by cfg.Driver.
func New(log logrus.FieldLogger, cfg *config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite, config.StoreDriverPostgres:
		return NewGormStore(log, cfg), nil
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func putIfEqual(ctx context.Context, s Store, key, expected, value string, others map[string]string) (bool, error) {
	return s.Swap(ctx, Swap{
		Key:      key,
		Expected: expected,
		Value:    value,
		Puts:     others,
	})
}
