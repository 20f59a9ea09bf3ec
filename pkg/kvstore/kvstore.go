// Package kvstore is the durable key-value layer under the share store. Every backend offers atomic
// multi-key transactions so a share version swap is never half applied.
package kvstore

import "github.com/pkg/errors"

var ErrKeyNotFound = errors.New("key not found")

// Txn is a read-write view inside Update. Writes become visible to others only when Update returns nil.
type Txn interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// Keys lists the keys starting with prefix in ascending order.
	Keys(prefix string) ([]string, error)
	// Update runs fn in a transaction, committing only if fn returns nil.
	Update(fn func(txn Txn) error) error
	Close() error
}

// Backuper is implemented by stores that can write encrypted snapshots of themselves.
type Backuper interface {
	Backup() (string, error)
}
