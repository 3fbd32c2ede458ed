package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelBackend is a persistent local backend using LevelDB. Useful for
// single-node deployments and durable test fixtures; production deployments
// point the engine at a remote edge backend instead.
type LevelBackend struct {
	db *leveldb.DB
}

// NewLevelBackend creates or opens a LevelDB database at path.
func NewLevelBackend(path string) (*LevelBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelBackend{db: db}, nil
}

func (b *LevelBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, err := b.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *LevelBackend) Upsert(_ context.Context, key string, value []byte) error {
	return b.db.Put([]byte(key), value, nil)
}

func (b *LevelBackend) Close() error {
	return b.db.Close()
}
