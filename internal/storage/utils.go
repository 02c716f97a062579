package storage

import "github.com/ModerRAS/taskd/pkg/storage"

var _ storage.Store = (*PostgresStore)(nil)

// InitStore opens a Postgres-backed task store from a connection string.
func InitStore(dbConnStr string, opts ...StoreOption) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr, opts...)
	if err != nil {
		return nil, err
	}
	return store, nil
}
