package storage

import "github.com/ignatij/sagaflow/pkg/storage"

var _ storage.Store = (*PostgresStore)(nil)

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}
