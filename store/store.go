// Package store provides the SQLite persistence layer for collaboration:
// share sessions holding the opaque document snapshots, plus the relational
// projects/slides mirror that the REST surface reads.
package store

import (
	"database/sql"
	"errors"

	"github.com/cvkhang/SlideQuick/dbopen"
)

// ErrNotFound is returned when a session or project does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the collaboration database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies the
// pragmas and the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
