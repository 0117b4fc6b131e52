// Package cmd provides common initialization helpers for command-line
// applications.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/persistence/file"
	"github.com/baton-dev/baton/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL scheme:
// postgres URLs get the relational store, anything else is treated as a
// directory path for the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return store
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}
