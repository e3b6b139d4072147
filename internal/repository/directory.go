// Package repository declares the persistence contracts of the sync layer.
package repository

import (
	"context"

	"github.com/and161185/notesync/internal/model"
)

// DirectoryRepository stores the remote synchronization directory of an account.
type DirectoryRepository interface {
	// LoadDirectory returns the stored directory; an unknown account yields an
	// empty state at version 0.
	LoadDirectory(ctx context.Context, account string) (*model.DirectoryState, error)

	// SaveCommit applies one commit. The stored version must equal
	// c.BaseVersion, otherwise errs.ErrVersionConflict is returned.
	SaveCommit(ctx context.Context, account string, c model.DirectoryCommit) error
}
