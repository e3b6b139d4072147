package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/repository"
)

// DirectoryRepo implements DirectoryRepository using PostgreSQL.
type DirectoryRepo struct{ db *DB }

var _ repository.DirectoryRepository = (*DirectoryRepo)(nil)

// NewDirectoryRepo constructs a directory repository.
func NewDirectoryRepo(db *DB) *DirectoryRepo { return &DirectoryRepo{db: db} }

const (
	selDirVer     = `SELECT ver FROM sync_directories WHERE account=$1`
	selDirVerLock = `SELECT ver FROM sync_directories WHERE account=$1 FOR UPDATE`
	insDir        = `INSERT INTO sync_directories (account, ver) VALUES ($1, 0)`
	updDirVer     = `UPDATE sync_directories SET ver=$2, updated_at=now() WHERE account=$1`

	selNodes = `
SELECT id, parent_id, position, is_folder, title, payload, external_id, server_tag, ver
FROM sync_nodes WHERE account=$1 ORDER BY position`
	upsNode = `
INSERT INTO sync_nodes (account, id, parent_id, position, is_folder, title, payload, external_id, server_tag, ver)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (account, id) DO UPDATE SET
  parent_id=EXCLUDED.parent_id, position=EXCLUDED.position, is_folder=EXCLUDED.is_folder,
  title=EXCLUDED.title, payload=EXCLUDED.payload, external_id=EXCLUDED.external_id,
  server_tag=EXCLUDED.server_tag, ver=EXCLUDED.ver`
	delNode = `DELETE FROM sync_nodes WHERE account=$1 AND id=$2`

	selJournal = `
SELECT remote_id, external_id, is_folder, title, payload
FROM sync_delete_journal WHERE account=$1 ORDER BY created_at, remote_id`
	insJournal = `
INSERT INTO sync_delete_journal (account, remote_id, external_id, is_folder, title, payload)
VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (account, remote_id) DO NOTHING`
	delJournal = `DELETE FROM sync_delete_journal WHERE account=$1 AND remote_id=$2`
)

// LoadDirectory reads the full directory of account.
func (r *DirectoryRepo) LoadDirectory(ctx context.Context, account string) (*model.DirectoryState, error) {
	st := &model.DirectoryState{}
	if err := r.db.Pool.QueryRow(ctx, selDirVer, account).Scan(&st.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, nil
		}
		return nil, err
	}

	rows, err := r.db.Pool.Query(ctx, selNodes, account)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			n       model.RemoteNode
			payload []byte
		)
		if err = rows.Scan(&n.ID, &n.ParentID, &n.Position, &n.IsFolder, &n.Title,
			&payload, &n.ExternalID, &n.ServerTag, &n.Version); err != nil {
			rows.Close()
			return nil, err
		}
		if err = json.Unmarshal(payload, &n.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("node %s payload: %w", n.ID, err)
		}
		st.Nodes = append(st.Nodes, n)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Pool.Query(ctx, selJournal, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t       model.Tombstone
			payload []byte
		)
		if err = rows.Scan(&t.RemoteID, &t.ExternalID, &t.IsFolder, &t.Title, &payload); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("tombstone %s payload: %w", t.RemoteID, err)
		}
		st.Journal = append(st.Journal, t)
	}
	return st, rows.Err()
}

// SaveCommit applies c in one transaction after checking the base version.
func (r *DirectoryRepo) SaveCommit(ctx context.Context, account string, c model.DirectoryCommit) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	var cur int64
	scanErr := tx.QueryRow(ctx, selDirVerLock, account).Scan(&cur)
	switch {
	case scanErr == nil:
	case errors.Is(scanErr, pgx.ErrNoRows):
		if _, err = tx.Exec(ctx, insDir, account); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("directory %s created concurrently: %w", account, errs.ErrVersionConflict)
			}
			return err
		}
	default:
		return scanErr
	}
	if cur != c.BaseVersion {
		return fmt.Errorf("directory %s at %d, commit based on %d: %w", account, cur, c.BaseVersion, errs.ErrVersionConflict)
	}
	if c.Version != cur {
		if _, err = tx.Exec(ctx, updDirVer, account, c.Version); err != nil {
			return err
		}
	}

	for _, id := range c.Deletes {
		if _, err = tx.Exec(ctx, delNode, account, id); err != nil {
			return err
		}
	}
	for _, n := range c.Upserts {
		payload, mErr := json.Marshal(n.Payload)
		if mErr != nil {
			return fmt.Errorf("node %s payload: %w", n.ID, mErr)
		}
		if _, err = tx.Exec(ctx, upsNode, account, n.ID, n.ParentID, n.Position, n.IsFolder,
			n.Title, payload, n.ExternalID, n.ServerTag, n.Version); err != nil {
			return err
		}
	}
	for _, t := range c.Journal {
		payload, mErr := json.Marshal(t.Payload)
		if mErr != nil {
			return fmt.Errorf("tombstone %s payload: %w", t.RemoteID, mErr)
		}
		if _, err = tx.Exec(ctx, insJournal, account, t.RemoteID, t.ExternalID, t.IsFolder, t.Title, payload); err != nil {
			return err
		}
	}
	for _, id := range c.Purged {
		if _, err = tx.Exec(ctx, delJournal, account, id); err != nil {
			return err
		}
	}
	return nil
}
