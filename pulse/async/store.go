package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/fetchq/errors"
)

// lockStripes is the number of per-id mutexes guarding Put and Delete
const lockStripes = 64

// Store persists transfer records in the transfers table.
type Store struct {
	db    *sql.DB
	locks [lockStripes]sync.Mutex
}

// NewStore creates a store on a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) lock(id JobID) func() {
	m := &s.locks[uint64(id)%lockStripes]
	m.Lock()
	return m.Unlock
}

func storageError(err error, msg string, id JobID) error {
	err = errors.Wrap(err, msg)
	err = errors.WithDetail(err, fmt.Sprintf("Transfer ID: %d", id))
	return errors.Mark(err, ErrStorage)
}

const recordInsert = `
		INSERT INTO transfers (
			id, uri, destination, destination_dir, allowed_networks,
			notify_on_complete, title, description, status,
			bytes_downloaded, total_bytes, last_error, error_message,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func recordArgs(rec *Record) []interface{} {
	return []interface{}{
		rec.ID,
		rec.URI,
		rec.Destination,
		nullString(rec.DestinationDir),
		rec.AllowedNetworks.String(),
		rec.NotifyOnComplete,
		nullString(rec.Title),
		nullString(rec.Description),
		string(rec.Status),
		rec.BytesDownloaded,
		rec.TotalBytes,
		nullString(string(rec.LastError)),
		nullString(rec.ErrorMessage),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		utcPtr(rec.StartedAt),
		utcPtr(rec.CompletedAt),
	}
}

// Insert stores a new record and advances the id sequence. An id that is
// already stored fails with ErrConflict instead of replacing the row.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	defer s.lock(rec.ID)()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "failed to begin transfer insert", rec.ID)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, recordInsert, recordArgs(rec)...); err != nil {
		if isPrimaryKeyViolation(err) {
			return errors.Mark(
				storageError(err, fmt.Sprintf("transfer %d already exists", rec.ID), rec.ID),
				errors.ErrConflict)
		}
		return storageError(err, "failed to insert transfer", rec.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transfer_sequence SET last_id = MAX(last_id, ?) WHERE id = 1`, rec.ID); err != nil {
		return storageError(err, "failed to advance transfer sequence", rec.ID)
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "failed to commit transfer insert", rec.ID)
	}
	return nil
}

// Put inserts or replaces the record with rec.ID. Concurrent writers of the
// same id are serialized; the last one wins.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	defer s.lock(rec.ID)()

	query := recordInsert + `
		ON CONFLICT(id) DO UPDATE SET
			uri = excluded.uri,
			destination = excluded.destination,
			destination_dir = excluded.destination_dir,
			allowed_networks = excluded.allowed_networks,
			notify_on_complete = excluded.notify_on_complete,
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			bytes_downloaded = excluded.bytes_downloaded,
			total_bytes = excluded.total_bytes,
			last_error = excluded.last_error,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	if _, err := s.db.ExecContext(ctx, query, recordArgs(rec)...); err != nil {
		err = storageError(err, "failed to put transfer", rec.ID)
		return errors.WithDetail(err, fmt.Sprintf("Status: %s", rec.Status))
	}
	return nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Get returns the record for id, or an error wrapping errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, id JobID) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM transfers WHERE id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("transfer %d not found", id)
	}
	if err != nil {
		return nil, storageError(err, "failed to get transfer", id)
	}
	return rec, nil
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id JobID) error {
	defer s.lock(id)()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id); err != nil {
		return storageError(err, "failed to delete transfer", id)
	}
	return nil
}

// List returns records in id order, optionally filtered by status.
// A limit of 0 or less returns every match.
func (s *Store) List(ctx context.Context, status *Status, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM transfers`
	var args []interface{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to list transfers"), ErrStorage)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to scan transfer"), ErrStorage)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to iterate transfers"), ErrStorage)
	}
	return records, nil
}

// MaxID returns the highest id ever stored, or 0 for a fresh database.
// Deleting records does not lower it.
func (s *Store) MaxID(ctx context.Context) (JobID, error) {
	const query = `
		SELECT MAX(
			COALESCE((SELECT last_id FROM transfer_sequence WHERE id = 1), 0),
			COALESCE((SELECT MAX(id) FROM transfers), 0)
		)`

	var maxID int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&maxID); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "failed to read max transfer id"), ErrStorage)
	}
	return JobID(maxID), nil
}
