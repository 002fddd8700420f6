package async

import (
	"database/sql"
	"time"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/pulse/fetch"
)

// recordColumns is the column list every SELECT on transfers uses, in the
// order expected by getRecordScanTargets.
const recordColumns = `id, uri, destination, destination_dir, allowed_networks,
	notify_on_complete, title, description, status, bytes_downloaded, total_bytes,
	last_error, error_message, created_at, updated_at, started_at, completed_at`

// recordScanArgs holds the nullable and encoded columns of a transfers row.
type recordScanArgs struct {
	DestinationDir  sql.NullString
	AllowedNetworks string
	Title           sql.NullString
	Description     sql.NullString
	Status          string
	LastError       sql.NullString
	ErrorMessage    sql.NullString
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
}

// getRecordScanTargets returns scan destinations in recordColumns order
func getRecordScanTargets(rec *Record, args *recordScanArgs) []interface{} {
	return []interface{}{
		&rec.ID,
		&rec.URI,
		&rec.Destination,
		&args.DestinationDir,
		&args.AllowedNetworks,
		&rec.NotifyOnComplete,
		&args.Title,
		&args.Description,
		&args.Status,
		&rec.BytesDownloaded,
		&rec.TotalBytes,
		&args.LastError,
		&args.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// processRecordScanArgs decodes the scanned arguments into rec.
func processRecordScanArgs(rec *Record, args *recordScanArgs) error {
	networks, err := fetch.ParseNetworkSet(args.AllowedNetworks)
	if err != nil {
		return errors.Wrapf(err, "transfer %d has invalid allowed_networks %q", rec.ID, args.AllowedNetworks)
	}
	rec.AllowedNetworks = networks

	if !IsValidStatus(args.Status) {
		return errors.Newf("transfer %d has invalid status %q", rec.ID, args.Status)
	}
	rec.Status = Status(args.Status)

	if args.DestinationDir.Valid {
		rec.DestinationDir = args.DestinationDir.String
	}
	if args.Title.Valid {
		rec.Title = args.Title.String
	}
	if args.Description.Valid {
		rec.Description = args.Description.String
	}
	if args.LastError.Valid {
		rec.LastError = ErrorCode(args.LastError.String)
	}
	if args.ErrorMessage.Valid {
		rec.ErrorMessage = args.ErrorMessage.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		rec.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var args recordScanArgs
	if err := row.Scan(getRecordScanTargets(&rec, &args)...); err != nil {
		return nil, err
	}
	if err := processRecordScanArgs(&rec, &args); err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcPtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
