package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LogEntryRow is one stored log record. Module, Area and RunID are copied
// from the record's attributes so entries can be filtered per price run.
type LogEntryRow struct {
	Timestamp time.Time
	Level     int
	Message   string
	Attrs     string
	Module    string
	Area      string
	RunID     string
}

// LogFilter selects log entries. Empty strings match everything.
type LogFilter struct {
	MinLevel slog.Level
	Module   string
	Area     string
	RunID    string
	Page     int
	PageSize int
}

func (d *Database) SaveLogEntry(ctx context.Context, r LogEntryRow) error {
	_, err := d.write.ExecContext(ctx, `
		INSERT INTO log (timestamp, level, message, attrs, module, area, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Level,
		r.Message,
		r.Attrs,
		r.Module,
		r.Area,
		r.RunID)
	if err != nil {
		return fmt.Errorf("saving log entry: %w", err)
	}
	return nil
}

// GetLogEntries returns a page of matching entries, newest first.
func (d *Database) GetLogEntries(ctx context.Context, f LogFilter) ([]LogEntryRow, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 10
	}

	rows, err := d.read.QueryContext(ctx, `
		SELECT timestamp, level, message, attrs, module, area, run_id
		FROM log
		WHERE level >= ?
			AND (? = '' OR module = ?)
			AND (? = '' OR area = ?)
			AND (? = '' OR run_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		int(f.MinLevel),
		f.Module, f.Module,
		f.Area, f.Area,
		f.RunID, f.RunID,
		f.PageSize, (f.Page-1)*f.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetching log entries: %w", err)
	}
	defer rows.Close()

	var ts string
	var entries []LogEntryRow
	for rows.Next() {
		var r LogEntryRow
		if err := rows.Scan(&ts, &r.Level, &r.Message, &r.Attrs, &r.Module, &r.Area, &r.RunID); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		r.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		entries = append(entries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading log rows: %w", err)
	}

	return entries, nil
}

// PurgeLog keeps the newest maxLogEntries rows.
func (d *Database) PurgeLog(ctx context.Context, maxLogEntries int) error {
	if maxLogEntries < 1 {
		return nil
	}
	d.logger.Debug("purging log")
	_, err := d.write.ExecContext(ctx, `
		DELETE FROM log WHERE id <= (SELECT id FROM log ORDER BY id DESC LIMIT 1 OFFSET ?)`, maxLogEntries)
	if err != nil {
		return fmt.Errorf("purging log: %w", err)
	}
	return nil
}
