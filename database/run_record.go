package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angas/nordpool2influx/types"
)

func (d *Database) SaveRunRecord(ctx context.Context, r types.RunRecord) error {
	attempted, _ := json.Marshal(orEmpty(r.Attempted))
	succeeded, _ := json.Marshal(orEmpty(r.Succeeded))
	skipped, _ := json.Marshal(orEmpty(r.Skipped))
	failed, err := json.Marshal(r.Failed)
	if err != nil {
		return fmt.Errorf("encode failed areas: %w", err)
	}

	var next sql.NullInt64
	if !r.NextScheduled.IsZero() {
		next = sql.NullInt64{Int64: r.NextScheduled.Unix(), Valid: true}
	}

	_, err = d.write.ExecContext(ctx, `
		INSERT INTO run_record (id, trigger_reason, trigger_time, finished_at, attempted, succeeded, failed, skipped, next_scheduled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			next_scheduled = excluded.next_scheduled`,
		r.ID.String(),
		r.Trigger,
		r.TriggerTime.Unix(),
		r.FinishedAt.Unix(),
		string(attempted),
		string(succeeded),
		string(failed),
		string(skipped),
		next)
	if err != nil {
		return fmt.Errorf("saving run record: %w", err)
	}
	return nil
}

// GetRunRecords returns the latest run records, newest first.
func (d *Database) GetRunRecords(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := d.read.QueryContext(ctx, `
		SELECT id, trigger_reason, trigger_time, finished_at, attempted, succeeded, failed, skipped, next_scheduled
		FROM run_record
		ORDER BY trigger_time DESC, finished_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching run records: %w", err)
	}
	defer rows.Close()

	var records []types.RunRecord
	for rows.Next() {
		var r types.RunRecord
		var id, attempted, succeeded, failed, skipped string
		var triggerTime, finishedAt int64
		var next sql.NullInt64
		if err := rows.Scan(&id, &r.Trigger, &triggerTime, &finishedAt, &attempted, &succeeded, &failed, &skipped, &next); err != nil {
			return nil, fmt.Errorf("scanning run record: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing run id: %w", err)
		}
		for _, f := range []struct {
			src string
			dst any
		}{
			{attempted, &r.Attempted},
			{succeeded, &r.Succeeded},
			{failed, &r.Failed},
			{skipped, &r.Skipped},
		} {
			if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
				return nil, fmt.Errorf("decoding run record %s: %w", id, err)
			}
		}
		r.TriggerTime = time.Unix(triggerTime, 0).UTC()
		r.FinishedAt = time.Unix(finishedAt, 0).UTC()
		if next.Valid {
			r.NextScheduled = time.Unix(next.Int64, 0).UTC()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading run record rows: %w", err)
	}

	return records, nil
}

func (d *Database) PurgeRunRecords(ctx context.Context, retentionDays int) error {
	return d.purgeTable(ctx, "run_record", "trigger_time", retentionDays)
}

func orEmpty(areas []types.BiddingArea) []types.BiddingArea {
	if areas == nil {
		return []types.BiddingArea{}
	}
	return areas
}
