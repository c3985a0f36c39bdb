package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type PricePointRow struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Timestamp   time.Time
}

// UpsertPricePoints stores rows in one transaction. A row with the same
// measurement, tags and timestamp as an existing one replaces its fields.
func (d *Database) UpsertPricePoints(ctx context.Context, rows []PricePointRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := d.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_point (measurement, tags, ts, area, fields, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(measurement, tags, ts) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare price point upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range rows {
		// encoding/json sorts map keys, so equal tag sets encode equally.
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, r.Measurement, string(tags), r.Timestamp.Unix(), r.Tags["area"], string(fields), now); err != nil {
			return fmt.Errorf("saving price point: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit price points: %w", err)
	}
	return nil
}

// GetPricePoints returns points with from <= timestamp < to, for every area
// when area is empty.
func (d *Database) GetPricePoints(ctx context.Context, area string, from, to time.Time) ([]PricePointRow, error) {
	rows, err := d.read.QueryContext(ctx, `
		SELECT measurement, tags, ts, fields
		FROM price_point
		WHERE (? = '' OR area = ?) AND ts >= ? AND ts < ?
		ORDER BY area, ts, tags`,
		area, area, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("fetching price points: %w", err)
	}
	defer rows.Close()

	var points []PricePointRow
	for rows.Next() {
		var (
			r            PricePointRow
			tags, fields string
			ts           int64
		)
		if err := rows.Scan(&r.Measurement, &tags, &ts, &fields); err != nil {
			return nil, fmt.Errorf("scanning price point: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields: %w", err)
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		points = append(points, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading price point rows: %w", err)
	}

	return points, nil
}

func (d *Database) PurgePricePoints(ctx context.Context, retentionDays int) error {
	return d.purgeTable(ctx, "price_point", "ts", retentionDays)
}
