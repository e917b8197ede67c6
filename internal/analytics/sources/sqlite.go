package sources

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_timestamp INTEGER NOT NULL,
	event_name      TEXT NOT NULL DEFAULT '',
	user_pseudo_id  TEXT NOT NULL,
	country         TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(event_timestamp);
`

// Event is one raw analytics event as stored in a local export. Timestamps are
// kept in microseconds like the GA4 BigQuery export.
type Event struct {
	Timestamp    time.Time
	Name         string
	UserPseudoID string
	Country      string
}

// SQLiteWarehouse serves a local copy of a raw-event export.
type SQLiteWarehouse struct {
	db *sql.DB
}

// OpenSQLiteWarehouse opens (and if needed creates) a local event export.
func OpenSQLiteWarehouse(ctx context.Context, dsn string) (*SQLiteWarehouse, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite warehouse: %w", err)
	}
	// One connection keeps :memory: databases shared across queries.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite warehouse schema: %w", err)
	}
	return &SQLiteWarehouse{db: db}, nil
}

func (w *SQLiteWarehouse) Name() string { return "warehouse" }

func (w *SQLiteWarehouse) Close() error { return w.db.Close() }

// InsertEvents appends events in one transaction.
func (w *SQLiteWarehouse) InsertEvents(ctx context.Context, events []Event) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (event_timestamp, event_name, user_pseudo_id, country) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UnixMicro(), e.Name, e.UserPseudoID, e.Country); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (w *SQLiteWarehouse) ExportRange(ctx context.Context, loc *time.Location) (ExportRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	var minTS, maxTS sql.NullInt64
	var events int64
	err := w.db.QueryRowContext(ctx, `
		SELECT MIN(event_timestamp), MAX(event_timestamp), COUNT(*)
		FROM events
		WHERE country IS NOT NULL AND country != ''`).Scan(&minTS, &maxTS, &events)
	if err != nil {
		return ExportRange{}, fmt.Errorf("query export range: %w", err)
	}
	if !minTS.Valid || !maxTS.Valid {
		return ExportRange{}, nil
	}

	rng := ExportRange{
		Earliest: calendarDay(time.UnixMicro(minTS.Int64), loc),
		Latest:   calendarDay(time.UnixMicro(maxTS.Int64), loc),
		Events:   events,
	}
	rng.Days = int64(rng.Latest.Sub(rng.Earliest).Hours()/24) + 1
	return rng, nil
}

// WeeklyCounts groups events by Monday-started week and raw country. SQLite
// has no time zone database, so the zone's offset at the start of the range
// is applied to every event.
func (w *SQLiteWarehouse) WeeklyCounts(ctx context.Context, q WarehouseQuery) ([]WarehouseRow, error) {
	expr, err := metricExpression(q.Metric)
	if err != nil {
		return nil, err
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	from := time.Date(q.From.Year(), q.From.Month(), q.From.Day(), 0, 0, 0, 0, loc)
	to := time.Date(q.To.Year(), q.To.Month(), q.To.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	_, offset := from.Zone()

	query := fmt.Sprintf(`
		SELECT date(event_timestamp / 1000000 + ?, 'unixepoch', 'weekday 0', '-6 days') AS week_start,
		       country,
		       %s AS total
		FROM events
		WHERE country IS NOT NULL AND country != ''
		  AND event_timestamp >= ? AND event_timestamp < ?
		GROUP BY week_start, country
		ORDER BY week_start, country`, expr)

	rows, err := w.db.QueryContext(ctx, query, offset, from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("query weekly counts: %w", err)
	}
	defer rows.Close()

	var out []WarehouseRow
	for rows.Next() {
		var r WarehouseRow
		if err := rows.Scan(&r.WeekStart, &r.Country, &r.Count); err != nil {
			return nil, fmt.Errorf("scan weekly counts: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
