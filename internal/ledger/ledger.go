// Package ledger provides a WAL-mode SQLite-backed store of every blood
// pressure reading ever seen, keyed by its fingerprint. It is the bridge's
// single source of truth for "have we delivered this reading yet" and
// supports history/statistics queries for internal/status.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Ledger is a WAL-mode SQLite-backed fingerprint store. Safe for concurrent
// use.
type Ledger struct {
	db      *sql.DB
	pending atomic.Int64 // rows with cloud_delivered=0 OR bus_delivered=0
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func New(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	l := &Ledger{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM readings WHERE cloud_delivered = 0 OR bus_delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: count pending rows: %w", err)
	}
	l.pending.Store(count)

	return l, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS readings (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint         TEXT    NOT NULL UNIQUE,
    timestamp           TEXT    NOT NULL,
    systolic            INTEGER NOT NULL,
    diastolic           INTEGER NOT NULL,
    pulse               INTEGER NOT NULL,
    irregular_heartbeat INTEGER NOT NULL DEFAULT 0,
    body_movement       INTEGER NOT NULL DEFAULT 0,
    user_slot           INTEGER NOT NULL,
    category            TEXT    NOT NULL,
    uploaded_at         TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    cloud_delivered     INTEGER NOT NULL DEFAULT 0,
    bus_delivered       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_readings_fingerprint ON readings (fingerprint);
CREATE INDEX IF NOT EXISTS idx_readings_timestamp    ON readings (timestamp);
CREATE INDEX IF NOT EXISTS idx_readings_user_slot     ON readings (user_slot);
`

// IsKnown reports whether a reading with this fingerprint has already been
// recorded.
func (l *Ledger) IsKnown(ctx context.Context, fingerprint string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: is known: %w", err)
	}
	return n > 0, nil
}

// FilterNew returns the subset of readings whose fingerprint is not already
// present in the ledger, preserving input order. Invariant 5 (monotonicity):
// once a fingerprint is upserted, it is never returned by FilterNew again.
func (l *Ledger) FilterNew(ctx context.Context, readings []models.Reading) ([]models.Reading, error) {
	var out []models.Reading
	for _, r := range readings {
		known, err := l.IsKnown(ctx, r.Fingerprint())
		if err != nil {
			return nil, err
		}
		if !known {
			out = append(out, r)
		}
	}
	return out, nil
}

// Upsert records r. If the fingerprint already exists, irregular_heartbeat
// and body_movement are OR-merged with the stored values (a reading reread
// across unlock cycles should only ever gain flags, never lose them), and
// every other column is left untouched.
func (l *Ledger) Upsert(ctx context.Context, r models.Reading) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO readings (fingerprint, timestamp, systolic, diastolic, pulse,
		                       irregular_heartbeat, body_movement, user_slot, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			irregular_heartbeat = irregular_heartbeat OR excluded.irregular_heartbeat,
			body_movement       = body_movement OR excluded.body_movement
	`,
		r.Fingerprint(), r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Systolic, r.Diastolic, r.Pulse,
		boolToInt(r.IrregularHeartbeat), boolToInt(r.BodyMovement),
		r.UserSlot, string(r.Category()),
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert: %w", err)
	}
	l.refreshPending(ctx)
	return nil
}

// UpdateStatus marks a fingerprint's cloud and/or bus delivery status. Pass
// nil for a channel to leave it unchanged.
func (l *Ledger) UpdateStatus(ctx context.Context, fingerprint string, cloudDelivered, busDelivered *bool) error {
	if cloudDelivered != nil {
		if _, err := l.db.ExecContext(ctx, `UPDATE readings SET cloud_delivered = ? WHERE fingerprint = ?`,
			boolToInt(*cloudDelivered), fingerprint); err != nil {
			return fmt.Errorf("ledger: update cloud status: %w", err)
		}
	}
	if busDelivered != nil {
		if _, err := l.db.ExecContext(ctx, `UPDATE readings SET bus_delivered = ? WHERE fingerprint = ?`,
			boolToInt(*busDelivered), fingerprint); err != nil {
			return fmt.Errorf("ledger: update bus status: %w", err)
		}
	}
	l.refreshPending(ctx)
	return nil
}

// Record is one ledger row as returned by History/PendingCloud/PendingBus.
type Record struct {
	models.Reading
	Fingerprint    string
	UploadedAt     time.Time
	CloudDelivered bool
	BusDelivered   bool
}

// PendingCloud returns every reading not yet marked cloud_delivered.
func (l *Ledger) PendingCloud(ctx context.Context) ([]Record, error) {
	return l.queryRecords(ctx, `SELECT fingerprint, timestamp, systolic, diastolic, pulse,
		irregular_heartbeat, body_movement, user_slot, uploaded_at, cloud_delivered, bus_delivered
		FROM readings WHERE cloud_delivered = 0 ORDER BY timestamp`)
}

// PendingBus returns every reading not yet marked bus_delivered.
func (l *Ledger) PendingBus(ctx context.Context) ([]Record, error) {
	return l.queryRecords(ctx, `SELECT fingerprint, timestamp, systolic, diastolic, pulse,
		irregular_heartbeat, body_movement, user_slot, uploaded_at, cloud_delivered, bus_delivered
		FROM readings WHERE bus_delivered = 0 ORDER BY timestamp`)
}

// History returns every reading for a user slot (or all slots, if userSlot
// is 0) within [since, until], newest first.
func (l *Ledger) History(ctx context.Context, userSlot int, since, until time.Time) ([]Record, error) {
	query := `SELECT fingerprint, timestamp, systolic, diastolic, pulse,
		irregular_heartbeat, body_movement, user_slot, uploaded_at, cloud_delivered, bus_delivered
		FROM readings WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{since.UTC().Format(time.RFC3339Nano), until.UTC().Format(time.RFC3339Nano)}
	if userSlot != 0 {
		query += ` AND user_slot = ?`
		args = append(args, userSlot)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Statistics summarizes the ledger for a user slot (or all slots, if
// userSlot is 0): reading count and average systolic/diastolic/pulse.
type Statistics struct {
	Count            int
	AvgSystolic      float64
	AvgDiastolic     float64
	AvgPulse         float64
	HypertensiveDays int
}

// Statistics computes aggregate figures over every reading for a user slot.
func (l *Ledger) Statistics(ctx context.Context, userSlot int) (Statistics, error) {
	query := `SELECT COUNT(*), COALESCE(AVG(systolic),0), COALESCE(AVG(diastolic),0), COALESCE(AVG(pulse),0)
		FROM readings`
	args := []any{}
	if userSlot != 0 {
		query += ` WHERE user_slot = ?`
		args = append(args, userSlot)
	}

	var stats Statistics
	err := l.db.QueryRowContext(ctx, query, args...).Scan(&stats.Count, &stats.AvgSystolic, &stats.AvgDiastolic, &stats.AvgPulse)
	if err != nil {
		return Statistics{}, fmt.Errorf("ledger: statistics: %w", err)
	}

	hyperQuery := `SELECT COUNT(DISTINCT substr(timestamp, 1, 10)) FROM readings WHERE category LIKE 'grade%_hypertension'`
	hyperArgs := []any{}
	if userSlot != 0 {
		hyperQuery += ` AND user_slot = ?`
		hyperArgs = append(hyperArgs, userSlot)
	}
	if err := l.db.QueryRowContext(ctx, hyperQuery, hyperArgs...).Scan(&stats.HypertensiveDays); err != nil {
		return Statistics{}, fmt.Errorf("ledger: hypertensive days: %w", err)
	}

	return stats, nil
}

// PurgeOlderThan deletes every reading with a timestamp older than
// time.Now() minus retention, using Go's calendar-correct duration
// arithmetic (time.Time.Add), not the day-of-month decrement the reference
// implementation used — see DESIGN.md.
func (l *Ledger) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	result, err := l.db.ExecContext(ctx, `DELETE FROM readings WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	n, _ := result.RowsAffected()
	l.refreshPending(ctx)
	return n, nil
}

// ClearAll deletes every row. Intended for tests and operator-triggered
// resets, not routine operation.
func (l *Ledger) ClearAll(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM readings`); err != nil {
		return fmt.Errorf("ledger: clear all: %w", err)
	}
	l.pending.Store(0)
	return nil
}

// PendingCount returns the number of readings not yet delivered to at least
// one sink. It reads an atomic counter refreshed on every mutation, so it
// never blocks on the database.
func (l *Ledger) PendingCount() int {
	return int(l.pending.Load())
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) refreshPending(ctx context.Context) {
	var count int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE cloud_delivered = 0 OR bus_delivered = 0`).Scan(&count); err == nil {
		l.pending.Store(count)
	}
}

func (l *Ledger) queryRecords(ctx context.Context, query string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec                        Record
			tsStr, uploadedStr         string
			ihb, mov, cloud, bus       int
		)
		if err := rows.Scan(&rec.Fingerprint, &tsStr, &rec.Systolic, &rec.Diastolic, &rec.Pulse,
			&ihb, &mov, &rec.UserSlot, &uploadedStr, &cloud, &bus); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		rec.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploadedStr)
		rec.IrregularHeartbeat = ihb != 0
		rec.BodyMovement = mov != 0
		rec.CloudDelivered = cloud != 0
		rec.BusDelivered = bus != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
