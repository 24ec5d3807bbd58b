package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/back2basic/dohrdns/model"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS lookups (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname TEXT,
    ip TEXT,
    dns TEXT,
    outcome TEXT,
    attempts INTEGER,
    timestamp INTEGER
);
CREATE INDEX IF NOT EXISTS lookups_timestamp ON lookups (timestamp);
`

// History is an append-only audit trail of lookups. It implements
// dns.Recorder; records are buffered in memory until Flush. Nothing in it is
// ever read back into the cache.
type History struct {
	db       *sql.DB
	hostname string

	mu  sync.Mutex
	buf []model.LookupRecord
}

// Open creates the database file and its directory if needed.
func Open(path, hostname string) (*History, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return &History{db: db, hostname: hostname}, nil
}

func (h *History) Record(rec model.LookupRecord) {
	h.mu.Lock()
	h.buf = append(h.buf, rec)
	h.mu.Unlock()
}

// Pending returns the number of buffered records.
func (h *History) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// Flush writes buffered records in one transaction. On failure the records
// stay buffered for the next call.
func (h *History) Flush() (int, error) {
	h.mu.Lock()
	recs := h.buf
	h.buf = nil
	h.mu.Unlock()

	if len(recs) == 0 {
		return 0, nil
	}

	if err := h.insert(recs); err != nil {
		h.mu.Lock()
		h.buf = append(recs, h.buf...)
		h.mu.Unlock()
		return 0, err
	}
	return len(recs), nil
}

func (h *History) insert(recs []model.LookupRecord) error {
	tx, err := h.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
        INSERT INTO lookups (
            hostname, ip, dns, outcome, attempts, timestamp
        ) VALUES (?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		_, err = stmt.Exec(
			h.hostname, r.IP, r.DNS,
			string(r.Outcome), r.Attempts,
			r.Timestamp,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// DailyTotals groups the lookups of the UTC day containing day by address.
func (h *History) DailyTotals(day time.Time) ([]model.AggregatedRecord, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := h.db.Query(`
        SELECT ip,
               MAX(dns),
               COUNT(*),
               SUM(CASE WHEN outcome = 'hit' THEN 1 ELSE 0 END),
               SUM(CASE WHEN outcome IN ('failed', 'no_record', 'invalid') THEN 1 ELSE 0 END)
        FROM lookups
        WHERE timestamp >= ? AND timestamp < ?
        GROUP BY ip
        ORDER BY ip
    `, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AggregatedRecord

	for rows.Next() {
		var r model.AggregatedRecord
		err := rows.Scan(
			&r.IP, &r.DNS,
			&r.Lookups, &r.Hits, &r.Failures,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// Close flushes what is buffered and closes the database.
func (h *History) Close() error {
	_, ferr := h.Flush()
	if err := h.db.Close(); err != nil {
		return err
	}
	return ferr
}
