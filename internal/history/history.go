package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"kronoterm_gateway/internal/service"
)

// Store persists decoded readings into a local SQLite database. It
// implements the engine's Recorder interface; failures are reported back
// but never block acquisition.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    zerolog.Logger

	lastPrune time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS readings (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at  INTEGER NOT NULL,
    address   INTEGER NOT NULL,
    name      TEXT    NOT NULL,
    value     REAL,
    label     TEXT,
    raw       INTEGER NOT NULL,
    absent    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_address_taken_at ON readings(address, taken_at);
`

// Open creates or opens the database at path and applies the schema.
func Open(path string, retention time.Duration, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn between Record and Prune.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{
		db:        db,
		retention: retention,
		logger:    logger.With().Str("component", "history").Logger(),
	}, nil
}

// Record inserts every reading of the snapshot in one transaction.
func (s *Store) Record(snapshot *service.Snapshot) error {
	if snapshot == nil || len(snapshot.Readings) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO readings (taken_at, address, name, value, label, raw, absent) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	takenAt := snapshot.TakenAt.Unix()
	for _, reading := range snapshot.Readings {
		value, label := splitValue(reading.Value)
		if _, err := stmt.Exec(takenAt, reading.Address, reading.Name, value, label, reading.Raw, boolInt(reading.Absent)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert reading %s: %w", reading.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	s.maybePrune(snapshot.TakenAt)
	return nil
}

// splitValue maps the decoded value onto the numeric and text columns.
func splitValue(value interface{}) (sql.NullFloat64, sql.NullString) {
	switch v := value.(type) {
	case float64:
		return sql.NullFloat64{Float64: v, Valid: true}, sql.NullString{}
	case int64:
		return sql.NullFloat64{Float64: float64(v), Valid: true}, sql.NullString{}
	case bool:
		n := 0.0
		if v {
			n = 1.0
		}
		return sql.NullFloat64{Float64: n, Valid: true}, sql.NullString{}
	case string:
		return sql.NullFloat64{}, sql.NullString{String: v, Valid: true}
	default:
		return sql.NullFloat64{}, sql.NullString{}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// maybePrune enforces the retention window at most once an hour.
func (s *Store) maybePrune(now time.Time) {
	if s.retention <= 0 {
		return
	}
	if now.Sub(s.lastPrune) < time.Hour {
		return
	}
	s.lastPrune = now
	cutoff := now.Add(-s.retention).Unix()
	result, err := s.db.Exec(`DELETE FROM readings WHERE taken_at < ?`, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("history prune failed")
		return
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		s.logger.Debug().Int64("rows", rows).Msg("pruned expired readings")
	}
}

// Point is one historical sample of a register.
type Point struct {
	TakenAt time.Time `json:"taken_at"`
	Value   *float64  `json:"value,omitempty"`
	Label   *string   `json:"label,omitempty"`
	Absent  bool      `json:"absent"`
}

// Series returns the most recent points for one register, newest first.
func (s *Store) Series(address uint16, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT taken_at, value, label, absent FROM readings WHERE address = ? ORDER BY taken_at DESC LIMIT ?`,
		address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			takenAt int64
			value   sql.NullFloat64
			label   sql.NullString
			absent  int
		)
		if err := rows.Scan(&takenAt, &value, &label, &absent); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		point := Point{TakenAt: time.Unix(takenAt, 0).UTC(), Absent: absent != 0}
		if value.Valid {
			v := value.Float64
			point.Value = &v
		}
		if label.Valid {
			l := label.String
			point.Label = &l
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
