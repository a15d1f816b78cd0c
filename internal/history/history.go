package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"printerstatus/internal/status"
)

// Event is one change of the printer connection state.
type Event struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Connected  bool      `json:"connected"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink stores connection transitions in SQLite.
type Sink struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	last *Event
}

// Open creates a sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func Open(dsn string, logger *slog.Logger) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Sink{db: db, now: time.Now, logger: logger.With("component", "history")}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS connection_history(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TEXT NOT NULL,
		connected INTEGER NOT NULL,
		endpoint TEXT,
		error TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Observe records snapshot if its connection state differs from the last
// one recorded. It is meant to be attached as a status listener.
func (s *Sink) Observe(snap status.Snapshot) {
	if !snap.Connected && snap.Endpoint == "" && snap.Error == status.InitialError {
		return
	}
	e := Event{OccurredAt: s.now(), Connected: snap.Connected, Endpoint: snap.Endpoint, Error: snap.Error}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && s.last.Connected == e.Connected && s.last.Error == e.Error && s.last.Endpoint == e.Endpoint {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, e); err != nil {
		s.logger.Error("recording connection change", "error", err)
		return
	}
	s.last = &e
}

func (s *Sink) Record(ctx context.Context, e Event) error {
	var endpoint, errText sql.NullString
	if e.Endpoint != "" {
		endpoint = sql.NullString{String: e.Endpoint, Valid: true}
	}
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_history(occurred_at, connected, endpoint, error)
		VALUES(?, ?, ?, ?);`,
		e.OccurredAt.UTC().Format(time.RFC3339Nano), e.Connected, endpoint, errText)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, connected, endpoint, error
		FROM connection_history ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e        Event
			at       string
			endpoint sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Connected, &endpoint, &errText); err != nil {
			return nil, err
		}
		if e.OccurredAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("event %d: %w", e.ID, err)
		}
		e.Endpoint, e.Error = endpoint.String, errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
