// Package archive persists flow records to SQLite so history survives
// across proxy sessions.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fidiego/proxylite/pkg/flow"
)

// DefaultLimit is used by List when limit <= 0.
const DefaultLimit = 50

// Entry is one archived exchange.
type Entry struct {
	ID           int64         `json:"id"`
	Session      string        `json:"session"`
	Identity     string        `json:"identity"`
	Sequence     int64         `json:"sequence"`
	Host         string        `json:"host"`
	Method       string        `json:"method"`
	URL          string        `json:"url"`
	StatusCode   int           `json:"statusCode,omitempty"` // 0 while pending
	Duration     time.Duration `json:"duration"`
	RequestText  string        `json:"requestText"`
	ResponseText string        `json:"responseText"`
	Created      time.Time     `json:"created"`
}

// Archive is a SQLite-backed flow history. Each Archive value writes under
// its own session id; List and Search see every session.
type Archive struct {
	db      *sql.DB
	session string
}

// Open opens or creates the archive at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	// One connection: every ":memory:" connection is a separate database, and
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db, session: uuid.NewString()}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session       TEXT NOT NULL,
			identity      TEXT NOT NULL,
			seq           INTEGER NOT NULL,
			host          TEXT NOT NULL,
			method        TEXT NOT NULL,
			url           TEXT NOT NULL,
			status_code   INTEGER,
			duration_ns   INTEGER,
			request_text  TEXT,
			response_text TEXT,
			created       TEXT NOT NULL,
			UNIQUE(session, identity)
		);
		CREATE INDEX IF NOT EXISTS idx_flows_created ON flows(created DESC);
		CREATE INDEX IF NOT EXISTS idx_flows_url ON flows(url);
	`)
	if err != nil {
		return fmt.Errorf("creating flows table: %w", err)
	}
	return nil
}

// Session returns the id this Archive writes under.
func (a *Archive) Session() string { return a.session }

// Save inserts rec, or updates the existing row for the same identity once
// the response phase arrives.
func (a *Archive) Save(rec flow.Record) error {
	var status sql.NullInt64
	var duration int64
	if code, ok := rec.Status(); ok {
		status = sql.NullInt64{Int64: int64(code), Valid: true}
		duration = rec.Duration().Nanoseconds()
	}
	_, err := a.db.Exec(`
		INSERT INTO flows (session, identity, seq, host, method, url, status_code, duration_ns, request_text, response_text, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, identity) DO UPDATE SET
			status_code   = excluded.status_code,
			duration_ns   = excluded.duration_ns,
			response_text = excluded.response_text`,
		a.session, string(rec.Identity), rec.Sequence, rec.Host, rec.Method, rec.URL,
		status, duration, rec.RequestText(), rec.ResponseText(),
		rec.Created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving flow %s: %w", rec.Identity, err)
	}
	return nil
}

const selectEntries = `
	SELECT id, session, identity, seq, host, method, url, status_code, duration_ns, request_text, response_text, created
	FROM flows`

// List returns the most recent entries, newest first.
func (a *Archive) List(limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := a.db.Query(selectEntries+`
		ORDER BY created DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Search returns entries whose URL contains query.
func (a *Archive) Search(query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := a.db.Query(selectEntries+`
		WHERE url LIKE ?
		ORDER BY created DESC, id DESC
		LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("searching archive: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the number of archived entries.
func (a *Archive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM flows").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting archive: %w", err)
	}
	return n, nil
}

// Clear removes every entry from every session.
func (a *Archive) Clear() error {
	_, err := a.db.Exec("DELETE FROM flows")
	return err
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			status   sql.NullInt64
			duration sql.NullInt64
			reqText  sql.NullString
			respText sql.NullString
			created  string
		)
		err := rows.Scan(&e.ID, &e.Session, &e.Identity, &e.Sequence, &e.Host, &e.Method, &e.URL,
			&status, &duration, &reqText, &respText, &created)
		if err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}
		e.StatusCode = int(status.Int64)
		e.Duration = time.Duration(duration.Int64)
		e.RequestText = reqText.String
		e.ResponseText = respText.String
		e.Created, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
