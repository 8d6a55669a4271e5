package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is one managed terminal's lifecycle row.
type SessionRecord struct {
	ID        string
	Command   string
	Args      []string
	Cwd       string
	TermLabel string
	Cols      int
	Rows      int
	Pid       *int
	ExitCode  *int
	StartedAt time.Time
	EndedAt   *time.Time
}

// TitleRecord is one observed title change.
type TitleRecord struct {
	SessionID  string
	Title      string
	ObservedAt time.Time
}

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Create inserts the record, assigning an id and start timestamp when unset.
func (r *SessionRepo) Create(ctx context.Context, rec *SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = nowUTC()
	}
	args, err := encodeArgs(rec.Args)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO terminal_sessions (id, command, args, cwd, term_label, cols, rows, pid, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.Command, args, rec.Cwd, rec.TermLabel, rec.Cols, rec.Rows, nullIfNilInt(rec.Pid), formatTimestamp(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// RecordPid sets the pid once the spawn facility has reported it.
func (r *SessionRepo) RecordPid(ctx context.Context, id string, pid int) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE terminal_sessions SET pid = ? WHERE id = ?`, pid, id); err != nil {
		return fmt.Errorf("failed to record pid for session %q: %w", id, err)
	}
	return nil
}

// RecordExit closes the row with the final exit code.
func (r *SessionRepo) RecordExit(ctx context.Context, id string, exitCode int, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE terminal_sessions SET exit_code = ?, ended_at = ? WHERE id = ?
`, exitCode, formatTimestamp(endedAt), id)
	if err != nil {
		return fmt.Errorf("failed to record exit for session %q: %w", id, err)
	}
	return nil
}

// RecordTitle appends an observed title change.
func (r *SessionRepo) RecordTitle(ctx context.Context, id string, title string, observedAt time.Time) error {
	if observedAt.IsZero() {
		observedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO terminal_titles (session_id, title, observed_at) VALUES (?, ?, ?)
`, id, title, formatTimestamp(observedAt))
	if err != nil {
		return fmt.Errorf("failed to record title for session %q: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, command, args, cwd, term_label, cols, rows, pid, exit_code, started_at, ended_at
FROM terminal_sessions WHERE id = ?
`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return rec, nil
}

// List returns sessions newest first, up to limit (all when limit <= 0).
func (r *SessionRepo) List(ctx context.Context, limit int) ([]*SessionRecord, error) {
	query := `
SELECT id, command, args, cwd, term_label, cols, rows, pid, exit_code, started_at, ended_at
FROM terminal_sessions ORDER BY started_at DESC, id DESC
`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var result []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Titles returns the title trail of a session in observation order.
func (r *SessionRepo) Titles(ctx context.Context, id string) ([]TitleRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, title, observed_at FROM terminal_titles
WHERE session_id = ? ORDER BY id ASC
`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list titles for session %q: %w", id, err)
	}
	defer rows.Close()

	var result []TitleRecord
	for rows.Next() {
		var rec TitleRecord
		var observed string
		if err := rows.Scan(&rec.SessionID, &rec.Title, &observed); err != nil {
			return nil, fmt.Errorf("failed to scan title row: %w", err)
		}
		ts, err := parseTimestamp(observed)
		if err != nil {
			return nil, err
		}
		rec.ObservedAt = ts
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var args, startedAt string
	var pid, exitCode sql.NullInt64
	var endedAt sql.NullString

	if err := row.Scan(&rec.ID, &rec.Command, &args, &rec.Cwd, &rec.TermLabel,
		&rec.Cols, &rec.Rows, &pid, &exitCode, &startedAt, &endedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args %q: %w", args, err)
	}
	if pid.Valid {
		v := int(pid.Int64)
		rec.Pid = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		rec.ExitCode = &v
	}
	ts, err := parseTimestamp(startedAt)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = ts
	if endedAt.Valid {
		ts, err := parseTimestamp(endedAt.String)
		if err != nil {
			return nil, err
		}
		rec.EndedAt = &ts
	}
	return &rec, nil
}

func encodeArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	buf, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode args: %w", err)
	}
	return string(buf), nil
}

func nullIfNilInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
