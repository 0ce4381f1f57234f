// Package session records looper runs and their event history in SQLite.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/looper/internal/models"
)

// ErrNotFound is returned when a session ID is unknown.
var ErrNotFound = errors.New("session not found")

// Entry types written by the Recorder.
const (
	EntryIteration = "iteration"
	EntryProgress  = "progress"
	EntryRateLimit = "rate_limit"
	EntryError     = "error"
)

// Descriptor describes the run a session records.
type Descriptor struct {
	RequestID        string
	Instruction      string
	Subagent         models.Subagent
	Backend          models.BackendType
	WorkingDirectory string
	Model            string
	MaxIterations    int
}

// DescriptorFor builds a Descriptor from a request.
func DescriptorFor(req models.ExecutionRequest) Descriptor {
	return Descriptor{
		RequestID:        req.RequestID,
		Instruction:      req.Instruction,
		Subagent:         req.Subagent,
		Backend:          req.Backend,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		MaxIterations:    req.MaxIterations,
	}
}

// Session is one recorded run.
type Session struct {
	ID string
	Descriptor
	CreatedAt   time.Time
	CompletedAt *time.Time
	Outcome     *Outcome // nil while the run is in progress
}

// Entry is one history record of a session.
type Entry struct {
	ID        int64
	Type      string
	Content   string
	Data      map[string]any
	Iteration int
	CreatedAt time.Time
}

// Outcome is the final state of a session.
type Outcome struct {
	Success    bool
	Output     string
	Error      string
	FinalState models.ExecutionStatus
	Statistics *models.Statistics
}

// OutcomeFor builds an Outcome from an execution result.
func OutcomeFor(result *models.ExecutionResult) Outcome {
	stats := result.Statistics.Clone()
	o := Outcome{
		Success:    result.Succeeded(),
		FinalState: result.Status,
		Statistics: &stats,
	}
	if tr := result.LastToolResult(); tr != nil {
		o.Output = tr.Content
	}
	if result.Error != nil {
		o.Error = result.Error.Message
	}
	return o
}

// Manager is the session API consumed by the Recorder and the CLI.
type Manager interface {
	CreateSession(ctx context.Context, d Descriptor) (*Session, error)
	AddHistoryEntry(ctx context.Context, sessionID string, e Entry) error
	CompleteSession(ctx context.Context, sessionID string, o Outcome) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	History(ctx context.Context, sessionID string) ([]Entry, error)
}

// Store manages the SQLite session database
type Store struct {
	db     *sql.DB
	dbPath string
}

var _ Manager = (*Store)(nil)

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout goes first so subsequent pragmas wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateSession inserts a new in-progress session.
func (s *Store) CreateSession(ctx context.Context, d Descriptor) (*Session, error) {
	sess := &Session{
		ID:         uuid.NewString(),
		Descriptor: d,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, request_id, instruction, subagent, backend, working_directory, model, max_iterations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, d.RequestID, d.Instruction, string(d.Subagent), string(d.Backend),
		d.WorkingDirectory, d.Model, d.MaxIterations, sess.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// AddHistoryEntry appends e to the session history.
func (s *Store) AddHistoryEntry(ctx context.Context, sessionID string, e Entry) error {
	data := "{}"
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal entry data: %w", err)
		}
		data = string(b)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO session_history
		(session_id, entry_type, content, data, iteration, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, e.Type, e.Content, data, e.Iteration, created.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("add history entry to %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// CompleteSession stores the outcome of a session.
func (s *Store) CompleteSession(ctx context.Context, sessionID string, o Outcome) error {
	var stats sql.NullString
	if o.Statistics != nil {
		b, err := json.Marshal(o.Statistics)
		if err != nil {
			return fmt.Errorf("marshal statistics: %w", err)
		}
		stats = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `UPDATE sessions
		SET completed_at = ?, success = ?, final_state = ?, output = ?, error_message = ?, statistics = ?
		WHERE id = ?`,
		time.Now().UTC(), o.Success, string(o.FinalState), o.Output, o.Error, stats, sessionID,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, request_id, instruction, subagent, backend, working_directory, model,
	max_iterations, created_at, completed_at, success, final_state, output, error_message, statistics`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                              Session
		subagent, backend                 string
		model, finalState, output, errMsg sql.NullString
		stats                             sql.NullString
		completedAt                       sql.NullTime
		success                           sql.NullBool
	)
	err := row.Scan(&sess.ID, &sess.RequestID, &sess.Instruction, &subagent, &backend,
		&sess.WorkingDirectory, &model, &sess.MaxIterations, &sess.CreatedAt,
		&completedAt, &success, &finalState, &output, &errMsg, &stats)
	if err != nil {
		return nil, err
	}
	sess.Subagent = models.Subagent(subagent)
	sess.Backend = models.BackendType(backend)
	sess.Model = model.String

	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
		sess.Outcome = &Outcome{
			Success:    success.Bool,
			Output:     output.String,
			Error:      errMsg.String,
			FinalState: models.ExecutionStatus(finalState.String),
		}
		if stats.Valid && stats.String != "" {
			var st models.Statistics
			if err := json.Unmarshal([]byte(stats.String), &st); err != nil {
				return nil, fmt.Errorf("unmarshal statistics: %w", err)
			}
			sess.Outcome.Statistics = &st
		}
	}
	return &sess, nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// History returns the entries of a session in insertion order.
func (s *Store) History(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, entry_type, content, data, iteration, created_at
		FROM session_history WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			content, data sql.NullString
			iteration     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Type, &content, &data, &iteration, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Content = content.String
		e.Iteration = int(iteration.Int64)
		if data.Valid && data.String != "" && data.String != "{}" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal entry data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
