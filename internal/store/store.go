// Package store persists questionnaires, submissions, gradings, quizzes and
// users in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a handle on the database. A Store passed to an InTx callback
// is bound to that transaction.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
	now  func() time.Time
}

// New opens (and migrates) the database at dbPath. ":memory:" is accepted.
// Transactions begin IMMEDIATE so a read-then-write sequence holds the
// write lock from its first statement.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	dsn := dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, q: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx runs fn inside a transaction. fn must use only the Store it is
// given. Returning an error rolls everything back. Nested calls join the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, inTx: true, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series_questionnaires (
		id TEXT PRIMARY KEY,
		lesson_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		ai_grading_prompt TEXT NOT NULL DEFAULT '',
		ai_grading_criteria TEXT NOT NULL DEFAULT '',
		max_score REAL NOT NULL DEFAULT 100,
		created_by INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series_questions (
		id TEXT PRIMARY KEY,
		questionnaire_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		min_words INTEGER NOT NULL DEFAULT 0,
		max_words INTEGER NOT NULL DEFAULT 0,
		required BOOLEAN NOT NULL DEFAULT 1,
		FOREIGN KEY (questionnaire_id) REFERENCES series_questionnaires(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS series_submissions (
		id TEXT PRIMARY KEY,
		questionnaire_id TEXT NOT NULL,
		student_id INTEGER NOT NULL,
		answers TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'draft',
		submitted_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (questionnaire_id) REFERENCES series_questionnaires(id)
	);
	CREATE INDEX IF NOT EXISTS idx_series_submissions_status ON series_submissions(status);

	CREATE TABLE IF NOT EXISTS series_ai_gradings (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL UNIQUE,
		ai_score REAL,
		ai_feedback TEXT NOT NULL DEFAULT '',
		ai_detailed_feedback TEXT,
		grading_criteria_used TEXT NOT NULL DEFAULT '',
		final_score REAL,
		teacher_score REAL,
		teacher_feedback TEXT NOT NULL DEFAULT '',
		teacher_id INTEGER,
		teacher_reviewed_at DATETIME,
		graded_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES series_submissions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quizzes (
		id TEXT PRIMARY KEY,
		lesson_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quiz_questions (
		id TEXT PRIMARY KEY,
		quiz_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		options TEXT NOT NULL DEFAULT '[]',
		correct_option TEXT NOT NULL DEFAULT '',
		correct_options TEXT NOT NULL DEFAULT '[]',
		scoring_mode TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS quiz_attempts (
		id TEXT PRIMARY KEY,
		quiz_id TEXT NOT NULL,
		student_id INTEGER NOT NULL,
		answers TEXT NOT NULL,
		score INTEGER NOT NULL,
		strict_correct_count INTEGER NOT NULL,
		total_questions INTEGER NOT NULL,
		complete BOOLEAN NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
