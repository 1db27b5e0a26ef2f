// Package syncqueue is the durable queue of form submissions that could not
// reach the origin, replayed when a background sync event arrives.
package syncqueue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

type State string

const (
	StatePending  State = "pending"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
	StateRetrying State = "failed-retryable"
)

// ErrNotFound is returned for unknown submission ids.
var ErrNotFound = errors.New(errors.CodeNotFound, "Submission not found")

// Submission is one captured request waiting to be replayed.
type Submission struct {
	ID          string    `json:"id"`
	Tag         string    `json:"tag"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
}

// Queue stores submissions in SQLite, ordered by creation time.
type Queue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	log        zerolog.Logger
}

// Open opens (or creates) the queue db.
// If file name is empty, a new in-memory db is opened.
func Open(filename string, logger zerolog.Logger) (*Queue, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "Could not open queue db")
	}
	db.SetMaxOpenConns(1)
	statements := []string{
		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			tag TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			body BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		"CREATE INDEX IF NOT EXISTS submissions_order_idx ON submissions (tag, created_at)",
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, errors.CodeDatabase, "Could not initialize queue db")
		}
	}
	q := &Queue{
		db:         db,
		writeMutex: &sync.Mutex{},
		log:        logger.With().Str("component", "syncqueue").Logger(),
	}
	if _, err := q.ResetInterrupted(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// ResetInterrupted turns submissions left in syncing by an interrupted run
// into failed-retryable, so the next sync replays them.
// Open calls it; a queue db must not be shared by running processes.
func (q *Queue) ResetInterrupted(ctx context.Context) (int64, error) {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	result, err := q.db.ExecContext(ctx, `UPDATE submissions SET state = ?, last_error = ?, updated_at = ?
		WHERE state = ?`, StateRetrying, "sync interrupted", time.Now().UnixNano(), StateSyncing)
	if err != nil {
		return 0, wrapDB(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapDB(err)
	}
	if n > 0 {
		q.log.Warn().Int64("count", n).Msg("Reset interrupted submissions")
	}
	return n, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores a new pending submission and returns it with id and timestamps set.
func (q *Queue) Enqueue(ctx context.Context, s Submission) (Submission, error) {
	if s.Tag == "" || s.URL == "" {
		return s, errors.New(errors.CodeInvalidInput, "Submission needs tag and url")
	}
	if s.Method == "" {
		s.Method = "POST"
	}
	now := time.Now()
	s.ID = uuid.NewString()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.State = StatePending
	s.Attempts = 0
	s.LastError = ""

	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx, `INSERT INTO submissions
		(id, tag, method, url, content_type, body, created_at, updated_at, state, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')`,
		s.ID, s.Tag, s.Method, s.URL, s.ContentType, s.Body,
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(), s.State)
	if err != nil {
		return s, wrapDB(err)
	}
	q.log.Debug().Str("id", s.ID).Str("tag", s.Tag).Str("url", s.URL).Msg("Queued submission")
	return s, nil
}

const selectColumns = `SELECT id, tag, method, url, content_type, body,
	created_at, updated_at, state, attempts, last_error FROM submissions`

// Pending returns the submissions of a tag still waiting to be synced
// (pending and failed-retryable), oldest first.
func (q *Queue) Pending(ctx context.Context, tag string) ([]Submission, error) {
	return q.query(ctx, selectColumns+` WHERE tag = ? AND state IN (?, ?)
		ORDER BY created_at ASC, rowid ASC`, tag, StatePending, StateRetrying)
}

// All returns every submission regardless of state, oldest first.
func (q *Queue) All(ctx context.Context) ([]Submission, error) {
	return q.query(ctx, selectColumns+" ORDER BY created_at ASC, rowid ASC")
}

func (q *Queue) Get(ctx context.Context, id string) (Submission, error) {
	items, err := q.query(ctx, selectColumns+" WHERE id = ?", id)
	if err != nil {
		return Submission{}, err
	}
	if len(items) == 0 {
		return Submission{}, ErrNotFound
	}
	return items[0], nil
}

func (q *Queue) query(ctx context.Context, query string, args ...interface{}) ([]Submission, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	items := make([]Submission, 0)
	for rows.Next() {
		var s Submission
		var created, updated int64
		if err := rows.Scan(&s.ID, &s.Tag, &s.Method, &s.URL, &s.ContentType, &s.Body,
			&created, &updated, &s.State, &s.Attempts, &s.LastError); err != nil {
			return items, wrapDB(err)
		}
		s.CreatedAt = time.Unix(0, created)
		s.UpdatedAt = time.Unix(0, updated)
		items = append(items, s)
	}
	return items, wrapDB(rows.Err())
}

// MarkSyncing flags a submission as being replayed and counts the attempt.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	return q.update(ctx, `UPDATE submissions SET state = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?`, StateSyncing, time.Now().UnixNano(), id)
}

func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	return q.update(ctx, `UPDATE submissions SET state = ?, last_error = '', updated_at = ?
		WHERE id = ?`, StateSynced, time.Now().UnixNano(), id)
}

// MarkFailed records the failure; the submission stays in the queue for the next sync.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.update(ctx, `UPDATE submissions SET state = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, StateRetrying, msg, time.Now().UnixNano(), id)
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.update(ctx, "DELETE FROM submissions WHERE id = ?", id)
}

// PruneSynced deletes synced submissions and returns how many were removed.
func (q *Queue) PruneSynced(ctx context.Context) (int64, error) {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	result, err := q.db.ExecContext(ctx, "DELETE FROM submissions WHERE state = ?", StateSynced)
	if err != nil {
		return 0, wrapDB(err)
	}
	n, err := result.RowsAffected()
	return n, wrapDB(err)
}

// Counts returns the number of submissions per state.
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM submissions GROUP BY state")
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	counts := map[State]int{
		StatePending:  0,
		StateSyncing:  0,
		StateSynced:   0,
		StateRetrying: 0,
	}
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return counts, wrapDB(err)
		}
		counts[state] = n
	}
	return counts, wrapDB(rows.Err())
}

func (q *Queue) update(ctx context.Context, stmt string, args ...interface{}) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	result, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return wrapDB(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.CodeDatabase, "Queue db operation failed")
}
