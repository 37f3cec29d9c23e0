package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mindbridge/internal/observability"
	"mindbridge/pkg/database"
	"mindbridge/pkg/interfaces"
	"mindbridge/pkg/types"
)

const (
	writeQueueSize = 100
	writeTimeout   = 30 * time.Second
)

var _ interfaces.Store = (*Store)(nil)

// Store is the default backing store. Reads use the connection pool
// directly; every write is funnelled through one goroutine because sqlite
// allows a single writer at a time.
type Store struct {
	db           *sql.DB
	config       *database.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	log          *slog.Logger

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// Open connects to the configured file, applies pragmas and migrations,
// validates the resulting schema, and starts the writer loop.
func Open(cfg *database.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := database.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite pragmas: %w", err)
	}
	if err := database.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := database.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	s := &Store{
		db:           db,
		config:       cfg,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		log:          observability.Component("store.sqlite"),
	}
	s.wg.Add(1)
	go s.writeLoop()

	s.log.Info("sqlite store opened", "path", cfg.DatabasePath)
	return s, nil
}

// writeLoop runs each write, retrying exactly once after WriteRetryDelay.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(op.ctx, s.db)
			if err != nil && op.ctx.Err() == nil {
				s.log.Warn("write failed, retrying", "error", err, "delay", s.config.WriteRetryDelay)
				select {
				case <-time.After(s.config.WriteRetryDelay):
					err = op.operation(op.ctx, s.db)
				case <-op.ctx.Done():
				case <-s.shutdown:
				}
				if err != nil {
					s.log.Error("write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()

	select {
	case s.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-s.shutdown:
		return ErrClosed
	}
}

// FindTherapists implements interfaces.TherapistStore.
func (s *Store) FindTherapists(ctx context.Context, q types.TherapistQuery) (*types.TherapistPage, error) {
	page := q.Page.Normalize()
	out := &types.TherapistPage{Therapists: []types.Therapist{}, Page: page.Page, Limit: page.Limit}
	if len(q.IDs) == 0 {
		return out, nil
	}

	where, args := therapistWhere(q)

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM therapists WHERE "+where, args...).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("failed to count therapists: %w", err)
	}
	if out.Total == 0 || page.Offset() >= out.Total {
		return out, nil
	}

	order := "alias, id"
	if page.Sort == "created_at" {
		order = "created_at, id"
	}
	query := `SELECT id, alias, specializations, languages, session_types, created_at
		FROM therapists WHERE ` + where + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to query therapists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		t, err := scanTherapist(rows)
		if err != nil {
			return nil, err
		}
		out.Therapists = append(out.Therapists, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read therapists: %w", err)
	}
	return out, nil
}

// therapistWhere restricts to q.IDs and matches each filter field against
// the JSON array column holding it.
func therapistWhere(q types.TherapistQuery) (string, []any) {
	placeholders := make([]string, len(q.IDs))
	args := make([]any, 0, len(q.IDs)+3)
	for i, id := range q.IDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	clauses := []string{"id IN (" + strings.Join(placeholders, ",") + ")"}

	contains := func(column, value string) {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(therapists."+column+") WHERE value = ?)")
		args = append(args, value)
	}
	if q.Filter.Specialization != "" {
		contains("specializations", q.Filter.Specialization)
	}
	if q.Filter.Language != "" {
		contains("languages", q.Filter.Language)
	}
	if q.Filter.SessionType != "" {
		contains("session_types", string(q.Filter.SessionType))
	}
	return strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTherapist(row scanner) (*types.Therapist, error) {
	var (
		t                              types.Therapist
		specs, langs, sessionTypesJSON string
	)
	if err := row.Scan(&t.ID, &t.Alias, &specs, &langs, &sessionTypesJSON, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan therapist: %w", err)
	}
	if err := json.Unmarshal([]byte(specs), &t.Specializations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal specializations: %w", err)
	}
	if err := json.Unmarshal([]byte(langs), &t.Languages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal languages: %w", err)
	}
	if err := json.Unmarshal([]byte(sessionTypesJSON), &t.SessionTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session types: %w", err)
	}
	return &t, nil
}

// CountTherapists implements interfaces.TherapistStore.
func (s *Store) CountTherapists(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM therapists").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count therapists: %w", err)
	}
	return n, nil
}

// FindTherapistStats implements interfaces.TherapistStore.
func (s *Store) FindTherapistStats(ctx context.Context, therapistID string) (*types.TherapistStats, error) {
	st := &types.TherapistStats{TherapistID: therapistID}

	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(score), 0), COUNT(*) FROM ratings WHERE therapist_id = ?",
		therapistID,
	).Scan(&st.AverageRating, &st.RatingCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ratings: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE therapist = ? AND status = 'completed'",
		therapistID,
	).Scan(&st.SessionsCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count completed sessions: %w", err)
	}
	return st, nil
}

// GetTherapist returns one profile, or nil when none exists.
func (s *Store) GetTherapist(ctx context.Context, id string) (*types.Therapist, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, alias, specializations, languages, session_types, created_at FROM therapists WHERE id = ?", id)
	t, err := scanTherapist(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// UpsertTherapist implements interfaces.TherapistStore. created_at is kept
// from the first insert.
func (s *Store) UpsertTherapist(ctx context.Context, t *types.Therapist) error {
	specs, err := marshalList(t.Specializations)
	if err != nil {
		return err
	}
	langs, err := marshalList(t.Languages)
	if err != nil {
		return err
	}
	sessionTypes, err := marshalList(t.SessionTypes)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO therapists (id, alias, specializations, languages, session_types, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				alias = excluded.alias,
				specializations = excluded.specializations,
				languages = excluded.languages,
				session_types = excluded.session_types
		`, t.ID, t.Alias, specs, langs, sessionTypes, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert therapist: %w", err)
		}
		return nil
	})
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(b), nil
}

// RecordSession implements interfaces.SessionRecorder.
func (s *Store) RecordSession(ctx context.Context, session *types.Session) error {
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, request_id, participant, therapist, session_type, start_time, status)
			VALUES (?, ?, ?, ?, ?, ?, 'active')
		`, session.ID, session.RequestID, session.Participant, session.Therapist, session.SessionType, session.StartTime)
		if err != nil {
			return fmt.Errorf("failed to record session: %w", err)
		}
		return nil
	})
}

// EndSession implements interfaces.SessionRecorder.
func (s *Store) EndSession(ctx context.Context, session *types.Session) error {
	end := time.Now().UTC()
	if session.EndTime != nil {
		end = *session.EndTime
	}
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"UPDATE sessions SET end_time = ?, status = 'completed' WHERE id = ?",
			end, session.ID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
		}
		return nil
	})
}

// ActiveSessions lists sessions that have not ended, oldest first.
func (s *Store) ActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, participant, therapist, session_type, start_time
		FROM sessions WHERE status = 'active' ORDER BY start_time
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		var sess types.Session
		if err := rows.Scan(&sess.ID, &sess.RequestID, &sess.Participant, &sess.Therapist, &sess.SessionType, &sess.StartTime); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// HealthCheck implements interfaces.TherapistStore.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM therapists").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the pool for schema validation and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops the writer loop and closes the pool. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
