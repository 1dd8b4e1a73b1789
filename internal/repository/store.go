// Package repository is the durable, append-only archive of finished sessions
// and the recommendation artifacts derived from them.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// archiveSummaryColumns are returned by list queries; the transcript column is
// only read when a single session is fetched.
var archiveSummaryColumns = []string{
	"session_id", "ticket_id", "session_type", "status", "message_count",
	"started_at", "completed_at", "error_message",
}

// ArchiveFilter narrows ListArchivedSessions.
type ArchiveFilter struct {
	TicketID    string
	SessionType domain.SessionType
	Status      domain.SessionStatus
	Limit       int
	Offset      int
}

// Store implements the durable archive on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the archive database and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ArchiveSession inserts the durable record. Archiving the same session twice
// keeps the first record and reports created=false.
func (s *Store) ArchiveSession(ctx context.Context, rec *domain.ArchivedSession) (bool, error) {
	blob, err := encodeMessages(rec.Messages)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO archived_sessions
		 (session_id, ticket_id, session_type, status, messages, message_count, started_at, completed_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, nullString(rec.TicketID), string(rec.SessionType), string(rec.Status), blob, len(rec.Messages),
		rec.StartedAt.UnixMilli(), rec.CompletedAt.UnixMilli(), nullString(rec.ErrorMessage))
	if err != nil {
		return false, fmt.Errorf("failed to archive session %s: %w", rec.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to archive session %s: %w", rec.SessionID, err)
	}
	return n > 0, nil
}

// GetArchivedSession retrieves an archived session with its transcript.
// Returns nil, nil if not found.
func (s *Store) GetArchivedSession(ctx context.Context, sessionID string) (*domain.ArchivedSession, error) {
	var rec domain.ArchivedSession
	var ticketID, errMsg sql.NullString
	var blob []byte
	var startedAt, completedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, ticket_id, session_type, status, messages, message_count, started_at, completed_at, error_message
		 FROM archived_sessions WHERE session_id = ?`, sessionID,
	).Scan(&rec.SessionID, &ticketID, &rec.SessionType, &rec.Status, &blob, &rec.MessageCount,
		&startedAt, &completedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived session %s: %w", sessionID, err)
	}

	rec.Messages, err = decodeMessages(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode archived session %s: %w", sessionID, err)
	}
	rec.TicketID = ticketID.String
	rec.ErrorMessage = errMsg.String
	rec.StartedAt = time.UnixMilli(startedAt).UTC()
	rec.CompletedAt = time.UnixMilli(completedAt).UTC()
	return &rec, nil
}

// ListArchivedSessions lists archived sessions, newest first, without
// transcripts.
func (s *Store) ListArchivedSessions(ctx context.Context, filter ArchiveFilter) ([]domain.ArchivedSession, error) {
	qb := sq.Select(archiveSummaryColumns...).From("archived_sessions")
	if filter.TicketID != "" {
		qb = qb.Where(sq.Eq{"ticket_id": filter.TicketID})
	}
	if filter.SessionType != "" {
		qb = qb.Where(sq.Eq{"session_type": string(filter.SessionType)})
	}
	if filter.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(filter.Status)})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	qb = qb.OrderBy("completed_at DESC", "session_id").Limit(uint64(limit))
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build archive query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	defer rows.Close()

	out := []domain.ArchivedSession{}
	for rows.Next() {
		var rec domain.ArchivedSession
		var ticketID, errMsg sql.NullString
		var startedAt, completedAt int64
		if err := rows.Scan(&rec.SessionID, &ticketID, &rec.SessionType, &rec.Status, &rec.MessageCount,
			&startedAt, &completedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan archived session: %w", err)
		}
		rec.TicketID = ticketID.String
		rec.ErrorMessage = errMsg.String
		rec.StartedAt = time.UnixMilli(startedAt).UTC()
		rec.CompletedAt = time.UnixMilli(completedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	return out, nil
}

// RecordRecommendation stores the recommendation for a session. A session has
// at most one recommendation; repeats report created=false.
func (s *Store) RecordRecommendation(ctx context.Context, rec *domain.Recommendation) (bool, error) {
	if rec.ID == "" {
		rec.ID = "rec_" + uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO recommendations (id, session_id, ticket_id, summary, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, nullString(rec.TicketID), rec.Summary, rec.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to record recommendation for session %s: %w", rec.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record recommendation for session %s: %w", rec.SessionID, err)
	}
	return n > 0, nil
}

// ListRecommendations lists a ticket's recommendations, newest first.
func (s *Store) ListRecommendations(ctx context.Context, ticketID string) ([]domain.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, ticket_id, summary, created_at FROM recommendations
		 WHERE ticket_id = ? ORDER BY created_at DESC, id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	out := []domain.Recommendation{}
	for rows.Next() {
		var rec domain.Recommendation
		var tid sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &tid, &rec.Summary, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		rec.TicketID = tid.String
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
