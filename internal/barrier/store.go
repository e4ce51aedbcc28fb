package barrier

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps pending notification entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*PendingNotification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*PendingNotification)}
}

func (s *MemoryStore) Put(_ context.Context, n *PendingNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.entries[n.SessionID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*PendingNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*PendingNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingNotification, 0, len(s.entries))
	for _, n := range s.entries {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sessionID]; !ok {
		return ErrNotFound
	}
	delete(s.entries, sessionID)
	return nil
}

// PostgresStore persists pending notification entries in PostgreSQL so the
// barrier survives device restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, n *PendingNotification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_notifications (session_id, status, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status`,
		n.SessionID, n.Status, n.CreatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*PendingNotification, error) {
	var n PendingNotification
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, created_at
		FROM pending_notifications WHERE session_id = $1`, sessionID).
		Scan(&n.SessionID, &n.Status, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*PendingNotification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, status, created_at
		FROM pending_notifications ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingNotification
	for rows.Next() {
		var n PendingNotification
		if err := rows.Scan(&n.SessionID, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_notifications WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
