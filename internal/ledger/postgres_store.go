package ledger

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed mutation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the mutations table. cmd/migrate is the canonical path; this
// exists so a fresh device can bootstrap without the migration binary.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mutations (
			id           VARCHAR(40) PRIMARY KEY,
			entity_type  VARCHAR(20) NOT NULL,
			entity_key   VARCHAR(64) NOT NULL,
			status       VARCHAR(24) NOT NULL,
			payload      JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_mutations_entity UNIQUE (entity_type, entity_key),
			CONSTRAINT chk_mutations_status CHECK (status <> '')
		);
		CREATE INDEX IF NOT EXISTS idx_mutations_type_status ON mutations(entity_type, status);
		CREATE INDEX IF NOT EXISTS idx_mutations_created ON mutations(created_at);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, m *Mutation) error {
	if m.Status == StatusUndefined {
		return ErrNoStatus
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mutations (id, entity_type, entity_key, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.EntityType, m.EntityKey, m.Status, []byte(m.Payload), m.CreatedAt, m.UpdatedAt)
	return err
}

func (p *PostgresStore) GetByEntity(ctx context.Context, t EntityType, key string) (*Mutation, error) {
	m := &Mutation{}
	var payload []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_key, status, payload, created_at, updated_at
		FROM mutations WHERE entity_type = $1 AND entity_key = $2
	`, t, key).Scan(&m.ID, &m.EntityType, &m.EntityKey, &m.Status, &payload, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	return m, nil
}

func (p *PostgresStore) Update(ctx context.Context, m *Mutation) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE mutations SET status = $2, payload = $3, updated_at = $4 WHERE id = $1
	`, m.ID, m.Status, []byte(m.Payload), m.UpdatedAt)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status SyncStatus) error {
	if status == StatusUndefined {
		return ErrNoStatus
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE mutations SET status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Mutation, error) {
	q := `
		SELECT id, entity_type, entity_key, status, payload, created_at, updated_at
		FROM mutations WHERE 1=1`
	var args []any
	if f.EntityType != "" {
		args = append(args, f.EntityType)
		q += ` AND entity_type = $` + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		q += ` AND status = $` + itoa(len(args))
	}
	if f.PendingOnly {
		args = append(args, StatusSynced)
		q += ` AND status <> $` + itoa(len(args))
	}
	q += ` ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mutation
	for rows.Next() {
		m := &Mutation{}
		var payload []byte
		if err := rows.Scan(&m.ID, &m.EntityType, &m.EntityKey, &m.Status, &payload, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
