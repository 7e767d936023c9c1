package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// SessionModel is the Bun model for persisted client sessions. One row per namespace.
type SessionModel struct {
	bun.BaseModel `bun:"table:auth_client_sessions"`

	Namespace    string    `bun:"namespace,pk"`
	AccessToken  string    `bun:"access_token,notnull"`
	RefreshToken string    `bun:"refresh_token,notnull"`
	ExpiresAt    int64     `bun:"expires_at,notnull"`
	StaleChecks  int16     `bun:"stale_checks,notnull"`
	Notice       string    `bun:"notice,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

// BunPersister keeps records in a SQL table through Bun.
type BunPersister struct {
	db        bun.IDB
	namespace string
}

// NewBunPersister returns a persister for namespace and creates the table when
// it does not exist.
func NewBunPersister(ctx context.Context, db bun.IDB, namespace string) (*BunPersister, error) {
	if namespace == "" {
		namespace = "default"
	}
	_, err := db.NewCreateTable().
		Model((*SessionModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("create session table: %w", err)
	}
	return &BunPersister{db: db, namespace: namespace}, nil
}

// Load implements Persister.
func (p *BunPersister) Load(ctx context.Context) (*Record, error) {
	var model SessionModel
	err := p.db.NewSelect().
		Model(&model).
		Where("namespace = ?", p.namespace).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	if model.StaleChecks < 0 || model.StaleChecks > 255 {
		return nil, fmt.Errorf("%w: stale checks %d out of range", ErrCorruptRecord, model.StaleChecks)
	}

	rec := &Record{Notice: model.Notice}
	if model.AccessToken != "" {
		rec.Session = &Session{
			AccessToken:  model.AccessToken,
			RefreshToken: model.RefreshToken,
			StaleChecks:  uint8(model.StaleChecks),
		}
		if model.ExpiresAt != 0 {
			rec.Session.ExpiresAt = time.UnixMilli(model.ExpiresAt)
		}
	}
	return rec, nil
}

// Save implements Persister.
func (p *BunPersister) Save(ctx context.Context, rec *Record) error {
	model := &SessionModel{
		Namespace: p.namespace,
		Notice:    rec.Notice,
		UpdatedAt: time.Now().UTC(),
	}
	if rec.Session != nil {
		model.AccessToken = rec.Session.AccessToken
		model.RefreshToken = rec.Session.RefreshToken
		model.StaleChecks = int16(rec.Session.StaleChecks)
		if !rec.Session.ExpiresAt.IsZero() {
			model.ExpiresAt = rec.Session.ExpiresAt.UnixMilli()
		}
	}

	_, err := p.db.NewInsert().
		Model(model).
		On("CONFLICT (namespace) DO UPDATE").
		Set("access_token = EXCLUDED.access_token").
		Set("refresh_token = EXCLUDED.refresh_token").
		Set("expires_at = EXCLUDED.expires_at").
		Set("stale_checks = EXCLUDED.stale_checks").
		Set("notice = EXCLUDED.notice").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Delete implements Persister.
func (p *BunPersister) Delete(ctx context.Context) error {
	_, err := p.db.NewDelete().
		Model((*SessionModel)(nil)).
		Where("namespace = ?", p.namespace).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

var _ Persister = (*BunPersister)(nil)
