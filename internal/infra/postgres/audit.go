// Package postgres persists the consent audit trail in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/port"
)

// Schema creates the audit table. Sequence is unique per consent so two
// writers racing on the same consent cannot both commit the same position.
const Schema = `
create table if not exists consent_audit (
	id          text primary key,
	consent_id  text        not null,
	sequence    bigint      not null,
	action      text        not null,
	occurred_at timestamptz not null,
	detail      text        not null default '',
	unique (consent_id, sequence)
)`

// AuditLog is a port.AuditLog backed by PostgreSQL.
type AuditLog struct {
	db *sql.DB
}

var _ port.AuditLog = (*AuditLog)(nil)

// Open connects with the pgx driver.
func Open(dsn string) (*AuditLog, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &AuditLog{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (l *AuditLog) Close() error { return l.db.Close() }

// Ping checks connectivity, used by readiness.
func (l *AuditLog) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

// Migrate applies Schema.
func (l *AuditLog) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate consent_audit: %w", err)
	}
	return nil
}

// Append inserts entry at the next sequence for its consent.
func (l *AuditLog) Append(ctx context.Context, entry *domain.ConsentAuditEntry) error {
	err := l.db.QueryRowContext(ctx, `
		insert into consent_audit(id, consent_id, sequence, action, occurred_at, detail)
		select $1, $2, coalesce(max(sequence), 0) + 1, $3, $4, $5
		from consent_audit where consent_id = $2
		returning sequence
	`, entry.ID, entry.ConsentID, string(entry.Action), entry.Timestamp.UTC(), entry.Detail).Scan(&entry.Sequence)
	if err != nil {
		return fmt.Errorf("append audit entry for %s: %w", entry.ConsentID, err)
	}
	return nil
}

// List returns the consent's entries ordered by sequence.
func (l *AuditLog) List(ctx context.Context, consentID string) ([]domain.ConsentAuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		select id, consent_id, sequence, action, occurred_at, detail
		from consent_audit
		where consent_id = $1
		order by sequence
	`, consentID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", consentID, err)
	}
	defer rows.Close()

	var out []domain.ConsentAuditEntry
	for rows.Next() {
		var (
			e      domain.ConsentAuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.ConsentID, &e.Sequence, &action, &e.Timestamp, &e.Detail); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
