// Package postgres implements the account repository backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/storage"
)

// Repository implements storage.AccountRepository on top of PostgreSQL.
type Repository struct {
	db *sqlx.DB
}

var _ storage.AccountRepository = (*Repository)(nil)

// New creates a Repository using the provided database handle.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// accountRow maps the pool_accounts table.
type accountRow struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	Handle            string         `db:"handle"`
	Status            string         `db:"status"`
	FloodWaitUntil    sql.NullTime   `db:"flood_wait_until"`
	BlockedUntil      sql.NullTime   `db:"blocked_until"`
	UsedInvitesToday  int            `db:"used_invites_today"`
	UsedMessagesToday int            `db:"used_messages_today"`
	UsedContactsToday int            `db:"used_contacts_today"`
	TargetUsage       []byte         `db:"target_usage"`
	ResetAt           time.Time      `db:"reset_at"`
	ErrorCount        int            `db:"error_count"`
	LastUsedAt        sql.NullTime   `db:"last_used_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

const accountColumns = `
	id, user_id, handle, status, flood_wait_until, blocked_until,
	used_invites_today, used_messages_today, used_contacts_today,
	target_usage, reset_at, error_count, last_used_at, created_at, updated_at`

func (row accountRow) toDomain() (account.Account, error) {
	acct := account.Account{
		ID:                row.ID,
		UserID:            row.UserID,
		Handle:            row.Handle,
		Status:            account.Status(row.Status),
		UsedInvitesToday:  row.UsedInvitesToday,
		UsedMessagesToday: row.UsedMessagesToday,
		UsedContactsToday: row.UsedContactsToday,
		ResetAt:           row.ResetAt.UTC(),
		ErrorCount:        row.ErrorCount,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}
	if row.FloodWaitUntil.Valid {
		t := row.FloodWaitUntil.Time.UTC()
		acct.FloodWaitUntil = &t
	}
	if row.BlockedUntil.Valid {
		t := row.BlockedUntil.Time.UTC()
		acct.BlockedUntil = &t
	}
	if row.LastUsedAt.Valid {
		acct.LastUsedAt = row.LastUsedAt.Time.UTC()
	}
	if len(row.TargetUsage) > 0 {
		if err := json.Unmarshal(row.TargetUsage, &acct.TargetUsage); err != nil {
			return account.Account{}, fmt.Errorf("decode target usage: %w", err)
		}
	}
	return acct, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func lastUsedNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalTargetUsage(usage map[string]account.TargetUsage) ([]byte, error) {
	if len(usage) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(usage)
}

func (r *Repository) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if acct.Status == "" {
		acct.Status = account.StatusActive
	}
	if acct.ResetAt.IsZero() {
		acct.ResetAt = account.NextReset(now)
	}

	usageJSON, err := marshalTargetUsage(acct.TargetUsage)
	if err != nil {
		return account.Account{}, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pool_accounts (
			id, user_id, handle, status, flood_wait_until, blocked_until,
			used_invites_today, used_messages_today, used_contacts_today,
			target_usage, reset_at, error_count, last_used_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, acct.ID, acct.UserID, acct.Handle, acct.Status,
		toNullTime(acct.FloodWaitUntil), toNullTime(acct.BlockedUntil),
		acct.UsedInvitesToday, acct.UsedMessagesToday, acct.UsedContactsToday,
		usageJSON, acct.ResetAt, acct.ErrorCount, lastUsedNullTime(acct.LastUsedAt),
		acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, err
	}
	return acct, nil
}

func (r *Repository) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM pool_accounts
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return account.Account{}, err
	}
	return row.toDomain()
}

func (r *Repository) GetEligibleAccounts(ctx context.Context, userID string) ([]account.Account, error) {
	var rows []accountRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM pool_accounts
		WHERE user_id = $1 AND status <> $2
		ORDER BY last_used_at NULLS FIRST
	`, userID, account.StatusDisabled)
	if err != nil {
		return nil, err
	}

	result := make([]account.Account, 0, len(rows))
	for _, row := range rows {
		acct, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, nil
}

func (r *Repository) UpdateAccount(ctx context.Context, acct account.Account) error {
	usageJSON, err := marshalTargetUsage(acct.TargetUsage)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE pool_accounts
		SET status = $2, flood_wait_until = $3, blocked_until = $4,
			used_invites_today = $5, used_messages_today = $6, used_contacts_today = $7,
			target_usage = $8, reset_at = $9, error_count = $10,
			last_used_at = $11, updated_at = now()
		WHERE id = $1
	`, acct.ID, acct.Status, toNullTime(acct.FloodWaitUntil), toNullTime(acct.BlockedUntil),
		acct.UsedInvitesToday, acct.UsedMessagesToday, acct.UsedContactsToday,
		usageJSON, acct.ResetAt, acct.ErrorCount, lastUsedNullTime(acct.LastUsedAt))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncrementUsage applies the delta inside a transaction so concurrent
// releases for the same account do not lose updates.
func (r *Repository) IncrementUsage(ctx context.Context, id string, delta account.UsageDelta) error {
	if delta.IsZero() {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage update: %w", err)
	}
	defer tx.Rollback()

	var row accountRow
	err = tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM pool_accounts
		WHERE id = $1
		FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}

	acct, err := row.toDomain()
	if err != nil {
		return err
	}
	acct = account.ApplyUsage(acct, delta)

	usageJSON, err := marshalTargetUsage(acct.TargetUsage)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pool_accounts
		SET used_invites_today = $2, used_messages_today = $3, used_contacts_today = $4,
			target_usage = $5, updated_at = now()
		WHERE id = $1
	`, id, acct.UsedInvitesToday, acct.UsedMessagesToday, acct.UsedContactsToday, usageJSON); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pool_accounts
		SET last_used_at = $2, updated_at = now()
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, status account.Status, floodWaitUntil, blockedUntil *time.Time, bumpErrorCount bool) error {
	bump := 0
	if bumpErrorCount {
		bump = 1
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE pool_accounts
		SET status = $2, flood_wait_until = $3, blocked_until = $4,
			error_count = error_count + $5, updated_at = now()
		WHERE id = $1
	`, id, status, toNullTime(floodWaitUntil), toNullTime(blockedUntil), bump)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *Repository) ResetErrorCount(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pool_accounts
		SET error_count = 0, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *Repository) ListDueForReset(ctx context.Context, asOf time.Time) ([]account.Account, error) {
	var rows []accountRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM pool_accounts
		WHERE status <> $1 AND reset_at <= $2
	`, account.StatusDisabled, asOf.UTC())
	if err != nil {
		return nil, err
	}

	result := make([]account.Account, 0, len(rows))
	for _, row := range rows {
		acct, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, nil
}
