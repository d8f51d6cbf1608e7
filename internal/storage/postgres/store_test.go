package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/storage"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func accountRows(t *testing.T) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "user_id", "handle", "status", "flood_wait_until", "blocked_until",
		"used_invites_today", "used_messages_today", "used_contacts_today",
		"target_usage", "reset_at", "error_count", "last_used_at", "created_at", "updated_at",
	})
}

func TestGetAccount(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT(.|\n)+FROM pool_accounts(.|\n)+WHERE id = \\$1").
		WithArgs("acct-1").
		WillReturnRows(accountRows(t).AddRow(
			"acct-1", "user-1", "+15550100", "active", nil, nil,
			5, 2, 0,
			[]byte(`{"chan-9":{"today":3,"lifetime":40}}`),
			now.Add(12*time.Hour), 0, now.Add(-time.Hour), now.Add(-48*time.Hour), now,
		))

	acct, err := repo.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acct.UsedInvitesToday != 5 || acct.Status != account.StatusActive {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if tu := acct.TargetUsageFor("chan-9"); tu.Today != 3 || tu.Lifetime != 40 {
		t.Fatalf("target usage not decoded: %+v", tu)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT(.|\n)+FROM pool_accounts").
		WithArgs("missing").
		WillReturnRows(accountRows(t))

	_, err := repo.GetAccount(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE pool_accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetStatus(context.Background(), "missing", account.StatusBlocked, nil, nil, true)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchLastUsed(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE pool_accounts(.|\n)+SET last_used_at").
		WithArgs("acct-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.TouchLastUsed(context.Background(), "acct-1", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIncrementUsageLocksRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT(.|\n)+FOR UPDATE").
		WithArgs("acct-1").
		WillReturnRows(accountRows(t).AddRow(
			"acct-1", "user-1", "+15550100", "active", nil, nil,
			5, 0, 0, []byte(`{}`),
			now.Add(12*time.Hour), 0, nil, now.Add(-48*time.Hour), now,
		))
	mock.ExpectExec("UPDATE pool_accounts").
		WithArgs("acct-1", 7, 0, 0, []byte(`{"chan-9":{"today":2,"lifetime":2}}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.IncrementUsage(context.Background(), "acct-1", account.UsageDelta{
		Invites: 2,
		Targets: map[string]int{"chan-9": 2},
	})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
