package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGCreatePrincipalDuplicateLogin(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("insert into principals").
		WithArgs(sqlmock.AnyArg(), "alice", "a@example.test", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "principals_login_key"})

	err := store.CreatePrincipal(context.Background(), &Principal{
		Login:        "alice",
		Email:        "a@example.test",
		PasswordHash: "x",
	})
	if !errors.Is(err, ErrDuplicateLogin) {
		t.Fatalf("expected ErrDuplicateLogin, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindPrincipalLoadsMembershipSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select id, login, email, password_hash, permissions, created_at, updated_at").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "login", "email", "password_hash", "permissions", "created_at", "updated_at"},
		).AddRow("p1", "alice", "a@example.test", "hash", []byte(`["reports.read"]`), now, now))
	mock.ExpectQuery("from permission_groups g").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "name", "permissions", "created_at"},
		).AddRow("g1", "auditors", []byte(`["reports.write"]`), now))
	mock.ExpectCommit()

	p, err := store.FindPrincipal(context.Background(), "p1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(p.Permissions) != 1 || p.Permissions[0] != "reports.read" {
		t.Fatalf("unexpected permissions: %v", p.Permissions)
	}
	if len(p.Groups) != 1 || p.Groups[0].Name != "auditors" {
		t.Fatalf("unexpected groups: %+v", p.Groups)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindPrincipalNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select id, login, email").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "login", "email", "password_hash", "permissions", "created_at", "updated_at"}))
	mock.ExpectRollback()

	if _, err := store.FindPrincipal(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestPGFindTokenNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select value, principal_id, expires_at, created_at").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"value", "principal_id", "expires_at", "created_at"}))

	if _, err := store.FindToken(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPGSetTokenExpiryMissingToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update bearer_tokens set expires_at").
		WithArgs("nope", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select value, principal_id, expires_at, created_at").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"value", "principal_id", "expires_at", "created_at"}))

	err := store.SetTokenExpiry(context.Background(), "nope", now, now.Add(time.Minute))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPGSetTokenExpiryDeadToken(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// The conditional update skips an inactive row; the record still exists,
	// so the outcome is expired rather than invalid.
	mock.ExpectExec("update bearer_tokens set expires_at").
		WithArgs("tok-dead", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select value, principal_id, expires_at, created_at").
		WithArgs("tok-dead").
		WillReturnRows(sqlmock.NewRows(
			[]string{"value", "principal_id", "expires_at", "created_at"},
		).AddRow("tok-dead", "p1", now.Add(-time.Minute), now.Add(-time.Hour)))

	err := store.SetTokenExpiry(context.Background(), "tok-dead", now, now.Add(time.Minute))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGIssueOrRefreshTokenRefreshesActive(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	expires := now.Add(15 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("select id from principals where id").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectQuery("select value, principal_id, expires_at, created_at").
		WithArgs("p1", now).
		WillReturnRows(sqlmock.NewRows(
			[]string{"value", "principal_id", "expires_at", "created_at"},
		).AddRow("tok-active", "p1", now.Add(time.Minute), now.Add(-time.Hour)))
	mock.ExpectExec("update bearer_tokens set expires_at").
		WithArgs("tok-active", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tok, err := store.IssueOrRefreshToken(context.Background(), "p1", "tok-fresh", now, expires)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Value != "tok-active" {
		t.Fatalf("active token must be refreshed, got %q", tok.Value)
	}
	if !tok.ExpiresAt.Equal(expires) {
		t.Fatalf("expiry not extended: %v", tok.ExpiresAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGIssueOrRefreshTokenInsertsFresh(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	expires := now.Add(15 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("select id from principals where id").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectQuery("select value, principal_id, expires_at, created_at").
		WithArgs("p1", now).
		WillReturnRows(sqlmock.NewRows([]string{"value", "principal_id", "expires_at", "created_at"}))
	mock.ExpectExec("insert into bearer_tokens").
		WithArgs("tok-fresh", "p1", expires, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tok, err := store.IssueOrRefreshToken(context.Background(), "p1", "tok-fresh", now, expires)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Value != "tok-fresh" {
		t.Fatalf("expected fresh token, got %q", tok.Value)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGIssueOrRefreshTokenUnknownPrincipal(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select id from principals where id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := store.IssueOrRefreshToken(context.Background(), "ghost", "tok", now, now.Add(time.Minute))
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestPGConsumeSigninCode(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update signin_codes set consumed_at").
		WithArgs("p1", "123456", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.ConsumeSigninCode(context.Background(), "p1", "123456", now); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Already consumed, expired or mismatched all affect zero rows.
	mock.ExpectExec("update signin_codes set consumed_at").
		WithArgs("p1", "123456", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.ConsumeSigninCode(context.Background(), "p1", "123456", now); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
}

func TestPGCheckRestoreCodeDoesNotConsume(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select 1 from restore_codes").
		WithArgs("p1", "654321", now).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	if err := store.CheckRestoreCode(context.Background(), "p1", "654321", now); err != nil {
		t.Fatalf("check: %v", err)
	}

	mock.ExpectQuery("select 1 from restore_codes").
		WithArgs("p1", "000000", now).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	if err := store.CheckRestoreCode(context.Background(), "p1", "000000", now); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGAddGroupMemberForeignKeys(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into group_members").
		WithArgs("g1", "ghost").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "group_members_principal_id_fkey"})
	if err := store.AddGroupMember(context.Background(), "g1", "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	mock.ExpectExec("insert into group_members").
		WithArgs("ghost", "p1").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "group_members_group_id_fkey"})
	if err := store.AddGroupMember(context.Background(), "ghost", "p1"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestPGUpdatePasswordMissingPrincipal(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update principals set password_hash").
		WithArgs("ghost", "hash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdatePassword(context.Background(), "ghost", "hash"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
