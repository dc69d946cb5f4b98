package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"keygate.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL via database/sql (pgx stdlib
// driver). The atomic contract operations run inside transactions; token
// issuance serializes per principal by locking the principal row.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func (s *PGStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	perms, err := json.Marshal(dedupeTags(p.Permissions))
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, login, email, password_hash, permissions)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, p.ID, p.Login, p.Email, p.PasswordHash, perms)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ErrDuplicateLogin
		}
		return err
	}
	return nil
}

func (s *PGStore) FindPrincipal(ctx context.Context, id string) (Principal, error) {
	return s.findPrincipal(ctx, `where id = $1`, id)
}

func (s *PGStore) FindPrincipalByLogin(ctx context.Context, login string) (Principal, error) {
	return s.findPrincipal(ctx, `where login = $1`, login)
}

// findPrincipal loads the principal row and its group memberships inside a
// repeatable-read transaction, so the permission snapshot never interleaves
// with a concurrent membership edit.
func (s *PGStore) findPrincipal(ctx context.Context, where string, arg any) (Principal, error) {
	if s.db == nil {
		return Principal{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return Principal{}, err
	}
	defer tx.Rollback()

	p, err := scanPrincipal(tx.QueryRowContext(ctx, `
		select id, login, email, password_hash, permissions, created_at, updated_at
		from principals `+where, arg))
	if err != nil {
		return Principal{}, err
	}
	if p.Groups, err = loadGroups(ctx, tx, p.ID); err != nil {
		return Principal{}, err
	}
	return p, tx.Commit()
}

func (s *PGStore) ListPrincipals(ctx context.Context, limit, offset int) ([]Principal, int, error) {
	if s.db == nil {
		return nil, 0, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `select count(*) from principals`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := tx.QueryContext(ctx, `
		select id, login, email, password_hash, permissions, created_at, updated_at
		from principals
		order by login
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var page []Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range page {
		if page[i].Groups, err = loadGroups(ctx, tx, page[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return page, total, tx.Commit()
}

func (s *PGStore) UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error) {
	if s.db == nil {
		return Principal{}, errors.New("database connection unavailable")
	}
	sets := []string{"updated_at = now()"}
	args := []any{id}
	if upd.Login != nil {
		args = append(args, *upd.Login)
		sets = append(sets, fmt.Sprintf("login = $%d", len(args)))
	}
	if upd.Email != nil {
		args = append(args, *upd.Email)
		sets = append(sets, fmt.Sprintf("email = $%d", len(args)))
	}
	if upd.Permissions != nil {
		perms, err := json.Marshal(*upd.Permissions)
		if err != nil {
			return Principal{}, fmt.Errorf("marshal permissions: %w", err)
		}
		args = append(args, perms)
		sets = append(sets, fmt.Sprintf("permissions = $%d", len(args)))
	}
	query := fmt.Sprintf(`
		update principals set %s
		where id = $1
		returning id, login, email, password_hash, permissions, created_at, updated_at
	`, strings.Join(sets, ", "))

	p, err := scanPrincipal(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return Principal{}, ErrDuplicateLogin
		}
		return Principal{}, err
	}
	return s.FindPrincipal(ctx, p.ID)
}

func (s *PGStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update principals set password_hash = $2, updated_at = now()
		where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	return mustAffect(res, ErrUserNotFound)
}

func (s *PGStore) DeletePrincipal(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	// Memberships, tokens and codes go with the row via on delete cascade.
	res, err := s.db.ExecContext(ctx, `delete from principals where id = $1`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, ErrUserNotFound)
}

func (s *PGStore) CreateGroup(ctx context.Context, g *PermissionGroup) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	perms, err := json.Marshal(dedupeTags(g.Permissions))
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into permission_groups (id, name, permissions)
		values ($1, $2, $3)
		returning created_at
	`, g.ID, g.Name, perms)
	return row.Scan(&g.CreatedAt)
}

func (s *PGStore) FindGroup(ctx context.Context, id string) (PermissionGroup, error) {
	if s.db == nil {
		return PermissionGroup{}, errors.New("database connection unavailable")
	}
	return scanGroup(s.db.QueryRowContext(ctx, `
		select id, name, permissions, created_at
		from permission_groups
		where id = $1
	`, id))
}

func (s *PGStore) ListGroups(ctx context.Context) ([]PermissionGroup, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, permissions, created_at
		from permission_groups
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PermissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s *PGStore) SetGroupPermissions(ctx context.Context, id string, permissions []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := json.Marshal(permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update permission_groups set permissions = $2
		where id = $1
	`, id, perms)
	if err != nil {
		return err
	}
	return mustAffect(res, ErrGroupNotFound)
}

func (s *PGStore) DeleteGroup(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from permission_groups where id = $1`, id)
	if err != nil {
		return err
	}
	return mustAffect(res, ErrGroupNotFound)
}

func (s *PGStore) AddGroupMember(ctx context.Context, groupID, principalID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into group_members (group_id, principal_id)
		values ($1, $2)
		on conflict do nothing
	`, groupID, principalID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		if strings.Contains(pgErr.ConstraintName, "principal") {
			return ErrUserNotFound
		}
		return ErrGroupNotFound
	}
	return err
}

func (s *PGStore) RemoveGroupMember(ctx context.Context, groupID, principalID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		delete from group_members
		where group_id = $1 and principal_id = $2
	`, groupID, principalID)
	return err
}

func (s *PGStore) IssueOrRefreshToken(ctx context.Context, principalID, fresh string, now, expiresAt time.Time) (BearerToken, error) {
	if s.db == nil {
		return BearerToken{}, errors.New("database connection unavailable")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BearerToken{}, err
	}
	defer tx.Rollback()

	// Locking the principal row serializes concurrent signins, so two
	// callers cannot both observe "no active token" and insert twice.
	var owner string
	err = tx.QueryRowContext(ctx, `
		select id from principals where id = $1 for update
	`, principalID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return BearerToken{}, ErrUserNotFound
	}
	if err != nil {
		return BearerToken{}, err
	}

	var tok BearerToken
	err = tx.QueryRowContext(ctx, `
		select value, principal_id, expires_at, created_at
		from bearer_tokens
		where principal_id = $1 and expires_at > $2
		order by created_at desc
		limit 1
	`, principalID, now).Scan(&tok.Value, &tok.PrincipalID, &tok.ExpiresAt, &tok.CreatedAt)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
			update bearer_tokens set expires_at = $2 where value = $1
		`, tok.Value, expiresAt); err != nil {
			return BearerToken{}, err
		}
		tok.ExpiresAt = expiresAt
	case errors.Is(err, sql.ErrNoRows):
		tok = BearerToken{Value: fresh, PrincipalID: principalID, ExpiresAt: expiresAt, CreatedAt: now}
		if _, err := tx.ExecContext(ctx, `
			insert into bearer_tokens (value, principal_id, expires_at, created_at)
			values ($1, $2, $3, $4)
		`, tok.Value, tok.PrincipalID, tok.ExpiresAt, tok.CreatedAt); err != nil {
			return BearerToken{}, err
		}
	default:
		return BearerToken{}, err
	}
	return tok, tx.Commit()
}

func (s *PGStore) FindToken(ctx context.Context, value string) (BearerToken, error) {
	if s.db == nil {
		return BearerToken{}, errors.New("database connection unavailable")
	}
	var tok BearerToken
	err := s.db.QueryRowContext(ctx, `
		select value, principal_id, expires_at, created_at
		from bearer_tokens
		where value = $1
	`, value).Scan(&tok.Value, &tok.PrincipalID, &tok.ExpiresAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BearerToken{}, ErrInvalidToken
	}
	if err != nil {
		return BearerToken{}, err
	}
	return tok, nil
}

// SetTokenExpiry is a conditional update: only a row still active at now is
// touched, so an extension can never race a revocation back to life.
func (s *PGStore) SetTokenExpiry(ctx context.Context, value string, now, expiresAt time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update bearer_tokens set expires_at = $3
		where value = $1 and expires_at > $2
	`, value, now, expiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.FindToken(ctx, value); err != nil {
			return err
		}
		return ErrTokenExpired
	}
	return nil
}

func (s *PGStore) SaveSigninCode(ctx context.Context, c SigninCode) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into signin_codes (id, principal_id, code, expires_at)
		values ($1, $2, $3, $4)
	`, ids.New(), c.PrincipalID, c.Code, c.ExpiresAt)
	return err
}

// ConsumeSigninCode is a single conditional update: the row version that
// matches, is unconsumed and unexpired flips to consumed, and anything else
// affects zero rows. Concurrent consumers race on the same row and at most
// one wins.
func (s *PGStore) ConsumeSigninCode(ctx context.Context, principalID, code string, now time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update signin_codes set consumed_at = $3
		where principal_id = $1 and code = $2
		  and consumed_at is null and expires_at > $3
	`, principalID, code, now)
	if err != nil {
		return err
	}
	return mustAffect(res, ErrCodeMismatch)
}

func (s *PGStore) SaveRestoreCode(ctx context.Context, c RestoreCode) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into restore_codes (id, principal_id, code, expires_at)
		values ($1, $2, $3, $4)
	`, ids.New(), c.PrincipalID, c.Code, c.ExpiresAt)
	return err
}

func (s *PGStore) CheckRestoreCode(ctx context.Context, principalID, code string, now time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from restore_codes
		where principal_id = $1 and code = $2
		  and consumed_at is null and expires_at > $3
	`, principalID, code, now).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCodeMismatch
	}
	return err
}

func (s *PGStore) ConsumeRestoreCode(ctx context.Context, principalID, code string, now time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update restore_codes set consumed_at = $3
		where principal_id = $1 and code = $2
		  and consumed_at is null and expires_at > $3
	`, principalID, code, now)
	if err != nil {
		return err
	}
	return mustAffect(res, ErrCodeMismatch)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (Principal, error) {
	var (
		p     Principal
		perms []byte
	)
	err := row.Scan(&p.ID, &p.Login, &p.Email, &p.PasswordHash, &perms, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrUserNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &p.Permissions); err != nil {
			return Principal{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return p, nil
}

func scanGroup(row rowScanner) (PermissionGroup, error) {
	var (
		g     PermissionGroup
		perms []byte
	)
	err := row.Scan(&g.ID, &g.Name, &perms, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PermissionGroup{}, ErrGroupNotFound
	}
	if err != nil {
		return PermissionGroup{}, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &g.Permissions); err != nil {
			return PermissionGroup{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return g, nil
}

func loadGroups(ctx context.Context, tx *sql.Tx, principalID string) ([]PermissionGroup, error) {
	rows, err := tx.QueryContext(ctx, `
		select g.id, g.name, g.permissions, g.created_at
		from permission_groups g
		join group_members m on m.group_id = g.id
		where m.principal_id = $1
		order by g.name
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []PermissionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func mustAffect(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
