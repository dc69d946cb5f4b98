package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type delivery struct {
	Contact string
	Code    string
}

type fixture struct {
	svc   *Service
	store *MemStore
	clock *fakeClock

	mu   sync.Mutex
	sent []delivery
}

func (f *fixture) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

func newFixture(t *testing.T, cfg Config, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemStore(),
		clock: newFakeClock(),
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.MinCost
	}
	base := []ServiceOption{
		WithClock(f.clock.Now),
		WithDelivery(func(ctx context.Context, contact, code string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sent = append(f.sent, delivery{Contact: contact, Code: code})
			return nil
		}),
	}
	svc, err := NewService(f.store, cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) mustCreate(t *testing.T, login, password string, perms ...string) Principal {
	t.Helper()
	p, err := f.svc.CreatePrincipal(context.Background(), NewPrincipal{
		Login:       login,
		Password:    password,
		Email:       login + "@example.test",
		Permissions: perms,
	})
	if err != nil {
		t.Fatalf("create principal %s: %v", login, err)
	}
	return p
}

func TestCreatePrincipalRequiresLoginAndPassword(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.svc.CreatePrincipal(ctx, NewPrincipal{Login: "", Password: "pw"}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("empty login: expected ErrMissingCredential, got %v", err)
	}
	if _, err := f.svc.CreatePrincipal(ctx, NewPrincipal{Login: "alice", Password: ""}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("empty password: expected ErrMissingCredential, got %v", err)
	}
	if _, err := f.svc.CreatePrincipal(ctx, NewPrincipal{Login: "   ", Password: "pw"}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("blank login: expected ErrMissingCredential, got %v", err)
	}
}

func TestCreatePrincipalEnforcesPasswordPolicy(t *testing.T) {
	f := newFixture(t, Config{}, WithPasswordPolicy(MinLengthPolicy(10)))
	_, err := f.svc.CreatePrincipal(context.Background(), NewPrincipal{Login: "alice", Password: "short"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestCreatePrincipalNeverStoresRawPassword(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.mustCreate(t, "alice", "opensesame")
	stored, err := f.store.FindPrincipal(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.PasswordHash == "opensesame" || stored.PasswordHash == "" {
		t.Fatalf("password must be stored hashed, got %q", stored.PasswordHash)
	}
}

func TestCreatePrincipalDuplicateLogin(t *testing.T) {
	f := newFixture(t, Config{})
	f.mustCreate(t, "alice", "opensesame")
	_, err := f.svc.CreatePrincipal(context.Background(), NewPrincipal{Login: "alice", Password: "different"})
	if !errors.Is(err, ErrDuplicateLogin) {
		t.Fatalf("expected ErrDuplicateLogin, got %v", err)
	}
}

func TestCreatePrincipalDedupesPermissions(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.mustCreate(t, "alice", "opensesame", "reports.read", "reports.read", " ", "reports.write")
	if len(p.Permissions) != 2 {
		t.Fatalf("expected 2 deduped permissions, got %v", p.Permissions)
	}
}

func TestVerifyCredentialsUniformFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.mustCreate(t, "alice", "opensesame")
	ctx := context.Background()

	_, errUnknown := f.svc.VerifyCredentials(ctx, "nobody", "opensesame")
	_, errWrongPw := f.svc.VerifyCredentials(ctx, "alice", "wrong")
	if !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("unknown login: expected ErrInvalidCredentials, got %v", errUnknown)
	}
	if !errors.Is(errWrongPw, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", errWrongPw)
	}
	// Identical outcomes: an attacker cannot distinguish the two cases.
	if errUnknown.Error() != errWrongPw.Error() {
		t.Fatalf("failure modes must be indistinguishable: %q vs %q", errUnknown, errWrongPw)
	}
}

func TestVerifyCredentialsSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	created := f.mustCreate(t, "alice", "opensesame")
	p, err := f.svc.VerifyCredentials(context.Background(), "alice", "opensesame")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != created.ID {
		t.Fatalf("expected principal %s, got %s", created.ID, p.ID)
	}
}

func TestSetPasswordRotates(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.mustCreate(t, "alice", "opensesame")
	ctx := context.Background()

	if err := f.svc.SetPassword(ctx, p.ID, "new-password"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if _, err := f.svc.VerifyCredentials(ctx, "alice", "opensesame"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.svc.VerifyCredentials(ctx, "alice", "new-password"); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
}

func TestSetPasswordPolicyAndMissing(t *testing.T) {
	f := newFixture(t, Config{}, WithPasswordPolicy(MinLengthPolicy(10)))
	p := f.mustCreate(t, "alice", "long-enough-password")
	ctx := context.Background()

	if err := f.svc.SetPassword(ctx, p.ID, ""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if err := f.svc.SetPassword(ctx, p.ID, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestUpdatePrincipalPartial(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.mustCreate(t, "alice", "opensesame", "reports.read")
	ctx := context.Background()

	email := "new@example.test"
	updated, err := f.svc.UpdatePrincipal(ctx, p.ID, PrincipalUpdate{Email: &email})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Email != email {
		t.Fatalf("email not updated: %q", updated.Email)
	}
	if updated.Login != "alice" || len(updated.Permissions) != 1 {
		t.Fatalf("untouched fields must survive: %+v", updated)
	}
}

func TestDeletePrincipalCascades(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.mustCreate(t, "alice", "opensesame")
	ctx := context.Background()

	tok, _, err := f.svc.SignIn(ctx, "alice", "opensesame", 0)
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if err := f.svc.DeletePrincipal(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, tok.Value, nil); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token must not survive its principal, got %v", err)
	}
	if err := f.svc.DeletePrincipal(ctx, p.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second delete: expected ErrUserNotFound, got %v", err)
	}
}

func TestGroupMembershipGrantsPermissions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.mustCreate(t, "alice", "opensesame")

	g, err := f.svc.CreateGroup(ctx, "auditors", []string{"reports.read"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := f.svc.AddGroupMember(ctx, g.ID, p.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	tok, _, err := f.svc.SignIn(ctx, "alice", "opensesame", 0)
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, tok.Value, []string{"reports.read"}); err != nil {
		t.Fatalf("group permission must authorize: %v", err)
	}

	if err := f.svc.RemoveGroupMember(ctx, g.ID, p.ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, tok.Value, []string{"reports.read"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("removed membership must revoke access, got %v", err)
	}
}

func TestSetGroupPermissionsTakesEffect(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.mustCreate(t, "alice", "opensesame")
	g, err := f.svc.CreateGroup(ctx, "ops", nil)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := f.svc.AddGroupMember(ctx, g.ID, p.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := f.svc.SetGroupPermissions(ctx, g.ID, []string{"deploys.run"}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}

	loaded, err := f.svc.Principal(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !Check(loaded, f.svc.Config().AdminPermission, []string{"deploys.run"}) {
		t.Fatalf("updated group permissions must flow to members")
	}
}

func TestDeleteGroupDropsGrants(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	p := f.mustCreate(t, "alice", "opensesame")
	g, err := f.svc.CreateGroup(ctx, "temp", []string{"secret.read"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := f.svc.AddGroupMember(ctx, g.ID, p.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := f.svc.DeleteGroup(ctx, g.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	loaded, err := f.svc.Principal(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if Check(loaded, f.svc.Config().AdminPermission, []string{"secret.read"}) {
		t.Fatalf("deleted group must not grant permissions")
	}
	if _, err := f.svc.Group(ctx, g.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestListPrincipalsPagination(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, login := range []string{"carol", "alice", "bob"} {
		f.mustCreate(t, login, "opensesame")
	}

	page, total, err := f.svc.ListPrincipals(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("expected total 3 page 2, got total %d page %d", total, len(page))
	}
	if page[0].Login != "alice" || page[1].Login != "bob" {
		t.Fatalf("expected login order, got %s, %s", page[0].Login, page[1].Login)
	}

	rest, _, err := f.svc.ListPrincipals(ctx, 2, 2)
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(rest) != 1 || rest[0].Login != "carol" {
		t.Fatalf("expected carol on second page, got %+v", rest)
	}
}
