package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"keygate.org/internal/ids"
)

const (
	defaultTokenTTL   = 15 * time.Minute
	defaultCodeTTL    = 5 * time.Minute
	defaultBcryptCost = 12

	// AdminPermission is the reserved tag that satisfies any required set.
	AdminPermission = "admin"
)

// Config is the immutable configuration threaded through every operation.
// Zero fields fall back to the package defaults.
type Config struct {
	DefaultTokenTTL time.Duration
	MaxTokenTTL     time.Duration // zero means uncapped
	SigninCodeTTL   time.Duration
	RestoreCodeTTL  time.Duration
	BcryptCost      int
	AdminPermission string
}

func (c Config) withDefaults() Config {
	if c.DefaultTokenTTL <= 0 {
		c.DefaultTokenTTL = defaultTokenTTL
	}
	if c.SigninCodeTTL <= 0 {
		c.SigninCodeTTL = defaultCodeTTL
	}
	if c.RestoreCodeTTL <= 0 {
		c.RestoreCodeTTL = defaultCodeTTL
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = defaultBcryptCost
	}
	if c.AdminPermission == "" {
		c.AdminPermission = AdminPermission
	}
	return c
}

// DeliveryFunc sends a one-time code to a principal's contact address.
// A non-nil error is surfaced to the caller as ErrDeliveryFailure.
type DeliveryFunc func(ctx context.Context, contact, code string) error

// Generator mints an unguessable token or code value.
type Generator func() (string, error)

// Service implements the authentication and authorization core over a Store.
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger

	newToken Generator
	newCode  Generator
	deliver  DeliveryFunc
	policy   PasswordPolicy
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTokenGenerator overrides the bearer token value generator.
func WithTokenGenerator(g Generator) ServiceOption {
	return func(s *Service) error {
		if g != nil {
			s.newToken = g
		}
		return nil
	}
}

// WithCodeGenerator overrides the one-time code generator.
func WithCodeGenerator(g Generator) ServiceOption {
	return func(s *Service) error {
		if g != nil {
			s.newCode = g
		}
		return nil
	}
}

// WithDelivery sets the code delivery callback.
func WithDelivery(fn DeliveryFunc) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.deliver = fn
		}
		return nil
	}
}

// WithPasswordPolicy sets the password strength validator.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) error {
		if p != nil {
			s.policy = p
		}
		return nil
	}
}

// WithLogger sets the structured logger used for integrity violations and
// security audit events.
func WithLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = log
		return nil
	}
}

// NewService constructs the core service around a store and configuration.
func NewService(store Store, cfg Config, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("auth: store is required")
	}
	svc := &Service{
		store:    store,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      zerolog.Nop(),
		newToken: randomToken,
		newCode:  randomCode,
		deliver: func(ctx context.Context, contact, code string) error {
			return fmt.Errorf("no delivery configured")
		},
		policy: func(string) string { return "" },
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// CreatePrincipal validates the password against the policy, hashes it and
// persists a new principal. The raw password is never stored.
func (s *Service) CreatePrincipal(ctx context.Context, np NewPrincipal) (Principal, error) {
	np.Login = strings.TrimSpace(np.Login)
	np.Email = strings.TrimSpace(np.Email)
	if np.Login == "" || np.Password == "" {
		return Principal{}, ErrMissingCredential
	}
	if reason := s.policy(np.Password); reason != "" {
		return Principal{}, weakPassword(reason)
	}
	hash, err := HashPassword(np.Password, s.cfg.BcryptCost)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		ID:           ids.New(),
		Login:        np.Login,
		Email:        np.Email,
		PasswordHash: hash,
		Permissions:  dedupeTags(np.Permissions),
	}
	if err := s.store.CreatePrincipal(ctx, &p); err != nil {
		return Principal{}, err
	}
	s.audit(ctx, "principal.create", p.ID)
	return p, nil
}

// VerifyCredentials authenticates a login/password pair. Unknown logins and
// wrong passwords fail identically with ErrInvalidCredentials.
func (s *Service) VerifyCredentials(ctx context.Context, login, password string) (Principal, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return Principal{}, ErrMissingCredential
	}
	p, err := s.store.FindPrincipalByLogin(ctx, login)
	if err != nil {
		// Unknown login collapses into the same outcome as a bad password.
		return Principal{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(p.PasswordHash, password); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return p, nil
}

// SignIn performs password signin and returns a bearer token for the
// authenticated principal. ttl <= 0 requests the default lifetime.
func (s *Service) SignIn(ctx context.Context, login, password string, ttl time.Duration) (BearerToken, Principal, error) {
	p, err := s.VerifyCredentials(ctx, login, password)
	if err != nil {
		return BearerToken{}, Principal{}, err
	}
	tok, err := s.IssueOrRefresh(ctx, p.ID, ttl)
	if err != nil {
		return BearerToken{}, Principal{}, err
	}
	s.audit(ctx, "signin.password", p.ID)
	return tok, p, nil
}

// SetPassword validates the policy, rehashes and persists the password.
func (s *Service) SetPassword(ctx context.Context, principalID, raw string) error {
	if raw == "" {
		return ErrMissingCredential
	}
	if reason := s.policy(raw); reason != "" {
		return weakPassword(reason)
	}
	hash, err := HashPassword(raw, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, principalID, hash); err != nil {
		return err
	}
	s.audit(ctx, "password.set", principalID)
	return nil
}

// Principal loads a principal with its membership snapshot.
func (s *Service) Principal(ctx context.Context, id string) (Principal, error) {
	return s.store.FindPrincipal(ctx, id)
}

// ListPrincipals returns a page of principals ordered by login plus the
// total count.
func (s *Service) ListPrincipals(ctx context.Context, limit, offset int) ([]Principal, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListPrincipals(ctx, limit, offset)
}

// UpdatePrincipal applies a partial update.
func (s *Service) UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error) {
	if upd.Login != nil {
		trimmed := strings.TrimSpace(*upd.Login)
		if trimmed == "" {
			return Principal{}, ErrMissingCredential
		}
		upd.Login = &trimmed
	}
	if upd.Permissions != nil {
		deduped := dedupeTags(*upd.Permissions)
		upd.Permissions = &deduped
	}
	return s.store.UpdatePrincipal(ctx, id, upd)
}

// DeletePrincipal removes a principal; the store cascades to its tokens,
// group memberships and pending codes.
func (s *Service) DeletePrincipal(ctx context.Context, id string) error {
	if err := s.store.DeletePrincipal(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, "principal.delete", id)
	return nil
}

// CreateGroup persists a new permission group.
func (s *Service) CreateGroup(ctx context.Context, name string, permissions []string) (PermissionGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return PermissionGroup{}, fmt.Errorf("auth: group name is required")
	}
	g := PermissionGroup{
		ID:          ids.New(),
		Name:        name,
		Permissions: dedupeTags(permissions),
	}
	if err := s.store.CreateGroup(ctx, &g); err != nil {
		return PermissionGroup{}, err
	}
	return g, nil
}

// Group loads a permission group.
func (s *Service) Group(ctx context.Context, id string) (PermissionGroup, error) {
	return s.store.FindGroup(ctx, id)
}

// ListGroups returns all permission groups ordered by name.
func (s *Service) ListGroups(ctx context.Context) ([]PermissionGroup, error) {
	return s.store.ListGroups(ctx)
}

// SetGroupPermissions replaces a group's permission set.
func (s *Service) SetGroupPermissions(ctx context.Context, id string, permissions []string) error {
	return s.store.SetGroupPermissions(ctx, id, dedupeTags(permissions))
}

// DeleteGroup removes a group and its memberships.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	return s.store.DeleteGroup(ctx, id)
}

// AddGroupMember adds a principal to a group.
func (s *Service) AddGroupMember(ctx context.Context, groupID, principalID string) error {
	return s.store.AddGroupMember(ctx, groupID, principalID)
}

// RemoveGroupMember removes a principal from a group.
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, principalID string) error {
	return s.store.RemoveGroupMember(ctx, groupID, principalID)
}

func (s *Service) audit(ctx context.Context, event, principalID string) {
	ev := s.log.Info().
		Str("type", "audit").
		Str("event", event).
		Str("principal_id", principalID)
	if actor, ok := PrincipalFromContext(ctx); ok {
		ev = ev.Str("actor_id", actor.ID)
	}
	ev.Msg("security event")
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	return result
}
