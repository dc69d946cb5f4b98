package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"keygate.org/internal/ids"
)

// MemStore is an in-memory Store for development and tests. A single mutex
// spans every operation, which trivially gives the check-then-act sequences
// the atomicity the contract demands.
type MemStore struct {
	mu sync.Mutex

	principals map[string]Principal
	groups     map[string]PermissionGroup
	members    map[string]map[string]struct{} // group id -> principal ids
	tokens     map[string]BearerToken         // keyed by value
	signin     map[codeKey]SigninCode
	restore    map[codeKey]RestoreCode
}

// codeKey scopes pending codes per principal, so two principals drawing the
// same code value never clobber each other.
type codeKey struct {
	principalID string
	code        string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		principals: make(map[string]Principal),
		groups:     make(map[string]PermissionGroup),
		members:    make(map[string]map[string]struct{}),
		tokens:     make(map[string]BearerToken),
		signin:     make(map[codeKey]SigninCode),
		restore:    make(map[codeKey]RestoreCode),
	}
}

func (m *MemStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.principals {
		if existing.Login == p.Login {
			return ErrDuplicateLogin
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.principals[p.ID] = clonePrincipal(*p)
	return nil
}

func (m *MemStore) FindPrincipal(ctx context.Context, id string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrUserNotFound
	}
	return m.withGroupsLocked(p), nil
}

func (m *MemStore) FindPrincipalByLogin(ctx context.Context, login string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if p.Login == login {
			return m.withGroupsLocked(p), nil
		}
	}
	return Principal{}, ErrUserNotFound
}

func (m *MemStore) ListPrincipals(ctx context.Context, limit, offset int) ([]Principal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]Principal, 0, len(m.principals))
	for _, p := range m.principals {
		all = append(all, m.withGroupsLocked(p))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Login < all[j].Login })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemStore) UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrUserNotFound
	}
	if upd.Login != nil {
		for otherID, other := range m.principals {
			if otherID != id && other.Login == *upd.Login {
				return Principal{}, ErrDuplicateLogin
			}
		}
		p.Login = *upd.Login
	}
	if upd.Email != nil {
		p.Email = strings.TrimSpace(*upd.Email)
	}
	if upd.Permissions != nil {
		p.Permissions = append([]string(nil), (*upd.Permissions)...)
	}
	p.UpdatedAt = time.Now().UTC()
	m.principals[id] = p
	return m.withGroupsLocked(p), nil
}

func (m *MemStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrUserNotFound
	}
	p.PasswordHash = passwordHash
	p.UpdatedAt = time.Now().UTC()
	m.principals[id] = p
	return nil
}

func (m *MemStore) DeletePrincipal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.principals[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.principals, id)
	for _, members := range m.members {
		delete(members, id)
	}
	for value, tok := range m.tokens {
		if tok.PrincipalID == id {
			delete(m.tokens, value)
		}
	}
	for key := range m.signin {
		if key.principalID == id {
			delete(m.signin, key)
		}
	}
	for key := range m.restore {
		if key.principalID == id {
			delete(m.restore, key)
		}
	}
	return nil
}

func (m *MemStore) CreateGroup(ctx context.Context, g *PermissionGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.CreatedAt = time.Now().UTC()
	m.groups[g.ID] = cloneGroup(*g)
	m.members[g.ID] = make(map[string]struct{})
	return nil
}

func (m *MemStore) FindGroup(ctx context.Context, id string) (PermissionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return PermissionGroup{}, ErrGroupNotFound
	}
	return cloneGroup(g), nil
}

func (m *MemStore) ListGroups(ctx context.Context) ([]PermissionGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]PermissionGroup, 0, len(m.groups))
	for _, g := range m.groups {
		all = append(all, cloneGroup(g))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (m *MemStore) SetGroupPermissions(ctx context.Context, id string, permissions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return ErrGroupNotFound
	}
	g.Permissions = append([]string(nil), permissions...)
	m.groups[id] = g
	return nil
}

func (m *MemStore) DeleteGroup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrGroupNotFound
	}
	delete(m.groups, id)
	delete(m.members, id)
	return nil
}

func (m *MemStore) AddGroupMember(ctx context.Context, groupID, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return ErrGroupNotFound
	}
	if _, ok := m.principals[principalID]; !ok {
		return ErrUserNotFound
	}
	m.members[groupID][principalID] = struct{}{}
	return nil
}

func (m *MemStore) RemoveGroupMember(ctx context.Context, groupID, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	delete(members, principalID)
	return nil
}

func (m *MemStore) IssueOrRefreshToken(ctx context.Context, principalID, fresh string, now, expiresAt time.Time) (BearerToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.principals[principalID]; !ok {
		return BearerToken{}, ErrUserNotFound
	}
	for value, tok := range m.tokens {
		if tok.PrincipalID == principalID && now.Before(tok.ExpiresAt) {
			tok.ExpiresAt = expiresAt
			m.tokens[value] = tok
			return tok, nil
		}
	}
	tok := BearerToken{
		Value:       fresh,
		PrincipalID: principalID,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	m.tokens[fresh] = tok
	return tok, nil
}

func (m *MemStore) FindToken(ctx context.Context, value string) (BearerToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[value]
	if !ok {
		return BearerToken{}, ErrInvalidToken
	}
	return tok, nil
}

func (m *MemStore) SetTokenExpiry(ctx context.Context, value string, now, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[value]
	if !ok {
		return ErrInvalidToken
	}
	if !now.Before(tok.ExpiresAt) {
		return ErrTokenExpired
	}
	tok.ExpiresAt = expiresAt
	m.tokens[value] = tok
	return nil
}

func (m *MemStore) SaveSigninCode(ctx context.Context, c SigninCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signin[codeKey{c.PrincipalID, c.Code}] = c
	return nil
}

func (m *MemStore) ConsumeSigninCode(ctx context.Context, principalID, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := codeKey{principalID, code}
	c, ok := m.signin[key]
	if !ok || c.ConsumedAt != nil || now.After(c.ExpiresAt) {
		return ErrCodeMismatch
	}
	consumed := now
	c.ConsumedAt = &consumed
	m.signin[key] = c
	return nil
}

func (m *MemStore) SaveRestoreCode(ctx context.Context, c RestoreCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore[codeKey{c.PrincipalID, c.Code}] = c
	return nil
}

func (m *MemStore) CheckRestoreCode(ctx context.Context, principalID, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.restore[codeKey{principalID, code}]
	if !ok || c.ConsumedAt != nil || now.After(c.ExpiresAt) {
		return ErrCodeMismatch
	}
	return nil
}

func (m *MemStore) ConsumeRestoreCode(ctx context.Context, principalID, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := codeKey{principalID, code}
	c, ok := m.restore[key]
	if !ok || c.ConsumedAt != nil || now.After(c.ExpiresAt) {
		return ErrCodeMismatch
	}
	consumed := now
	c.ConsumedAt = &consumed
	m.restore[key] = c
	return nil
}

// ActiveTokens returns the number of unexpired tokens held by the principal.
// Exposed for tests asserting the single-active-token invariant.
func (m *MemStore) ActiveTokens(principalID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, tok := range m.tokens {
		if tok.PrincipalID == principalID && now.Before(tok.ExpiresAt) {
			count++
		}
	}
	return count
}

func (m *MemStore) withGroupsLocked(p Principal) Principal {
	out := clonePrincipal(p)
	var groups []PermissionGroup
	for groupID, members := range m.members {
		if _, ok := members[p.ID]; !ok {
			continue
		}
		if g, exists := m.groups[groupID]; exists {
			groups = append(groups, cloneGroup(g))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	out.Groups = groups
	return out
}

func clonePrincipal(p Principal) Principal {
	p.Permissions = append([]string(nil), p.Permissions...)
	p.Groups = nil
	return p
}

func cloneGroup(g PermissionGroup) PermissionGroup {
	g.Permissions = append([]string(nil), g.Permissions...)
	return g
}
