package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
	"time"
)

// randomToken mints a 256-bit bearer token value from the system CSPRNG.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// randomCode mints a 6-digit one-time code suitable for SMS/email delivery.
func randomCode() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, 6)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", err
		}
		buf[i] = digits[n.Int64()]
	}
	return string(buf), nil
}

// calcExpire computes a token expiry: the requested lifetime (default when
// <= 0) clamped to the configured maximum, added to now.
func (s *Service) calcExpire(now time.Time, requested time.Duration) time.Time {
	ttl := requested
	if ttl <= 0 {
		ttl = s.cfg.DefaultTokenTTL
	}
	if s.cfg.MaxTokenTTL > 0 && ttl > s.cfg.MaxTokenTTL {
		ttl = s.cfg.MaxTokenTTL
	}
	return now.Add(ttl)
}

// IssueOrRefresh returns the principal's active token with its expiry
// extended, or mints a fresh one when none is active. The store operation is
// atomic, so concurrent signins for one principal converge on a single
// active token.
func (s *Service) IssueOrRefresh(ctx context.Context, principalID string, ttl time.Duration) (BearerToken, error) {
	return s.issueOrRefreshAt(ctx, principalID, ttl, s.now().UTC())
}

func (s *Service) issueOrRefreshAt(ctx context.Context, principalID string, ttl time.Duration, now time.Time) (BearerToken, error) {
	fresh, err := s.newToken()
	if err != nil {
		return BearerToken{}, err
	}
	return s.store.IssueOrRefreshToken(ctx, principalID, fresh, now, s.calcExpire(now, ttl))
}

// Resolve authenticates a token value and authorizes it against the required
// permission set. All expiry comparisons use a single clock read taken at
// entry. A token whose owner no longer exists is an integrity violation:
// logged with detail, reported opaquely.
func (s *Service) Resolve(ctx context.Context, tokenValue string, required []string) (Principal, error) {
	tokenValue = strings.TrimSpace(tokenValue)
	if tokenValue == "" {
		return Principal{}, ErrAuthRequired
	}
	now := s.now().UTC()
	tok, err := s.store.FindToken(ctx, tokenValue)
	if err != nil {
		return Principal{}, err
	}
	if tok.Expired(now) {
		return Principal{}, ErrTokenExpired
	}
	p, err := s.store.FindPrincipal(ctx, tok.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.log.Error().
				Str("principal_id", tok.PrincipalID).
				Msg("token resolves to missing principal")
			return Principal{}, ErrIntegrityViolation
		}
		return Principal{}, err
	}
	if !Check(p, s.cfg.AdminPermission, required) {
		return Principal{}, ErrForbidden
	}
	return p, nil
}

// Touch resolves the token without a permission requirement and extends its
// expiry, an idempotent keep-alive. The extension is conditional on the
// token still being active, so it cannot resurrect a concurrently revoked
// token.
func (s *Service) Touch(ctx context.Context, tokenValue string, ttl time.Duration) (BearerToken, error) {
	if _, err := s.Resolve(ctx, tokenValue, nil); err != nil {
		return BearerToken{}, err
	}
	now := s.now().UTC()
	if err := s.store.SetTokenExpiry(ctx, tokenValue, now, s.calcExpire(now, ttl)); err != nil {
		return BearerToken{}, err
	}
	tok, err := s.store.FindToken(ctx, tokenValue)
	if err != nil {
		return BearerToken{}, err
	}
	return tok, nil
}

// Revoke resolves the token and sets its expiry to now. The record stays in
// the store; expired rows are garbage-collected externally.
func (s *Service) Revoke(ctx context.Context, tokenValue string) error {
	p, err := s.Resolve(ctx, tokenValue, nil)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.SetTokenExpiry(ctx, tokenValue, now, now); err != nil {
		return err
	}
	s.audit(ctx, "token.revoke", p.ID)
	return nil
}
