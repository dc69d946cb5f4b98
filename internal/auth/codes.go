package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StartCodeSignin generates a one-time signin code for the login, persists it
// and hands it to the delivery callback. The login must resolve to a known
// principal: without a contact address there is nothing to deliver to.
func (s *Service) StartCodeSignin(ctx context.Context, login string) error {
	p, err := s.store.FindPrincipalByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		return err
	}
	code, err := s.newCode()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	c := SigninCode{
		Code:        code,
		PrincipalID: p.ID,
		ExpiresAt:   now.Add(s.cfg.SigninCodeTTL),
	}
	if err := s.store.SaveSigninCode(ctx, c); err != nil {
		return err
	}
	if err := s.deliver(ctx, p.Email, code); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	s.audit(ctx, "signin.code.start", p.ID)
	return nil
}

// CompleteCodeSignin consumes a signin code and issues a bearer token. The
// consume is atomic; a code succeeds at most once, and every failure mode
// (missing, expired, already consumed) reports the same ErrCodeMismatch.
func (s *Service) CompleteCodeSignin(ctx context.Context, login, code string, ttl time.Duration) (BearerToken, error) {
	p, err := s.store.FindPrincipalByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		return BearerToken{}, err
	}
	now := s.now().UTC()
	if err := s.store.ConsumeSigninCode(ctx, p.ID, code, now); err != nil {
		return BearerToken{}, err
	}
	tok, err := s.issueOrRefreshAt(ctx, p.ID, ttl, now)
	if err != nil {
		return BearerToken{}, err
	}
	s.audit(ctx, "signin.code.complete", p.ID)
	return tok, nil
}

// StartRestore generates a password-restore code for the principal, persists
// it and hands it to the delivery callback.
func (s *Service) StartRestore(ctx context.Context, principalID string) error {
	p, err := s.store.FindPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	code, err := s.newCode()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	c := RestoreCode{
		Code:        code,
		PrincipalID: p.ID,
		ExpiresAt:   now.Add(s.cfg.RestoreCodeTTL),
	}
	if err := s.store.SaveRestoreCode(ctx, c); err != nil {
		return err
	}
	if err := s.deliver(ctx, p.Email, code); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	s.audit(ctx, "restore.start", p.ID)
	return nil
}

// CompleteRestore validates a restore code and replaces the principal's
// password. Code validity is checked before the password policy so a weak
// replacement does not burn the code; the consume itself is atomic and the
// password is only written after it succeeds.
func (s *Service) CompleteRestore(ctx context.Context, principalID, code, newPassword string) error {
	now := s.now().UTC()
	if err := s.store.CheckRestoreCode(ctx, principalID, code, now); err != nil {
		return err
	}
	if newPassword == "" {
		return ErrMissingCredential
	}
	if reason := s.policy(newPassword); reason != "" {
		return weakPassword(reason)
	}
	hash, err := HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if err := s.store.ConsumeRestoreCode(ctx, principalID, code, now); err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, principalID, hash); err != nil {
		return err
	}
	s.audit(ctx, "restore.complete", principalID)
	return nil
}
