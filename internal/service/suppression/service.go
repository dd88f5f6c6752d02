package suppression

import (
	"context"
	"fmt"

	"github.com/ignite/automation-engine/internal/domain"
)

// Service implements the suppression gate. It is safe for concurrent use.
type Service struct {
	repo  Repository
	cache *Cache
}

// Option configures a Service.
type Option func(*Service)

// WithCache serves lookups through a Redis read-through cache.
func WithCache(c *Cache) Option {
	return func(s *Service) { s.cache = c }
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsSuppressed reports whether address must not receive sends from the
// automation. The "all" scope is checked first, then the automation scope.
func (s *Service) IsSuppressed(ctx context.Context, address, automationID string) (bool, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return false, ErrAddressMissing
	}

	scopes := []string{domain.SuppressionScopeAll}
	if automationID != "" && automationID != domain.SuppressionScopeAll {
		scopes = append(scopes, automationID)
	}
	for _, scope := range scopes {
		hit, err := s.lookup(ctx, address, scope)
		if err != nil {
			return false, fmt.Errorf("suppression lookup (%s): %w", scope, err)
		}
		if hit {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) lookup(ctx context.Context, address, scope string) (bool, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, address, scope); ok {
			return v, nil
		}
	}
	v, err := s.repo.IsSuppressed(ctx, address, scope)
	if err != nil {
		return false, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, address, scope, v)
	}
	return v, nil
}

// Suppress records a suppression. An empty scope means "all".
func (s *Service) Suppress(ctx context.Context, address, scope string, reason domain.SuppressionReason) error {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return ErrAddressMissing
	}
	if scope == "" {
		scope = domain.SuppressionScopeAll
	}
	if err := s.repo.Suppress(ctx, &domain.SuppressionRecord{
		Address: address,
		Scope:   scope,
		Active:  true,
		Reason:  reason,
	}); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Forget(ctx, address, scope)
	}
	return nil
}

// Remove deactivates a suppression. Returns ErrNotFound if none was active.
func (s *Service) Remove(ctx context.Context, address, scope string) error {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return ErrAddressMissing
	}
	if scope == "" {
		scope = domain.SuppressionScopeAll
	}
	if err := s.repo.Remove(ctx, address, scope); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Forget(ctx, address, scope)
	}
	return nil
}

// List returns the active records for an address.
func (s *Service) List(ctx context.Context, address string) ([]domain.SuppressionRecord, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return nil, ErrAddressMissing
	}
	return s.repo.ListForAddress(ctx, address)
}
