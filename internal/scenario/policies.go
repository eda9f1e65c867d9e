package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/repository"
)

// SavePolicy validates, stores and (when enabled) loads a policy. Disabled
// policies are unloaded.
func (s *Service) SavePolicy(ctx context.Context, cfg *domain.PolicyConfig) error {
	if s.policies == nil {
		return ErrNoPolicyEngine
	}
	if err := s.policies.ValidatePolicy(cfg); err != nil {
		return err
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}

	if s.repo != nil {
		if err := s.repo.SavePolicy(ctx, cfg); err != nil {
			return fmt.Errorf("failed to save policy: %w", err)
		}
	}

	if cfg.Enabled {
		if err := s.policies.LoadPolicy(cfg); err != nil {
			return err
		}
	} else {
		s.policies.UnloadPolicy(cfg.ID)
	}
	s.metrics.SetLoadedPolicies(s.policies.PoliciesCount())
	s.invalidate(ctx, policyPrefix(cfg.ID))

	s.logger.Info("policy saved",
		"policy_id", cfg.ID,
		"version", cfg.Version,
		"enabled", cfg.Enabled,
	)
	return nil
}

// GetPolicy returns a stored policy, or a loaded one without a repository.
func (s *Service) GetPolicy(ctx context.Context, id string) (*domain.PolicyConfig, error) {
	if s.repo != nil {
		cfg, err := s.repo.GetPolicy(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, id)
		}
		return cfg, err
	}

	if s.policies == nil {
		return nil, ErrNoPolicyEngine
	}
	cfg, ok := s.policies.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, id)
	}
	return cfg, nil
}

// ListPolicies returns stored policies, or the loaded set without a
// repository.
func (s *Service) ListPolicies(ctx context.Context) ([]*domain.PolicyConfig, error) {
	if s.repo != nil {
		return s.repo.ListPolicies(ctx)
	}
	if s.policies == nil {
		return nil, ErrNoPolicyEngine
	}
	return s.policies.GetLoadedPolicies(), nil
}

// DeletePolicy removes a policy from storage and from the engine.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	if s.policies == nil {
		return ErrNoPolicyEngine
	}

	if s.repo != nil {
		err := s.repo.DeletePolicy(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, id)
		}
		if err != nil {
			return err
		}
	} else if _, ok := s.policies.Get(id); !ok {
		return fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, id)
	}

	s.policies.UnloadPolicy(id)
	s.metrics.SetLoadedPolicies(s.policies.PoliciesCount())
	s.invalidate(ctx, policyPrefix(id))
	return nil
}

// ReloadPolicies recompiles every stored policy and swaps the loaded set.
// It returns the number of policies loaded.
func (s *Service) ReloadPolicies(ctx context.Context) (int, error) {
	if s.policies == nil {
		return 0, ErrNoPolicyEngine
	}
	if s.repo == nil {
		return 0, ErrNoRepository
	}

	configs, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load policies: %w", err)
	}
	if err := s.policies.ReloadPolicies(configs); err != nil {
		return 0, err
	}

	count := s.policies.PoliciesCount()
	s.metrics.SetLoadedPolicies(count)
	s.invalidate(ctx, "policy:")

	s.logger.Info("policies reloaded", "policy_count", count)
	return count, nil
}
