package bundles

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haven-realty/haven-authz/internal/catalog"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// DefaultBundles returns the seed bundle catalog shipped with the service.
func DefaultBundles() []BundleInput {
	return []BundleInput{
		{
			Name:        "Basic User",
			Description: "Browse listings and upload media.",
			Permissions: []string{
				catalog.PermListingsView,
				catalog.PermMediaView,
				catalog.PermMediaUpload,
			},
		},
		{
			Name:        "Listing Manager",
			Description: "Create and maintain listings end to end.",
			Permissions: []string{
				catalog.PermListingsCreate,
				catalog.PermListingsEdit,
				catalog.PermListingsSubmit,
				catalog.PermListingsDelete,
				catalog.PermMediaUpload,
			},
		},
		{
			Name:        "Full Agent",
			Description: "Listing management plus publishing and finance visibility.",
			Permissions: []string{
				catalog.PermListingsCreate,
				catalog.PermListingsEdit,
				catalog.PermListingsSubmit,
				catalog.PermListingsDelete,
				catalog.PermListingsPublish,
				catalog.PermMediaUpload,
				catalog.PermFinanceView,
			},
		},
		{
			Name:        "Content Moderator",
			Description: "Review reported content and moderate media.",
			Permissions: []string{
				catalog.PermModerationView,
				catalog.PermModerationResolve,
				catalog.PermModerationRemove,
				catalog.PermMediaModerate,
				catalog.PermMediaDelete,
			},
		},
	}
}

// InitializeDefaultBundles seeds the default bundles, skipping any whose
// name already exists. Safe to run repeatedly.
func (s *Service) InitializeDefaultBundles(ctx context.Context) (created int, err error) {
	for _, input := range DefaultBundles() {
		_, err := s.repo.GetByName(ctx, input.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return created, err
		}
		if _, err := s.CreateBundle(ctx, input); err != nil {
			return created, err
		}
		s.logger.Info("seeded default bundle", slog.String("name", input.Name))
		created++
	}
	return created, nil
}
