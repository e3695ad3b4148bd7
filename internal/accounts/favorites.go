package accounts

import (
	"context"
	"slices"

	"github.com/MarcoPoloResearchLab/donorledger/internal/records"
	"go.uber.org/zap"
)

// ToggleFavorite adds project to the current account's favorites, or removes
// it when already present, and reports whether it is now a favorite. Without
// an active identity it is a logged no-op.
func (s *Service) ToggleFavorite(ctx context.Context, project records.ProjectRef) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.registry.Current(ctx)
	if !ok {
		s.logger.Warn("favorite toggle ignored without an active identity", zap.Int64("project_id", project.ID))
		return false, nil
	}

	unlock := s.repository.Lock(ident.Identifier)
	defer unlock()
	account := s.loadForUpdate(ctx, opFavorites, ident)
	index := slices.IndexFunc(account.FavoriteProjects, func(ref records.ProjectRef) bool {
		return ref.ID == project.ID
	})
	favorited := index < 0
	if favorited {
		account.FavoriteProjects = append(account.FavoriteProjects, project)
	} else {
		account.FavoriteProjects = slices.Delete(account.FavoriteProjects, index, index+1)
	}
	account.UpdatedAt = records.FormatTime(s.clock())
	s.persist(ctx, opFavorites, ident.Identifier, account)
	s.current = &account
	return favorited, nil
}

// IsFavorite reports whether projectID is among the current account's favorites.
func (s *Service) IsFavorite(ctx context.Context, projectID int64) bool {
	return slices.ContainsFunc(s.Favorites(ctx), func(ref records.ProjectRef) bool {
		return ref.ID == projectID
	})
}

// Favorites returns the current account's favorite projects.
func (s *Service) Favorites(ctx context.Context) []records.ProjectRef {
	account, ok := s.Current(ctx)
	if !ok {
		return []records.ProjectRef{}
	}
	if account.FavoriteProjects == nil {
		return []records.ProjectRef{}
	}
	return account.FavoriteProjects
}
