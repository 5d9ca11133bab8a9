package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

// IdentityService maps connection credentials onto principals and owns
// the anonymous-to-customer merge.
type IdentityService struct {
	db   *gorm.DB
	auth *AuthService
	log  zerolog.Logger
}

func NewIdentityService(db *gorm.DB, auth *AuthService, log zerolog.Logger) *IdentityService {
	return &IdentityService{db: db, auth: auth, log: log.With().Str("service", "identity").Logger()}
}

// ResolvePrincipal turns an access token and/or anonymous token into a
// principal. The access token wins when both are present. An anonymous
// token whose identity has already been merged resolves to the customer
// that superseded it, so new connections authenticate as the customer
// while the old token keeps working.
func (s *IdentityService) ResolvePrincipal(ctx context.Context, accessToken, anonymousToken string) (models.Principal, error) {
	if accessToken != "" {
		claims, err := s.auth.ValidateAccessToken(accessToken)
		if err == nil {
			var user models.User
			if err := s.db.WithContext(ctx).First(&user, "id = ?", claims.UserID).Error; err == nil {
				return principalForUser(&user), nil
			}
		}
		// Fall through: an expired access token with a valid anonymous
		// token still yields a usable chat context.
	}

	if anonymousToken != "" {
		anonID, err := s.auth.ValidateAnonymousToken(anonymousToken)
		if err != nil {
			return models.Principal{}, ErrUnresolvedIdentity
		}
		var anon models.AnonymousUser
		if err := s.db.WithContext(ctx).First(&anon, "id = ?", anonID).Error; err != nil {
			return models.Principal{}, ErrUnresolvedIdentity
		}

		if anon.Merged() {
			var user models.User
			if err := s.db.WithContext(ctx).First(&user, "id = ?", *anon.UserID).Error; err == nil {
				return principalForUser(&user), nil
			}
		}

		// Touch activity; failures here are not worth failing resolution.
		if err := s.db.WithContext(ctx).Model(&anon).
			Update("last_activity", time.Now()).Error; err != nil {
			s.log.Warn().Err(err).Str("anonymous_id", anon.ID).Msg("failed to touch last activity")
		}
		return models.Principal{Kind: models.PrincipalAnonymous, ID: anon.ID}, nil
	}

	return models.Principal{}, ErrUnresolvedIdentity
}

func principalForUser(user *models.User) models.Principal {
	if user.IsStaff() {
		return models.Principal{Kind: models.PrincipalStaff, ID: user.ID, Role: user.Role, Name: user.FullName()}
	}
	return models.Principal{Kind: models.PrincipalCustomer, ID: user.ID, Name: user.FullName()}
}

// MergeAnonymousByToken resolves the token and merges its identity into
// the given customer. Unknown or already-merged tokens are a no-op.
func (s *IdentityService) MergeAnonymousByToken(ctx context.Context, anonymousToken, userID string) error {
	anonID, err := s.auth.ValidateAnonymousToken(anonymousToken)
	if err != nil {
		return nil
	}
	return s.MergeAnonymousIntoCustomer(ctx, anonID, userID)
}

// MergeAnonymousIntoCustomer reassigns the anonymous identity's chats,
// cart, favorites and push subscriptions to the customer. Idempotent:
// once the superseded-by back-reference is set, repeat calls change
// nothing. Additive: the customer's own rows are never touched.
func (s *IdentityService) MergeAnonymousIntoCustomer(ctx context.Context, anonymousID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var anon models.AnonymousUser
		if err := tx.First(&anon, "id = ?", anonymousID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if anon.Merged() {
			return nil
		}

		if err := tx.Model(&anon).Update("user_id", userID).Error; err != nil {
			return err
		}

		// Chats: plain reassignment; the customer may already have own
		// chats, the merge only adds.
		if err := tx.Model(&models.Chat{}).
			Where("anonymous_user_id = ?", anonymousID).
			Updates(map[string]interface{}{"user_id": userID, "anonymous_user_id": nil}).Error; err != nil {
			return err
		}

		if err := s.mergeCart(tx, anonymousID, userID); err != nil {
			return err
		}
		if err := s.mergeFavorites(tx, anonymousID, userID); err != nil {
			return err
		}

		// Push subscriptions follow the identity.
		if err := tx.Model(&models.PushSubscription{}).
			Where("anonymous_user_id = ?", anonymousID).
			Updates(map[string]interface{}{"user_id": userID, "anonymous_user_id": nil}).Error; err != nil {
			return err
		}

		s.log.Info().Str("anonymous_id", anonymousID).Str("user_id", userID).Msg("anonymous identity merged")
		return nil
	})
}

func (s *IdentityService) mergeCart(tx *gorm.DB, anonymousID, userID string) error {
	var anonCart models.Cart
	err := tx.Where("anonymous_user_id = ?", anonymousID).First(&anonCart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var userCart models.Cart
	err = tx.Where("user_id = ?", userID).First(&userCart).Error
	switch {
	case err == nil:
		// Move items into the existing cart, drop the anonymous one.
		if err := tx.Model(&models.CartItem{}).
			Where("cart_id = ?", anonCart.ID).
			Update("cart_id", userCart.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&anonCart).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Model(&anonCart).
			Updates(map[string]interface{}{"user_id": userID, "anonymous_user_id": nil}).Error
	default:
		return err
	}
}

func (s *IdentityService) mergeFavorites(tx *gorm.DB, anonymousID, userID string) error {
	var favorites []models.Favorite
	if err := tx.Where("anonymous_user_id = ?", anonymousID).Find(&favorites).Error; err != nil {
		return err
	}
	for i := range favorites {
		var existing models.Favorite
		err := tx.Where("user_id = ? AND product_id = ?", userID, favorites[i].ProductID).
			First(&existing).Error
		switch {
		case err == nil:
			// Duplicate; the anonymous copy goes away.
			if err := tx.Delete(&favorites[i]).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Model(&favorites[i]).
				Updates(map[string]interface{}{"user_id": userID, "anonymous_user_id": nil}).Error; err != nil {
				return err
			}
		default:
			return fmt.Errorf("favorite lookup: %w", err)
		}
	}
	return nil
}
