package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

// OfferInput is the payload for creating or updating a product offer.
// Catalog pricing is out of scope; only structural validation happens
// here.
type OfferInput struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Price        float64    `json:"price"`
	OldPrice     *float64   `json:"old_price,omitempty"`
	Image        string     `json:"image"`
	DeliveryDays int        `json:"delivery_days"`
	IsOriginal   bool       `json:"is_original"`
	IsAnalog     bool       `json:"is_analog"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (in *OfferInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: offer name is required", ErrValidation)
	}
	if in.Price <= 0 {
		return fmt.Errorf("%w: offer price must be positive", ErrValidation)
	}
	if in.IsOriginal && in.IsAnalog {
		return fmt.Errorf("%w: product cannot be both original and analog", ErrValidation)
	}
	return nil
}

// CreateOffer attaches a sellable item to the chat. An unassigned chat
// implicitly gets the offering manager assigned. The offer travels as
// its own event plus an offer-bearing chat message.
func (s *ChatService) CreateOffer(ctx context.Context, chatID string, staff models.Principal, in OfferInput) (*models.ProductOffer, error) {
	if !staff.IsStaff() {
		return nil, ErrAccessDenied
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	unlock := s.lockChat(chatID)
	defer unlock()

	var chat models.Chat
	if err := s.db.WithContext(ctx).Preload("User").First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, s.chatLookupError(err)
	}

	offer := models.ProductOffer{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		ManagerID:    staff.ID,
		Name:         in.Name,
		Description:  in.Description,
		Price:        in.Price,
		OldPrice:     in.OldPrice,
		Image:        in.Image,
		DeliveryDays: in.DeliveryDays,
		IsOriginal:   in.IsOriginal,
		IsAnalog:     in.IsAnalog,
		IsActive:     true,
		ExpiresAt:    in.ExpiresAt,
	}

	msg := s.buildMessage(&chat, staff, "Товарное предложение: "+offer.Name, &offer.ID)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if chat.ManagerID == nil {
			if err := tx.Model(&chat).Update("manager_id", staff.ID).Error; err != nil {
				return err
			}
			chat.ManagerID = &staff.ID
		}
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&chat).Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.deliverIfRecipientOnline(ctx, &chat, &msg, staff.Key())
	s.notifier.OfferCreated(ctx, &chat, &offer, s.senderName(&chat, staff))
	s.notifier.MessageCreated(ctx, &chat, &msg)

	return &offer, nil
}

// UpdateOffer edits an offer owned by the calling manager.
func (s *ChatService) UpdateOffer(ctx context.Context, offerID string, staff models.Principal, in OfferInput) (*models.ProductOffer, error) {
	offer, err := s.loadOwnOffer(ctx, offerID, staff)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"name":          in.Name,
		"description":   in.Description,
		"price":         in.Price,
		"old_price":     in.OldPrice,
		"image":         in.Image,
		"delivery_days": in.DeliveryDays,
		"is_original":   in.IsOriginal,
		"is_analog":     in.IsAnalog,
		"expires_at":    in.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Model(offer).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return offer, nil
}

// CancelOffer withdraws an offer; it stays in history as cancelled.
func (s *ChatService) CancelOffer(ctx context.Context, offerID string, staff models.Principal) (*models.ProductOffer, error) {
	offer, err := s.loadOwnOffer(ctx, offerID, staff)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(offer).
		Updates(map[string]interface{}{"is_cancelled": true, "is_active": false}).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	offer.IsCancelled = true
	offer.IsActive = false
	return offer, nil
}

// DeactivateOffer hides an offer without marking it cancelled (e.g.
// sold out).
func (s *ChatService) DeactivateOffer(ctx context.Context, offerID string, staff models.Principal) (*models.ProductOffer, error) {
	offer, err := s.loadOwnOffer(ctx, offerID, staff)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(offer).Update("is_active", false).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	offer.IsActive = false
	return offer, nil
}

func (s *ChatService) loadOwnOffer(ctx context.Context, offerID string, staff models.Principal) (*models.ProductOffer, error) {
	if !staff.IsStaff() {
		return nil, ErrAccessDenied
	}
	var offer models.ProductOffer
	if err := s.db.WithContext(ctx).First(&offer, "id = ?", offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if offer.ManagerID != staff.ID && staff.Role != models.RoleAdmin {
		return nil, ErrAccessDenied
	}
	return &offer, nil
}
