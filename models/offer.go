package models

import "time"

// ProductOffer is a sellable item a manager proposes inside a chat.
// Pricing logic lives in the catalog; the chat only carries and fans
// out the payload.
type ProductOffer struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	ChatID       string     `json:"chat_id" gorm:"index"`
	ManagerID    string     `json:"manager_id"`
	Name         string     `json:"name"`
	Description  string     `json:"description" gorm:"type:text"`
	Price        float64    `json:"price"`
	OldPrice     *float64   `json:"old_price,omitempty"`
	Image        string     `json:"image"`
	DeliveryDays int        `json:"delivery_days"`
	IsOriginal   bool       `json:"is_original"`
	IsAnalog     bool       `json:"is_analog"`
	IsActive     bool       `json:"is_active" gorm:"default:true"`
	IsCancelled  bool       `json:"is_cancelled"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
