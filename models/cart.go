package models

import "time"

// Cart and Favorite belong to the catalog subsystem; they appear here
// only because the anonymous-to-customer merge reassigns them.

type Cart struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	UserID          *string   `json:"user_id,omitempty" gorm:"index"`
	AnonymousUserID *string   `json:"anonymous_user_id,omitempty" gorm:"index"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Items []CartItem `json:"items,omitempty" gorm:"foreignKey:CartID"`
}

type CartItem struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	CartID    string    `json:"cart_id" gorm:"index"`
	ProductID string    `json:"product_id"`
	OfferID   *string   `json:"offer_id,omitempty"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

type Favorite struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	UserID          *string   `json:"user_id,omitempty" gorm:"index:idx_fav_user_product,priority:1"`
	AnonymousUserID *string   `json:"anonymous_user_id,omitempty" gorm:"index"`
	ProductID       string    `json:"product_id" gorm:"index:idx_fav_user_product,priority:2"`
	CreatedAt       time.Time `json:"created_at"`
}
