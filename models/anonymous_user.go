package models

import "time"

// AnonymousUser is a visitor identity issued before phone verification.
// After a merge the row is kept for audit; UserID points at the customer
// that superseded it.
type AnonymousUser struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Token        string    `json:"token" gorm:"uniqueIndex"`
	UserID       *string   `json:"user_id,omitempty" gorm:"index"` // superseded-by back-reference
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Merged reports whether this identity has been folded into a customer.
func (a *AnonymousUser) Merged() bool {
	return a.UserID != nil && *a.UserID != ""
}
