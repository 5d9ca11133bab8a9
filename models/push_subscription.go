package models

import "time"

// PushSubscription is a browser Web Push endpoint bound to a user or an
// anonymous visitor. Deactivated instead of deleted when the endpoint
// reports 404/410.
type PushSubscription struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	Endpoint        string    `json:"endpoint" gorm:"uniqueIndex"`
	P256dh          string    `json:"p256dh"`
	Auth            string    `json:"auth"`
	UserAgent       string    `json:"user_agent"`
	UserID          *string   `json:"user_id,omitempty" gorm:"index"`
	AnonymousUserID *string   `json:"anonymous_user_id,omitempty" gorm:"index"`
	IsActive        bool      `json:"is_active" gorm:"default:true"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
