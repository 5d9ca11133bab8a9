package models

import "time"

// OtpCode stores a bcrypt hash of a one-time phone verification code.
// The plain code is only ever sent over SMS.
type OtpCode struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"index"`
	CodeHash  string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedAt    *time.Time
	CreatedAt time.Time `json:"created_at"`
}

func (o *OtpCode) Usable(now time.Time) bool {
	return o.UsedAt == nil && now.Before(o.ExpiresAt)
}
