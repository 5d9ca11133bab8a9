package models

import "time"

// User roles.
const (
	RoleCustomer = "CUSTOMER"
	RoleManager  = "MANAGER"
	RoleAdmin    = "ADMIN"
)

type User struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	Phone           string     `json:"phone" gorm:"uniqueIndex"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Role            string     `json:"role" gorm:"default:'CUSTOMER'"` // CUSTOMER, MANAGER, ADMIN
	Password        string     `json:"-"`                              // staff local auth, hashed
	IsPhoneVerified bool       `json:"is_phone_verified"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (u *User) IsStaff() bool {
	return u.Role == RoleManager || u.Role == RoleAdmin
}

// FullName falls back to the phone number for customers that never
// filled in a profile.
func (u *User) FullName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Phone
	}
	return name
}

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}
