package models

import "time"

// Sender roles recorded on chat messages.
const (
	SenderCustomer = "customer"
	SenderManager  = "manager"
	SenderAdmin    = "admin"
	SenderSystem   = "system"
)

// SystemSenderID is the synthetic sender id of informational messages.
const SystemSenderID = "system"

// Chat is one support conversation. It is owned by exactly one of
// UserID / AnonymousUserID and optionally has a manager assigned.
type Chat struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	UserID          *string   `json:"user_id,omitempty" gorm:"index"`
	AnonymousUserID *string   `json:"anonymous_user_id,omitempty" gorm:"index"`
	ManagerID       *string   `json:"manager_id,omitempty" gorm:"index"`
	IsActive        bool      `json:"is_active" gorm:"default:true"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"index"`

	Messages []ChatMessage  `json:"messages,omitempty" gorm:"foreignKey:ChatID"`
	Offers   []ProductOffer `json:"offers,omitempty" gorm:"foreignKey:ChatID"`
	User     *User          `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

// OwnerKey returns the principal key of the chat owner.
func (c *Chat) OwnerKey() string {
	if c.UserID != nil {
		return "u:" + *c.UserID
	}
	if c.AnonymousUserID != nil {
		return "a:" + *c.AnonymousUserID
	}
	return ""
}

// OwnedBy reports whether the given principal owns this chat.
// Staff principals never own chats through this check.
func (c *Chat) OwnedBy(p Principal) bool {
	switch p.Kind {
	case PrincipalCustomer:
		return c.UserID != nil && *c.UserID == p.ID
	case PrincipalAnonymous:
		return c.AnonymousUserID != nil && *c.AnonymousUserID == p.ID
	}
	return false
}

// ChatMessage is immutable after creation except for the monotonic
// sent -> delivered -> read status promotions.
type ChatMessage struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	ChatID      string     `json:"chat_id" gorm:"index:idx_chat_created,priority:1"`
	SenderID    string     `json:"sender_id" gorm:"index"`
	SenderRole  string     `json:"sender_role"` // customer, manager, admin, system
	SenderName  string     `json:"sender_name" gorm:"-"`
	Content     string     `json:"content" gorm:"type:text"`
	OfferID     *string    `json:"offer_id,omitempty"`
	IsDelivered bool       `json:"is_delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index:idx_chat_created,priority:2"`

	Offer *ProductOffer `json:"offer,omitempty" gorm:"foreignKey:OfferID"`
}

// CountsAsUnread reports whether the message contributes to the unread
// counter of the given principal key. System messages never count.
func (m *ChatMessage) CountsAsUnread(principalKey string) bool {
	if m.SenderRole == SenderSystem || m.IsRead {
		return false
	}
	return m.SenderKey() != principalKey
}

// SenderKey maps the stored sender id/role back to a principal key.
func (m *ChatMessage) SenderKey() string {
	switch m.SenderRole {
	case SenderSystem:
		return SystemSenderID
	case SenderCustomer:
		// Either a customer user id or an anonymous id; the chat row
		// disambiguates, callers compare against both owner keys.
		return m.SenderID
	default:
		return m.SenderID
	}
}

// ChatListItem is the summary read model for chat lists and the manager
// queue.
type ChatListItem struct {
	ID              string       `json:"id"`
	UserID          *string      `json:"user_id,omitempty"`
	AnonymousUserID *string      `json:"anonymous_user_id,omitempty"`
	ManagerID       *string      `json:"manager_id,omitempty"`
	IsActive        bool         `json:"is_active"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	LastMessage     *ChatMessage `json:"last_message,omitempty"`
	UnreadCount     int64        `json:"unread_count"`
	CustomerName    string       `json:"customer_name"`
	CustomerPhone   string       `json:"customer_phone,omitempty"`
}
