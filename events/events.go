// Package events defines the typed wire contract of the chat protocol.
// Every frame is {"type": ..., "payload": ...}; payloads are concrete
// structs instead of string-keyed maps so dispatch stays exhaustive.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

// Server -> client event types.
const (
	TypeNewMessage       = "newMessage"
	TypeMessageDelivered = "messageDelivered"
	TypeMessagesRead     = "messagesRead"
	TypeNewChat          = "newChat"
	TypeChatUpdate       = "chatUpdate"
	TypeNewOffer         = "newOffer"
	TypeUserTyping       = "userTyping"
	TypeUnreadUpdate     = "unreadUpdate"
	TypeError            = "error"
)

// Client -> server event types.
const (
	TypeJoinChat    = "joinChat"
	TypeLeaveChat   = "leaveChat"
	TypeSendMessage = "sendMessage"
	TypeMarkAsRead  = "markAsRead"
	TypeTyping      = "typing"
)

// Payload is implemented by every outbound event payload.
type Payload interface {
	EventType() string
}

// Envelope is the wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wrap marshals a payload into its wire frame.
func Wrap(p Payload) (*Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return &Envelope{Type: p.EventType(), Payload: raw}, nil
}

// MustWrap is Wrap for payloads that cannot fail to marshal.
func MustWrap(p Payload) *Envelope {
	env, err := Wrap(p)
	if err != nil {
		panic(err)
	}
	return env
}

type NewMessage struct {
	ChatID  string             `json:"chatId"`
	Message models.ChatMessage `json:"message"`
}

func (NewMessage) EventType() string { return TypeNewMessage }

type MessageDelivered struct {
	ChatID      string    `json:"chatId"`
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

func (MessageDelivered) EventType() string { return TypeMessageDelivered }

type MessagesRead struct {
	ChatID   string    `json:"chatId"`
	ReaderID string    `json:"readerId"`
	ReadAt   time.Time `json:"readAt"`
	Count    int64     `json:"count"`
}

func (MessagesRead) EventType() string { return TypeMessagesRead }

type NewChat struct {
	Chat models.ChatListItem `json:"chat"`
	// Reopened marks a closed chat brought back by a new message, so
	// manager queues can distinguish it from a first contact.
	Reopened bool `json:"reopened,omitempty"`
}

func (NewChat) EventType() string { return TypeNewChat }

// ChatUpdate is the generic envelope for assignment and status changes.
type ChatUpdate struct {
	ChatID    string              `json:"chatId"`
	Kind      string              `json:"type"` // assigned, closed, new_message
	ManagerID string              `json:"managerId,omitempty"`
	IsActive  *bool               `json:"isActive,omitempty"`
	Message   *models.ChatMessage `json:"message,omitempty"`
}

func (ChatUpdate) EventType() string { return TypeChatUpdate }

type NewOffer struct {
	ChatID string              `json:"chatId"`
	Offer  models.ProductOffer `json:"offer"`
}

func (NewOffer) EventType() string { return TypeNewOffer }

type UserTyping struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

func (UserTyping) EventType() string { return TypeUserTyping }

// UnreadUpdate keeps badge counts and title decoration reactive without
// polling.
type UnreadUpdate struct {
	ChatID string `json:"chatId"`
	Unread int64  `json:"unread"`
	Total  int64  `json:"total"`
}

func (UnreadUpdate) EventType() string { return TypeUnreadUpdate }

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Retryable marks transient failures the client may resubmit.
	Retryable bool `json:"retryable,omitempty"`
}

func (ErrorEvent) EventType() string { return TypeError }

// Inbound payload shapes.

type SendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

type TypingRequest struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatRef is the payload of joinChat / leaveChat / markAsRead, which
// carry a bare chat id.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// UnmarshalChatRef accepts both {"chatId": "..."} and a bare JSON
// string, matching what the widget sends.
func UnmarshalChatRef(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var ref ChatRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("invalid chat reference: %w", err)
	}
	return ref.ChatID, nil
}
