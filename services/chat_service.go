package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

const maxMessageRunes = 4000

// System message templates.
const (
	welcomeMessage = "Добро пожаловать в чат с экспертом! Наш специалист ответит вам в ближайшее время."
	closedMessage  = "Чат был закрыт."
)

// ChatService owns the chat lifecycle and message ordering. Message
// persistence for one chat runs inside a per-chat critical section so
// concurrent senders cannot interleave; different chats proceed in
// parallel.
type ChatService struct {
	db       *gorm.DB
	notifier *NotificationService
	locks    sync.Map // chatID -> *sync.Mutex
	log      zerolog.Logger
}

func NewChatService(db *gorm.DB, notifier *NotificationService, log zerolog.Logger) *ChatService {
	return &ChatService{
		db:       db,
		notifier: notifier,
		log:      log.With().Str("service", "chats").Logger(),
	}
}

// lockChat serializes message writes for one chat.
func (s *ChatService) lockChat(chatID string) func() {
	v, _ := s.locks.LoadOrStore(chatID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: message content is empty", ErrValidation)
	}
	if len([]rune(content)) > maxMessageRunes {
		return "", fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, maxMessageRunes)
	}
	return content, nil
}

func senderRoleFor(p models.Principal) string {
	switch p.Kind {
	case models.PrincipalStaff:
		if p.Role == models.RoleAdmin {
			return models.SenderAdmin
		}
		return models.SenderManager
	default:
		return models.SenderCustomer
	}
}

// CreateChat starts (or reuses) the principal's support conversation
// with a first message. Staff do not own chats and cannot create them.
func (s *ChatService) CreateChat(ctx context.Context, p models.Principal, content string) (*models.Chat, error) {
	if p.IsStaff() {
		return nil, fmt.Errorf("%w: staff cannot open customer chats", ErrValidation)
	}
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}

	// An active chat already covers this principal: just append.
	var existing models.Chat
	query := s.db.WithContext(ctx).Where("is_active = ?", true)
	if p.Kind == models.PrincipalCustomer {
		query = query.Where("user_id = ?", p.ID)
	} else {
		query = query.Where("anonymous_user_id = ?", p.ID)
	}
	err = query.First(&existing).Error
	if err == nil {
		if _, err := s.SendMessage(ctx, existing.ID, p, content); err != nil {
			return nil, err
		}
		return s.GetChatByID(ctx, existing.ID, p)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	now := time.Now()
	chat := models.Chat{
		ID:        uuid.NewString(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.Kind == models.PrincipalCustomer {
		chat.UserID = &p.ID
	} else {
		chat.AnonymousUserID = &p.ID
	}

	first := s.buildMessage(&chat, p, content, nil)
	welcome := s.buildSystemMessage(&chat, welcomeMessage)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		if err := tx.Create(&first).Error; err != nil {
			return err
		}
		return tx.Create(&welcome).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// Staff must observe the chat before its first message.
	s.notifier.ChatCreated(ctx, s.listItem(ctx, &chat, &first))

	s.deliverIfRecipientOnline(ctx, &chat, &first, p.Key())
	s.notifier.MessageCreated(ctx, &chat, &first)
	s.notifier.MessageCreated(ctx, &chat, &welcome)

	return s.GetChatByID(ctx, chat.ID, p)
}

// SendMessage appends one message, reopening the chat when it was
// closed. Persistence failures surface as retryable errors and nothing
// is fanned out; the per-chat lock also covers fan-out so observers see
// messages in persisted order.
func (s *ChatService) SendMessage(ctx context.Context, chatID string, p models.Principal, content string) (*models.ChatMessage, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}

	unlock := s.lockChat(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID, p)
	if err != nil {
		return nil, err
	}

	reopened := !chat.IsActive
	msg := s.buildMessage(chat, p, content, nil)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reopened {
			if err := tx.Model(chat).Update("is_active", true).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(chat).Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	chat.IsActive = true

	s.deliverIfRecipientOnline(ctx, chat, &msg, p.Key())

	if reopened {
		// The chat vanished from active queues when it closed; a new
		// message re-announces it before the message itself.
		s.notifier.ChatReopened(ctx, s.listItem(ctx, chat, &msg))
	}
	s.notifier.MessageCreated(ctx, chat, &msg)

	return &msg, nil
}

// SendSystemMessage appends an informational message. System messages
// are always delivered and never counted as unread.
func (s *ChatService) SendSystemMessage(ctx context.Context, chatID, content string) (*models.ChatMessage, error) {
	unlock := s.lockChat(chatID)
	defer unlock()

	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, s.chatLookupError(err)
	}

	msg := s.buildSystemMessage(&chat, content)
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.notifier.MessageCreated(ctx, &chat, &msg)
	return &msg, nil
}

// MarkAsRead promotes every unread message in the chat not authored by
// the reader. Read implies delivered, so undelivered messages are
// promoted through both states with monotonic timestamps.
func (s *ChatService) MarkAsRead(ctx context.Context, chatID string, p models.Principal) (int64, error) {
	unlock := s.lockChat(chatID)
	defer unlock()

	chat, err := s.loadChat(ctx, chatID, p)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var count int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ChatMessage{}).
			Where("chat_id = ? AND sender_id <> ? AND is_delivered = ?", chatID, p.ID, false).
			Updates(map[string]interface{}{"is_delivered": true, "delivered_at": now}).Error; err != nil {
			return err
		}
		res := tx.Model(&models.ChatMessage{}).
			Where("chat_id = ? AND sender_id <> ? AND is_read = ?", chatID, p.ID, false).
			Updates(map[string]interface{}{"is_read": true, "read_at": now})
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.notifier.MessagesRead(ctx, chat, p, count, now)
	return count, nil
}

// AssignManager attaches a staff member to the chat and announces it.
func (s *ChatService) AssignManager(ctx context.Context, chatID string, staff models.Principal) (*models.Chat, error) {
	if !staff.IsStaff() {
		return nil, ErrAccessDenied
	}

	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, s.chatLookupError(err)
	}

	var manager models.User
	if err := s.db.WithContext(ctx).First(&manager, "id = ?", staff.ID).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := s.db.WithContext(ctx).Model(&chat).Update("manager_id", staff.ID).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	chat.ManagerID = &manager.ID

	s.notifier.ChatAssigned(ctx, &chat, &manager)

	text := fmt.Sprintf("К чату подключился %s. Он ответит на ваши вопросы.", manager.FullName())
	if _, err := s.SendSystemMessage(ctx, chatID, text); err != nil {
		s.log.Error().Err(err).Str("chat_id", chatID).Msg("assignment system message failed")
	}

	return s.GetChatByID(ctx, chatID, staff)
}

// CloseChat ends the conversation. Staff can close any chat, customers
// only their own. A later message reopens it.
func (s *ChatService) CloseChat(ctx context.Context, chatID string, p models.Principal) (*models.Chat, error) {
	chat, err := s.loadChat(ctx, chatID, p)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(chat).Update("is_active", false).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	chat.IsActive = false

	if _, err := s.SendSystemMessage(ctx, chatID, closedMessage); err != nil {
		s.log.Error().Err(err).Str("chat_id", chatID).Msg("close system message failed")
	}
	s.notifier.ChatClosed(ctx, chat)

	return s.GetChatByID(ctx, chatID, p)
}

// GetChatByID returns the full chat with ordered messages and offers.
// Absent chats and foreign chats produce the same error.
func (s *ChatService) GetChatByID(ctx context.Context, chatID string, p models.Principal) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Preload("Messages.Offer").
		Preload("Offers").
		Preload("User").
		First(&chat, "id = ?", chatID).Error
	if err != nil {
		return nil, s.chatLookupError(err)
	}
	if !p.IsStaff() && !chat.OwnedBy(p) {
		return nil, ErrChatNotFound
	}

	s.decorate(ctx, &chat)
	s.notifier.RecountFor(ctx, p.Key(), chat.ID)
	return &chat, nil
}

// GetUserChats lists the principal's conversations, newest first, and
// hydrates the unread store with server-computed counts.
func (s *ChatService) GetUserChats(ctx context.Context, p models.Principal) ([]models.ChatListItem, error) {
	if p.IsStaff() {
		return nil, ErrAccessDenied
	}

	var chats []models.Chat
	query := s.db.WithContext(ctx).Preload("User").Order("updated_at DESC")
	if p.Kind == models.PrincipalCustomer {
		query = query.Where("user_id = ?", p.ID)
	} else {
		query = query.Where("anonymous_user_id = ?", p.ID)
	}
	if err := query.Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	items := make([]models.ChatListItem, 0, len(chats))
	for i := range chats {
		last := s.lastMessage(ctx, chats[i].ID)
		item := s.listItem(ctx, &chats[i], last)
		item.UnreadCount = s.notifier.RecountFor(ctx, p.Key(), chats[i].ID)
		items = append(items, item)
	}
	return items, nil
}

// GetManagerChats is the staff queue: every active chat that is either
// assigned to this manager or not assigned at all.
func (s *ChatService) GetManagerChats(ctx context.Context, staff models.Principal) ([]models.ChatListItem, error) {
	if !staff.IsStaff() {
		return nil, ErrAccessDenied
	}

	var chats []models.Chat
	err := s.db.WithContext(ctx).Preload("User").
		Where("is_active = ? AND (manager_id = ? OR manager_id IS NULL)", true, staff.ID).
		Order("updated_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	items := make([]models.ChatListItem, 0, len(chats))
	for i := range chats {
		last := s.lastMessage(ctx, chats[i].ID)
		item := s.listItem(ctx, &chats[i], last)
		item.UnreadCount = s.notifier.RecountFor(ctx, staff.Key(), chats[i].ID)
		items = append(items, item)
	}
	return items, nil
}

// ChatIDsFor returns the chat ids a connecting principal auto-joins.
// Staff join rooms explicitly from the dashboard instead.
func (s *ChatService) ChatIDsFor(ctx context.Context, p models.Principal) ([]string, error) {
	if p.IsStaff() {
		return nil, nil
	}
	var ids []string
	query := s.db.WithContext(ctx).Model(&models.Chat{})
	if p.Kind == models.PrincipalCustomer {
		query = query.Where("user_id = ?", p.ID)
	} else {
		query = query.Where("anonymous_user_id = ?", p.ID)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// CanAccess checks room-join permission: staff may enter any chat,
// everyone else only their own.
func (s *ChatService) CanAccess(ctx context.Context, chatID string, p models.Principal) error {
	_, err := s.loadChat(ctx, chatID, p)
	return err
}

func (s *ChatService) loadChat(ctx context.Context, chatID string, p models.Principal) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).Preload("User").First(&chat, "id = ?", chatID).Error; err != nil {
		return nil, s.chatLookupError(err)
	}
	if !p.IsStaff() && !chat.OwnedBy(p) {
		// Same shape as not-found so existence never leaks.
		return nil, ErrChatNotFound
	}
	return &chat, nil
}

func (s *ChatService) chatLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrChatNotFound
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func (s *ChatService) buildMessage(chat *models.Chat, p models.Principal, content string, offerID *string) models.ChatMessage {
	return models.ChatMessage{
		ID:         uuid.NewString(),
		ChatID:     chat.ID,
		SenderID:   p.ID,
		SenderRole: senderRoleFor(p),
		SenderName: s.senderName(chat, p),
		Content:    content,
		OfferID:    offerID,
		CreatedAt:  time.Now(),
	}
}

func (s *ChatService) buildSystemMessage(chat *models.Chat, content string) models.ChatMessage {
	now := time.Now()
	return models.ChatMessage{
		ID:          uuid.NewString(),
		ChatID:      chat.ID,
		SenderID:    models.SystemSenderID,
		SenderRole:  models.SenderSystem,
		SenderName:  "Система",
		Content:     content,
		IsDelivered: true,
		DeliveredAt: &now,
		CreatedAt:   now,
	}
}

func (s *ChatService) senderName(chat *models.Chat, p models.Principal) string {
	if p.Name != "" {
		return p.Name
	}
	if !p.IsStaff() && chat.User != nil {
		return chat.User.FullName()
	}
	if p.Kind == models.PrincipalAnonymous {
		return "Анонимный пользователь"
	}
	if p.IsStaff() {
		return "Менеджер"
	}
	return "Клиент"
}

// deliverIfRecipientOnline promotes the message to delivered while the
// sender is still waiting for the ack, provided any recipient
// connection is live.
func (s *ChatService) deliverIfRecipientOnline(ctx context.Context, chat *models.Chat, msg *models.ChatMessage, senderKey string) {
	if !s.notifier.AnyRecipientOnline(chat, senderKey) {
		return
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ? AND is_delivered = ?", msg.ID, false).
		Updates(map[string]interface{}{"is_delivered": true, "delivered_at": now}).Error
	if err != nil {
		// Message stays undelivered; the read path promotes it later.
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("delivery promotion failed")
		return
	}
	msg.IsDelivered = true
	msg.DeliveredAt = &now
	s.notifier.MessageDelivered(ctx, chat, msg, senderKey)
}

func (s *ChatService) lastMessage(ctx context.Context, chatID string) *models.ChatMessage {
	var msg models.ChatMessage
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).
		Order("created_at DESC").First(&msg).Error
	if err != nil {
		return nil
	}
	return &msg
}

func (s *ChatService) listItem(ctx context.Context, chat *models.Chat, last *models.ChatMessage) models.ChatListItem {
	item := models.ChatListItem{
		ID:              chat.ID,
		UserID:          chat.UserID,
		AnonymousUserID: chat.AnonymousUserID,
		ManagerID:       chat.ManagerID,
		IsActive:        chat.IsActive,
		CreatedAt:       chat.CreatedAt,
		UpdatedAt:       chat.UpdatedAt,
		LastMessage:     last,
		CustomerName:    "Анонимный пользователь",
	}
	if chat.User == nil && chat.UserID != nil {
		var user models.User
		if err := s.db.WithContext(ctx).First(&user, "id = ?", *chat.UserID).Error; err == nil {
			chat.User = &user
		}
	}
	if chat.User != nil {
		item.CustomerName = chat.User.FullName()
		item.CustomerPhone = chat.User.Phone
	}
	return item
}

// decorate fills the transient sender names on loaded history.
func (s *ChatService) decorate(ctx context.Context, chat *models.Chat) {
	staffNames := map[string]string{}
	customerName := "Клиент"
	if chat.User != nil {
		customerName = chat.User.FullName()
	} else if chat.AnonymousUserID != nil {
		customerName = "Анонимный пользователь"
	}

	for i := range chat.Messages {
		msg := &chat.Messages[i]
		switch msg.SenderRole {
		case models.SenderSystem:
			msg.SenderName = "Система"
		case models.SenderCustomer:
			msg.SenderName = customerName
		default:
			name, ok := staffNames[msg.SenderID]
			if !ok {
				var user models.User
				if err := s.db.WithContext(ctx).First(&user, "id = ?", msg.SenderID).Error; err == nil {
					name = user.FullName()
				} else {
					name = "Менеджер"
				}
				staffNames[msg.SenderID] = name
			}
			msg.SenderName = name
		}
	}
}
