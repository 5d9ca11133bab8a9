package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

// Emitter is the registry port the fan-out engine pushes through. The
// websocket layer implements it; tests substitute fakes.
type Emitter interface {
	EmitToPrincipal(principalKey string, env *events.Envelope)
	EmitToChat(chatID string, env *events.Envelope, exceptKeys ...string)
	EmitToManagers(env *events.Envelope)
	IsOnline(principalKey string) bool
	IsViewing(principalKey, chatID string) bool
	ManagersOnline() bool
}

// NoopEmitter satisfies Emitter before the websocket layer is wired
// (and in tests that only care about counters).
type NoopEmitter struct{}

func (NoopEmitter) EmitToPrincipal(string, *events.Envelope)          {}
func (NoopEmitter) EmitToChat(string, *events.Envelope, ...string)    {}
func (NoopEmitter) EmitToManagers(*events.Envelope)                   {}
func (NoopEmitter) IsOnline(string) bool                              { return false }
func (NoopEmitter) IsViewing(string, string) bool                     { return false }
func (NoopEmitter) ManagersOnline() bool                              { return false }

// EventPublisher is the kafka port for the chat-events audit stream.
type EventPublisher interface {
	Send(topic string, key string, value interface{}) error
}

// StreamEvent is the record shape on the chat-events topic.
type StreamEvent struct {
	Type      string      `json:"type"`
	ChatID    string      `json:"chat_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationService is the fan-out engine: given a domain event it
// computes the interested principals, maintains their unread counters,
// emits in-band events and falls back to web push for offline parties.
// Everything here is best-effort; the triggering operation has already
// been persisted and must not fail because of fan-out.
type NotificationService struct {
	db          *gorm.DB
	emitter     Emitter
	unread      *UnreadStore
	push        *PushService
	publisher   EventPublisher
	eventsTopic string
	log         zerolog.Logger
}

func NewNotificationService(db *gorm.DB, unread *UnreadStore, push *PushService, log zerolog.Logger) *NotificationService {
	return &NotificationService{
		db:      db,
		emitter: NoopEmitter{},
		unread:  unread,
		push:    push,
		log:     log.With().Str("service", "notifications").Logger(),
	}
}

// SetEmitter wires the websocket registry in after construction; the
// registry and the services otherwise depend on each other.
func (n *NotificationService) SetEmitter(e Emitter) {
	n.emitter = e
}

// UseEventStream publishes every domain event to kafka as well.
func (n *NotificationService) UseEventStream(p EventPublisher, topic string) {
	n.publisher = p
	n.eventsTopic = topic
}

// AnyRecipientOnline reports whether a message sent into the chat by
// senderKey can be delivered synchronously: for a customer message any
// live staff connection counts, for a staff message the owner must be
// online.
func (n *NotificationService) AnyRecipientOnline(chat *models.Chat, senderKey string) bool {
	if senderKey == chat.OwnerKey() {
		if chat.ManagerID != nil && n.emitter.IsOnline("u:"+*chat.ManagerID) {
			return true
		}
		return n.emitter.ManagersOnline()
	}
	return n.emitter.IsOnline(chat.OwnerKey())
}

// ChatCreated broadcasts a fresh chat to every manager queue. It must
// run before the first message's MessageCreated so staff observe
// newChat before newMessage.
func (n *NotificationService) ChatCreated(ctx context.Context, item models.ChatListItem) {
	n.emitter.EmitToManagers(events.MustWrap(events.NewChat{Chat: item}))
	n.stream(events.TypeNewChat, item.ID, item)
}

// ChatReopened re-announces a closed chat that a new message brought
// back, so it re-enters every manager queue.
func (n *NotificationService) ChatReopened(ctx context.Context, item models.ChatListItem) {
	n.emitter.EmitToManagers(events.MustWrap(events.NewChat{Chat: item, Reopened: true}))
	n.stream(events.TypeNewChat, item.ID, item)
}

// MessageCreated fans one persisted message out: the chat room gets the
// message, the managers dashboard gets a chatUpdate for customer
// messages, interested principals not viewing the chat get unread
// increments, and fully offline parties get a web push.
func (n *NotificationService) MessageCreated(ctx context.Context, chat *models.Chat, msg *models.ChatMessage) {
	n.emitter.EmitToChat(chat.ID, events.MustWrap(events.NewMessage{ChatID: chat.ID, Message: *msg}))
	n.stream(events.TypeNewMessage, chat.ID, msg)

	if msg.SenderRole == models.SenderSystem {
		// Informational only: no dashboard update, no unread, no push.
		return
	}

	senderKey := n.senderKey(chat, msg)
	fromCustomer := msg.SenderRole == models.SenderCustomer

	if fromCustomer {
		n.emitter.EmitToManagers(events.MustWrap(events.ChatUpdate{
			ChatID:  chat.ID,
			Kind:    "new_message",
			Message: msg,
		}))
	}

	for _, key := range n.interestedParties(chat, fromCustomer) {
		if key == senderKey {
			continue
		}
		if n.emitter.IsViewing(key, chat.ID) {
			// Viewing parties already saw the message in-band; the two
			// reset paths (this one and markAsRead) converge on zero.
			if err := n.unread.Reset(ctx, key, chat.ID); err != nil {
				n.log.Error().Err(err).Str("principal", key).Msg("unread reset failed")
			}
			continue
		}

		count, err := n.unread.Increment(ctx, key, chat.ID)
		if err != nil {
			n.log.Error().Err(err).Str("principal", key).Msg("unread increment failed")
			continue
		}
		n.emitUnread(ctx, key, chat.ID, count)

		if !n.emitter.IsOnline(key) {
			n.pushFor(ctx, chat, msg, key)
		}
	}
}

// MessageDelivered sends the sender-only delivery tick. Recipients get
// the message itself through MessageCreated; the shapes differ on
// purpose.
func (n *NotificationService) MessageDelivered(ctx context.Context, chat *models.Chat, msg *models.ChatMessage, senderKey string) {
	if msg.DeliveredAt == nil {
		return
	}
	n.emitter.EmitToPrincipal(senderKey, events.MustWrap(events.MessageDelivered{
		ChatID:      chat.ID,
		MessageID:   msg.ID,
		DeliveredAt: *msg.DeliveredAt,
	}))
	n.stream(events.TypeMessageDelivered, chat.ID, map[string]interface{}{
		"message_id":   msg.ID,
		"delivered_at": msg.DeliveredAt,
	})
}

// MessagesRead handles the bulk read promotion: one summary event to
// the room, reset for the reader, recount for everyone else affected.
func (n *NotificationService) MessagesRead(ctx context.Context, chat *models.Chat, reader models.Principal, count int64, readAt time.Time) {
	if count > 0 {
		n.emitter.EmitToChat(chat.ID, events.MustWrap(events.MessagesRead{
			ChatID:   chat.ID,
			ReaderID: reader.ID,
			ReadAt:   readAt,
			Count:    count,
		}), reader.Key())
	}

	if err := n.unread.Reset(ctx, reader.Key(), chat.ID); err != nil {
		n.log.Error().Err(err).Str("principal", reader.Key()).Msg("unread reset failed")
	}
	n.emitUnread(ctx, reader.Key(), chat.ID, 0)

	// A staff read also clears the shared customer-message pool for
	// colleagues; recount instead of guessing.
	if reader.IsStaff() {
		for _, key := range n.staffKeys() {
			if key == reader.Key() {
				continue
			}
			n.recount(ctx, key, chat.ID)
		}
	}
	n.stream(events.TypeMessagesRead, chat.ID, map[string]interface{}{
		"reader_id": reader.ID,
		"count":     count,
	})
}

func (n *NotificationService) ChatAssigned(ctx context.Context, chat *models.Chat, manager *models.User) {
	env := events.MustWrap(events.ChatUpdate{
		ChatID:    chat.ID,
		Kind:      "assigned",
		ManagerID: manager.ID,
	})
	n.emitter.EmitToChat(chat.ID, env)
	n.emitter.EmitToManagers(env)
	n.stream(events.TypeChatUpdate, chat.ID, map[string]string{"type": "assigned", "manager_id": manager.ID})
}

func (n *NotificationService) ChatClosed(ctx context.Context, chat *models.Chat) {
	active := false
	env := events.MustWrap(events.ChatUpdate{
		ChatID:   chat.ID,
		Kind:     "closed",
		IsActive: &active,
	})
	n.emitter.EmitToChat(chat.ID, env)
	n.emitter.EmitToManagers(env)
	n.stream(events.TypeChatUpdate, chat.ID, map[string]string{"type": "closed"})
}

// OfferCreated pushes the offer payload into the room; the accompanying
// offer message goes through MessageCreated separately.
func (n *NotificationService) OfferCreated(ctx context.Context, chat *models.Chat, offer *models.ProductOffer, managerName string) {
	n.emitter.EmitToChat(chat.ID, events.MustWrap(events.NewOffer{ChatID: chat.ID, Offer: *offer}))
	n.stream(events.TypeNewOffer, chat.ID, offer)

	if !n.emitter.IsOnline(chat.OwnerKey()) {
		job := PushJob{
			UserID:          chat.UserID,
			AnonymousUserID: chat.AnonymousUserID,
			Title:           "Новое предложение от " + managerName,
			Body:            offer.Name,
			Icon:            offer.Image,
			Tag:             "offer-" + offer.ID,
			Data: map[string]interface{}{
				"type":    "product_offer",
				"chatId":  chat.ID,
				"offerId": offer.ID,
			},
		}
		if err := n.push.Notify(ctx, job); err != nil {
			n.log.Error().Err(err).Str("chat_id", chat.ID).Msg("offer push failed")
		}
	}
}

// RecountFor recomputes one counter from the message table and stores
// it; used when hydrating chat lists.
func (n *NotificationService) RecountFor(ctx context.Context, principalKey, chatID string) int64 {
	return n.recount(ctx, principalKey, chatID)
}

func (n *NotificationService) recount(ctx context.Context, principalKey, chatID string) int64 {
	count := n.unreadCountFromDB(ctx, principalKey, chatID)
	if err := n.unread.SetAbsolute(ctx, principalKey, chatID, count); err != nil {
		n.log.Error().Err(err).Str("principal", principalKey).Msg("unread recount store failed")
	}
	n.emitUnread(ctx, principalKey, chatID, count)
	return count
}

// unreadCountFromDB is the source-of-truth formula: messages in the
// chat not sent by the principal, not system, not yet read.
func (n *NotificationService) unreadCountFromDB(ctx context.Context, principalKey, chatID string) int64 {
	id := principalKey
	if len(id) > 2 {
		id = id[2:] // strip the "u:"/"a:" prefix
	}
	var count int64
	err := n.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("chat_id = ? AND is_read = ? AND sender_role <> ? AND sender_id <> ?",
			chatID, false, models.SenderSystem, id).
		Count(&count).Error
	if err != nil {
		n.log.Error().Err(err).Str("chat_id", chatID).Msg("unread count query failed")
		return 0
	}
	return count
}

func (n *NotificationService) emitUnread(ctx context.Context, principalKey, chatID string, count int64) {
	total, err := n.unread.Total(ctx, principalKey)
	if err != nil {
		n.log.Error().Err(err).Str("principal", principalKey).Msg("unread total failed")
		total = count
	}
	n.emitter.EmitToPrincipal(principalKey, events.MustWrap(events.UnreadUpdate{
		ChatID: chatID,
		Unread: count,
		Total:  total,
	}))
}

// interestedParties returns the principal keys that must learn about a
// message: the owner for staff messages; the assigned manager plus the
// whole staff roster for customer messages (every manager dashboard
// shows the queue).
func (n *NotificationService) interestedParties(chat *models.Chat, fromCustomer bool) []string {
	if !fromCustomer {
		if key := chat.OwnerKey(); key != "" {
			return []string{key}
		}
		return nil
	}

	seen := map[string]struct{}{}
	var keys []string
	if chat.ManagerID != nil {
		key := "u:" + *chat.ManagerID
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, key := range n.staffKeys() {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func (n *NotificationService) staffKeys() []string {
	var ids []string
	err := n.db.Model(&models.User{}).
		Where("role IN ?", []string{models.RoleManager, models.RoleAdmin}).
		Pluck("id", &ids).Error
	if err != nil {
		n.log.Error().Err(err).Msg("staff roster query failed")
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = "u:" + id
	}
	return keys
}

// pushFor sends the out-of-band fallback for one offline party. Only
// the chat's direct counterparts get pushes; the broader staff roster
// sees the queue when they come back.
func (n *NotificationService) pushFor(ctx context.Context, chat *models.Chat, msg *models.ChatMessage, principalKey string) {
	job := PushJob{
		Title: "Новое сообщение от " + msg.SenderName,
		Body:  TruncateBody(msg.Content, 100),
		Tag:   "chat-" + chat.ID,
		Data: map[string]interface{}{
			"type":      "chat_message",
			"chatId":    chat.ID,
			"messageId": msg.ID,
		},
	}

	switch {
	case principalKey == chat.OwnerKey():
		job.UserID = chat.UserID
		job.AnonymousUserID = chat.AnonymousUserID
	case chat.ManagerID != nil && principalKey == "u:"+*chat.ManagerID:
		job.UserID = chat.ManagerID
	default:
		return
	}

	if err := n.push.Notify(ctx, job); err != nil {
		n.log.Error().Err(err).Str("chat_id", chat.ID).Str("principal", principalKey).
			Msg("message push failed")
	}
}

func (n *NotificationService) senderKey(chat *models.Chat, msg *models.ChatMessage) string {
	switch msg.SenderRole {
	case models.SenderCustomer:
		return chat.OwnerKey()
	case models.SenderSystem:
		return models.SystemSenderID
	default:
		return "u:" + msg.SenderID
	}
}

func (n *NotificationService) stream(eventType, chatID string, payload interface{}) {
	if n.publisher == nil {
		return
	}
	record := StreamEvent{
		Type:      eventType,
		ChatID:    chatID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := n.publisher.Send(n.eventsTopic, chatID, record); err != nil {
		n.log.Error().Err(err).Str("type", eventType).Str("chat_id", chatID).
			Msg("event stream publish failed")
	}
}
