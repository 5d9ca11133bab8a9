package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

func TestCreateChatWithWelcomeMessage(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Нужен фильтр для Камри")
	require.NoError(t, err)

	require.Len(t, chat.Messages, 2)
	assert.Equal(t, models.SenderCustomer, chat.Messages[0].SenderRole)
	assert.Equal(t, "Нужен фильтр для Камри", chat.Messages[0].Content)
	assert.Equal(t, models.SenderSystem, chat.Messages[1].SenderRole)
	assert.True(t, chat.Messages[1].IsDelivered)
	assert.True(t, chat.IsActive)

	// Managers learn about the chat before its first message.
	newChats := s.emitter.managerEvents(events.TypeNewChat)
	require.Len(t, newChats, 1)
}

func TestCreateChatByAnonymousVisitor(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	require.NoError(t, s.db.Create(&models.AnonymousUser{ID: "v1", Token: "tok"}).Error)

	chat, err := s.chats.CreateChat(ctx, anonymousPrincipal("v1"), "Здравствуйте")
	require.NoError(t, err)
	require.NotNil(t, chat.AnonymousUserID)
	assert.Equal(t, "v1", *chat.AnonymousUserID)
	assert.Nil(t, chat.UserID)
	assert.Equal(t, "a:v1", chat.OwnerKey())
}

func TestCreateChatReusesActiveChat(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	p := customerPrincipal(customer)

	first, err := s.chats.CreateChat(ctx, p, "Первое сообщение")
	require.NoError(t, err)

	second, err := s.chats.CreateChat(ctx, p, "Второе сообщение")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, s.db.Model(&models.Chat{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	// Original + welcome + appended message.
	assert.Len(t, second.Messages, 3)
}

func TestCreateChatRejectsStaffAndEmptyContent(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	manager := s.createUser(t, models.RoleManager, "boris")
	customer := s.createUser(t, models.RoleCustomer, "alice")

	_, err := s.chats.CreateChat(ctx, staffPrincipal(manager), "привет")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.chats.CreateChat(ctx, customerPrincipal(customer), "   ")
	assert.ErrorIs(t, err, ErrValidation)

	long := strings.Repeat("ы", maxMessageRunes+1)
	_, err = s.chats.CreateChat(ctx, customerPrincipal(customer), long)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSendMessageReopensClosedChat(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	p := customerPrincipal(customer)

	chat, err := s.chats.CreateChat(ctx, p, "Вопрос")
	require.NoError(t, err)
	_, err = s.chats.CloseChat(ctx, chat.ID, p)
	require.NoError(t, err)

	var stored models.Chat
	require.NoError(t, s.db.First(&stored, "id = ?", chat.ID).Error)
	require.False(t, stored.IsActive)

	before := len(s.emitter.managerEvents(events.TypeNewChat))

	_, err = s.chats.SendMessage(ctx, chat.ID, p, "Ещё вопрос")
	require.NoError(t, err)

	require.NoError(t, s.db.First(&stored, "id = ?", chat.ID).Error)
	assert.True(t, stored.IsActive)

	// The reopened chat is re-announced to manager queues.
	reAnnounced := s.emitter.managerEvents(events.TypeNewChat)
	require.Len(t, reAnnounced, before+1)
	var payload events.NewChat
	require.NoError(t, json.Unmarshal(reAnnounced[len(reAnnounced)-1].Payload, &payload))
	assert.True(t, payload.Reopened)
}

func TestSendMessageToForeignChatLooksLikeNotFound(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	alice := s.createUser(t, models.RoleCustomer, "alice")
	mallory := s.createUser(t, models.RoleCustomer, "mallory")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(alice), "Приватный вопрос")
	require.NoError(t, err)

	_, err = s.chats.SendMessage(ctx, chat.ID, customerPrincipal(mallory), "а я тут")
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, err = s.chats.SendMessage(ctx, "no-such-chat", customerPrincipal(mallory), "эй")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestStaffCanMessageAnyChat(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)

	msg, err := s.chats.SendMessage(ctx, chat.ID, staffPrincipal(manager), "Отвечаю")
	require.NoError(t, err)
	assert.Equal(t, models.SenderManager, msg.SenderRole)
	assert.Equal(t, manager.ID, msg.SenderID)
}

func TestMarkAsReadPromotesMonotonically(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)
	_, err = s.chats.SendMessage(ctx, chat.ID, customerPrincipal(customer), "Ещё вопрос")
	require.NoError(t, err)

	count, err := s.chats.MarkAsRead(ctx, chat.ID, staffPrincipal(manager))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var msgs []models.ChatMessage
	require.NoError(t, s.db.Where("chat_id = ? AND sender_role = ?", chat.ID, models.SenderCustomer).Find(&msgs).Error)
	for _, m := range msgs {
		assert.True(t, m.IsDelivered, "read implies delivered")
		assert.True(t, m.IsRead)
		require.NotNil(t, m.DeliveredAt)
		require.NotNil(t, m.ReadAt)
		assert.False(t, m.ReadAt.Before(*m.DeliveredAt))
	}

	// Second pass has nothing left to promote.
	count, err = s.chats.MarkAsRead(ctx, chat.ID, staffPrincipal(manager))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMarkAsReadSkipsOwnMessages(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)
	_, err = s.chats.SendMessage(ctx, chat.ID, staffPrincipal(manager), "Ответ")
	require.NoError(t, err)

	// The customer reads: only the manager message (the welcome system
	// message was delivered at creation but still unread).
	count, err := s.chats.MarkAsRead(ctx, chat.ID, customerPrincipal(customer))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count) // manager reply + system welcome

	var own models.ChatMessage
	require.NoError(t, s.db.Where("chat_id = ? AND sender_id = ?", chat.ID, customer.ID).First(&own).Error)
	assert.False(t, own.IsRead)
}

func TestAssignManagerPostsSystemMessage(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)

	assigned, err := s.chats.AssignManager(ctx, chat.ID, staffPrincipal(manager))
	require.NoError(t, err)
	require.NotNil(t, assigned.ManagerID)
	assert.Equal(t, manager.ID, *assigned.ManagerID)

	var system []models.ChatMessage
	require.NoError(t, s.db.Where("chat_id = ? AND sender_role = ?", chat.ID, models.SenderSystem).
		Order("created_at ASC").Find(&system).Error)
	require.Len(t, system, 2)
	assert.Contains(t, system[1].Content, manager.FullName())

	_, err = s.chats.AssignManager(ctx, chat.ID, customerPrincipal(customer))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestCloseChat(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	mallory := s.createUser(t, models.RoleCustomer, "mallory")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)

	// A stranger cannot close someone else's chat.
	_, err = s.chats.CloseChat(ctx, chat.ID, customerPrincipal(mallory))
	assert.ErrorIs(t, err, ErrChatNotFound)

	closed, err := s.chats.CloseChat(ctx, chat.ID, customerPrincipal(customer))
	require.NoError(t, err)
	assert.False(t, closed.IsActive)

	updates := s.emitter.chatEvents(chat.ID, events.TypeChatUpdate)
	require.NotEmpty(t, updates)
}

func TestGetUserChatsHydratesUnread(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)
	_, err = s.chats.SendMessage(ctx, chat.ID, staffPrincipal(manager), "Ответ 1")
	require.NoError(t, err)
	_, err = s.chats.SendMessage(ctx, chat.ID, staffPrincipal(manager), "Ответ 2")
	require.NoError(t, err)

	items, err := s.chats.GetUserChats(ctx, customerPrincipal(customer))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].UnreadCount)
	require.NotNil(t, items[0].LastMessage)
	assert.Equal(t, "Ответ 2", items[0].LastMessage.Content)

	_, err = s.chats.GetUserChats(ctx, staffPrincipal(manager))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestGetManagerChatsShowsUnassignedAndOwn(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	alice := s.createUser(t, models.RoleCustomer, "alice")
	carol := s.createUser(t, models.RoleCustomer, "carol")
	boris := s.createUser(t, models.RoleManager, "boris")
	dima := s.createUser(t, models.RoleManager, "dima")

	chatA, err := s.chats.CreateChat(ctx, customerPrincipal(alice), "Вопрос А")
	require.NoError(t, err)
	_, err = s.chats.CreateChat(ctx, customerPrincipal(carol), "Вопрос Б")
	require.NoError(t, err)

	_, err = s.chats.AssignManager(ctx, chatA.ID, staffPrincipal(boris))
	require.NoError(t, err)

	// Boris sees his assigned chat and the unassigned one.
	items, err := s.chats.GetManagerChats(ctx, staffPrincipal(boris))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Dima only sees the unassigned chat.
	items, err = s.chats.GetManagerChats(ctx, staffPrincipal(dima))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDeliveryPromotionWhenRecipientOnline(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")
	s.emitter.staffOn = true

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)

	var first models.ChatMessage
	require.NoError(t, s.db.Where("chat_id = ? AND sender_role = ?", chat.ID, models.SenderCustomer).
		First(&first).Error)
	assert.True(t, first.IsDelivered)

	// The sender got the delivery tick.
	ticks := s.emitter.principalEvents(customerPrincipal(customer).Key(), events.TypeMessageDelivered)
	assert.NotEmpty(t, ticks)

	// Staff replies while the customer is offline stay undelivered.
	s.emitter.staffOn = false
	reply, err := s.chats.SendMessage(ctx, chat.ID, staffPrincipal(manager), "Ответ")
	require.NoError(t, err)
	assert.False(t, reply.IsDelivered)
}

func TestChatIDsFor(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	customer := s.createUser(t, models.RoleCustomer, "alice")
	manager := s.createUser(t, models.RoleManager, "boris")

	chat, err := s.chats.CreateChat(ctx, customerPrincipal(customer), "Вопрос")
	require.NoError(t, err)

	ids, err := s.chats.ChatIDsFor(ctx, customerPrincipal(customer))
	require.NoError(t, err)
	assert.Equal(t, []string{chat.ID}, ids)

	ids, err = s.chats.ChatIDsFor(ctx, staffPrincipal(manager))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
