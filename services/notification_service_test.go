package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

func seedChat(t *testing.T, s *testStack, ownerID string, managerID *string) *models.Chat {
	t.Helper()
	chat := &models.Chat{ID: "chat-" + ownerID, UserID: &ownerID, ManagerID: managerID, IsActive: true}
	require.NoError(t, s.db.Create(chat).Error)
	return chat
}

func customerMessage(chat *models.Chat, content string) *models.ChatMessage {
	return &models.ChatMessage{
		ID:         "msg-" + content,
		ChatID:     chat.ID,
		SenderID:   *chat.UserID,
		SenderRole: models.SenderCustomer,
		SenderName: "Клиент",
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

func staffMessage(chat *models.Chat, senderID, content string) *models.ChatMessage {
	return &models.ChatMessage{
		ID:         "msg-" + content,
		ChatID:     chat.ID,
		SenderID:   senderID,
		SenderRole: models.SenderManager,
		SenderName: "Менеджер",
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

func TestMessageCreatedIncrementsForOfflineStaff(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.createUser(t, models.RoleManager, "boris")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, nil)

	s.notifier.MessageCreated(ctx, chat, customerMessage(chat, "one"))

	n, err := s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Room members saw the message in-band regardless.
	assert.Len(t, s.emitter.chatEvents(chat.ID, events.TypeNewMessage), 1)
	// The dashboard got a chatUpdate for the customer message.
	assert.Len(t, s.emitter.managerEvents(events.TypeChatUpdate), 1)
}

func TestMessageCreatedViewingSuppressesIncrement(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.createUser(t, models.RoleManager, "boris")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, nil)

	s.emitter.setViewing("u:boris", chat.ID)
	s.notifier.MessageCreated(ctx, chat, customerMessage(chat, "one"))

	n, err := s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// No unreadUpdate noise for a viewer.
	assert.Empty(t, s.emitter.principalEvents("u:boris", events.TypeUnreadUpdate))
}

func TestMessageCreatedOnlineNotViewingGetsUnreadUpdate(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.createUser(t, models.RoleManager, "boris")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, nil)

	s.emitter.setOnline("u:boris")
	s.notifier.MessageCreated(ctx, chat, customerMessage(chat, "one"))
	s.notifier.MessageCreated(ctx, chat, customerMessage(chat, "two"))

	n, err := s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	updates := s.emitter.principalEvents("u:boris", events.TypeUnreadUpdate)
	require.Len(t, updates, 2)
	var last events.UnreadUpdate
	require.NoError(t, json.Unmarshal(updates[1].Payload, &last))
	assert.Equal(t, int64(2), last.Unread)
	assert.Equal(t, int64(2), last.Total)
}

func TestMessageCreatedSingleIncrementPerPrincipal(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	boris := s.createUser(t, models.RoleManager, "boris")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	// Assigned manager is also part of the staff roster; the counter
	// must move by exactly one.
	chat := seedChat(t, s, alice.ID, &boris.ID)

	s.notifier.MessageCreated(ctx, chat, customerMessage(chat, "one"))

	n, err := s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMessageCreatedStaffMessageCountsForOwnerOnly(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	boris := s.createUser(t, models.RoleManager, "boris")
	s.createUser(t, models.RoleManager, "dima")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, &boris.ID)

	s.notifier.MessageCreated(ctx, chat, staffMessage(chat, boris.ID, "reply"))

	n, err := s.unread.Get(ctx, "u:alice", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Neither the sender nor colleague staff count a staff reply.
	n, err = s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = s.unread.Get(ctx, "u:dima", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Staff replies are not queue updates.
	assert.Empty(t, s.emitter.managerEvents(events.TypeChatUpdate))
}

func TestMessageCreatedSystemMessagesAreSilent(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	s.createUser(t, models.RoleManager, "boris")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, nil)

	msg := &models.ChatMessage{
		ID:         "sys-1",
		ChatID:     chat.ID,
		SenderID:   models.SystemSenderID,
		SenderRole: models.SenderSystem,
		Content:    "Чат был закрыт.",
		CreatedAt:  time.Now(),
	}
	s.notifier.MessageCreated(ctx, chat, msg)

	// In-band room event only.
	assert.Len(t, s.emitter.chatEvents(chat.ID, events.TypeNewMessage), 1)
	n, err := s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = s.unread.Get(ctx, "u:alice", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMessagesReadResetsReaderAndRecountsColleagues(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	boris := s.createUser(t, models.RoleManager, "boris")
	s.createUser(t, models.RoleManager, "dima")
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, nil)

	// Two unread customer messages, persisted and counted for both.
	for _, content := range []string{"one", "two"} {
		msg := customerMessage(chat, content)
		require.NoError(t, s.db.Create(msg).Error)
		s.notifier.MessageCreated(ctx, chat, msg)
	}

	n, _ := s.unread.Get(ctx, "u:dima", chat.ID)
	require.Equal(t, int64(2), n)

	// Boris reads everything; the messages become read in the table.
	require.NoError(t, s.db.Model(&models.ChatMessage{}).
		Where("chat_id = ?", chat.ID).
		Updates(map[string]interface{}{"is_read": true}).Error)
	s.notifier.MessagesRead(ctx, chat, models.Principal{Kind: models.PrincipalStaff, ID: boris.ID, Role: models.RoleManager}, 2, time.Now())

	n, err := s.unread.Get(ctx, "u:boris", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Colleague counters converge on the table truth.
	n, err = s.unread.Get(ctx, "u:dima", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRecountMatchesTableTruth(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	alice := s.createUser(t, models.RoleCustomer, "alice")
	boris := s.createUser(t, models.RoleManager, "boris")
	chat := seedChat(t, s, alice.ID, nil)

	msgs := []*models.ChatMessage{
		staffMessage(chat, boris.ID, "a"),
		staffMessage(chat, boris.ID, "b"),
		customerMessage(chat, "c"),
	}
	for _, m := range msgs {
		require.NoError(t, s.db.Create(m).Error)
	}
	// Drift the cache on purpose.
	require.NoError(t, s.unread.SetAbsolute(ctx, "u:alice", chat.ID, 40))

	count := s.notifier.RecountFor(ctx, "u:alice", chat.ID)
	assert.Equal(t, int64(2), count)

	n, err := s.unread.Get(ctx, "u:alice", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAnyRecipientOnline(t *testing.T) {
	s := newTestStack(t)
	boris := s.createUser(t, models.RoleManager, "boris")
	alice := s.createUser(t, models.RoleCustomer, "alice")

	unassigned := &models.Chat{ID: "c1", UserID: &alice.ID, IsActive: true}
	assigned := &models.Chat{ID: "c2", UserID: &alice.ID, ManagerID: &boris.ID, IsActive: true}

	// Customer sends: any staff presence counts for unassigned chats.
	assert.False(t, s.notifier.AnyRecipientOnline(unassigned, "u:alice"))
	s.emitter.staffOn = true
	assert.True(t, s.notifier.AnyRecipientOnline(unassigned, "u:alice"))

	// Assigned chats prefer the assigned manager's own presence.
	s.emitter.staffOn = false
	assert.False(t, s.notifier.AnyRecipientOnline(assigned, "u:alice"))
	s.emitter.setOnline("u:boris")
	assert.True(t, s.notifier.AnyRecipientOnline(assigned, "u:alice"))

	// Staff sends: only the owner's presence matters.
	assert.False(t, s.notifier.AnyRecipientOnline(assigned, "u:boris"))
	s.emitter.setOnline("u:alice")
	assert.True(t, s.notifier.AnyRecipientOnline(assigned, "u:boris"))
}

// recordingPublisher captures what would go to the chat-events topic.
type recordingPublisher struct {
	records []StreamEvent
	keys    []string
}

func (p *recordingPublisher) Send(topic, key string, value interface{}) error {
	p.records = append(p.records, value.(StreamEvent))
	p.keys = append(p.keys, key)
	return nil
}

func TestEventStreamRecordsKeyedByChat(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	alice := s.createUser(t, models.RoleCustomer, "alice")
	chat := seedChat(t, s, alice.ID, nil)

	pub := &recordingPublisher{}
	s.notifier.UseEventStream(pub, "chat-events")

	s.notifier.MessageCreated(ctx, chat, customerMessage(chat, "one"))
	s.notifier.ChatClosed(ctx, chat)

	require.Len(t, pub.records, 2)
	assert.Equal(t, events.TypeNewMessage, pub.records[0].Type)
	assert.Equal(t, events.TypeChatUpdate, pub.records[1].Type)
	for _, key := range pub.keys {
		assert.Equal(t, chat.ID, key)
	}
}
