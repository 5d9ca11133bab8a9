package services

import (
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/config"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrateAll(db))
	return db
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		JWTSecret:       "test-secret",
		TokenExpiry:     1,
		RefreshExpiry:   24,
		AnonymousExpiry: 24,
		OTPLength:       4,
		OTPTTL:          5,
	}
}

// fakeEmitter records every emission and lets tests script presence.
type fakeEmitter struct {
	mu sync.Mutex

	online  map[string]bool
	viewing map[string]map[string]bool // principalKey -> chatID
	staffOn bool

	toPrincipal map[string][]*events.Envelope
	toChat      map[string][]*events.Envelope
	toManagers  []*events.Envelope
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		online:      map[string]bool{},
		viewing:     map[string]map[string]bool{},
		toPrincipal: map[string][]*events.Envelope{},
		toChat:      map[string][]*events.Envelope{},
	}
}

func (f *fakeEmitter) setOnline(key string)  { f.online[key] = true }
func (f *fakeEmitter) setOffline(key string) { delete(f.online, key) }

func (f *fakeEmitter) setViewing(key, chatID string) {
	f.online[key] = true
	if f.viewing[key] == nil {
		f.viewing[key] = map[string]bool{}
	}
	f.viewing[key][chatID] = true
}

func (f *fakeEmitter) EmitToPrincipal(key string, env *events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toPrincipal[key] = append(f.toPrincipal[key], env)
}

func (f *fakeEmitter) EmitToChat(chatID string, env *events.Envelope, except ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toChat[chatID] = append(f.toChat[chatID], env)
}

func (f *fakeEmitter) EmitToManagers(env *events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toManagers = append(f.toManagers, env)
}

func (f *fakeEmitter) IsOnline(key string) bool { return f.online[key] }

func (f *fakeEmitter) IsViewing(key, chatID string) bool {
	return f.viewing[key] != nil && f.viewing[key][chatID]
}

func (f *fakeEmitter) ManagersOnline() bool { return f.staffOn }

func (f *fakeEmitter) principalEvents(key, eventType string) []*events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.Envelope
	for _, env := range f.toPrincipal[key] {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeEmitter) chatEvents(chatID, eventType string) []*events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.Envelope
	for _, env := range f.toChat[chatID] {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeEmitter) managerEvents(eventType string) []*events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.Envelope
	for _, env := range f.toManagers {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// testStack builds the full service stack on sqlite + miniredis with a
// scriptable emitter.
type testStack struct {
	db       *gorm.DB
	emitter  *fakeEmitter
	unread   *UnreadStore
	notifier *NotificationService
	chats    *ChatService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db := newTestDB(t)
	log := zerolog.Nop()
	unread := NewUnreadStore(newTestRedis(t))
	push := NewPushService(db, config.PushConfig{}, log)
	notifier := NewNotificationService(db, unread, push, log)
	emitter := newFakeEmitter()
	notifier.SetEmitter(emitter)
	return &testStack{
		db:       db,
		emitter:  emitter,
		unread:   unread,
		notifier: notifier,
		chats:    NewChatService(db, notifier, log),
	}
}

func (s *testStack) createUser(t *testing.T, role, name string) models.User {
	t.Helper()
	user := models.User{
		ID:        name,
		Phone:     "+7" + name,
		FirstName: name,
		Role:      role,
	}
	require.NoError(t, s.db.Create(&user).Error)
	return user
}

func customerPrincipal(u models.User) models.Principal {
	return models.Principal{Kind: models.PrincipalCustomer, ID: u.ID, Name: u.FullName()}
}

func staffPrincipal(u models.User) models.Principal {
	return models.Principal{Kind: models.PrincipalStaff, ID: u.ID, Role: u.Role, Name: u.FullName()}
}

func anonymousPrincipal(id string) models.Principal {
	return models.Principal{Kind: models.PrincipalAnonymous, ID: id}
}
