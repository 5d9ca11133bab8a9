package ws

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndrewYakovlev/aso-store-v2-sub002/events"
	"github.com/AndrewYakovlev/aso-store-v2-sub002/models"
)

func newTestClient(id string, p models.Principal) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:        id,
		Principal: p,
		Resolved:  true,
		send:      make(chan *events.Envelope, sendBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		log:       zerolog.Nop(),
	}
}

func customer(id string) models.Principal {
	return models.Principal{Kind: models.PrincipalCustomer, ID: id}
}

func manager(id string) models.Principal {
	return models.Principal{Kind: models.PrincipalStaff, ID: id, Role: models.RoleManager}
}

func drain(c *Client) []*events.Envelope {
	var out []*events.Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func testEnvelope() *events.Envelope {
	return events.MustWrap(events.UserTyping{ChatID: "chat-1", UserID: "x", IsTyping: true})
}

func TestRegisterAndOnline(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := newTestClient("c1", customer("alice"))

	assert.False(t, r.IsOnline("u:alice"))
	r.Register(c)
	assert.True(t, r.IsOnline("u:alice"))

	r.Unregister(c)
	assert.False(t, r.IsOnline("u:alice"))
}

func TestUnresolvedClientIsNotRegistered(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := newTestClient("c1", models.Principal{})
	c.Resolved = false

	r.Register(c)
	assert.False(t, r.IsOnline(c.Principal.Key()))
}

func TestUnregisterIsExactlyOnce(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := newTestClient("c1", customer("alice"))
	r.Register(c)

	r.Unregister(c)
	r.Unregister(c)
	assert.False(t, r.IsOnline("u:alice"))

	// A dead client cannot sneak back in.
	r.Register(c)
	assert.False(t, r.IsOnline("u:alice"))
	r.JoinChat(c, "chat-1")
	assert.False(t, r.IsViewing("u:alice", "chat-1"))
}

func TestMultipleConnectionsOnePrincipal(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	tab1 := newTestClient("c1", customer("alice"))
	tab2 := newTestClient("c2", customer("alice"))
	r.Register(tab1)
	r.Register(tab2)

	r.JoinChat(tab1, "chat-1")
	r.JoinChat(tab2, "chat-1")

	// Fan-out to the principal reaches every tab.
	r.EmitToPrincipal("u:alice", testEnvelope())
	assert.Len(t, drain(tab1), 1)
	assert.Len(t, drain(tab2), 1)

	// One tab closing keeps the principal online and viewing.
	r.Unregister(tab1)
	assert.True(t, r.IsOnline("u:alice"))
	assert.True(t, r.IsViewing("u:alice", "chat-1"))

	r.Unregister(tab2)
	assert.False(t, r.IsOnline("u:alice"))
	assert.False(t, r.IsViewing("u:alice", "chat-1"))
}

func TestEmitToChatSkipsExceptedPrincipal(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	alice := newTestClient("c1", customer("alice"))
	boris := newTestClient("c2", manager("boris"))
	r.Register(alice)
	r.Register(boris)
	r.JoinChat(alice, "chat-1")
	r.JoinChat(boris, "chat-1")

	r.EmitToChat("chat-1", testEnvelope(), "u:alice")

	assert.Empty(t, drain(alice))
	assert.Len(t, drain(boris), 1)
}

func TestLeaveChatDropsViewing(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := newTestClient("c1", customer("alice"))
	r.Register(c)
	r.JoinChat(c, "chat-1")
	require.True(t, r.IsViewing("u:alice", "chat-1"))

	r.LeaveChat(c, "chat-1")
	assert.False(t, r.IsViewing("u:alice", "chat-1"))
	// Still online, just not viewing.
	assert.True(t, r.IsOnline("u:alice"))

	r.EmitToChat("chat-1", testEnvelope())
	assert.Empty(t, drain(c))
}

func TestEmitToManagers(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	alice := newTestClient("c1", customer("alice"))
	boris := newTestClient("c2", manager("boris"))
	dima := newTestClient("c3", manager("dima"))
	r.Register(alice)
	r.Register(boris)
	r.Register(dima)

	assert.True(t, r.ManagersOnline())
	r.EmitToManagers(testEnvelope())
	assert.Empty(t, drain(alice))
	assert.Len(t, drain(boris), 1)
	assert.Len(t, drain(dima), 1)

	r.Unregister(boris)
	r.Unregister(dima)
	assert.False(t, r.ManagersOnline())
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := newTestClient("c1", customer("alice"))
	r.Register(c)
	r.JoinChat(c, "chat-1")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.trySend(testEnvelope()))
	}
	// Buffer is full; the next emit schedules an unregister instead of
	// blocking.
	r.EmitToChat("chat-1", testEnvelope())

	select {
	case <-c.ctx.Done():
	default:
		// Unregister runs on its own goroutine; wait for the context.
		<-c.ctx.Done()
	}
	assert.False(t, r.IsOnline("u:alice"))
}
