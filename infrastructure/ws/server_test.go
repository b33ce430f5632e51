package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"roomlab/engine"
	"roomlab/services"
)

func startTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.Default()

	registry := engine.NewRegistry(log, engine.NewSupervisor(log), engine.SessionConfig{}, time.Minute, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	registry.Start(ctx)

	service := services.NewCollabService(registry, services.AllowAllProjects)
	gateway := NewGateway(log, service, nil, GatewayConfig{})

	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		server.Close()
		registry.Close()
		cancel()
	})
	return server
}

func dial(t *testing.T, server *httptest.Server, userID, username string) *websocket.Conn {
	t.Helper()
	req := require.New(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	t.Cleanup(func() { conn.Close() })

	join, err := NewFrame(TypeJoin, JoinPayload{
		ProjectID: "apartment_7", UserID: userID, Username: username,
	})
	req.NoError(err)
	req.NoError(conn.WriteJSON(join))

	ack := readFrame(t, conn)
	req.Equal(TypeJoinAck, ack.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// awaitFrame drains frames until one of the wanted type arrives.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("never received a %q frame", frameType)
	return Frame{}
}

func TestGateway_JoinAckCarriesSnapshot(t *testing.T) {
	req := require.New(t)
	server := startTestGateway(t)

	alice := dial(t, server, "alice", "Alice")

	// Alice posts a message so Bob's snapshot has content
	chat, err := NewFrame(TypeChat, ChatPayload{Text: "hello room"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(chat))
	awaitFrame(t, alice, TypeChatMessage)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	bob, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer bob.Close()

	join, err := NewFrame(TypeJoin, JoinPayload{ProjectID: "apartment_7", UserID: "bob", Username: "Bob"})
	req.NoError(err)
	req.NoError(bob.WriteJSON(join))

	ack := readFrame(t, bob)
	req.Equal(TypeJoinAck, ack.Type)

	var snapshot JoinAckPayload
	req.NoError(json.Unmarshal(ack.Payload, &snapshot))
	req.Len(snapshot.Participants, 2)
	req.Len(snapshot.ChatHistory, 1)
	req.Equal("hello room", snapshot.ChatHistory[0].Text)
}

func TestGateway_MoveThenChatObservedInOrder(t *testing.T) {
	req := require.New(t)
	server := startTestGateway(t)

	alice := dial(t, server, "alice", "Alice")
	bob := dial(t, server, "bob", "Bob")

	// Alice locks the sofa, moves it, then chats about it
	lock, err := NewFrame(TypeLock, LockPayload{ElementID: "sofa_1"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(lock))

	result := awaitFrame(t, alice, TypeLockResult)
	var lockResult LockResultPayload
	req.NoError(json.Unmarshal(result.Payload, &lockResult))
	req.True(lockResult.Granted)

	move, err := NewFrame(TypeFurnitureMove, FurnitureMovePayload{
		ElementID: "sofa_1", X: 3, Y: 4, ClientTag: "tag-1",
	})
	req.NoError(err)
	req.NoError(alice.WriteJSON(move))

	chat, err := NewFrame(TypeChat, ChatPayload{Text: "sofa is by the window now"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(chat))

	// Both observers see the move strictly before the chat message
	for _, conn := range []*websocket.Conn{alice, bob} {
		var kinds []string
		deadline := time.Now().Add(2 * time.Second)
		for len(kinds) < 2 && time.Now().Before(deadline) {
			frame := readFrame(t, conn)
			if frame.Type == TypeMutation || frame.Type == TypeChatMessage {
				kinds = append(kinds, frame.Type)
			}
		}
		req.Equal([]string{TypeMutation, TypeChatMessage}, kinds)
	}
}

func TestGateway_MutationWithoutLockGetsErrorFrame(t *testing.T) {
	req := require.New(t)
	server := startTestGateway(t)

	alice := dial(t, server, "alice", "Alice")

	move, err := NewFrame(TypeFurnitureMove, FurnitureMovePayload{ElementID: "sofa_1", X: 1, Y: 1})
	req.NoError(err)
	req.NoError(alice.WriteJSON(move))

	frame := awaitFrame(t, alice, TypeError)
	var payload ErrorPayload
	req.NoError(json.Unmarshal(frame.Payload, &payload))
	req.Equal("lock_required", payload.Code)
	req.False(payload.Retryable)
}

func TestGateway_LockDenialNamesHolder(t *testing.T) {
	req := require.New(t)
	server := startTestGateway(t)

	alice := dial(t, server, "alice", "Alice")
	bob := dial(t, server, "bob", "Bob")

	lock, err := NewFrame(TypeLock, LockPayload{ElementID: "sofa_1"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(lock))
	result := awaitFrame(t, alice, TypeLockResult)
	var granted LockResultPayload
	req.NoError(json.Unmarshal(result.Payload, &granted))
	req.True(granted.Granted)

	req.NoError(bob.WriteJSON(lock))
	result = awaitFrame(t, bob, TypeLockResult)
	var denied LockResultPayload
	req.NoError(json.Unmarshal(result.Payload, &denied))
	req.False(denied.Granted)
	req.Equal("alice", denied.Holder)
}

func TestGateway_DisconnectReleasesLocks(t *testing.T) {
	req := require.New(t)
	server := startTestGateway(t)

	alice := dial(t, server, "alice", "Alice")
	bob := dial(t, server, "bob", "Bob")

	lock, err := NewFrame(TypeLock, LockPayload{ElementID: "sofa_1"})
	req.NoError(err)
	req.NoError(alice.WriteJSON(lock))
	awaitFrame(t, alice, TypeLockResult)

	// Alice drops without an explicit unlock
	req.NoError(alice.Close())

	// Bob hears the unlock well before any TTL
	frame := awaitFrame(t, bob, TypeElementUnlocked)
	var payload LockPayload
	req.NoError(json.Unmarshal(frame.Payload, &payload))
	req.Equal("sofa_1", payload.ElementID)

	// And can take the element himself
	req.NoError(bob.WriteJSON(lock))
	result := awaitFrame(t, bob, TypeLockResult)
	var granted LockResultPayload
	req.NoError(json.Unmarshal(result.Payload, &granted))
	req.True(granted.Granted)
}

func TestGateway_FirstFrameMustBeJoin(t *testing.T) {
	req := require.New(t)
	server := startTestGateway(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer conn.Close()

	chat, err := NewFrame(TypeChat, ChatPayload{Text: "too early"})
	req.NoError(err)
	req.NoError(conn.WriteJSON(chat))

	// The server closes the connection instead of answering
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	err = conn.ReadJSON(&frame)
	req.Error(err)
}
