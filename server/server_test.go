package server

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatrelay/mailbox"
	"chatrelay/wire"
)

func newTestServer(t *testing.T) (*Server, *mailbox.Store) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := mailbox.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	server, err := Listen("127.0.0.1:0", Options{
		Resolver: StaticTokenResolver{
			"tok-alice":   "alice",
			"tok-bob":     "bob",
			"tok-mallory": "mallory",
		},
		Membership: store,
		Store:      store,
		Log:        log,
		AckTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		server.Close()
	})

	return server, store
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, server *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	client := &testClient{t: t, conn: conn}
	t.Cleanup(func() {
		conn.Close()
	})
	return client
}

func dialAuthenticated(t *testing.T, server *Server, token string) *testClient {
	t.Helper()

	client := dialRaw(t, server)
	client.send(wire.Auth{
		Type:            wire.TypeAuth,
		RequestID:       uuid.NewString(),
		Token:           token,
		ProtocolVersion: wire.ProtocolVersion,
	})

	envelope, payload := client.read()
	if envelope.Type != wire.TypeAuthOK {
		t.Fatalf("expected auth_ok, got %s: %s", envelope.Type, payload)
	}
	return client
}

func (c *testClient) send(frame any) {
	c.t.Helper()

	payload, err := wire.EncodeJSON(frame)
	if err != nil {
		c.t.Fatalf("encode frame: %v", err)
	}
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *testClient) read() (wire.Envelope, []byte) {
	c.t.Helper()

	payload, err := wire.ReadFrameWithTimeout(c.conn, 3*time.Second)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	envelope, err := wire.DecodeEnvelope(payload)
	if err != nil {
		c.t.Fatalf("decode envelope: %v", err)
	}
	return envelope, payload
}

func (c *testClient) expectAck(requestID string) wire.Ack {
	c.t.Helper()

	envelope, payload := c.read()
	if envelope.Type != wire.TypeAck {
		c.t.Fatalf("expected ack, got %s: %s", envelope.Type, payload)
	}
	var ack wire.Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	if ack.RequestID != requestID {
		c.t.Fatalf("ack request_id = %q, want %q", ack.RequestID, requestID)
	}
	return ack
}

func (c *testClient) expectError(code string) wire.ErrorFrame {
	c.t.Helper()

	envelope, payload := c.read()
	if envelope.Type != wire.TypeError {
		c.t.Fatalf("expected error frame, got %s: %s", envelope.Type, payload)
	}
	var frame wire.ErrorFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.t.Fatalf("decode error frame: %v", err)
	}
	if frame.Code != code {
		c.t.Fatalf("error code = %q, want %q", frame.Code, code)
	}
	return frame
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func addMembers(t *testing.T, store *mailbox.Store, chatID string, members ...string) {
	t.Helper()
	for _, member := range members {
		if err := store.AddChatMember(chatID, member); err != nil {
			t.Fatalf("add chat member %q: %v", member, err)
		}
	}
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	server, _ := newTestServer(t)

	client := dialRaw(t, server)
	client.send(wire.Auth{
		Type:            wire.TypeAuth,
		RequestID:       uuid.NewString(),
		Token:           "tok-nobody",
		ProtocolVersion: wire.ProtocolVersion,
	})
	client.expectError(wire.CodeAuthFailed)
}

func TestAuthMustBeFirstFrame(t *testing.T) {
	server, _ := newTestServer(t)

	client := dialRaw(t, server)
	client.send(wire.Ping{Type: wire.TypePing})
	client.expectError(wire.CodeAuthRequired)
}

func TestAuthRejectsWrongProtocolVersion(t *testing.T) {
	server, _ := newTestServer(t)

	client := dialRaw(t, server)
	client.send(wire.Auth{
		Type:            wire.TypeAuth,
		RequestID:       uuid.NewString(),
		Token:           "tok-alice",
		ProtocolVersion: wire.ProtocolVersion + 1,
	})
	client.expectError(wire.CodeVersionUnsupported)
}

func TestPublishRejectsNonMember(t *testing.T) {
	server, store := newTestServer(t)
	addMembers(t, store, "chat-1", "alice", "bob")

	mallory := dialAuthenticated(t, server, "tok-mallory")
	requestID := uuid.NewString()
	mallory.send(wire.MessagePublish{
		Type:       wire.TypeMessagePublish,
		RequestID:  requestID,
		ReceiverID: "bob",
		ChatID:     "chat-1",
		Ciphertext: "deadbeef",
		IV:         "0102030405060708090a0b0c",
	})
	mallory.expectError(wire.CodeNotMember)

	backlog, err := store.PullBacklog("bob")
	if err != nil {
		t.Fatalf("pull backlog: %v", err)
	}
	if len(backlog.Messages) != 0 {
		t.Fatalf("rejected publish left %d queued messages", len(backlog.Messages))
	}
}

func TestOfflineMessageQueuedThenPulled(t *testing.T) {
	server, store := newTestServer(t)
	addMembers(t, store, "chat-1", "alice", "bob")

	alice := dialAuthenticated(t, server, "tok-alice")

	requestID := uuid.NewString()
	alice.send(wire.MessagePublish{
		Type:       wire.TypeMessagePublish,
		RequestID:  requestID,
		ReceiverID: "bob",
		ChatID:     "chat-1",
		Ciphertext: "deadbeef",
		IV:         "0102030405060708090a0b0c",
	})
	ack := alice.expectAck(requestID)
	if ack.Status != wire.StatusReceived {
		t.Fatalf("publish ack status = %q, want %q", ack.Status, wire.StatusReceived)
	}
	if ack.Message == nil || ack.Message.MessageID == "" {
		t.Fatal("publish ack did not carry the stored message")
	}

	bob := dialAuthenticated(t, server, "tok-bob")
	pullID := uuid.NewString()
	bob.send(wire.BacklogPull{Type: wire.TypeBacklogPull, RequestID: pullID})

	envelope, payload := bob.read()
	if envelope.Type != wire.TypeBacklog {
		t.Fatalf("expected backlog, got %s: %s", envelope.Type, payload)
	}
	var response wire.BacklogResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		t.Fatalf("decode backlog: %v", err)
	}
	if len(response.Backlog.Messages) != 1 {
		t.Fatalf("backlog carried %d messages, want 1", len(response.Backlog.Messages))
	}
	if got := response.Backlog.Messages[0].MessageID; got != ack.Message.MessageID {
		t.Fatalf("backlog message ID = %q, want %q", got, ack.Message.MessageID)
	}

	// The pull marks the copy delivered; an explicit receipt then shortens
	// its remaining retention.
	bob.send(wire.Receipt{
		Type:      wire.TypeReceipt,
		RequestID: uuid.NewString(),
		MessageID: ack.Message.MessageID,
	})
	waitFor(t, "receipt disposal", func() bool {
		stored, err := store.GetMessage(ack.Message.MessageID)
		if err != nil {
			return false
		}
		remaining := stored.ExpiresAt - time.Now().UnixMilli()
		return stored.IsDelivered && remaining <= mailbox.DisposedTTL.Milliseconds()
	})
}

func TestLiveDeliveryMarksDelivered(t *testing.T) {
	server, store := newTestServer(t)
	addMembers(t, store, "chat-1", "alice", "bob")

	alice := dialAuthenticated(t, server, "tok-alice")
	bob := dialAuthenticated(t, server, "tok-bob")

	requestID := uuid.NewString()
	alice.send(wire.MessagePublish{
		Type:       wire.TypeMessagePublish,
		RequestID:  requestID,
		ReceiverID: "bob",
		ChatID:     "chat-1",
		Ciphertext: "deadbeef",
		IV:         "0102030405060708090a0b0c",
	})

	envelope, payload := bob.read()
	if envelope.Type != wire.TypeMessageDeliver {
		t.Fatalf("expected message_deliver, got %s: %s", envelope.Type, payload)
	}
	var deliver wire.MessageDeliver
	if err := json.Unmarshal(payload, &deliver); err != nil {
		t.Fatalf("decode message_deliver: %v", err)
	}
	if deliver.Message.SenderID != "alice" || deliver.Message.ReceiverID != "bob" {
		t.Fatalf("delivered message addressed %s -> %s", deliver.Message.SenderID, deliver.Message.ReceiverID)
	}
	bob.send(wire.Ack{
		Type:      wire.TypeAck,
		RequestID: deliver.RequestID,
		Status:    wire.StatusReceived,
	})

	ack := alice.expectAck(requestID)
	if ack.Status != wire.StatusReceived {
		t.Fatalf("publish ack status = %q, want %q", ack.Status, wire.StatusReceived)
	}

	waitFor(t, "delivery transition", func() bool {
		stored, err := store.GetMessage(deliver.Message.MessageID)
		return err == nil && stored.IsDelivered
	})
}

func TestGroupFanOutSkipsSender(t *testing.T) {
	server, store := newTestServer(t)
	addMembers(t, store, "chat-1", "alice", "bob", "carol")

	alice := dialAuthenticated(t, server, "tok-alice")

	requestID := uuid.NewString()
	alice.send(wire.MessagePublish{
		Type:       wire.TypeMessagePublish,
		RequestID:  requestID,
		ChatID:     "chat-1",
		Ciphertext: "deadbeef",
		IV:         "0102030405060708090a0b0c",
	})
	ack := alice.expectAck(requestID)
	if ack.Status != wire.StatusReceived {
		t.Fatalf("fan-out ack status = %q, want %q", ack.Status, wire.StatusReceived)
	}

	for _, receiver := range []string{"bob", "carol"} {
		backlog, err := store.PullBacklog(receiver)
		if err != nil {
			t.Fatalf("pull backlog for %s: %v", receiver, err)
		}
		if len(backlog.Messages) != 1 {
			t.Fatalf("%s queued %d copies, want 1", receiver, len(backlog.Messages))
		}
	}

	backlog, err := store.PullBacklog("alice")
	if err != nil {
		t.Fatalf("pull backlog for alice: %v", err)
	}
	if len(backlog.Messages) != 0 {
		t.Fatal("sender received its own fan-out copy")
	}
}

func TestOfflineHandshakeOutcomes(t *testing.T) {
	server, store := newTestServer(t)

	alice := dialAuthenticated(t, server, "tok-alice")

	publish := func(key []byte) wire.Ack {
		requestID := uuid.NewString()
		alice.send(wire.HandshakePublish{
			Type:      wire.TypeHandshakePublish,
			RequestID: requestID,
			To:        "bob",
			PublicKey: key,
		})
		return alice.expectAck(requestID)
	}

	original := []byte{1, 2, 3, 4}
	if ack := publish(original); ack.Status != wire.StatusReceived {
		t.Fatalf("first publish status = %q, want %q", ack.Status, wire.StatusReceived)
	}
	if ack := publish(original); ack.Status != wire.StatusDuplicate {
		t.Fatalf("repeat publish status = %q, want %q", ack.Status, wire.StatusDuplicate)
	}
	if ack := publish([]byte{9, 9, 9, 9}); ack.Status != wire.StatusConflict {
		t.Fatalf("conflicting publish status = %q, want %q", ack.Status, wire.StatusConflict)
	}

	backlog, err := store.PullBacklog("bob")
	if err != nil {
		t.Fatalf("pull backlog: %v", err)
	}
	if len(backlog.PendingKeys) != 1 {
		t.Fatalf("backlog carried %d pending keys, want 1", len(backlog.PendingKeys))
	}
	if got := backlog.PendingKeys[0].PublicKey; string(got) != string(original) {
		t.Fatalf("queued key = %v, want the original %v", got, original)
	}
}

func TestLiveHandshakePassesReceiverVerdictThrough(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAuthenticated(t, server, "tok-alice")
	bob := dialAuthenticated(t, server, "tok-bob")

	requestID := uuid.NewString()
	alice.send(wire.HandshakePublish{
		Type:      wire.TypeHandshakePublish,
		RequestID: requestID,
		To:        "bob",
		PublicKey: []byte{1, 2, 3, 4},
	})

	envelope, payload := bob.read()
	if envelope.Type != wire.TypeHandshakeDeliver {
		t.Fatalf("expected handshake_deliver, got %s: %s", envelope.Type, payload)
	}
	var deliver wire.HandshakeDeliver
	if err := json.Unmarshal(payload, &deliver); err != nil {
		t.Fatalf("decode handshake_deliver: %v", err)
	}
	if deliver.From != "alice" {
		t.Fatalf("handshake from %q, want alice", deliver.From)
	}
	bob.send(wire.Ack{
		Type:      wire.TypeAck,
		RequestID: deliver.RequestID,
		Status:    wire.StatusConflict,
		Reason:    "key mismatch for this peer",
	})

	ack := alice.expectAck(requestID)
	if ack.Status != wire.StatusConflict {
		t.Fatalf("passthrough status = %q, want %q", ack.Status, wire.StatusConflict)
	}
}

func TestNewerSessionDisplacesOlder(t *testing.T) {
	server, store := newTestServer(t)
	addMembers(t, store, "chat-1", "alice", "bob")

	alice := dialAuthenticated(t, server, "tok-alice")
	_ = dialAuthenticated(t, server, "tok-bob")
	bobNewer := dialAuthenticated(t, server, "tok-bob")

	requestID := uuid.NewString()
	alice.send(wire.MessagePublish{
		Type:       wire.TypeMessagePublish,
		RequestID:  requestID,
		ReceiverID: "bob",
		ChatID:     "chat-1",
		Ciphertext: "deadbeef",
		IV:         "0102030405060708090a0b0c",
	})
	alice.expectAck(requestID)

	envelope, _ := bobNewer.read()
	if envelope.Type != wire.TypeMessageDeliver {
		t.Fatalf("newest session read %s, want message_deliver", envelope.Type)
	}
}

func TestPingPong(t *testing.T) {
	server, _ := newTestServer(t)

	alice := dialAuthenticated(t, server, "tok-alice")
	alice.send(wire.Ping{Type: wire.TypePing})

	envelope, _ := alice.read()
	if envelope.Type != wire.TypePong {
		t.Fatalf("expected pong, got %s", envelope.Type)
	}
}
