package cache

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "cache_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSaveMessageIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	message := Message{
		MessageID:  "m-1",
		ChatID:     "chat-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Body:       "hello",
		CreatedAt:  1000,
	}

	inserted, err := store.SaveMessage(message)
	if err != nil {
		t.Fatalf("save message: %v", err)
	}
	if !inserted {
		t.Fatal("first save did not insert")
	}

	// A redelivery carries the same ID; the stored row must win.
	message.Body = "hello (redelivered)"
	inserted, err = store.SaveMessage(message)
	if err != nil {
		t.Fatalf("save duplicate: %v", err)
	}
	if inserted {
		t.Fatal("duplicate save reported an insert")
	}

	stored, err := store.GetMessage("m-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Body != "hello" {
		t.Fatalf("body = %q, want the original", stored.Body)
	}
}

func TestSaveMessageRequiresIdentifiers(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.SaveMessage(Message{ChatID: "chat-1"}); err == nil {
		t.Fatal("expected error for missing message_id")
	}
	if _, err := store.SaveMessage(Message{MessageID: "m-1"}); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
}

func TestChatMessagesOrderedOldestFirst(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"m-3", "m-1", "m-2"} {
		createdAt := map[string]int64{"m-1": 100, "m-2": 200, "m-3": 300}[id]
		if _, err := store.SaveMessage(Message{
			MessageID: id,
			ChatID:    "chat-1",
			SenderID:  "alice",
			Body:      "hi",
			CreatedAt: createdAt,
		}); err != nil {
			t.Fatalf("save message %d: %v", i, err)
		}
	}
	if _, err := store.SaveMessage(Message{
		MessageID: "other",
		ChatID:    "chat-2",
		SenderID:  "alice",
		Body:      "elsewhere",
		CreatedAt: 50,
	}); err != nil {
		t.Fatalf("save other-chat message: %v", err)
	}

	messages, err := store.ChatMessages("chat-1", 0)
	if err != nil {
		t.Fatalf("chat messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		if messages[i].MessageID != want {
			t.Fatalf("position %d = %q, want %q", i, messages[i].MessageID, want)
		}
	}

	limited, err := store.ChatMessages("chat-1", 2)
	if err != nil {
		t.Fatalf("limited chat messages: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited query returned %d messages, want 2", len(limited))
	}
}

func TestOpaqueFlagRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.SaveMessage(Message{
		MessageID: "m-opaque",
		ChatID:    "chat-1",
		SenderID:  "bob",
		Body:      "aabbccdd",
		IV:        "0102030405060708090a0b0c",
		IsOpaque:  true,
		CreatedAt: 100,
	}); err != nil {
		t.Fatalf("save opaque message: %v", err)
	}

	stored, err := store.GetMessage("m-opaque")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !stored.IsOpaque {
		t.Fatal("opaque flag lost")
	}
	if stored.IV == "" {
		t.Fatal("nonce lost; a later key could never retry decryption")
	}
}

func TestSharedKeyVersionBumpsOnReplace(t *testing.T) {
	store := newTestStore(t)

	version, err := store.SaveSharedKey("bob", []byte{1, 1, 1})
	if err != nil {
		t.Fatalf("save shared key: %v", err)
	}
	if version != 1 {
		t.Fatalf("first version = %d, want 1", version)
	}

	version, err = store.SaveSharedKey("bob", []byte{2, 2, 2})
	if err != nil {
		t.Fatalf("replace shared key: %v", err)
	}
	if version != 2 {
		t.Fatalf("replaced version = %d, want 2", version)
	}

	key, storedVersion, err := store.SharedKey("bob")
	if err != nil {
		t.Fatalf("get shared key: %v", err)
	}
	if !bytes.Equal(key, []byte{2, 2, 2}) {
		t.Fatalf("stored key = %v, want the replacement", key)
	}
	if storedVersion != 2 {
		t.Fatalf("stored version = %d, want 2", storedVersion)
	}
}

func TestSharedKeyNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.SharedKey("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingPrivateKeyLifecycle(t *testing.T) {
	store := newTestStore(t)

	original := []byte("-----BEGIN X25519 PRIVATE KEY-----\nAAAA\n-----END X25519 PRIVATE KEY-----\n")
	if err := store.SavePendingPrivateKey("bob", original); err != nil {
		t.Fatalf("save pending private key: %v", err)
	}

	// A second initiation must keep the first private half, or the public
	// key already published would no longer match it.
	if err := store.SavePendingPrivateKey("bob", []byte("replacement")); err != nil {
		t.Fatalf("repeat save: %v", err)
	}

	stored, err := store.PendingPrivateKey("bob")
	if err != nil {
		t.Fatalf("get pending private key: %v", err)
	}
	if !bytes.Equal(stored, original) {
		t.Fatal("repeat save replaced the original private half")
	}

	if err := store.DeletePendingPrivateKey("bob"); err != nil {
		t.Fatalf("delete pending private key: %v", err)
	}
	if _, err := store.PendingPrivateKey("bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}
