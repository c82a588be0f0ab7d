package mailbox

import (
	"bytes"
	"testing"

	"chatrelay/models"
)

func TestSavePendingKeyOutcomes(t *testing.T) {
	store := newTestStore(t)

	keyA := []byte{1, 2, 3, 4}
	keyB := []byte{5, 6, 7, 8}

	outcome, err := store.SavePendingKey(models.PendingKey{
		SenderID:   "alice",
		ReceiverID: "bob",
		PublicKey:  keyA,
	})
	if err != nil {
		t.Fatalf("first SavePendingKey failed: %v", err)
	}
	if outcome != KeyStored {
		t.Fatalf("expected stored, got %q", outcome)
	}

	outcome, err = store.SavePendingKey(models.PendingKey{
		SenderID:   "alice",
		ReceiverID: "bob",
		PublicKey:  keyA,
	})
	if err != nil {
		t.Fatalf("duplicate SavePendingKey failed: %v", err)
	}
	if outcome != KeyDuplicate {
		t.Fatalf("identical bytes must be a duplicate, got %q", outcome)
	}

	outcome, err = store.SavePendingKey(models.PendingKey{
		SenderID:   "alice",
		ReceiverID: "bob",
		PublicKey:  keyB,
	})
	if err != nil {
		t.Fatalf("conflicting SavePendingKey failed: %v", err)
	}
	if outcome != KeyConflict {
		t.Fatalf("different bytes must conflict, got %q", outcome)
	}

	// The original record stays authoritative.
	stored, err := store.GetPendingKey("alice", "bob")
	if err != nil {
		t.Fatalf("GetPendingKey failed: %v", err)
	}
	if !bytes.Equal(stored.PublicKey, keyA) {
		t.Fatalf("conflict must leave the original key intact")
	}
}

func TestOppositeOrderingsAreDistinctRecords(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.SavePendingKey(models.PendingKey{
		SenderID:   "alice",
		ReceiverID: "bob",
		PublicKey:  []byte{1},
	}); err != nil {
		t.Fatalf("alice->bob SavePendingKey failed: %v", err)
	}

	outcome, err := store.SavePendingKey(models.PendingKey{
		SenderID:   "bob",
		ReceiverID: "alice",
		PublicKey:  []byte{2},
	})
	if err != nil {
		t.Fatalf("bob->alice SavePendingKey failed: %v", err)
	}
	if outcome != KeyStored {
		t.Fatalf("simultaneous initiation must not conflict, got %q", outcome)
	}
}

func TestChatMembership(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddChatMember("chat-1", "alice"); err != nil {
		t.Fatalf("AddChatMember failed: %v", err)
	}
	if err := store.AddChatMember("chat-1", "bob"); err != nil {
		t.Fatalf("AddChatMember failed: %v", err)
	}
	// Re-adding is a no-op.
	if err := store.AddChatMember("chat-1", "alice"); err != nil {
		t.Fatalf("repeated AddChatMember failed: %v", err)
	}

	member, err := store.IsMember("alice", "chat-1")
	if err != nil {
		t.Fatalf("IsMember failed: %v", err)
	}
	if !member {
		t.Fatalf("alice should be a member of chat-1")
	}

	member, err = store.IsMember("mallory", "chat-1")
	if err != nil {
		t.Fatalf("IsMember failed: %v", err)
	}
	if member {
		t.Fatalf("mallory should not be a member of chat-1")
	}

	members, err := store.ChatMembers("chat-1")
	if err != nil {
		t.Fatalf("ChatMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}
