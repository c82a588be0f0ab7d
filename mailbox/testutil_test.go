package mailbox

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"chatrelay/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustEnqueue(t *testing.T, store *Store, id, sender, receiver, chat string) models.Message {
	t.Helper()

	message, err := store.EnqueueMessage(models.Message{
		MessageID:  id,
		SenderID:   sender,
		ReceiverID: receiver,
		ChatID:     chat,
		Ciphertext: "ciphertext-" + id,
		IV:         "iv-" + id,
	})
	if err != nil {
		t.Fatalf("enqueue message %q: %v", id, err)
	}
	return message
}
