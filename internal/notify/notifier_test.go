package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
)

type edit struct {
	chatID    int64
	messageID int
	count     int
}

type fakeMessenger struct {
	nextID   int
	sent     map[int64]int
	edits    []edit
	failSend map[int64]bool
	failEdit bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 100, sent: make(map[int64]int), failSend: make(map[int64]bool)}
}

func (f *fakeMessenger) SendNotice(_ context.Context, chatID int64, count int) (int, error) {
	if f.failSend[chatID] {
		return 0, errors.New("bot was blocked by the user")
	}
	f.nextID++
	f.sent[chatID] = count
	return f.nextID, nil
}

func (f *fakeMessenger) EditNotice(_ context.Context, chatID int64, messageID, count int) error {
	if f.failEdit {
		return errors.New("message to edit not found")
	}
	f.edits = append(f.edits, edit{chatID, messageID, count})
	return nil
}

type busySet map[int64]bool

func (b busySet) HasActive(id int64) (bool, error) { return b[id], nil }

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "notify.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func enqueue(t *testing.T, store database.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := store.Enqueue("@src", "text"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNotifySendsThenEdits(t *testing.T) {
	store := newTestStore(t)
	msgr := newFakeMessenger()
	n := New(store, busySet{}, msgr, []int64{1, 2}, logging.NopLogger())

	enqueue(t, store, 2)
	rep, err := n.Notify(context.Background())
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if rep.Sent != 2 || rep.Posts != 2 {
		t.Errorf("report = %+v", rep)
	}
	if msgr.sent[1] != 2 {
		t.Errorf("count sent to 1 = %d", msgr.sent[1])
	}

	h, err := store.GetNotificationHandle(1)
	if err != nil {
		t.Fatalf("handle not saved: %v", err)
	}

	enqueue(t, store, 3)
	rep, err = n.Notify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Edited != 2 || rep.Sent != 0 || rep.Posts != 3 {
		t.Errorf("report = %+v", rep)
	}
	if msgr.edits[0].messageID != h.MessageID || msgr.edits[0].count != 3 {
		t.Errorf("edit = %+v, want message %d count 3", msgr.edits[0], h.MessageID)
	}
}

func TestNotifyMarksBatchOnce(t *testing.T) {
	store := newTestStore(t)
	msgr := newFakeMessenger()
	n := New(store, busySet{}, msgr, []int64{1}, logging.NopLogger())
	enqueue(t, store, 1)

	n.Notify(context.Background())
	rep, err := n.Notify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Posts != 0 || len(msgr.edits) != 0 {
		t.Errorf("second pass re-notified: %+v", rep)
	}
}

func TestNotifySuppressesBusyModerators(t *testing.T) {
	store := newTestStore(t)
	msgr := newFakeMessenger()
	n := New(store, busySet{1: true}, msgr, []int64{1, 2}, logging.NopLogger())
	enqueue(t, store, 1)

	rep, err := n.Notify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Suppressed != 1 || rep.Sent != 1 {
		t.Errorf("report = %+v", rep)
	}
	if _, ok := msgr.sent[1]; ok {
		t.Error("busy moderator was notified")
	}
	ids, _ := store.ListUnnotified()
	if len(ids) != 0 {
		t.Errorf("batch not marked: %v", ids)
	}
}

func TestNotifyFallsBackToSendOnEditFailure(t *testing.T) {
	store := newTestStore(t)
	msgr := newFakeMessenger()
	n := New(store, busySet{}, msgr, []int64{1}, logging.NopLogger())
	store.SaveNotificationHandle(model.NotificationHandle{ModeratorID: 1, ChatID: 1, MessageID: 5})
	msgr.failEdit = true
	enqueue(t, store, 1)

	rep, err := n.Notify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 || rep.Edited != 0 {
		t.Errorf("report = %+v", rep)
	}
	h, _ := store.GetNotificationHandle(1)
	if h.MessageID == 5 {
		t.Error("handle not replaced after resend")
	}
}

func TestNotifyContinuesPastFailure(t *testing.T) {
	store := newTestStore(t)
	msgr := newFakeMessenger()
	msgr.failSend[1] = true
	n := New(store, busySet{}, msgr, []int64{1, 2}, logging.NopLogger())
	enqueue(t, store, 2)

	rep, err := n.Notify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || rep.Sent != 1 {
		t.Errorf("report = %+v", rep)
	}
	if msgr.sent[2] != 2 {
		t.Error("second moderator not notified")
	}
	ids, _ := store.ListUnnotified()
	if len(ids) != 0 {
		t.Errorf("batch not marked after partial failure: %v", ids)
	}
}

func TestNotifyIgnoresHandledPosts(t *testing.T) {
	store := newTestStore(t)
	msgr := newFakeMessenger()
	n := New(store, busySet{}, msgr, []int64{1}, logging.NopLogger())
	id, _ := store.Enqueue("@src", "x")
	store.SetStatus(id, model.StatusSkipped)

	rep, err := n.Notify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Posts != 0 || len(msgr.sent) != 0 {
		t.Errorf("report = %+v", rep)
	}
}
