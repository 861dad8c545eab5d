package moderation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/bryan-buckman/newsrelay/internal/rewrite"
	"github.com/bryan-buckman/newsrelay/internal/session"
)

const mod int64 = 7

type fakePublisher struct {
	delivered []string
	err       error
}

func (f *fakePublisher) Deliver(_ context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, text)
	return nil
}

type fakeRewriter struct {
	text   string
	err    error
	during func()
	calls  int
	last   string
}

func (f *fakeRewriter) Rewrite(_ context.Context, rawText, instruction, _ string) rewrite.Result {
	f.calls++
	f.last = instruction
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return rewrite.Result{Text: rawText, Err: f.err}
	}
	return rewrite.Result{Text: f.text}
}

type fixture struct {
	store     database.Store
	sessions  *session.Manager
	machine   *Machine
	publisher *fakePublisher
	rewriter  *fakeRewriter
	ids       []int64
}

func newFixture(t *testing.T, posts int) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "moderation.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:     db,
		sessions:  session.NewManager(db, logging.NopLogger()),
		publisher: &fakePublisher{},
		rewriter:  &fakeRewriter{text: "rewritten"},
	}
	f.machine = New(db, f.sessions, f.rewriter, f.publisher, logging.NopLogger())
	for i := 0; i < posts; i++ {
		id, err := db.Enqueue("@src", "raw text")
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		f.ids = append(f.ids, id)
	}
	return f
}

func (f *fixture) start(t *testing.T) View {
	t.Helper()
	v, err := f.machine.Start(mod)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return v
}

func (f *fixture) progress(t *testing.T) (int, int) {
	t.Helper()
	idx, err := f.sessions.Index(mod)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	total, err := f.sessions.Total(mod)
	if err != nil {
		t.Fatalf("Total failed: %v", err)
	}
	return idx, total
}

func TestPublishAdvancesAndSnapshotHolds(t *testing.T) {
	f := newFixture(t, 3)

	v := f.start(t)
	if v.Kind != ViewPost || v.Post.ID != f.ids[0] || v.Index != 0 || v.Total != 3 {
		t.Fatalf("start view = %+v", v)
	}

	v, err := f.machine.Publish(context.Background(), mod, f.ids[0])
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[1] || v.Notice != NoticePublished {
		t.Errorf("view after publish = %+v", v)
	}
	if idx, total := f.progress(t); idx != 1 || total != 3 {
		t.Errorf("progress = %d/%d, want 1/3", idx, total)
	}
	p, _ := f.store.GetPost(f.ids[0])
	if p.Status != model.StatusPublished {
		t.Errorf("status = %s, want published", p.Status)
	}
	if len(f.publisher.delivered) != 1 || f.publisher.delivered[0] != "raw text" {
		t.Errorf("delivered = %v", f.publisher.delivered)
	}

	if _, err := f.store.Enqueue("@src", "late"); err != nil {
		t.Fatal(err)
	}
	if _, total := f.progress(t); total != 3 {
		t.Errorf("total after enqueue = %d, want 3", total)
	}
}

func TestPublishUsesRewrittenText(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	if err := f.store.SetRewrite(f.ids[0], "styled"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.machine.Publish(context.Background(), mod, f.ids[0]); err != nil {
		t.Fatal(err)
	}
	if f.publisher.delivered[0] != "styled" {
		t.Errorf("delivered %q, want styled", f.publisher.delivered[0])
	}
}

func TestPublishFailureDoesNotAdvance(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.publisher.err = errors.New("chat not found")

	v, err := f.machine.Publish(context.Background(), mod, f.ids[0])
	if err == nil {
		t.Fatal("expected publish error")
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[0] || v.Notice == "" {
		t.Errorf("view = %+v", v)
	}
	if idx, _ := f.progress(t); idx != 0 {
		t.Errorf("index = %d, want 0", idx)
	}
	p, _ := f.store.GetPost(f.ids[0])
	if p.Status != model.StatusNew {
		t.Errorf("status = %s, want new", p.Status)
	}
}

func TestPublishMissingPostReportsNotFound(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	if err := f.store.DeletePost(f.ids[0]); err != nil {
		t.Fatal(err)
	}

	v, err := f.machine.Publish(context.Background(), mod, f.ids[0])
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if v.Kind != ViewMissing || v.Notice != NoticeNotFound {
		t.Errorf("view = %+v", v)
	}
	if idx, _ := f.progress(t); idx != 0 {
		t.Errorf("index = %d, want 0", idx)
	}

	v, err = f.machine.Continue(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[1] {
		t.Errorf("continue view = %+v", v)
	}
}

func TestSkipKeepsPostActive(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)

	if _, err := f.machine.Skip(mod, f.ids[0]); err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	active, _ := f.store.ListActive()
	if len(active) != 2 {
		t.Errorf("active = %v, want both posts", active)
	}

	if _, err := f.machine.Exit(mod); err != nil {
		t.Fatal(err)
	}
	v := f.start(t)
	if v.Post.ID != f.ids[0] || v.Total != 2 {
		t.Errorf("new session view = %+v", v)
	}
}

func TestDeclineSkipsRacedDeletion(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)
	if err := f.store.DeletePost(f.ids[1]); err != nil {
		t.Fatal(err)
	}

	v, err := f.machine.Decline(mod, f.ids[0])
	if err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[2] || v.Index != 2 {
		t.Errorf("view = %+v, want post %d at index 2", v, f.ids[2])
	}
	if _, err := f.store.GetPost(f.ids[0]); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("declined post still present: %v", err)
	}
	active, _ := f.store.ListActive()
	for _, id := range active {
		if id == f.ids[0] {
			t.Error("declined post back in active list")
		}
	}
}

func TestDeclineLastWithRacedTailExhausts(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.store.DeletePost(f.ids[1])

	v, err := f.machine.Decline(mod, f.ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewExhausted || v.Total != 2 {
		t.Errorf("view = %+v, want exhausted", v)
	}
	if _, err := f.sessions.Get(mod); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("session not cleared: %v", err)
	}
	st, _ := f.store.GetModeratorState(mod)
	if st.Kind != model.StateIdle {
		t.Errorf("state = %s, want idle", st.Kind)
	}
}

func TestStartWhileActiveOffersCollision(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)
	f.machine.Skip(mod, f.ids[0])

	v, err := f.machine.Start(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewCollision || v.Index != 1 || v.Total != 3 {
		t.Errorf("view = %+v", v)
	}
	if idx, total := f.progress(t); idx != 1 || total != 3 {
		t.Errorf("session changed to %d/%d", idx, total)
	}

	v, err = f.machine.Continue(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Post.ID != f.ids[1] {
		t.Errorf("continue served %d", v.Post.ID)
	}

	f.store.Enqueue("@src", "fresh")
	v, err = f.machine.Restart(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Index != 0 || v.Total != 4 {
		t.Errorf("restart view = %+v, want 0/4", v)
	}
}

func TestStartWithEmptyQueue(t *testing.T) {
	f := newFixture(t, 0)
	v, err := f.machine.Start(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewMenu || v.Notice != NoticeNothingToReview {
		t.Errorf("view = %+v", v)
	}
	if _, err := f.sessions.Get(mod); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("empty session left behind: %v", err)
	}
}

func TestRewriteKeepsCursor(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)

	v, err := f.machine.RequestRewrite(mod, f.ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewAwaitInstruction || v.Post.ID != f.ids[0] {
		t.Fatalf("view = %+v", v)
	}

	v, err = f.machine.SubmitInstruction(context.Background(), mod, "shorter")
	if err != nil {
		t.Fatalf("SubmitInstruction failed: %v", err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[0] || v.Notice != NoticeRewritten {
		t.Errorf("view = %+v", v)
	}
	if f.rewriter.last != "shorter" {
		t.Errorf("instruction = %q", f.rewriter.last)
	}
	p, _ := f.store.GetPost(f.ids[0])
	if p.Status != model.StatusPending || p.StyledText == nil || *p.StyledText != "rewritten" {
		t.Errorf("post = %+v", p)
	}
	if p.RawText != "raw text" {
		t.Errorf("raw text changed to %q", p.RawText)
	}
	if idx, _ := f.progress(t); idx != 0 {
		t.Errorf("index = %d, want 0", idx)
	}
	cur, _, _ := f.sessions.Current(mod)
	if cur != f.ids[0] {
		t.Errorf("current = %d, want %d", cur, f.ids[0])
	}
}

func TestRewriteFailureOffersRetry(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	f.machine.RequestRewrite(mod, f.ids[0])
	f.rewriter.err = errors.New("quota")

	v, err := f.machine.SubmitInstruction(context.Background(), mod, "fix")
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewRewriteFailed || v.Post.ID != f.ids[0] {
		t.Fatalf("view = %+v", v)
	}
	p, _ := f.store.GetPost(f.ids[0])
	if p.Status != model.StatusNew || p.StyledText != nil {
		t.Errorf("post mutated on failure: %+v", p)
	}

	f.rewriter.err = nil
	v, err = f.machine.RetryRewrite(context.Background(), mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewPost || f.rewriter.last != "fix" || f.rewriter.calls != 2 {
		t.Errorf("retry view = %+v, last %q, calls %d", v, f.rewriter.last, f.rewriter.calls)
	}
}

func TestCancelRewriteLeavesPostUnchanged(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	f.machine.RequestRewrite(mod, f.ids[0])

	v, err := f.machine.CancelRewrite(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[0] {
		t.Errorf("view = %+v", v)
	}
	if _, err := f.machine.SubmitInstruction(context.Background(), mod, "late"); !errors.Is(err, ErrStateViolation) {
		t.Errorf("instruction after cancel err = %v", err)
	}
	if f.rewriter.calls != 0 {
		t.Errorf("rewriter called %d times", f.rewriter.calls)
	}
}

func TestRewriteResultDiscardedAfterCancel(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	f.machine.RequestRewrite(mod, f.ids[0])
	f.rewriter.during = func() {
		if _, err := f.machine.CancelRewrite(mod); err != nil {
			t.Errorf("CancelRewrite during rewrite: %v", err)
		}
	}

	v, err := f.machine.SubmitInstruction(context.Background(), mod, "shorter")
	if err != nil {
		t.Fatal(err)
	}
	if v.Notice != NoticeRewriteDropped {
		t.Errorf("notice = %q", v.Notice)
	}
	p, _ := f.store.GetPost(f.ids[0])
	if p.StyledText != nil {
		t.Errorf("discarded rewrite was stored: %q", *p.StyledText)
	}
}

func TestRewriteResultDiscardedAfterCancelAndNewRequest(t *testing.T) {
	f := newFixture(t, 1)
	f.start(t)
	f.machine.RequestRewrite(mod, f.ids[0])
	f.rewriter.during = func() {
		f.rewriter.during = nil
		if _, err := f.machine.CancelRewrite(mod); err != nil {
			t.Errorf("CancelRewrite during rewrite: %v", err)
		}
		if _, err := f.machine.RequestRewrite(mod, f.ids[0]); err != nil {
			t.Errorf("RequestRewrite during rewrite: %v", err)
		}
	}

	v, err := f.machine.SubmitInstruction(context.Background(), mod, "shorter")
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewAwaitInstruction || v.Notice != NoticeRewriteDropped || v.Post == nil || v.Post.ID != f.ids[0] {
		t.Fatalf("view = %+v", v)
	}
	p, _ := f.store.GetPost(f.ids[0])
	if p.StyledText != nil || p.Status != model.StatusNew {
		t.Errorf("cancelled rewrite was stored: %+v", p)
	}
	st, _ := f.store.GetModeratorState(mod)
	if !st.Is(model.StateAwaitingInstruction, f.ids[0]) {
		t.Errorf("new request lost, state = %+v", st)
	}

	v, err = f.machine.SubmitInstruction(context.Background(), mod, "longer")
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewPost || v.Notice != NoticeRewritten || f.rewriter.last != "longer" {
		t.Errorf("view = %+v, last instruction %q", v, f.rewriter.last)
	}
}

func TestEmptyInstructionKeepsPrompt(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.machine.RequestRewrite(mod, f.ids[0])

	v, err := f.machine.SubmitInstruction(context.Background(), mod, "   ")
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewAwaitInstruction || v.Notice != NoticeEmptyText {
		t.Fatalf("view = %+v", v)
	}
	if v.Post == nil || v.Post.ID != f.ids[0] || v.Index != 0 || v.Total != 2 {
		t.Errorf("prompt lost post or progress: %+v", v)
	}

	v, err = f.machine.RetryRewrite(context.Background(), mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewAwaitInstruction || v.Post == nil || v.Total != 2 {
		t.Errorf("retry without instruction = %+v", v)
	}
	if f.rewriter.calls != 0 {
		t.Errorf("rewriter called %d times", f.rewriter.calls)
	}
}

// statusFailStore refuses to mark posts published.
type statusFailStore struct {
	database.Store
}

func (s statusFailStore) SetStatus(id int64, status model.Status) error {
	if status == model.StatusPublished {
		return errors.New("disk full")
	}
	return s.Store.SetStatus(id, status)
}

func TestPublishStatusFailureDoesNotRepublish(t *testing.T) {
	f := newFixture(t, 2)
	f.machine = New(statusFailStore{f.store}, f.sessions, f.rewriter, f.publisher, logging.NopLogger())
	f.start(t)

	v, err := f.machine.Publish(context.Background(), mod, f.ids[0])
	if err == nil {
		t.Fatal("expected status error")
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[1] || v.Notice != NoticePublishedUnsaved {
		t.Fatalf("view = %+v", v)
	}

	if _, err := f.machine.Publish(context.Background(), mod, f.ids[0]); !errors.Is(err, ErrStateViolation) {
		t.Errorf("second publish err = %v, want ErrStateViolation", err)
	}
	if len(f.publisher.delivered) != 1 {
		t.Errorf("delivered %d times, want 1", len(f.publisher.delivered))
	}
}

func TestActionsWhileAwaitingInstruction(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.machine.RequestRewrite(mod, f.ids[0])

	v, err := f.machine.Publish(context.Background(), mod, f.ids[0])
	if !errors.Is(err, ErrStateViolation) {
		t.Fatalf("err = %v, want ErrStateViolation", err)
	}
	if v.Kind != ViewAwaitInstruction || v.Post == nil || v.Post.ID != f.ids[0] || v.Total != 2 {
		t.Errorf("view = %+v", v)
	}
	if len(f.publisher.delivered) != 0 {
		t.Error("post delivered while awaiting instruction")
	}
}

func TestStaleButtonIsRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	f.machine.Skip(mod, f.ids[0])

	v, err := f.machine.Decline(mod, f.ids[0])
	if !errors.Is(err, ErrStateViolation) {
		t.Fatalf("err = %v, want ErrStateViolation", err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[1] || v.Notice != NoticeStale {
		t.Errorf("view = %+v", v)
	}
	if _, err := f.store.GetPost(f.ids[0]); err != nil {
		t.Errorf("stale decline deleted post: %v", err)
	}
}

func TestActionWithoutSession(t *testing.T) {
	f := newFixture(t, 1)
	v, err := f.machine.Skip(mod, f.ids[0])
	if !errors.Is(err, ErrStateViolation) {
		t.Fatalf("err = %v", err)
	}
	if v.Kind != ViewMenu || v.Pending != 1 {
		t.Errorf("view = %+v", v)
	}
}

func TestOverviewAndExit(t *testing.T) {
	f := newFixture(t, 2)
	v, err := f.machine.Overview(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Pending != 2 || v.Resumable {
		t.Errorf("overview = %+v", v)
	}

	f.start(t)
	v, _ = f.machine.Overview(mod)
	if !v.Resumable {
		t.Error("expected resumable session")
	}

	v, err = f.machine.Exit(mod)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewMenu || v.Resumable {
		t.Errorf("exit view = %+v", v)
	}
}

func TestModeratorsAreIndependent(t *testing.T) {
	f := newFixture(t, 2)
	f.start(t)
	v, err := f.machine.Start(99)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != ViewPost || v.Post.ID != f.ids[0] {
		t.Errorf("second moderator view = %+v", v)
	}
	f.machine.Skip(99, f.ids[0])
	if idx, _ := f.progress(t); idx != 0 {
		t.Errorf("moderator %d cursor moved to %d", mod, idx)
	}
}
