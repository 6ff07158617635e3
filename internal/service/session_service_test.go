package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"qubex-copilot-go/internal/model"
)

// fakeSessionRepo 是 SessionRepository 的内存实现，
// 通过 JSON 往返模拟真实存储的序列化边界，并应用保留上限。
type fakeSessionRepo struct {
	data        map[uint][]byte
	maxSessions int
	saveErr     error
	saves       int
}

func newFakeSessionRepo(maxSessions int) *fakeSessionRepo {
	return &fakeSessionRepo{data: map[uint][]byte{}, maxSessions: maxSessions}
}

func (r *fakeSessionRepo) GetCollection(_ context.Context, userID uint) (model.SessionCollection, error) {
	raw, ok := r.data[userID]
	if !ok {
		return model.SessionCollection{}, nil
	}
	var col model.SessionCollection
	if err := json.Unmarshal(raw, &col); err != nil {
		return model.SessionCollection{}, err
	}
	return col, nil
}

func (r *fakeSessionRepo) SaveCollection(_ context.Context, userID uint, col model.SessionCollection) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	if r.maxSessions > 0 && len(col.Sessions) > r.maxSessions {
		evicted := col.Sessions[r.maxSessions:]
		col.Sessions = col.Sessions[:r.maxSessions]
		for _, s := range evicted {
			if s.ID == col.ActiveSessionID {
				col.ActiveSessionID = ""
			}
		}
	}
	raw, err := json.Marshal(col)
	if err != nil {
		return err
	}
	r.data[userID] = raw
	r.saves++
	return nil
}

func newTestSessionService(maxSessions int) (SessionService, *fakeSessionRepo) {
	repo := newFakeSessionRepo(maxSessions)
	return NewSessionService(repo), repo
}

func TestCreate_PrependsAndActivates(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	first, err := svc.Create(ctx, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := svc.Create(ctx, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	col, err := svc.List(ctx, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(col.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(col.Sessions))
	}
	// 新会话在最前
	if col.Sessions[0].ID != second.ID || col.Sessions[1].ID != first.ID {
		t.Errorf("sessions not newest-first: %s, %s", col.Sessions[0].ID, col.Sessions[1].ID)
	}
	if col.ActiveSessionID != second.ID {
		t.Errorf("expected active %s, got %s", second.ID, col.ActiveSessionID)
	}
	if second.Title != model.DefaultSessionTitle {
		t.Errorf("expected default title, got %q", second.Title)
	}
}

func TestOpen_DeduplicatesByContext(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()
	analysisCtx := model.AnalysisContext{TaskName: "t1_decay", ChipID: "chip-7", QID: "Q00"}

	created, err := svc.Open(ctx, 1, analysisCtx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// 切走激活指针后再次打开同一上下文
	other, _ := svc.Create(ctx, 1, nil)
	if other.ID == created.ID {
		t.Fatal("expected a distinct session")
	}

	reopened, err := svc.Open(ctx, 1, analysisCtx)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	if reopened.ID != created.ID {
		t.Errorf("expected same session reopened, got %s want %s", reopened.ID, created.ID)
	}

	col, _ := svc.List(ctx, 1)
	if len(col.Sessions) != 2 {
		t.Errorf("expected 2 sessions after reopen, got %d", len(col.Sessions))
	}
	if col.ActiveSessionID != created.ID {
		t.Errorf("expected reopened session active, got %s", col.ActiveSessionID)
	}
}

func TestSwitch_UnknownIDIsNoop(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	created, _ := svc.Create(ctx, 1, nil)
	if err := svc.Switch(ctx, 1, "no-such-session"); err != nil {
		t.Fatalf("Switch with unknown id should not error: %v", err)
	}

	col, _ := svc.List(ctx, 1)
	if col.ActiveSessionID != created.ID {
		t.Errorf("active pointer moved on unknown id: %s", col.ActiveSessionID)
	}
}

func TestDelete_ActiveClearsPointerWithoutFallback(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	svc.Create(ctx, 1, nil)
	active, _ := svc.Create(ctx, 1, nil)

	if err := svc.Delete(ctx, 1, active.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	col, _ := svc.List(ctx, 1)
	if len(col.Sessions) != 1 {
		t.Fatalf("expected 1 session left, got %d", len(col.Sessions))
	}
	// 删除激活会话后指针清空，不自动回退到其他会话
	if col.ActiveSessionID != "" {
		t.Errorf("expected empty active pointer, got %s", col.ActiveSessionID)
	}

	if err := svc.Delete(ctx, 1, "no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDelete_InactiveKeepsPointer(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	victim, _ := svc.Create(ctx, 1, nil)
	active, _ := svc.Create(ctx, 1, nil)

	if err := svc.Delete(ctx, 1, victim.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	col, _ := svc.List(ctx, 1)
	if col.ActiveSessionID != active.ID {
		t.Errorf("active pointer should survive deletion of another session, got %s", col.ActiveSessionID)
	}
}

func TestClearMessages_KeepsSessionAndBumpsUpdatedAt(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	session, _ := svc.Create(ctx, 1, nil)
	if _, err := svc.AppendMessages(ctx, 1, session.ID, model.ChatMessage{
		Role: model.RoleUser, Content: "hello", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	before, _ := svc.Get(ctx, 1, session.ID)
	time.Sleep(5 * time.Millisecond)

	if err := svc.ClearMessages(ctx, 1, session.ID); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}

	after, err := svc.Get(ctx, 1, session.ID)
	if err != nil {
		t.Fatalf("session should survive clearing: %v", err)
	}
	if len(after.Messages) != 0 {
		t.Errorf("expected empty message log, got %d messages", len(after.Messages))
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updatedAt not refreshed: before=%v after=%v", before.UpdatedAt, after.UpdatedAt)
	}
	if after.Title != before.Title {
		t.Errorf("title changed by clear: %q -> %q", before.Title, after.Title)
	}
}

func TestAppendMessages_SnapshotReflectsAppend(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	session, _ := svc.Create(ctx, 1, nil)
	snap, err := svc.AppendMessages(ctx, 1, session.ID,
		model.ChatMessage{Role: model.RoleUser, Content: "q", Timestamp: time.Now()},
		model.ChatMessage{Role: model.RoleAssistant, Content: "a", Timestamp: time.Now()},
	)
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("snapshot should include appended messages, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Content != "q" || snap.Messages[1].Content != "a" {
		t.Errorf("unexpected snapshot order: %+v", snap.Messages)
	}
}

func TestAutoTitle_IdempotentAndTruncated(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	session, _ := svc.Create(ctx, 1, nil)

	long := strings.Repeat("校", 80)
	if err := svc.AutoTitle(ctx, 1, session.ID, long); err != nil {
		t.Fatalf("AutoTitle: %v", err)
	}

	got, _ := svc.Get(ctx, 1, session.ID)
	if runeCount := len([]rune(got.Title)); runeCount != maxTitleLen {
		t.Errorf("expected title truncated to %d runes, got %d", maxTitleLen, runeCount)
	}

	// 已命名的会话不被再次覆盖
	if err := svc.AutoTitle(ctx, 1, session.ID, "another message"); err != nil {
		t.Fatalf("AutoTitle (second): %v", err)
	}
	again, _ := svc.Get(ctx, 1, session.ID)
	if again.Title != got.Title {
		t.Errorf("AutoTitle overwrote existing title: %q -> %q", got.Title, again.Title)
	}
}

func TestRename_BlocksLaterAutoTitle(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	session, _ := svc.Create(ctx, 1, nil)
	if err := svc.Rename(ctx, 1, session.ID, "Q00 T1 調査"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := svc.AutoTitle(ctx, 1, session.ID, "first message"); err != nil {
		t.Fatalf("AutoTitle: %v", err)
	}

	got, _ := svc.Get(ctx, 1, session.ID)
	if got.Title != "Q00 T1 調査" {
		t.Errorf("explicit title overwritten: %q", got.Title)
	}
}

func TestRetention_OldestEvictedOnSave(t *testing.T) {
	svc, _ := newTestSessionService(3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s, err := svc.Create(ctx, 1, nil)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}

	col, _ := svc.List(ctx, 1)
	if len(col.Sessions) != 3 {
		t.Fatalf("expected retention cap of 3, got %d", len(col.Sessions))
	}
	// 最新的三个存活，最旧的两个被淘汰
	for i, want := range []string{ids[4], ids[3], ids[2]} {
		if col.Sessions[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, col.Sessions[i].ID, want)
		}
	}
}

func TestFindByContext_StructuralEquality(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	analysisCtx := model.AnalysisContext{TaskName: "rabi", ChipID: "chip-1", QID: "Q05", ExecutionID: "exec-9"}
	created, _ := svc.Create(ctx, 1, &analysisCtx)

	id, err := svc.FindByContext(ctx, 1, model.AnalysisContext{TaskName: "rabi", ChipID: "chip-1", QID: "Q05", ExecutionID: "exec-9"})
	if err != nil {
		t.Fatalf("FindByContext: %v", err)
	}
	if id != created.ID {
		t.Errorf("expected %s, got %s", created.ID, id)
	}

	id, _ = svc.FindByContext(ctx, 1, model.AnalysisContext{TaskName: "rabi", ChipID: "chip-2"})
	if id != "" {
		t.Errorf("expected no match for different context, got %s", id)
	}
}

func TestPersistFailure_SwallowedButStateReturned(t *testing.T) {
	svc, repo := newTestSessionService(20)
	ctx := context.Background()

	repo.saveErr = errors.New("redis down")
	session, err := svc.Create(ctx, 1, nil)
	if err != nil {
		t.Fatalf("Create should not surface persistence failure: %v", err)
	}
	if session == nil || session.ID == "" {
		t.Fatal("expected usable in-memory session despite save failure")
	}
}

func TestUsersAreIsolated(t *testing.T) {
	svc, _ := newTestSessionService(20)
	ctx := context.Background()

	svc.Create(ctx, 1, nil)
	col, err := svc.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(col.Sessions) != 0 {
		t.Errorf("user 2 sees user 1's sessions: %d", len(col.Sessions))
	}
}
