package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/pkg/copilot"
	"qubex-copilot-go/pkg/tasks"
)

// fakeCopilotClient 按注入的脚本驱动一次流式分析。
type fakeCopilotClient struct {
	mu   sync.Mutex
	reqs []copilot.AnalyzeRequest
	run  func(ctx context.Context, req copilot.AnalyzeRequest, h copilot.Handlers) error
}

func (f *fakeCopilotClient) StreamAnalyze(ctx context.Context, req copilot.AnalyzeRequest, h copilot.Handlers) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.run(ctx, req, h)
}

func (f *fakeCopilotClient) requests() []copilot.AnalyzeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]copilot.AnalyzeRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type recordedEvent struct {
	Event   string
	Payload interface{}
}

// eventRecorder 记录下发给 UI 的事件序列。
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) WriteEvent(event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Event: event, Payload: payload})
	return nil
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

// fakeAttachmentSvc 记录归档调用。
type fakeAttachmentSvc struct {
	mu       sync.Mutex
	archived []string
}

func (f *fakeAttachmentSvc) ArchiveImage(_ context.Context, _ uint, sessionID, _ string) (*model.ChatAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, sessionID)
	return &model.ChatAttachment{SessionID: sessionID}, nil
}

func (f *fakeAttachmentSvc) GetDownloadURL(context.Context, uint, uint) (string, error) {
	return "", nil
}

func (f *fakeAttachmentSvc) ListBySession(context.Context, string) ([]model.ChatAttachment, error) {
	return nil, nil
}

type chatFixture struct {
	chat     ChatService
	sessions SessionService
	client   *fakeCopilotClient
	tasks    []tasks.TranscriptIndexTask
	tasksMu  sync.Mutex
}

func newChatFixture(client *fakeCopilotClient, historyLimit int) *chatFixture {
	f := &chatFixture{client: client}
	f.sessions = NewSessionService(newFakeSessionRepo(20))
	produce := func(task tasks.TranscriptIndexTask) error {
		f.tasksMu.Lock()
		defer f.tasksMu.Unlock()
		f.tasks = append(f.tasks, task)
		return nil
	}
	f.chat = NewChatService(client, f.sessions, &fakeAttachmentSvc{}, produce, historyLimit)
	return f
}

func testUser() *model.User {
	return &model.User{ID: 1, Username: "alice", Role: "USER"}
}

func legacyResultFrame(summary, assessment string) string {
	b, _ := json.Marshal(model.AnalysisResult{
		Summary:         summary,
		Assessment:      assessment,
		Explanation:     "decay time is within tolerance",
		PotentialIssues: []string{"slight drift"},
		Recommendations: []string{"recalibrate next week"},
	})
	return string(b)
}

func TestSendMessage_FirstMessageFullFlow(t *testing.T) {
	client := &fakeCopilotClient{
		run: func(_ context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			h.OnStatus("解析中")
			h.OnStatus("結果生成中")
			return h.OnResult(legacyResultFrame("T1 is healthy", model.AssessmentGood))
		},
	}
	f := newChatFixture(client, 0)
	rec := &eventRecorder{}

	err := f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "check T1 for Q00"}, rec)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// 事件顺序：两个 status、一个 result、一个 completion
	want := []string{"status", "status", "result", "completion"}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}

	// 无激活会话时自动创建，且标题来自首条消息
	col, _ := f.sessions.List(context.Background(), 1)
	if len(col.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(col.Sessions))
	}
	session := col.Sessions[0]
	if col.ActiveSessionID != session.ID {
		t.Errorf("new session not activated")
	}
	if session.Title != "check T1 for Q00" {
		t.Errorf("auto title not applied: %q", session.Title)
	}

	// 用户消息乐观追加，助手消息按旧版格式重排
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(session.Messages))
	}
	if session.Messages[0].Role != model.RoleUser || session.Messages[0].Content != "check T1 for Q00" {
		t.Errorf("unexpected user message: %+v", session.Messages[0])
	}
	assistant := session.Messages[1]
	if assistant.Role != model.RoleAssistant {
		t.Errorf("expected assistant role, got %q", assistant.Role)
	}
	if !strings.HasPrefix(assistant.Content, "**[Good]** T1 is healthy") {
		t.Errorf("legacy formatting missing: %q", assistant.Content)
	}
	if !strings.Contains(assistant.Content, "**Potential Issues**\n- slight drift") {
		t.Errorf("issues section missing: %q", assistant.Content)
	}
	if !strings.Contains(assistant.Content, "**Recommendations**\n- recalibrate next week") {
		t.Errorf("recommendations section missing: %q", assistant.Content)
	}

	// 首条消息发出的历史为空（历史是追加前的快照）
	reqs := client.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 analyze call, got %d", len(reqs))
	}
	if len(reqs[0].ConversationHistory) != 0 {
		t.Errorf("history should not include the message being sent: %+v", reqs[0].ConversationHistory)
	}
	if reqs[0].Username != "alice" {
		t.Errorf("username not propagated: %q", reqs[0].Username)
	}

	// 两条消息（用户 + 助手）都投递了索引任务
	f.tasksMu.Lock()
	taskCount := len(f.tasks)
	f.tasksMu.Unlock()
	if taskCount != 2 {
		t.Errorf("expected 2 index tasks, got %d", taskCount)
	}
}

func TestSendMessage_MultipleResultFramesAppendSeparateMessages(t *testing.T) {
	client := &fakeCopilotClient{
		run: func(_ context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			if err := h.OnResult(legacyResultFrame("first pass", model.AssessmentGood)); err != nil {
				return err
			}
			return h.OnResult(legacyResultFrame("second pass", model.AssessmentWarning))
		},
	}
	f := newChatFixture(client, 0)
	rec := &eventRecorder{}

	if err := f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "m"}, rec); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	col, _ := f.sessions.List(context.Background(), 1)
	msgs := col.Sessions[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected user + 2 assistant messages, got %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[1].Content, "**[Good]** first pass") {
		t.Errorf("first assistant message: %q", msgs[1].Content)
	}
	if !strings.HasPrefix(msgs[2].Content, "**[Warning]** second pass") {
		t.Errorf("second assistant message: %q", msgs[2].Content)
	}
}

func TestSendMessage_BlocksPayloadStoredVerbatim(t *testing.T) {
	blocks := `{"blocks":[{"type":"text","content":"analysis"},{"type":"chart","chart":{"kind":"line"}}],"assessment":"good"}`
	client := &fakeCopilotClient{
		run: func(_ context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			return h.OnResult(blocks)
		},
	}
	f := newChatFixture(client, 0)

	if err := f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "m"}, &eventRecorder{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	col, _ := f.sessions.List(context.Background(), 1)
	assistant := col.Sessions[0].Messages[1]
	if assistant.Content != blocks {
		t.Errorf("blocks payload not stored verbatim:\n got %q\nwant %q", assistant.Content, blocks)
	}
}

func TestSendMessage_StreamErrorSynthesizesAssistantMessage(t *testing.T) {
	client := &fakeCopilotClient{
		run: func(_ context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			h.OnStatus("解析中")
			return &copilot.StreamError{Detail: "model unavailable"}
		},
	}
	f := newChatFixture(client, 0)
	rec := &eventRecorder{}

	// 流级失败不向调用方返回错误：失败已转换为会话内容
	if err := f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "m"}, rec); err != nil {
		t.Fatalf("SendMessage should swallow stream errors: %v", err)
	}

	got := rec.names()
	want := []string{"status", "error", "completion"}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}

	col, _ := f.sessions.List(context.Background(), 1)
	msgs := col.Sessions[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected user + synthetic assistant message, got %d", len(msgs))
	}
	if msgs[1].Role != model.RoleAssistant || !strings.Contains(msgs[1].Content, "分析失败：model unavailable") {
		t.Errorf("unexpected synthetic message: %+v", msgs[1])
	}
}

func TestSendMessage_NewSendCancelsPrevious(t *testing.T) {
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var callsMu sync.Mutex

	client := &fakeCopilotClient{}
	client.run = func(ctx context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
		callsMu.Lock()
		calls++
		n := calls
		callsMu.Unlock()
		if n == 1 {
			close(firstStarted)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-release:
				return errors.New("first stream should have been cancelled")
			}
		}
		return h.OnResult(legacyResultFrame("second wins", model.AssessmentGood))
	}
	f := newChatFixture(client, 0)

	firstRec := &eventRecorder{}
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "first"}, firstRec)
	}()

	<-firstStarted
	secondRec := &eventRecorder{}
	if err := f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "second"}, secondRec); err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}

	select {
	case err := <-firstDone:
		// 被取代的流静默结束
		if err != nil {
			t.Fatalf("superseded send should return nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first SendMessage did not return after being superseded")
	}
	close(release)

	// 第一条流不得产生 error 事件
	for _, name := range firstRec.names() {
		if name == "error" {
			t.Error("superseded stream emitted an error event")
		}
	}

	// 第二条流正常完成
	names := secondRec.names()
	if len(names) == 0 || names[len(names)-1] != "completion" {
		t.Errorf("second stream events: %v", names)
	}
}

func TestSendMessage_ExplicitCancelIsSilent(t *testing.T) {
	started := make(chan struct{})
	client := &fakeCopilotClient{
		run: func(ctx context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f := newChatFixture(client, 0)
	rec := &eventRecorder{}

	done := make(chan error, 1)
	go func() {
		done <- f.chat.SendMessage(context.Background(), testUser(), SendRequest{Message: "m"}, rec)
	}()

	<-started
	f.chat.CancelActive(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled send should return nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage did not return after CancelActive")
	}

	for _, name := range rec.names() {
		if name == "error" || name == "completion" {
			t.Errorf("cancelled stream emitted %q event", name)
		}
	}

	// 用户消息保留在会话里（乐观追加不回滚），但没有助手消息
	col, _ := f.sessions.List(context.Background(), 1)
	msgs := col.Sessions[0].Messages
	if len(msgs) != 1 || msgs[0].Role != model.RoleUser {
		t.Errorf("unexpected messages after cancel: %+v", msgs)
	}
}

func TestSendMessage_HistoryLimitApplied(t *testing.T) {
	client := &fakeCopilotClient{
		run: func(_ context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			return h.OnResult(legacyResultFrame("ok", model.AssessmentGood))
		},
	}
	f := newChatFixture(client, 2)
	ctx := context.Background()
	user := testUser()

	session, _ := f.sessions.Create(ctx, user.ID, nil)
	var seed []model.ChatMessage
	for _, c := range []string{"m1", "a1", "m2", "a2"} {
		seed = append(seed, model.ChatMessage{Role: model.RoleUser, Content: c, Timestamp: time.Now()})
	}
	if _, err := f.sessions.AppendMessages(ctx, user.ID, session.ID, seed...); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.chat.SendMessage(ctx, user, SendRequest{Message: "m3"}, &eventRecorder{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	reqs := client.requests()
	history := reqs[0].ConversationHistory
	if len(history) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(history))
	}
	if history[0].Content != "m2" || history[1].Content != "a2" {
		t.Errorf("expected most recent history, got %+v", history)
	}
}

func TestSendMessage_ContextRoutesToDedicatedSession(t *testing.T) {
	client := &fakeCopilotClient{
		run: func(_ context.Context, req copilot.AnalyzeRequest, h copilot.Handlers) error {
			if req.TaskName != "t1_decay" || req.ChipID != "chip-7" {
				return errors.New("analysis context not propagated")
			}
			return h.OnResult(legacyResultFrame("ok", model.AssessmentGood))
		},
	}
	f := newChatFixture(client, 0)
	ctx := context.Background()
	user := testUser()
	analysisCtx := &model.AnalysisContext{TaskName: "t1_decay", ChipID: "chip-7", QID: "Q00"}

	if err := f.chat.SendMessage(ctx, user, SendRequest{Message: "first", Context: analysisCtx}, &eventRecorder{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	// 同一上下文的第二次发送复用同一会话
	if err := f.chat.SendMessage(ctx, user, SendRequest{Message: "second", Context: analysisCtx}, &eventRecorder{}); err != nil {
		t.Fatalf("SendMessage (second): %v", err)
	}

	col, _ := f.sessions.List(ctx, user.ID)
	if len(col.Sessions) != 1 {
		t.Fatalf("expected context sends to share one session, got %d", len(col.Sessions))
	}
	if len(col.Sessions[0].Messages) != 4 {
		t.Errorf("expected 4 messages in shared session, got %d", len(col.Sessions[0].Messages))
	}
}

func TestClearSession_CancelsInflightStream(t *testing.T) {
	started := make(chan struct{})
	client := &fakeCopilotClient{
		run: func(ctx context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f := newChatFixture(client, 0)
	ctx := context.Background()
	user := testUser()

	done := make(chan error, 1)
	go func() {
		done <- f.chat.SendMessage(ctx, user, SendRequest{Message: "m"}, &eventRecorder{})
	}()
	<-started

	col, _ := f.sessions.List(ctx, user.ID)
	if err := f.chat.ClearSession(ctx, user.ID, col.Sessions[0].ID); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight stream not cancelled by ClearSession")
	}

	col, _ = f.sessions.List(ctx, user.ID)
	if len(col.Sessions[0].Messages) != 0 {
		t.Errorf("messages not cleared: %d", len(col.Sessions[0].Messages))
	}
}

func TestIndexTasks_MessageIDsNotReusedAfterClear(t *testing.T) {
	client := &fakeCopilotClient{
		run: func(_ context.Context, _ copilot.AnalyzeRequest, h copilot.Handlers) error {
			return h.OnResult(legacyResultFrame("ok", model.AssessmentGood))
		},
	}
	f := newChatFixture(client, 0)
	ctx := context.Background()
	user := testUser()

	if err := f.chat.SendMessage(ctx, user, SendRequest{Message: "first question"}, &eventRecorder{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	col, _ := f.sessions.List(ctx, user.ID)
	sessionID := col.Sessions[0].ID
	if err := f.chat.ClearSession(ctx, user.ID, sessionID); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if err := f.chat.SendMessage(ctx, user, SendRequest{SessionID: sessionID, Message: "second question"}, &eventRecorder{}); err != nil {
		t.Fatalf("SendMessage (after clear): %v", err)
	}

	// 清空会话后新消息不得复用历史消息的索引文档 id
	f.tasksMu.Lock()
	defer f.tasksMu.Unlock()
	seen := make(map[string]string)
	for _, task := range f.tasks {
		for _, m := range task.Messages {
			if m.MessageID == "" {
				t.Fatal("message id is empty")
			}
			if !strings.HasPrefix(m.MessageID, sessionID+"-") {
				t.Errorf("message id %q not scoped to session %q", m.MessageID, sessionID)
			}
			if prev, ok := seen[m.MessageID]; ok {
				t.Errorf("message id %q reused for different content: %q vs %q", m.MessageID, prev, m.Content)
			}
			seen[m.MessageID] = m.Content
		}
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct indexed messages, got %d", len(seen))
	}
}

func TestBuildAssistantContent_RejectsUnrecognizablePayload(t *testing.T) {
	if _, err := buildAssistantContent(`{"unrelated":true}`); err == nil {
		t.Error("expected error for payload with no summary/explanation/blocks")
	}
	if _, err := buildAssistantContent("not json"); err == nil {
		t.Error("expected error for non-JSON payload")
	}
}

func TestFormatLegacyResult_SectionsOmittedWhenEmpty(t *testing.T) {
	got := formatLegacyResult(model.AnalysisResult{Summary: "all good", Assessment: model.AssessmentGood})
	if got != "**[Good]** all good" {
		t.Errorf("unexpected formatting: %q", got)
	}
	if strings.Contains(got, "Potential Issues") || strings.Contains(got, "Recommendations") {
		t.Errorf("empty sections should be omitted: %q", got)
	}

	withUnknown := formatLegacyResult(model.AnalysisResult{Summary: "s", Assessment: "mystery"})
	if !strings.HasPrefix(withUnknown, "**[Info]**") {
		t.Errorf("unknown assessment should map to Info: %q", withUnknown)
	}
}
