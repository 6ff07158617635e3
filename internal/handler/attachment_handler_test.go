package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qubex-copilot-go/internal/model"

	"github.com/gin-gonic/gin"
)

// fakeAttachmentService 记录归档调用并按脚本返回。
type fakeAttachmentService struct {
	archivedUser    uint
	archivedSession string
	archivedPayload string
	archiveErr      error
}

func (f *fakeAttachmentService) ArchiveImage(_ context.Context, userID uint, sessionID, imageBase64 string) (*model.ChatAttachment, error) {
	f.archivedUser = userID
	f.archivedSession = sessionID
	f.archivedPayload = imageBase64
	if f.archiveErr != nil {
		return nil, f.archiveErr
	}
	return &model.ChatAttachment{UserID: userID, SessionID: sessionID, ObjectName: "chat/1/obj.png"}, nil
}

func (f *fakeAttachmentService) GetDownloadURL(context.Context, uint, uint) (string, error) {
	return "", nil
}

func (f *fakeAttachmentService) ListBySession(context.Context, string) ([]model.ChatAttachment, error) {
	return nil, nil
}

func newAttachmentRouter(svc *fakeAttachmentService, user *model.User) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAttachmentHandler(svc)
	r.POST("/attachments", func(c *gin.Context) {
		if user != nil {
			c.Set("user", user)
		}
		h.Upload(c)
	})
	return r
}

func TestAttachmentUpload_ArchivesImageForCurrentUser(t *testing.T) {
	svc := &fakeAttachmentService{}
	r := newAttachmentRouter(svc, &model.User{ID: 7, Username: "alice"})

	body := `{"sessionId":"1700000000000-ab12","imageBase64":"aGVsbG8="}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/attachments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.archivedUser != 7 {
		t.Errorf("archived for wrong user: %d", svc.archivedUser)
	}
	if svc.archivedSession != "1700000000000-ab12" {
		t.Errorf("archived to wrong session: %q", svc.archivedSession)
	}
	if svc.archivedPayload != "aGVsbG8=" {
		t.Errorf("payload not forwarded: %q", svc.archivedPayload)
	}

	var resp struct {
		Code int                  `json:"code"`
		Data model.ChatAttachment `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Data.ObjectName == "" {
		t.Error("response data lacks attachment metadata")
	}
}

func TestAttachmentUpload_RejectsMissingFields(t *testing.T) {
	svc := &fakeAttachmentService{}
	r := newAttachmentRouter(svc, &model.User{ID: 7})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/attachments", strings.NewReader(`{"sessionId":"s-1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing imageBase64, got %d", w.Code)
	}
	if svc.archivedSession != "" {
		t.Error("service should not be called on invalid request")
	}
}

func TestAttachmentUpload_ServiceFailureReturns500(t *testing.T) {
	svc := &fakeAttachmentService{archiveErr: errors.New("minio unavailable")}
	r := newAttachmentRouter(svc, &model.User{ID: 7})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/attachments", strings.NewReader(`{"sessionId":"s-1","imageBase64":"aGVsbG8="}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on archive failure, got %d", w.Code)
	}
}
