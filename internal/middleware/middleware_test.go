package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qubex-copilot-go/internal/model"

	"github.com/gin-gonic/gin"
)

func adminRouter(user *model.User) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin/ping", func(c *gin.Context) {
		if user != nil {
			c.Set("user", user)
		}
	}, AdminAuthMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK})
	})
	return r
}

func TestAdminAuthMiddleware_RejectsNonAdmin(t *testing.T) {
	r := adminRouter(&model.User{ID: 2, Username: "bob", Role: "USER"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", w.Code)
	}
}

func TestAdminAuthMiddleware_AllowsAdmin(t *testing.T) {
	r := adminRouter(&model.User{ID: 1, Username: "root", Role: "ADMIN"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", w.Code)
	}
}

func TestAdminAuthMiddleware_MissingUserIsServerError(t *testing.T) {
	r := adminRouter(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/ping", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when auth context missing, got %d", w.Code)
	}
}

func TestTruncateBody_CapsOversizedPayloads(t *testing.T) {
	short := "hello"
	if got := truncateBody(short); got != short {
		t.Errorf("short body should pass through, got %q", got)
	}

	// 内联 base64 图像这类超长正文只保留前缀
	long := strings.Repeat("A", maxLoggedBody+100)
	got := truncateBody(long)
	if len(got) >= len(long) {
		t.Errorf("long body not truncated: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("truncated body should be marked, got suffix %q", got[len(got)-20:])
	}
}

func TestRequestLogger_BodyStillReadableDownstream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	var seen string
	r.POST("/echo", func(c *gin.Context) {
		b, _ := c.GetRawData()
		seen = string(b)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"message":"hi"}`))
	r.ServeHTTP(w, req)

	if seen != `{"message":"hi"}` {
		t.Errorf("request body consumed by logger, downstream saw %q", seen)
	}
}
