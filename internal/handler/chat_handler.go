// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"qubex-copilot-go/internal/model"
	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/log"
	"qubex-copilot-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService   service.ChatService
	userService   service.UserService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	// 为简单起见，我们在这里使用一个单一的、轮换的令牌。
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// wsInbound 是客户端经 WebSocket 上行的统一消息结构。
type wsInbound struct {
	Type        string                 `json:"type"`
	SessionID   string                 `json:"sessionId"`
	Message     string                 `json:"message"`
	Context     *model.AnalysisContext `json:"context"`
	ImageBase64 string                 `json:"imageBase64"`
	ProjectID   string                 `json:"projectId"`
	CmdToken    string                 `json:"_internal_cmd_token"`
}

// wsEventWriter 把聊天事件序列化为带 type 字段的 JSON 帧写入连接。
// 发送消息的处理在独立 goroutine 中进行，写入需要互斥保护。
type wsEventWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WriteEvent 把 payload 展平后附加 type 字段同步写出。
func (w *wsEventWriter) WriteEvent(event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := map[string]interface{}{}
	if err := json.Unmarshal(body, &frame); err != nil {
		return err
	}
	frame["type"] = event
	out, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, out)
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	user, err := h.userService.GetProfile(claims.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "无法获取用户信息", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", claims.Username)

	// 连接关闭时取消该连接派生的所有在途流
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer h.chatService.CancelActive(user.ID)

	writer := &wsEventWriter{conn: conn}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			return
		}

		var in wsInbound
		if err := json.Unmarshal(message, &in); err != nil {
			log.Warnf("无法解析 WebSocket 消息: %v", err)
			continue
		}

		switch in.Type {
		case "stop":
			h.stopTokenLock.Lock()
			valid := in.CmdToken != "" && in.CmdToken == h.stopToken
			h.stopTokenLock.Unlock()
			if !valid {
				log.Warnf("收到无效的停止指令, user: %s", user.Username)
				continue
			}
			h.chatService.CancelActive(user.ID)
			_ = writer.WriteEvent("stop", map[string]interface{}{
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
				"date":      time.Now().Format("2006-01-02T15:04:05"),
			})

		case "send":
			if in.Message == "" {
				_ = writer.WriteEvent("error", map[string]string{"message": "消息内容不能为空"})
				continue
			}
			req := service.SendRequest{
				SessionID:   in.SessionID,
				Message:     in.Message,
				Context:     in.Context,
				ImageBase64: in.ImageBase64,
				ProjectID:   in.ProjectID,
			}
			// 流式处理放在独立 goroutine：读循环保持可用，
			// 停止指令和后续发送才能在流进行中到达。
			go func() {
				if err := h.chatService.SendMessage(connCtx, user, req, writer); err != nil {
					log.Errorf("处理发送消息失败, user: %s, error: %v", user.Username, err)
					_ = writer.WriteEvent("error", map[string]string{"message": "AI服务暂时不可用，请稍后重试"})
				}
			}()

		default:
			log.Warnf("未知的 WebSocket 消息类型: %s", in.Type)
		}
	}
}
