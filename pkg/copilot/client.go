// Package copilot provides a streaming client for the copilot analysis backend.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"qubex-copilot-go/internal/config"
	"qubex-copilot-go/pkg/sse"
)

// Client 定义了 copilot 后端客户端的接口。
type Client interface {
	// StreamAnalyze 发起一次可取消的流式分析请求，按到达顺序同步分发解码后的帧。
	// status 帧交给 Handlers.OnStatus，result 帧交给 Handlers.OnResult；
	// error 帧转换为 *StreamError 返回；上下文取消返回 context.Canceled。
	StreamAnalyze(ctx context.Context, req AnalyzeRequest, h Handlers) error
}

// Message 表示发送给后端的一条历史消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnalyzeRequest 是一次“询问助手”操作的请求体。
// Username/ProjectID 不参与序列化，仅用于注入认证与项目范围请求头。
type AnalyzeRequest struct {
	Message             string    `json:"message"`
	ConversationHistory []Message `json:"conversation_history"`
	TaskName            string    `json:"task_name,omitempty"`
	ChipID              string    `json:"chip_id,omitempty"`
	QID                 string    `json:"qid,omitempty"`
	ExecutionID         string    `json:"execution_id,omitempty"`
	TaskID              string    `json:"task_id,omitempty"`
	ImageBase64         string    `json:"image_base64,omitempty"`

	Username  string `json:"-"`
	ProjectID string `json:"-"`
}

// Handlers 按事件名注册帧处理函数。
type Handlers struct {
	// OnStatus 接收瞬时进度文本，必须在后续帧处理之前同步完成（即时下发语义）。
	OnStatus func(message string)
	// OnResult 接收 result 帧的原始 JSON；一条流中可能出现多次。
	// 返回错误将中止本次流的后续处理。
	OnResult func(data string) error
}

// StreamError 表示后端通过 event: error 帧上报的结构化错误。
type StreamError struct {
	Detail string
}

func (e *StreamError) Error() string {
	return e.Detail
}

type statusPayload struct {
	Message string `json:"message"`
}

type errorPayload struct {
	Detail string `json:"detail"`
}

type httpClient struct {
	cfg    config.CopilotConfig
	client *http.Client
}

// NewClient 根据配置创建一个新的 copilot 客户端。
func NewClient(cfg config.CopilotConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// StreamAnalyze 调用 copilot 后端并以分块方式消费 SSE 响应。
func (c *httpClient) StreamAnalyze(ctx context.Context, req AnalyzeRequest, h Handlers) error {
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/copilot/analyze", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create analyze request: %w", err)
	}

	// 每次请求前注入认证与项目范围头，核心逻辑把这一步视为不透明的头注入
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if req.Username != "" {
		httpReq.Header.Set("X-Username", req.Username)
	}
	if req.ProjectID != "" {
		httpReq.Header.Set("X-Project-ID", req.ProjectID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to call copilot api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("copilot api returned non-2xx status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	return c.consumeStream(ctx, resp.Body, h)
}

// consumeStream 逐分块读取响应体，经 sse.Decode 还原完整帧后顺序分发。
// remainder 在分块之间显式传递，保证跨分块的半截帧不丢失。
func (c *httpClient) consumeStream(ctx context.Context, body io.Reader, h Handlers) error {
	buf := make([]byte, 4096)
	remainder := ""

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			var frames []sse.Frame
			frames, remainder = sse.Decode(remainder + string(buf[:n]))
			for _, frame := range frames {
				if err := dispatch(frame, h); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				// 被新请求取代或显式中止：静默结束
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream: %w", readErr)
		}
	}
}

// dispatch 把单个帧路由到对应的处理函数。未注册的事件名被忽略。
func dispatch(frame sse.Frame, h Handlers) error {
	switch frame.Event {
	case "status":
		var p statusPayload
		if err := json.Unmarshal([]byte(frame.Data), &p); err != nil {
			return fmt.Errorf("failed to unmarshal status frame: %w", err)
		}
		if h.OnStatus != nil {
			h.OnStatus(p.Message)
		}
	case "result":
		if h.OnResult != nil {
			if err := h.OnResult(frame.Data); err != nil {
				return err
			}
		}
	case "error":
		var p errorPayload
		if err := json.Unmarshal([]byte(frame.Data), &p); err != nil {
			return fmt.Errorf("failed to unmarshal error frame: %w", err)
		}
		return &StreamError{Detail: p.Detail}
	}
	return nil
}
