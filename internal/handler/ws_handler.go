package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"movie-mate-go/internal/service"
	"movie-mate-go/pkg/log"
	"movie-mate-go/pkg/tmdb"
	"movie-mate-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// errStreamStopped 表示客户端通过停止指令中断了流。
var errStreamStopped = errors.New("stream stopped by client")

// WSChatHandler 负责处理 WebSocket 聊天连接。
// 与 SSE 接口共用同一套编排逻辑，仅传输层不同。
type WSChatHandler struct {
	chatService   service.ChatService
	jwtManager    *token.JWTManager
	stopToken     string
	stopTokenLock sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewWSChatHandler 创建一个新的 WSChatHandler。
func NewWSChatHandler(chatService service.ChatService, jwtManager *token.JWTManager) *WSChatHandler {
	return &WSChatHandler{
		chatService: chatService,
		jwtManager:  jwtManager,
	}
}

// GetStopToken 返回一个可用于停止流的令牌。
func (h *WSChatHandler) GetStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	// 为简单起见，我们在这里使用一个单一的、轮换的令牌。
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// wsChatMessage 是 WebSocket 上行消息的结构。
type wsChatMessage struct {
	Message string `json:"message"`
	Mode    string `json:"mode"`
	ChatID  *uint  `json:"chatId"`
	Limit   int    `json:"limit"`
}

// Handle 处理一个传入的 WebSocket 连接。
// token 经由路径参数传递，因为浏览器 WebSocket API 无法携带请求头。
// 流式响应在独立的 goroutine 中运行，读循环保持可用，
// 以便停止指令在生成途中也能被处理。
func (h *WSChatHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", claims.Username)
	userID := claims.UserID
	key := sessionKey(conn)
	defer h.stopFlags.Delete(key)

	// gorilla/websocket 只允许一个并发写入方，
	// 流式 goroutine 与读循环的停止确认共用同一把写锁
	var writeMu sync.Mutex
	var inflight chan struct{}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// JSON 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		if h.handleStopCommand(conn, &writeMu, key, raw) {
			continue
		}

		var msg wsChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("无法解析 WebSocket 消息: %v", err)
			continue
		}

		// 聊天消息串行处理：等待上一个流结束
		if inflight != nil {
			<-inflight
		}
		h.stopFlags.Delete(key)

		req := service.ChatRequest{
			Message: msg.Message,
			Mode:    msg.Mode,
			ChatID:  msg.ChatID,
			Limit:   msg.Limit,
		}
		if req.ChatID == nil {
			req.UserID = &userID
		}

		sink := &wsSink{
			conn: conn,
			mu:   &writeMu,
			shouldStop: func() bool {
				v, ok := h.stopFlags.Load(key)
				return ok && v.(bool)
			},
		}

		done := make(chan struct{})
		inflight = done
		go func() {
			defer close(done)
			if err := h.chatService.StreamChat(c.Request.Context(), req, sink); err != nil {
				log.Errorf("处理流式响应失败: %v", err)
				_ = sink.SendError("Error setting up stream")
			}
		}()
	}

	if inflight != nil {
		<-inflight
	}
}

// handleStopCommand 解析停止指令，验证令牌并置位本连接的停止标志。
// 返回 true 表示该消息已作为控制帧消费。
func (h *WSChatHandler) handleStopCommand(conn *websocket.Conn, writeMu *sync.Mutex, key string, raw []byte) bool {
	var ctrl struct {
		Type     string `json:"type"`
		CmdToken string `json:"_internal_cmd_token"`
	}
	if err := json.Unmarshal(raw, &ctrl); err != nil || ctrl.Type != "stop" {
		return false
	}

	h.stopTokenLock.Lock()
	valid := ctrl.CmdToken != "" && ctrl.CmdToken == h.stopToken
	h.stopTokenLock.Unlock()
	if !valid {
		log.Warnf("收到无效的停止令牌，忽略")
		return true
	}

	h.stopFlags.Store(key, true)
	log.Info("收到停止指令，正在中断流式响应...")

	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.WriteJSON(gin.H{
		"type":      "stop",
		"message":   "Response stopped",
		"timestamp": time.Now().UnixMilli(),
	})
	return true
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}

// wsSink 把编排层的帧逐条写成 WebSocket 文本消息。
// 停止标志置位后 SendDelta 返回错误，编排层据此停止消费上游
// 并保存已累积的部分回答。
type wsSink struct {
	conn       *websocket.Conn
	mu         *sync.Mutex
	shouldStop func() bool
}

func (s *wsSink) write(payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// SendDelta 下发一个内容增量帧。
func (s *wsSink) SendDelta(content string) error {
	if s.shouldStop != nil && s.shouldStop() {
		return errStreamStopped
	}
	return s.write(gin.H{"content": content})
}

// SendComplete 下发终止帧。
func (s *wsSink) SendComplete(genres []string, movies []tmdb.Movie) error {
	payload := gin.H{"complete": true}
	if len(genres) > 0 {
		payload["genres"] = genres
		payload["movies"] = movies
	}
	return s.write(payload)
}

// SendError 下发错误帧。
func (s *wsSink) SendError(message string) error {
	return s.write(gin.H{"error": message})
}
