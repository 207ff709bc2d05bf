// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"movie-mate-go/internal/service"
	"movie-mate-go/pkg/log"
	"movie-mate-go/pkg/tmdb"
	"movie-mate-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// noLoginLimit 是未登录推荐接口固定的电影数量上限。
const noLoginLimit = 3

// ChatHandler 负责处理聊天编排与聊天记录相关的 API 请求。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler 实例。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// ChatRequestBody 定义了聊天接口的请求体结构。
type ChatRequestBody struct {
	Message string `json:"message"`
	Mode    string `json:"mode"`
	ChatID  *uint  `json:"chatId"`
	UserID  *uint  `json:"userId"`
	Limit   int    `json:"limit"`
}

func (b ChatRequestBody) toServiceRequest() service.ChatRequest {
	return service.ChatRequest{
		Message: b.Message,
		Mode:    b.Mode,
		ChatID:  b.ChatID,
		UserID:  b.UserID,
		Limit:   b.Limit,
	}
}

// claimsUserID 从认证中间件注入的 claims 中取用户 ID。
func claimsUserID(c *gin.Context) *uint {
	v, ok := c.Get("claims")
	if !ok {
		return nil
	}
	claims, ok := v.(*token.CustomClaims)
	if !ok {
		return nil
	}
	id := claims.UserID
	return &id
}

// Assistant 处理登录用户的非流式聊天请求，消息与推荐会落库。
func (h *ChatHandler) Assistant(c *gin.Context) {
	var body ChatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User message is required."})
		return
	}
	req := body.toServiceRequest()
	if req.ChatID == nil && req.UserID == nil {
		// 未显式指定时绑定到当前登录用户，创建新会话
		req.UserID = claimsUserID(c)
	}

	result, err := h.chatService.Chat(c.Request.Context(), req)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Recommend 处理未登录的非流式推荐请求。会话是临时的，不落库。
func (h *ChatHandler) Recommend(c *gin.Context) {
	var body ChatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User message is required."})
		return
	}

	result, err := h.chatService.Chat(c.Request.Context(), service.ChatRequest{
		Message: body.Message,
		Mode:    body.Mode,
		Limit:   noLoginLimit,
	})
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Stream 处理登录用户的流式聊天请求（SSE）。
func (h *ChatHandler) Stream(c *gin.Context) {
	var body ChatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User message is required."})
		return
	}
	req := body.toServiceRequest()
	if req.ChatID == nil && req.UserID == nil {
		req.UserID = claimsUserID(c)
	}
	h.stream(c, req)
}

// StreamNoLogin 处理未登录的流式推荐请求（SSE）。会话是临时的。
func (h *ChatHandler) StreamNoLogin(c *gin.Context) {
	var body ChatRequestBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User message is required."})
		return
	}
	h.stream(c, service.ChatRequest{
		Message: body.Message,
		Mode:    body.Mode,
		Limit:   noLoginLimit,
	})
}

// stream 打开 SSE 响应并驱动编排流程。
// 流一旦打开，后续失败一律以错误帧下发，绝不静默截断。
func (h *ChatHandler) stream(c *gin.Context, req service.ChatRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sink := &sseSink{writer: c.Writer}
	if err := h.chatService.StreamChat(c.Request.Context(), req, sink); err != nil {
		// 流开始前的失败：头已发出，只能以错误帧收尾
		switch {
		case errors.Is(err, service.ErrChatNotFound):
			_ = sink.SendError("Chat not found or could not be created.")
		case errors.Is(err, service.ErrInvalidInput):
			_ = sink.SendError("User message is required.")
		default:
			log.Error("流式编排失败", err)
			_ = sink.SendError("Error setting up stream")
		}
	}
}

// writeChatError 把业务错误映射为 HTTP 响应。
func (h *ChatHandler) writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "User message is required."})
	case errors.Is(err, service.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found or could not be created."})
	default:
		log.Error("聊天编排失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// GetUserChats 返回当前用户的聊天列表，每个聊天附带最新一条消息。
func (h *ChatHandler) GetUserChats(c *gin.Context) {
	userID := claimsUserID(c)
	if q := c.Query("userId"); q != "" {
		if parsed, err := strconv.ParseUint(q, 10, 64); err == nil {
			id := uint(parsed)
			userID = &id
		}
	}
	if userID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid userId is required"})
		return
	}

	chats, err := h.chatService.ListUserChats(c.Request.Context(), *userID)
	if err != nil {
		log.Error("获取用户聊天列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChatByID 按 ID 返回单个聊天。
func (h *ChatHandler) GetChatByID(c *gin.Context) {
	chatID, err := strconv.ParseUint(c.Query("chatId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid chatId is required"})
		return
	}

	chat, err := h.chatService.GetChat(c.Request.Context(), uint(chatID))
	if err != nil {
		if errors.Is(err, service.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found or could not be created."})
			return
		}
		log.Error("获取聊天失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// GetChatMessages 分页返回聊天内的消息（倒序），附带推荐电影。
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, err := strconv.ParseUint(c.Query("chatId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid chatId is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := h.chatService.ListMessages(c.Request.Context(), uint(chatID), limit, offset)
	if err != nil {
		log.Error("获取聊天消息失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// sseSink 把编排层的帧写成 SSE 格式：每帧 `data: {json}\n\n`，逐帧 flush。
type sseSink struct {
	writer gin.ResponseWriter
}

func (s *sseSink) send(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}

// SendDelta 下发一个内容增量帧。
func (s *sseSink) SendDelta(content string) error {
	return s.send(gin.H{"content": content})
}

// SendComplete 下发终止帧，recommend 模式下携带匹配结果。
func (s *sseSink) SendComplete(genres []string, movies []tmdb.Movie) error {
	payload := gin.H{"complete": true}
	if len(genres) > 0 {
		payload["genres"] = genres
		payload["movies"] = movies
	}
	return s.send(payload)
}

// SendError 下发错误帧。
func (s *sseSink) SendError(message string) error {
	return s.send(gin.H{"error": message})
}
