package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-mate-go/internal/model"
	"movie-mate-go/internal/service"
	"movie-mate-go/pkg/tmdb"
)

// fakeChatService 是编排层的替身，按脚本驱动 sink。
type fakeChatService struct {
	chatResult *service.ChatResult
	chatErr    error

	streamDeltas  []string
	streamGenres  []string
	streamMovies  []tmdb.Movie
	streamErr     error
	lastStreamReq service.ChatRequest
}

func (f *fakeChatService) Chat(ctx context.Context, req service.ChatRequest) (*service.ChatResult, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatResult, nil
}

func (f *fakeChatService) StreamChat(ctx context.Context, req service.ChatRequest, sink service.DeltaSink) error {
	f.lastStreamReq = req
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, d := range f.streamDeltas {
		if err := sink.SendDelta(d); err != nil {
			return nil
		}
	}
	return sink.SendComplete(f.streamGenres, f.streamMovies)
}

func (f *fakeChatService) ListUserChats(ctx context.Context, userID uint) ([]model.Chat, error) {
	return nil, nil
}

func (f *fakeChatService) GetChat(ctx context.Context, chatID uint) (*model.Chat, error) {
	return nil, service.ErrChatNotFound
}

func (f *fakeChatService) ListMessages(ctx context.Context, chatID uint, limit, offset int) ([]model.Message, error) {
	return nil, nil
}

func newStreamRouter(svc service.ChatService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewChatHandler(svc)
	r.POST("/recommendation/stream", h.StreamNoLogin)
	r.POST("/recommendation", h.Recommend)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// parseSSE 把响应体拆成逐帧解码后的 JSON 对象。
func parseSSE(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var frames []map[string]interface{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func TestStreamEmitsDeltaAndCompleteFrames(t *testing.T) {
	svc := &fakeChatService{
		streamDeltas: []string{"Horror ", "it is!"},
		streamGenres: []string{"Horror"},
		streamMovies: []tmdb.Movie{{ID: 694, Title: "The Shining"}},
	}
	r := newStreamRouter(svc)

	w := postJSON(t, r, "/recommendation/stream", `{"message":"scare me","mode":"recommend"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "Horror ", frames[0]["content"])
	assert.Equal(t, "it is!", frames[1]["content"])
	assert.Equal(t, true, frames[2]["complete"])
	assert.Equal(t, []interface{}{"Horror"}, frames[2]["genres"])

	// 未登录流式入口强制临时会话与固定数量上限
	assert.Nil(t, svc.lastStreamReq.ChatID)
	assert.Nil(t, svc.lastStreamReq.UserID)
	assert.Equal(t, noLoginLimit, svc.lastStreamReq.Limit)
}

// 未匹配到类型时完成帧不携带 genres/movies 字段。
func TestStreamCompleteFrameWithoutMatches(t *testing.T) {
	svc := &fakeChatService{streamDeltas: []string{"hello"}}
	r := newStreamRouter(svc)

	w := postJSON(t, r, "/recommendation/stream", `{"message":"hi"}`)
	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, true, frames[1]["complete"])
	assert.NotContains(t, frames[1], "genres")
	assert.NotContains(t, frames[1], "movies")
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	r := newStreamRouter(&fakeChatService{})

	w := postJSON(t, r, "/recommendation/stream", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "User message is required.")
}

// 流开始前的业务错误以错误帧下发，HTTP 状态保持 200。
func TestStreamServiceErrorBecomesErrorFrame(t *testing.T) {
	svc := &fakeChatService{streamErr: service.ErrChatNotFound}
	r := newStreamRouter(svc)

	w := postJSON(t, r, "/recommendation/stream", `{"message":"hi","chatId":42}`)
	assert.Equal(t, http.StatusOK, w.Code)

	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "Chat not found or could not be created.", frames[0]["error"])
}

func TestRecommendErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"invalid input", service.ErrInvalidInput, http.StatusBadRequest},
		{"chat not found", service.ErrChatNotFound, http.StatusNotFound},
		{"internal", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newStreamRouter(&fakeChatService{chatErr: tt.err})
			w := postJSON(t, r, "/recommendation", `{"message":"hi"}`)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestRecommendReturnsResult(t *testing.T) {
	svc := &fakeChatService{chatResult: &service.ChatResult{
		Message: "Try a Comedy!",
		Genres:  []string{"Comedy"},
	}}
	r := newStreamRouter(svc)

	w := postJSON(t, r, "/recommendation", `{"message":"make me laugh"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var result service.ChatResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "Try a Comedy!", result.Message)
	assert.Equal(t, []string{"Comedy"}, result.Genres)
}
