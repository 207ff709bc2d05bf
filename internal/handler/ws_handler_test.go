package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movie-mate-go/internal/service"
	"movie-mate-go/pkg/token"
)

// endlessChatService 持续下发增量直到 sink 拒绝写入，
// 用于验证停止指令能在生成途中生效。
type endlessChatService struct {
	fakeChatService
	stopped atomic.Bool
}

func (s *endlessChatService) StreamChat(ctx context.Context, req service.ChatRequest, sink service.DeltaSink) error {
	for {
		if err := sink.SendDelta("tok "); err != nil {
			s.stopped.Store(true)
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type wsTestEnv struct {
	server  *httptest.Server
	handler *WSChatHandler
	token   string
}

func newWSTestEnv(t *testing.T, svc service.ChatService) *wsTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	jwtManager := token.NewJWTManager("test-secret", 1, 7)
	h := NewWSChatHandler(svc, jwtManager)

	r := gin.New()
	r.GET("/chat/ws/:token", h.Handle)
	r.GET("/chat/websocket-token", h.GetStopToken)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	accessToken, err := jwtManager.GenerateToken(1, "alice", "USER")
	require.NoError(t, err)
	return &wsTestEnv{server: server, handler: h, token: accessToken}
}

func (e *wsTestEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/chat/ws/" + e.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *wsTestEnv) stopToken(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/chat/websocket-token")
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			CmdToken string `json:"cmdToken"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Data.CmdToken)
	return envelope.Data.CmdToken
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWSHandlerFrameShapes(t *testing.T) {
	svc := &fakeChatService{
		streamDeltas: []string{"Horror ", "it is!"},
		streamGenres: []string{"Horror"},
	}
	env := newWSTestEnv(t, svc)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(gin.H{"message": "scare me", "mode": "recommend"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "Horror ", frame["content"])
	frame = readFrame(t, conn)
	assert.Equal(t, "it is!", frame["content"])
	frame = readFrame(t, conn)
	assert.Equal(t, true, frame["complete"])
	assert.Equal(t, []interface{}{"Horror"}, frame["genres"])
}

// chatId 缺省时会话绑定到 token 中的登录用户。
func TestWSHandlerDefaultsUserFromClaims(t *testing.T) {
	svc := &fakeChatService{streamDeltas: []string{"ok"}}
	env := newWSTestEnv(t, svc)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(gin.H{"message": "hi"}))
	readFrame(t, conn) // delta
	readFrame(t, conn) // complete

	require.NotNil(t, svc.lastStreamReq.UserID)
	assert.Equal(t, uint(1), *svc.lastStreamReq.UserID)
	assert.Nil(t, svc.lastStreamReq.ChatID)
}

func TestWSHandlerRejectsInvalidToken(t *testing.T) {
	env := newWSTestEnv(t, &fakeChatService{})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/chat/ws/not-a-token"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// 携带有效令牌的停止指令在生成途中中断流，并回发停止确认帧。
func TestWSHandlerStopCommandInterruptsStream(t *testing.T) {
	svc := &endlessChatService{}
	env := newWSTestEnv(t, svc)
	cmdToken := env.stopToken(t)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(gin.H{"message": "ramble on"}))

	// 流已经在产出增量
	frame := readFrame(t, conn)
	assert.Equal(t, "tok ", frame["content"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "stop", "_internal_cmd_token": cmdToken}))

	// 停止确认帧可能排在若干已在途的增量之后
	for {
		frame = readFrame(t, conn)
		if frame["type"] == "stop" {
			assert.Equal(t, "Response stopped", frame["message"])
			break
		}
		require.Contains(t, frame, "content")
	}

	require.Eventually(t, svc.stopped.Load, 2*time.Second, 10*time.Millisecond)
}

// 令牌不匹配的停止指令被忽略，流继续直到正常结束。
func TestWSHandlerIgnoresInvalidStopToken(t *testing.T) {
	svc := &fakeChatService{streamDeltas: []string{"a", "b"}}
	env := newWSTestEnv(t, svc)
	env.stopToken(t) // 轮换出一个真实令牌，下面故意不用它
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "stop", "_internal_cmd_token": "wrong"}))
	require.NoError(t, conn.WriteJSON(gin.H{"message": "hi"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "a", frame["content"])
	frame = readFrame(t, conn)
	assert.Equal(t, "b", frame["content"])
	frame = readFrame(t, conn)
	assert.Equal(t, true, frame["complete"])
}
