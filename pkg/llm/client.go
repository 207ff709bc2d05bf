// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"movie-mate-go/internal/config"
	"movie-mate-go/pkg/log"
)

// ModeChat 与 ModeRecommend 是补全请求支持的两种模式。
const (
	ModeChat      = "chat"
	ModeRecommend = "recommend"
)

// FallbackMessage is returned to the user whenever the completion endpoint
// fails or responds with an unexpected shape, so the chat flow stays usable.
const FallbackMessage = "Sorry, I couldn't process your request."

// Client defines the interface for an LLM completion client.
type Client interface {
	// Complete 发送一次非流式补全请求并返回完整文本。
	// 上游失败或响应形状异常时返回 FallbackMessage 而不是错误。
	Complete(ctx context.Context, userMessage, mode string, genreNames []string) (string, error)
	// StreamCompletion 发送一次流式补全请求并返回增量 token 源。
	StreamCompletion(ctx context.Context, userMessage, mode string, genreNames []string) (TokenStream, error)
}

type groqClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client for an OpenAI-compatible endpoint.
func NewClient(cfg config.LLMConfig) Client {
	return &groqClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete calls the completion endpoint in single-shot mode and extracts the
// first choice's message content.
func (c *groqClient) Complete(ctx context.Context, userMessage, mode string, genreNames []string) (string, error) {
	resp, err := c.do(ctx, userMessage, mode, genreNames, false)
	if err != nil {
		log.Errorf("[LLMClient] 补全请求失败: %v", err)
		return FallbackMessage, nil
	}
	defer resp.Body.Close()

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		log.Errorf("[LLMClient] 解析补全响应失败: %v", err)
		return FallbackMessage, nil
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		log.Warnf("[LLMClient] 补全响应形状异常，choices 为空")
		return FallbackMessage, nil
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// StreamCompletion calls the completion endpoint with streaming enabled and
// returns a pull-based token stream over the response body. The caller owns
// the stream and must Close it.
func (c *groqClient) StreamCompletion(ctx context.Context, userMessage, mode string, genreNames []string) (TokenStream, error) {
	resp, err := c.do(ctx, userMessage, mode, genreNames, true)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body), nil
}

func (c *groqClient) do(ctx context.Context, userMessage, mode string, genreNames []string, stream bool) (*http.Response, error) {
	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []Message{
			{Role: "system", Content: buildSystemPrompt(mode, genreNames)},
			{Role: "user", Content: userMessage},
		},
		Temperature: c.cfg.Temperature,
		Stream:      stream,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// buildSystemPrompt 根据模式构建 system 消息。
// recommend 模式下将当前类型目录的名称列表注入提示词。
func buildSystemPrompt(mode string, genreNames []string) string {
	if mode == ModeChat {
		return "You are a helpful assistant who only answers questions about movies. " +
			"If the question is unrelated to movies, politely remind the user to stick to movie topics."
	}

	var sb strings.Builder
	sb.WriteString("You are a movie recommendation assistant. Based on this user's mood, ")
	sb.WriteString("match it with appropriate genres from this list: ")
	sb.WriteString(strings.Join(genreNames, ", "))
	sb.WriteString(".\n\nGuidelines:\n")
	sb.WriteString("    1. Identify the user's mood based on their message.\n")
	sb.WriteString("    2. Suggest 1-2 genres that match the mood.\n")
	sb.WriteString("    3. Provide a brief explanation (1-2 sentences) for why the genres fit.\n")
	sb.WriteString("    4. Keep the response under 6 sentences.\n")
	sb.WriteString("    5. If only one mood is mentioned, suggest one genre. If multiple moods are mentioned, balance the genres.\n")
	sb.WriteString("    6. Use a polite, positive, and empathetic tone.\n")
	sb.WriteString("    7. Ask for clarification if the mood is unclear.\n")
	sb.WriteString("    8. Be sensitive to various moods (happy, sad, adventurous, relaxed, etc.).\n")
	sb.WriteString("    9. Offer realistic and specific genre suggestions.\n")
	sb.WriteString("    10. Adapt to ambiguous contexts and refocus the user on mood-based requests.\n")
	sb.WriteString("    11. Encourage the user to explore genres they may not have considered that could bring their mood back.\n")
	sb.WriteString("    12. Provide a concise, focused recommendation, avoiding generic responses.")
	return sb.String()
}
