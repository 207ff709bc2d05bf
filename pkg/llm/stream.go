package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"movie-mate-go/pkg/log"
)

// doneEvent 是流结束的终止帧（去掉前缀后的原始行）。
const doneEvent = "data: [DONE]"

// TokenStream is a pull-based source of content deltas decoded from a
// streaming completion response. A stream is single-use: once Recv has
// returned io.EOF or an error, a new request is needed for a new stream.
type TokenStream interface {
	// Recv 返回下一个内容增量。流正常结束（终止帧或数据源正常关闭）
	// 时返回 io.EOF；底层传输异常时返回对应错误。
	Recv() (string, error)
	// Skipped 返回到目前为止被跳过的无法解析的行数。
	Skipped() int
	// Close 停止消费上游数据源。
	Close() error
}

type deltaEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	skipped int
}

func newStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	// 单行事件可能较长，放宽默认缓冲上限
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

// Recv decodes lines from the response body until it finds the next content
// delta. Chunk boundaries are irrelevant here: the scanner reassembles lines
// regardless of how the transport split them.
func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		if line == doneEvent || line == "[DONE]" {
			s.finish()
			return "", io.EOF
		}

		data := strings.TrimPrefix(line, "data: ")

		var event deltaEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// 单行解析失败不终止整个流：分块边界可能截断 JSON
			s.skipped++
			log.Warnf("[LLMStream] 跳过无法解析的流式行: %q, err: %v", data, err)
			continue
		}

		// 非内容控制事件（如 role 帧、usage 帧）静默跳过
		if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
			continue
		}
		return event.Choices[0].Delta.Content, nil
	}

	// 扫描结束：区分数据源正常关闭与底层传输错误
	err := s.scanner.Err()
	s.finish()
	if err != nil {
		return "", err
	}
	return "", io.EOF
}

// Skipped 返回被跳过的行数。
func (s *sseStream) Skipped() int {
	return s.skipped
}

// Close 关闭底层响应体，终止上游消费。
func (s *sseStream) Close() error {
	if s.done {
		return nil
	}
	s.finish()
	return nil
}

func (s *sseStream) finish() {
	s.done = true
	_ = s.body.Close()
}
