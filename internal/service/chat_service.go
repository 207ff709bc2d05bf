package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"movie-mate-go/internal/model"
	"movie-mate-go/internal/repository"
	"movie-mate-go/pkg/events"
	"movie-mate-go/pkg/llm"
	"movie-mate-go/pkg/log"
	"movie-mate-go/pkg/tmdb"

	"gorm.io/gorm"
)

// ChatRequest 是一次编排流程的入参。
// ChatID 与 UserID 均可缺省：两者都缺省时会话是临时的，不落库。
type ChatRequest struct {
	Message string
	Mode    string
	ChatID  *uint
	UserID  *uint
	Limit   int
}

// ChatResult 是非流式编排流程的结果。
type ChatResult struct {
	Message string       `json:"message"`
	Genres  []string     `json:"genres,omitempty"`
	Movies  []tmdb.Movie `json:"movies,omitempty"`
	Note    string       `json:"note,omitempty"`
	ChatID  uint         `json:"chatId,omitempty"`
}

// DeltaSink 是流式编排向调用方下发帧的出口。
// 每个增量在请求下一个增量之前被独立下发，编排层不做合批。
type DeltaSink interface {
	SendDelta(content string) error
	SendComplete(genres []string, movies []tmdb.Movie) error
	SendError(message string) error
}

// ChatService 定义了聊天编排与聊天记录查询的接口。
type ChatService interface {
	// Chat 执行一次非流式编排：解析会话、落用户消息、调用补全、
	// 落助手消息，recommend 模式下做类型匹配与电影推荐落库。
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
	// StreamChat 执行一次流式编排，增量按到达顺序逐条写入 sink。
	// 返回非 nil 错误仅发生在任何帧写入 sink 之前；
	// 流开始后的失败通过 sink 的错误帧下发，函数返回 nil。
	StreamChat(ctx context.Context, req ChatRequest, sink DeltaSink) error

	ListUserChats(ctx context.Context, userID uint) ([]model.Chat, error)
	GetChat(ctx context.Context, chatID uint) (*model.Chat, error)
	ListMessages(ctx context.Context, chatID uint, limit, offset int) ([]model.Message, error)
}

type chatService struct {
	chatRepo    repository.ChatRepository
	llmClient   llm.Client
	recommender RecommendService
	publisher   events.Publisher
}

// NewChatService 创建一个新的 ChatService 实例。publisher 可以为 nil。
func NewChatService(chatRepo repository.ChatRepository, llmClient llm.Client, recommender RecommendService, publisher events.Publisher) ChatService {
	return &chatService{
		chatRepo:    chatRepo,
		llmClient:   llmClient,
		recommender: recommender,
		publisher:   publisher,
	}
}

// normalize 校验并规范化请求。任何外部调用之前完成。
func normalize(req *ChatRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return ErrInvalidInput
	}
	if req.Mode == "" {
		req.Mode = llm.ModeRecommend
	}
	if req.Mode != llm.ModeChat && req.Mode != llm.ModeRecommend {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Mode)
	}
	return nil
}

// resolveChat 按三选一的路径解析会话：
// 有 ChatID 则查找（ChatID 优先于 UserID，查不到返回 ErrChatNotFound）；
// 只有 UserID 则创建新会话；两者都没有则返回 nil 表示临时会话。
func (s *chatService) resolveChat(ctx context.Context, req ChatRequest) (*model.Chat, error) {
	if req.ChatID != nil {
		chat, err := s.chatRepo.FindChatByID(ctx, *req.ChatID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrChatNotFound
			}
			return nil, fmt.Errorf("failed to resolve chat: %w", err)
		}
		return chat, nil
	}
	if req.UserID != nil {
		return s.chatRepo.CreateChat(ctx, *req.UserID)
	}
	return nil, nil
}

// loadCatalog 在 recommend 模式下取一次类型目录。
// 目录不可用只影响本次请求的推荐环节，聊天功能继续。
func (s *chatService) loadCatalog(ctx context.Context, mode string) []tmdb.Genre {
	if mode != llm.ModeRecommend {
		return nil
	}
	catalog, err := s.recommender.Genres(ctx)
	if err != nil {
		log.Warnf("获取类型目录失败，本次请求跳过推荐环节: %v", err)
		return nil
	}
	return catalog
}

// Chat 执行非流式编排。
func (s *chatService) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	chat, err := s.resolveChat(ctx, req)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		if _, err := s.chatRepo.AppendMessage(ctx, chat.ID, model.RoleUser, req.Message); err != nil {
			return nil, fmt.Errorf("failed to store user message: %w", err)
		}
	}

	catalog := s.loadCatalog(ctx, req.Mode)

	raw, err := s.llmClient.Complete(ctx, req.Message, req.Mode, genreNames(catalog))
	if err != nil {
		// Complete 自带兜底文本，此分支仅为防御性兜底
		log.Error("补全调用失败", err)
		raw = llm.FallbackMessage
	}
	text := stripMarkdown(raw)

	var assistantMsg *model.Message
	if chat != nil {
		assistantMsg, err = s.chatRepo.AppendMessage(ctx, chat.ID, model.RoleAssistant, text)
		if err != nil {
			return nil, fmt.Errorf("failed to store assistant message: %w", err)
		}
	}

	result := &ChatResult{Message: text}
	if chat != nil {
		result.ChatID = chat.ID
	}
	if req.Mode != llm.ModeRecommend || len(catalog) == 0 {
		return result, nil
	}

	matched := s.recommender.Match(text, catalog)
	if len(matched) == 0 {
		result.Note = "No genres could be matched to TMDB IDs from the AI response."
		return result, nil
	}

	movies, err := s.recommender.MoviesForGenres(ctx, matched, req.Limit)
	if err != nil {
		// 元数据服务不可用：跳过推荐，助手文本照常返回
		log.Warnf("获取推荐电影失败，本次请求跳过推荐环节: %v", err)
		return result, nil
	}
	result.Genres = genreNames(matched)
	result.Movies = movies

	if assistantMsg != nil {
		if err := s.persistRecommendations(ctx, assistantMsg.ID, movies); err != nil {
			return nil, err
		}
	}
	s.publishCompleted(chat, assistantMsg, req.Mode, result.Genres, movies)
	return result, nil
}

// StreamChat 执行流式编排。
func (s *chatService) StreamChat(ctx context.Context, req ChatRequest, sink DeltaSink) error {
	if err := normalize(&req); err != nil {
		return err
	}

	chat, err := s.resolveChat(ctx, req)
	if err != nil {
		return err
	}
	if chat != nil {
		if _, err := s.chatRepo.AppendMessage(ctx, chat.ID, model.RoleUser, req.Message); err != nil {
			return fmt.Errorf("failed to store user message: %w", err)
		}
	}

	catalog := s.loadCatalog(ctx, req.Mode)

	var full strings.Builder
	stream, err := s.llmClient.StreamCompletion(ctx, req.Message, req.Mode, genreNames(catalog))
	if err != nil {
		// 上游不可用：退化为单条兜底消息，聊天保持可用
		log.Error("流式补全调用失败，使用兜底文本", err)
		if serr := sink.SendDelta(llm.FallbackMessage); serr != nil {
			return nil
		}
		full.WriteString(llm.FallbackMessage)
	} else {
		defer stream.Close()
		for {
			delta, rerr := stream.Recv()
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				// 数据源异常终止：已下发的增量保持不变，补一个错误帧
				log.Errorf("流式响应源错误: %v", rerr)
				_ = sink.SendError("Stream error occurred")
				return nil
			}
			if serr := sink.SendDelta(delta); serr != nil {
				// 客户端断开：停止消费上游，尽力保存已累积内容
				log.Warnf("下发增量失败，客户端可能已断开: %v", serr)
				_ = stream.Close()
				s.saveAccumulated(chat, full.String())
				return nil
			}
			full.WriteString(delta)
		}
		if n := stream.Skipped(); n > 0 {
			log.Warnf("流式解码共跳过 %d 行无法解析的数据", n)
		}
	}

	fullText := full.String()
	var assistantMsg *model.Message
	if chat != nil && fullText != "" {
		// 使用后台上下文：即使原始请求被取消，也要保存已生成的答案
		assistantMsg, err = s.chatRepo.AppendMessage(context.Background(), chat.ID, model.RoleAssistant, fullText)
		if err != nil {
			// 流已经打开，持久化失败退化为错误帧，不回收已下发内容
			log.Error("保存助手消息失败", err)
			_ = sink.SendError("Error saving response")
			return nil
		}
	}

	var genres []string
	var movies []tmdb.Movie
	if req.Mode == llm.ModeRecommend && fullText != "" && len(catalog) > 0 {
		matched := s.recommender.Match(fullText, catalog)
		if len(matched) > 0 {
			fetched, merr := s.recommender.MoviesForGenres(context.Background(), matched, req.Limit)
			if merr != nil {
				log.Warnf("获取推荐电影失败，本次请求跳过推荐环节: %v", merr)
			} else {
				genres = genreNames(matched)
				movies = fetched
				if assistantMsg != nil {
					if perr := s.persistRecommendations(context.Background(), assistantMsg.ID, movies); perr != nil {
						log.Error("保存推荐记录失败", perr)
						_ = sink.SendError("Error saving response")
						return nil
					}
				}
				s.publishCompleted(chat, assistantMsg, req.Mode, genres, movies)
			}
		}
	}

	if err := sink.SendComplete(genres, movies); err != nil {
		log.Warnf("下发完成帧失败: %v", err)
	}
	return nil
}

// saveAccumulated 客户端断开后尽力保存已累积的部分回答。
func (s *chatService) saveAccumulated(chat *model.Chat, text string) {
	if chat == nil || text == "" {
		return
	}
	if _, err := s.chatRepo.AppendMessage(context.Background(), chat.ID, model.RoleAssistant, text); err != nil {
		log.Warnf("保存部分回答失败: %v", err)
	}
}

// persistRecommendations 对每部电影做幂等 upsert，并建立与助手消息的关联。
// 每条写入独立提交，失败不回滚此前已提交的写入。
func (s *chatService) persistRecommendations(ctx context.Context, messageID uint, movies []tmdb.Movie) error {
	for _, m := range movies {
		saved, err := s.chatRepo.FindOrCreateMovie(ctx, movieModel(m))
		if err != nil {
			return fmt.Errorf("failed to upsert movie %d: %w", m.ID, err)
		}
		if _, err := s.chatRepo.LinkRecommendation(ctx, messageID, saved.ID); err != nil {
			return fmt.Errorf("failed to link recommendation: %w", err)
		}
	}
	return nil
}

// publishCompleted 尽力发布聊天完成事件，从不阻塞主流程。
func (s *chatService) publishCompleted(chat *model.Chat, msg *model.Message, mode string, genres []string, movies []tmdb.Movie) {
	if s.publisher == nil {
		return
	}
	ev := events.ChatCompletedEvent{
		Mode:      mode,
		Genres:    genres,
		Timestamp: time.Now(),
	}
	if chat != nil {
		ev.ChatID = chat.ID
	}
	if msg != nil {
		ev.MessageID = msg.ID
	}
	for _, m := range movies {
		ev.MovieIDs = append(ev.MovieIDs, m.ID)
	}
	go s.publisher.PublishChatCompleted(context.Background(), ev)
}

// ListUserChats 返回用户的全部聊天，附带最新一条消息。
func (s *chatService) ListUserChats(ctx context.Context, userID uint) ([]model.Chat, error) {
	return s.chatRepo.ListChatsForUser(ctx, userID)
}

// GetChat 按 ID 返回聊天会话。
func (s *chatService) GetChat(ctx context.Context, chatID uint) (*model.Chat, error) {
	chat, err := s.chatRepo.FindChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return chat, nil
}

// ListMessages 分页返回聊天内的消息。
func (s *chatService) ListMessages(ctx context.Context, chatID uint, limit, offset int) ([]model.Message, error) {
	return s.chatRepo.ListMessages(ctx, chatID, limit, offset)
}

// movieModel 把元数据服务的电影转换为本地落库模型。
func movieModel(m tmdb.Movie) *model.Movie {
	movie := &model.Movie{
		TmdbID:       m.ID,
		Title:        m.Title,
		Overview:     m.Overview,
		PosterPath:   m.PosterPath,
		BackdropPath: m.BackdropPath,
		VoteAverage:  m.VoteAverage,
		VoteCount:    m.VoteCount,
		GenreIDs:     m.GenreIDs,
	}
	if m.ReleaseDate != "" {
		if t, err := time.Parse("2006-01-02", m.ReleaseDate); err == nil {
			movie.ReleaseDate = &t
		}
	}
	return movie
}

// genreNames 提取类型的展示名列表。
func genreNames(genres []tmdb.Genre) []string {
	if len(genres) == 0 {
		return nil
	}
	names := make([]string, 0, len(genres))
	for _, g := range genres {
		names = append(names, g.Name)
	}
	return names
}
