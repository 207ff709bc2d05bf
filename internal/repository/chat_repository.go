package repository

import (
	"context"
	"errors"
	"fmt"

	"movie-mate-go/internal/model"

	"gorm.io/gorm"
)

// ChatRepository 定义了聊天、消息与推荐关联记录的持久化操作。
// 所有写操作在单记录层面是原子的，不依赖跨记录事务。
type ChatRepository interface {
	CreateChat(ctx context.Context, userID uint) (*model.Chat, error)
	FindChatByID(ctx context.Context, chatID uint) (*model.Chat, error)
	ListChatsForUser(ctx context.Context, userID uint) ([]model.Chat, error)
	AppendMessage(ctx context.Context, chatID uint, role, content string) (*model.Message, error)
	ListMessages(ctx context.Context, chatID uint, limit, offset int) ([]model.Message, error)
	FindOrCreateMovie(ctx context.Context, movie *model.Movie) (*model.Movie, error)
	LinkRecommendation(ctx context.Context, messageID, movieID uint) (*model.RecommendedMovie, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建一个新的 ChatRepository 实例。
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// CreateChat 为指定用户创建一个新的聊天会话。
func (r *chatRepository) CreateChat(ctx context.Context, userID uint) (*model.Chat, error) {
	chat := &model.Chat{UserID: userID}
	if err := r.db.WithContext(ctx).Create(chat).Error; err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// FindChatByID 根据 ID 查找聊天会话。
func (r *chatRepository) FindChatByID(ctx context.Context, chatID uint) (*model.Chat, error) {
	var chat model.Chat
	if err := r.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListChatsForUser 返回用户的全部聊天会话，每个会话附带最新一条消息。
func (r *chatRepository) ListChatsForUser(ctx context.Context, userID uint) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	// Preload 配合 Limit 在 gorm 中是全局生效的，这里逐会话取最新一条
	for i := range chats {
		var latest model.Message
		err := r.db.WithContext(ctx).
			Where("chat_id = ?", chats[i].ID).
			Order("created_at DESC").
			First(&latest).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load latest message: %w", err)
		}
		chats[i].Messages = []model.Message{latest}
	}
	return chats, nil
}

// AppendMessage 向聊天追加一条消息。消息是只追加的，创建后不再修改。
func (r *chatRepository) AppendMessage(ctx context.Context, chatID uint, role, content string) (*model.Message, error) {
	msg := &model.Message{
		ChatID:  chatID,
		Role:    role,
		Content: content,
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// ListMessages 按创建时间倒序分页返回聊天内的消息，并附带推荐电影。
func (r *chatRepository) ListMessages(ctx context.Context, chatID uint, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Preload("RecommendedMovies.Movie").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// FindOrCreateMovie 以 TmdbID 为幂等键查找或创建电影记录。
// 并发创建同一部电影时，唯一索引冲突会退化为再次查找。
func (r *chatRepository) FindOrCreateMovie(ctx context.Context, movie *model.Movie) (*model.Movie, error) {
	var existing model.Movie
	err := r.db.WithContext(ctx).Where("tmdb_id = ?", movie.TmdbID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up movie: %w", err)
	}

	if err := r.db.WithContext(ctx).Create(movie).Error; err != nil {
		// 可能与并发插入竞争，按 found-or-create 语义重查
		var raced model.Movie
		if ferr := r.db.WithContext(ctx).Where("tmdb_id = ?", movie.TmdbID).First(&raced).Error; ferr == nil {
			return &raced, nil
		}
		return nil, fmt.Errorf("failed to create movie: %w", err)
	}
	return movie, nil
}

// LinkRecommendation 在助手消息与电影之间创建一条推荐关联。
func (r *chatRepository) LinkRecommendation(ctx context.Context, messageID, movieID uint) (*model.RecommendedMovie, error) {
	rec := &model.RecommendedMovie{
		MessageID: messageID,
		MovieID:   movieID,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to link recommendation: %w", err)
	}
	return rec, nil
}
