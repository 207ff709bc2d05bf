package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"movie-mate-go/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// 每个 :memory: 连接都是独立的数据库，连接池必须收紧到单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Chat{},
		&model.Message{},
		&model.Movie{},
		&model.RecommendedMovie{},
	))
	return db
}

func TestCreateAndFindChat(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	chat, err := repo.CreateChat(ctx, 7)
	require.NoError(t, err)
	require.NotZero(t, chat.ID)

	found, err := repo.FindChatByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(7), found.UserID)

	_, err = repo.FindChatByID(ctx, 999)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAppendAndListMessages(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	chat, err := repo.CreateChat(ctx, 1)
	require.NoError(t, err)

	_, err = repo.AppendMessage(ctx, chat.ID, model.RoleUser, "first question")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = repo.AppendMessage(ctx, chat.ID, model.RoleAssistant, "first answer")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = repo.AppendMessage(ctx, chat.ID, model.RoleUser, "second question")
	require.NoError(t, err)

	// 创建时间倒序：最新的在前
	messages, err := repo.ListMessages(ctx, chat.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "second question", messages[0].Content)
	assert.Equal(t, "first answer", messages[1].Content)
	assert.Equal(t, "first question", messages[2].Content)

	// 分页
	page, err := repo.ListMessages(ctx, chat.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "first answer", page[0].Content)
}

func TestListChatsForUserCarriesLatestMessage(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	chat1, err := repo.CreateChat(ctx, 5)
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, chat1.ID, model.RoleUser, "older")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = repo.AppendMessage(ctx, chat1.ID, model.RoleAssistant, "newest")
	require.NoError(t, err)

	// 没有消息的会话也会出现在列表里
	_, err = repo.CreateChat(ctx, 5)
	require.NoError(t, err)
	// 其他用户的会话不可见
	_, err = repo.CreateChat(ctx, 6)
	require.NoError(t, err)

	chats, err := repo.ListChatsForUser(ctx, 5)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	var withMessage *model.Chat
	for i := range chats {
		if chats[i].ID == chat1.ID {
			withMessage = &chats[i]
		}
	}
	require.NotNil(t, withMessage)
	require.Len(t, withMessage.Messages, 1)
	assert.Equal(t, "newest", withMessage.Messages[0].Content)
}

// 同一部电影被多次推荐时只保留一条记录，关联仍然逐条建立。
func TestFindOrCreateMovieIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	chat, err := repo.CreateChat(ctx, 1)
	require.NoError(t, err)
	msg1, err := repo.AppendMessage(ctx, chat.ID, model.RoleAssistant, "watch The Matrix")
	require.NoError(t, err)
	msg2, err := repo.AppendMessage(ctx, chat.ID, model.RoleAssistant, "seriously, watch The Matrix")
	require.NoError(t, err)

	release := time.Date(1999, 3, 31, 0, 0, 0, 0, time.UTC)
	first, err := repo.FindOrCreateMovie(ctx, &model.Movie{
		TmdbID:      603,
		Title:       "The Matrix",
		ReleaseDate: &release,
		GenreIDs:    []int64{28, 878},
	})
	require.NoError(t, err)

	second, err := repo.FindOrCreateMovie(ctx, &model.Movie{TmdbID: 603, Title: "The Matrix"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&model.Movie{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	_, err = repo.LinkRecommendation(ctx, msg1.ID, first.ID)
	require.NoError(t, err)
	_, err = repo.LinkRecommendation(ctx, msg2.ID, second.ID)
	require.NoError(t, err)

	messages, err := repo.ListMessages(ctx, chat.ID, 10, 0)
	require.NoError(t, err)
	var linked int
	for _, m := range messages {
		for _, rec := range m.RecommendedMovies {
			linked++
			assert.EqualValues(t, 603, rec.Movie.TmdbID)
		}
	}
	assert.Equal(t, 2, linked)
}

// GenreIDs 以 JSON 序列化存储，读回后保持原样。
func TestMovieGenreIDsRoundTrip(t *testing.T) {
	repo := NewChatRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.FindOrCreateMovie(ctx, &model.Movie{
		TmdbID:   120,
		Title:    "The Fellowship of the Ring",
		GenreIDs: []int64{12, 14, 28},
	})
	require.NoError(t, err)

	found, err := repo.FindOrCreateMovie(ctx, &model.Movie{TmdbID: 120})
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 14, 28}, found.GenreIDs)
}
