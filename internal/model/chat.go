package model

import "time"

// 消息角色。助手消息总是跟在同一聊天内更早的用户消息之后。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat 代表一个持久化的聊天会话。未登录的会话是临时的，不会落库。
type Chat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"userId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	Messages  []Message `gorm:"foreignKey:ChatID" json:"messages,omitempty"`
}

func (Chat) TableName() string {
	return "chats"
}

// Message 代表聊天中的一条消息。消息创建后不可变，
// 在一个聊天内按创建时间严格排序。
type Message struct {
	ID                uint               `gorm:"primaryKey" json:"id"`
	ChatID            uint               `gorm:"index;not null" json:"chatId"`
	Role              string             `gorm:"size:16;not null" json:"role"`
	Content           string             `gorm:"type:text;not null" json:"content"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"createdAt"`
	RecommendedMovies []RecommendedMovie `gorm:"foreignKey:MessageID" json:"recommendedMovies,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// Movie 是首次被推荐时在本地落库的电影记录，
// 以元数据服务的 TmdbID 作为幂等键。
type Movie struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TmdbID       int64      `gorm:"uniqueIndex;not null" json:"tmdbId"`
	Title        string     `gorm:"size:255;not null" json:"title"`
	Overview     string     `gorm:"type:text" json:"overview,omitempty"`
	ReleaseDate  *time.Time `json:"releaseDate,omitempty"`
	PosterPath   string     `gorm:"size:255" json:"posterPath,omitempty"`
	BackdropPath string     `gorm:"size:255" json:"backdropPath,omitempty"`
	VoteAverage  float64    `json:"voteAverage,omitempty"`
	VoteCount    int64      `json:"voteCount,omitempty"`
	GenreIDs     []int64    `gorm:"serializer:json" json:"genreIds,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

func (Movie) TableName() string {
	return "movies"
}

// RecommendedMovie 是助手消息与电影之间的多对多关联记录。
type RecommendedMovie struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MessageID uint      `gorm:"index;not null" json:"messageId"`
	MovieID   uint      `gorm:"index;not null" json:"movieId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	Movie     Movie     `gorm:"foreignKey:MovieID" json:"movie,omitempty"`
}

func (RecommendedMovie) TableName() string {
	return "recommended_movies"
}
