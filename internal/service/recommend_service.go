package service

import (
	"context"
	"strings"

	"movie-mate-go/pkg/tmdb"
)

// RecommendService 定义了从助手回复文本到电影推荐的匹配逻辑。
type RecommendService interface {
	// Genres 返回当前的类型目录，保持元数据服务的自然顺序。
	Genres(ctx context.Context) ([]tmdb.Genre, error)
	// Match 返回展示名（小写后）作为子串出现在文本中的所有类型，
	// 保持目录顺序，不做相关性排序。
	Match(text string, catalog []tmdb.Genre) []tmdb.Genre
	// MoviesForGenres 查询命中任一给定类型的电影，截断到 limit。
	MoviesForGenres(ctx context.Context, genres []tmdb.Genre, limit int) ([]tmdb.Movie, error)
}

type recommendService struct {
	tmdbClient tmdb.Client
}

// NewRecommendService 创建一个新的 RecommendService 实例。
func NewRecommendService(tmdbClient tmdb.Client) RecommendService {
	return &recommendService{tmdbClient: tmdbClient}
}

// Genres 透传元数据服务的类型目录。
func (s *recommendService) Genres(ctx context.Context) ([]tmdb.Genre, error) {
	return s.tmdbClient.ListGenres(ctx)
}

// Match 在小写化的文本上做子串匹配。原始文本的大小写不受影响，
// 小写化只用于比较。
func (s *recommendService) Match(text string, catalog []tmdb.Genre) []tmdb.Genre {
	lowered := strings.ToLower(text)
	var matched []tmdb.Genre
	for _, g := range catalog {
		if g.Name == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(g.Name)) {
			matched = append(matched, g)
		}
	}
	return matched
}

// MoviesForGenres 以匹配到的类型 ID 列表（逻辑 OR）查询电影。
// 结果保持服务端的排序，不做去重。
func (s *recommendService) MoviesForGenres(ctx context.Context, genres []tmdb.Genre, limit int) ([]tmdb.Movie, error) {
	if len(genres) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(genres))
	for _, g := range genres {
		ids = append(ids, g.ID)
	}
	return s.tmdbClient.DiscoverByGenres(ctx, ids, limit)
}
