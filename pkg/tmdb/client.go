// Package tmdb provides a client for the TMDB movie metadata service.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"movie-mate-go/internal/config"
	"movie-mate-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// maxPageSize 是 TMDB 单页结果的上限，无论调用方请求多少条。
const maxPageSize = 20

// defaultLimit 在调用方未指定数量时生效。
const defaultLimit = 10

// 类型目录缓存的 key 与 TTL。
const (
	genreCacheKey = "tmdb:genres"
	genreCacheTTL = 24 * time.Hour
)

// Genre 是元数据服务定义的一个内容类型。
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Movie 是元数据服务返回的一部电影。
type Movie struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Overview     string  `json:"overview"`
	ReleaseDate  string  `json:"release_date"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int64   `json:"vote_count"`
	GenreIDs     []int64 `json:"genre_ids"`
}

// Client defines the interface for the movie metadata provider.
type Client interface {
	// ListGenres 返回完整的类型目录，保持服务端的自然顺序。
	ListGenres(ctx context.Context) ([]Genre, error)
	// DiscoverByGenres 查询命中任一给定类型的电影（逻辑 OR），
	// 结果截断到 min(limit, 单页上限)。
	DiscoverByGenres(ctx context.Context, genreIDs []int64, limit int) ([]Movie, error)
}

type httpClient struct {
	cfg    config.TMDBConfig
	client *http.Client
	rdb    *redis.Client
}

// NewClient creates a new TMDB client. rdb may be nil, in which case the
// genre catalog is fetched from the provider on every call.
func NewClient(cfg config.TMDBConfig, rdb *redis.Client) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{},
		rdb:    rdb,
	}
}

type genreListResponse struct {
	Genres []Genre `json:"genres"`
}

type discoverResponse struct {
	Results []Movie `json:"results"`
}

// ListGenres 优先读取 Redis 缓存，未命中时回源并写回（读穿缓存）。
// 缓存自身的故障只记录日志，不影响回源。
func (c *httpClient) ListGenres(ctx context.Context) ([]Genre, error) {
	if c.rdb != nil {
		cached, err := c.rdb.Get(ctx, genreCacheKey).Result()
		if err == nil {
			var genres []Genre
			if jerr := json.Unmarshal([]byte(cached), &genres); jerr == nil && len(genres) > 0 {
				return genres, nil
			}
			log.Warnf("[TMDBClient] 类型目录缓存内容无效，回源重建")
		} else if err != redis.Nil {
			log.Warnf("[TMDBClient] 读取类型目录缓存失败: %v", err)
		}
	}

	var listResp genreListResponse
	if err := c.get(ctx, "/genre/movie/list", nil, &listResp); err != nil {
		return nil, fmt.Errorf("failed to fetch genre list: %w", err)
	}
	if len(listResp.Genres) == 0 {
		return nil, fmt.Errorf("genre list response contained no genres")
	}

	if c.rdb != nil {
		if data, err := json.Marshal(listResp.Genres); err == nil {
			if err := c.rdb.Set(ctx, genreCacheKey, data, genreCacheTTL).Err(); err != nil {
				log.Warnf("[TMDBClient] 写入类型目录缓存失败: %v", err)
			}
		}
	}
	return listResp.Genres, nil
}

// DiscoverByGenres 以逗号连接的类型 ID 列表查询电影。
func (c *httpClient) DiscoverByGenres(ctx context.Context, genreIDs []int64, limit int) ([]Movie, error) {
	if len(genreIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	ids := make([]string, 0, len(genreIDs))
	for _, id := range genreIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	var discResp discoverResponse
	params := url.Values{"with_genres": {strings.Join(ids, ",")}}
	if err := c.get(ctx, "/discover/movie", params, &discResp); err != nil {
		return nil, fmt.Errorf("failed to discover movies: %w", err)
	}

	results := discResp.Results
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.cfg.APIKey)
	params.Set("language", c.cfg.Language)

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create tmdb request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[TMDBClient] 调用 TMDB API 失败, path: %s, error: %v", path, err)
		return fmt.Errorf("failed to call tmdb api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Errorf("[TMDBClient] TMDB API 返回非 200 状态码: %s, path: %s", resp.Status, path)
		return fmt.Errorf("tmdb api returned non-200 status: %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode tmdb response: %w", err)
	}
	return nil
}
