// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"movie-mate-go/internal/config"
	"movie-mate-go/internal/handler"
	"movie-mate-go/internal/middleware"
	"movie-mate-go/internal/model"
	"movie-mate-go/internal/repository"
	"movie-mate-go/internal/service"
	"movie-mate-go/pkg/database"
	"movie-mate-go/pkg/events"
	"movie-mate-go/pkg/llm"
	"movie-mate-go/pkg/log"
	"movie-mate-go/pkg/tmdb"
	"movie-mate-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err := database.DB.AutoMigrate(
		&model.User{},
		&model.Chat{},
		&model.Message{},
		&model.Movie{},
		&model.RecommendedMovie{},
	); err != nil {
		log.Fatal("数据库迁移失败", err)
	}

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	chatRepository := repository.NewChatRepository(database.DB)

	// 5. 初始化外部客户端与 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	tmdbClient := tmdb.NewClient(cfg.TMDB, database.RDB)
	publisher := events.NewKafkaPublisher(cfg.Kafka)

	userService := service.NewUserService(userRepository, jwtManager)
	recommendService := service.NewRecommendService(tmdbClient)
	chatService := service.NewChatService(chatRepository, llmClient, recommendService, publisher)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	userHandler := handler.NewUserHandler(userService)
	authHandler := handler.NewAuthHandler(userService)
	chatHandler := handler.NewChatHandler(chatService)
	wsHandler := handler.NewWSChatHandler(chatService, jwtManager)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/register", userHandler.Register)
			auth.POST("/login", userHandler.Login)
			auth.POST("/logout", userHandler.Logout)
			auth.POST("/refreshToken", authHandler.RefreshToken)

			authed := auth.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
			}
		}

		// 未登录的推荐接口：会话临时，不落库，数量上限固定
		apiV1.POST("/recommendation", chatHandler.Recommend)
		apiV1.POST("/recommendation/stream", chatHandler.StreamNoLogin)

		// Chat 路由组，需要认证
		chat := apiV1.Group("/chat")
		chat.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			chat.POST("/assistant", chatHandler.Assistant)
			chat.POST("/stream", chatHandler.Stream)
			chat.GET("/websocket-token", wsHandler.GetStopToken)
			chat.GET("/user-chats", chatHandler.GetUserChats)
			chat.GET("/by-id", chatHandler.GetChatByID)
			chat.GET("/messages", chatHandler.GetChatMessages)
		}
	}

	// Chat 路由 (WebSocket)，token 经由路径参数传递
	r.GET("/chat/ws/:token", wsHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warnf("关闭 Kafka 事件发布器失败: %v", err)
		}
	}

	log.Info("服务已优雅关闭")
}
