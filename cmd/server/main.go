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

	"qubex-copilot-go/internal/config"
	"qubex-copilot-go/internal/handler"
	"qubex-copilot-go/internal/middleware"
	"qubex-copilot-go/internal/pipeline"
	"qubex-copilot-go/internal/repository"
	"qubex-copilot-go/internal/service"
	"qubex-copilot-go/pkg/copilot"
	"qubex-copilot-go/pkg/database"
	"qubex-copilot-go/pkg/es"
	"qubex-copilot-go/pkg/kafka"
	"qubex-copilot-go/pkg/log"
	"qubex-copilot-go/pkg/storage"
	"qubex-copilot-go/pkg/token"

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

	// 3. 初始化数据库、Redis、对象存储与 Elasticsearch
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	sessionRepository := repository.NewSessionRepository(database.RDB, cfg.Chat.MaxSessions)
	projectRepository := repository.NewProjectRepository(database.DB)
	commentRepository := repository.NewCommentRepository(database.DB)
	attachmentRepository := repository.NewAttachmentRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	copilotClient := copilot.NewClient(cfg.Copilot)
	userService := service.NewUserService(userRepository, jwtManager)
	sessionService := service.NewSessionService(sessionRepository)
	attachmentService := service.NewAttachmentService(attachmentRepository, cfg.MinIO)
	projectService := service.NewProjectService(projectRepository, commentRepository)
	transcriptService := service.NewTranscriptService(es.ESClient, cfg.Elasticsearch)
	adminService := service.NewAdminService(userRepository, sessionService)
	chatService := service.NewChatService(copilotClient, sessionService, attachmentService, kafka.ProduceIndexTask, cfg.Chat.HistoryLimit)

	// 6. 启动后台 Kafka 消费者：把新增聊天消息异步写入 Elasticsearch
	indexer := pipeline.NewIndexer(cfg.Elasticsearch)
	go kafka.StartConsumer(cfg.Kafka, indexer)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	userHandler := handler.NewUserHandler(userService)
	sessionHandler := handler.NewSessionHandler(sessionService, chatService)
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager)
	transcriptHandler := handler.NewTranscriptHandler(transcriptService)
	projectHandler := handler.NewProjectHandler(projectService)
	attachmentHandler := handler.NewAttachmentHandler(attachmentService)
	adminHandler := handler.NewAdminHandler(adminService)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(userService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// Session 路由组：会话生命周期管理
		sessions := apiV1.Group("/sessions")
		sessions.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			sessions.GET("", sessionHandler.List)
			sessions.POST("", sessionHandler.Create)
			sessions.POST("/open", sessionHandler.Open)
			sessions.PUT("/:id/activate", sessionHandler.Activate)
			sessions.PUT("/:id/title", sessionHandler.Rename)
			sessions.DELETE("/:id", sessionHandler.Delete)
			sessions.POST("/:id/clear", sessionHandler.Clear)
		}

		// Transcript 路由组：聊天记录全文检索
		transcripts := apiV1.Group("/transcripts")
		transcripts.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			transcripts.GET("/search", transcriptHandler.Search)
		}

		// Project 路由组：项目与执行备注
		projects := apiV1.Group("/projects")
		projects.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			projects.GET("", projectHandler.List)
			projects.POST("", projectHandler.Create)
			projects.PUT("/:id", projectHandler.Update)
			projects.DELETE("/:id", projectHandler.Delete)
		}
		comments := apiV1.Group("/comments")
		comments.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			comments.GET("", projectHandler.ListComments)
			comments.POST("", projectHandler.AddComment)
			comments.PUT("/:id", projectHandler.UpdateComment)
			comments.DELETE("/:id", projectHandler.DeleteComment)
		}

		// Attachment 路由组：聊天图像附件
		attachments := apiV1.Group("/attachments")
		attachments.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			attachments.POST("", attachmentHandler.Upload)
			attachments.GET("", attachmentHandler.ListBySession)
			attachments.GET("/:id/url", attachmentHandler.GetDownloadURL)
		}

		// Chat 路由 (WebSocket)
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
		}
		r.GET("/chat/:token", chatHandler.Handle)

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(middleware.AuthMiddleware(jwtManager, userService), middleware.AdminAuthMiddleware())
		{
			admin.GET("/users/list", adminHandler.ListUsers)
			admin.GET("/users/:id/sessions", adminHandler.GetUserSessions)
			admin.GET("/transcripts", adminHandler.GetTranscripts)
		}
	}

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

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// Kafka 消费者是一个循环，会在程序退出时自然结束。
	log.Info("服务已优雅关闭")
}
