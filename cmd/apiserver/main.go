package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
	"carechat-go/internal/handlers/apiserver"
	appKafka "carechat-go/internal/kafka"
	"carechat-go/internal/middleware"
	appRedis "carechat-go/internal/redis"
	"carechat-go/internal/services"
	"carechat-go/internal/storage"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	redisDriver "github.com/redis/go-redis/v9"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("API 服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("API 服务器数据库连接成功。")

	// (可选) 表结构迁移
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Printf("警告：API 服务器数据库表迁移可能失败: %v", err)
	} else {
		log.Println("API 服务器数据库表迁移成功 (如果执行)。")
	}

	// 3. 初始化 Redis Client
	redisClient := redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	_, err = redisClient.Ping(context.Background()).Result()
	if err != nil {
		log.Fatalf("无法连接到 Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("成功连接到 Redis")

	// 4. 初始化 TokenBlacklist 和额度缓存
	tokenBlacklistService := appRedis.NewRedisTokenBlacklist(redisClient)
	creditCache := appRedis.NewCreditCache(redisClient, cfg.Credits.CacheTTL)

	// 5. 初始化 Repositories
	userRepo := storage.NewGormUserRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)
	creditRepo := storage.NewGormCreditRepository(db)

	// 6. 初始化 Kafka Producer
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建 Kafka 生产者: %v", err)
	}
	defer kfkProducer.Close()
	log.Println("Kafka 生产者初始化成功 (API Server)。")

	// 7. 初始化 Services
	creditService := services.NewCreditService(creditRepo, creditCache, cfg.Credits)
	authService := services.NewAuthService(userRepo, creditService, tokenBlacklistService, cfg)
	userService := services.NewUserService(userRepo)
	messageService := services.NewMessageService(msgRepo, userRepo, creditService, kfkProducer, cfg)

	// 7.1 初始化附件存储服务
	var storageService chattypes.StorageService
	storageBaseURL := "/uploads"
	if cfg.Storage.Type == "local" {
		storageService, err = storage.NewLocalStorageService(cfg.Storage, storageBaseURL)
		if err != nil {
			log.Fatalf("无法初始化本地存储服务: %v", err)
		}
		log.Println("本地存储服务初始化成功。")
	} else {
		log.Fatalf("不支持的存储类型: %s", cfg.Storage.Type)
	}

	// 8. 初始化 Handlers
	authHandler := apiserver.NewAuthHandler(authService)
	userHandler := apiserver.NewUserHandler(userService)
	messageHandler := apiserver.NewMessageHandler(messageService)
	creditHandler := apiserver.NewCreditHandler(creditService)
	uploadHandler := apiserver.NewUploadHandler(storageService, cfg.Storage)

	// 9. 设置 HTTP 路由
	r := mux.NewRouter()

	// 9.1 认证路由 (公开)
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", authHandler.Register).Methods(http.MethodPost)
	authRouter.HandleFunc("/login", authHandler.Login).Methods(http.MethodPost)

	authMW := middleware.AuthMiddleware(cfg.Auth.JWTSecretKey, tokenBlacklistService)

	// 9.2 API 子路由 (需要认证)
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(authMW)

	apiRouter.HandleFunc("/auth/logout", authHandler.LogoutHandler).Methods(http.MethodPost)

	// 用户路由
	apiRouter.HandleFunc("/users/me", userHandler.GetProfile).Methods(http.MethodGet)
	apiRouter.HandleFunc("/users/me", userHandler.UpdateProfile).Methods(http.MethodPut)
	apiRouter.HandleFunc("/users/search", userHandler.SearchUsers).Methods(http.MethodGet)
	apiRouter.HandleFunc("/users/{userID:[0-9]+}", userHandler.GetUserInfo).Methods(http.MethodGet)

	// 消息与会话路由
	apiRouter.HandleFunc("/messages", messageHandler.SendMessage).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations", messageHandler.ListConversations).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{partnerID:[0-9]+}/messages", messageHandler.GetConversation).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{partnerID:[0-9]+}/read", messageHandler.MarkConversationRead).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{partnerID:[0-9]+}/typing", messageHandler.Typing).Methods(http.MethodPost)

	// 加急额度路由
	apiRouter.HandleFunc("/credits", creditHandler.GetBalance).Methods(http.MethodGet)
	apiRouter.HandleFunc("/credits/grant", creditHandler.GrantCredits).Methods(http.MethodPost)

	// 附件上传路由
	apiRouter.HandleFunc("/upload", uploadHandler.UploadFileHandler).Methods(http.MethodPost)

	// 9.3 静态文件服务路由 - 用于访问上传的附件
	if cfg.Storage.Type == "local" {
		staticPath := strings.TrimSuffix(storageBaseURL, "/") + "/"
		localDir := http.Dir(cfg.Storage.LocalPath)
		r.PathPrefix(staticPath).Handler(http.StripPrefix(staticPath, http.FileServer(localDir)))
		log.Printf("提供静态文件服务于 %s -> %s", staticPath, cfg.Storage.LocalPath)
	}

	// 10. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)

	// 定义 CORS 选项，从配置中读取
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}
	corsHandler := handlers.CORS(corsOptions...)(r)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Second * 60,
	}

	go func() {
		log.Printf("API 服务器启动于 %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API 服务器启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("收到关闭信号，正在关闭 API 服务器...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("API 服务器强制关闭: %v", err)
	}

	log.Println("API 服务器已成功关闭")
}
