package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
	"carechat-go/internal/handlers/chatserver"
	appKafka "carechat-go/internal/kafka"
	appRedis "carechat-go/internal/redis"
	"carechat-go/internal/services"
	"carechat-go/internal/storage"
	"carechat-go/internal/websocket"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	log.Println("Chat 服务器配置加载成功。")

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("无法初始化数据库: %v", err)
	}
	log.Println("Chat 服务器数据库连接成功。")

	// 3. 自动迁移数据库表结构 (通常一个服务实例负责即可)
	if err := storage.AutoMigrateTables(db); err != nil {
		log.Fatalf("无法迁移数据库表: %v", err)
	}
	log.Println("Chat 服务器数据库表迁移成功。")

	// 4. 初始化 Redis (令牌黑名单和额度缓存)
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("无法连接 Redis: %v", err)
	}
	defer redisClient.Close()
	tokenBlacklist := appRedis.NewRedisTokenBlacklist(redisClient)
	creditCache := appRedis.NewCreditCache(redisClient, cfg.Credits.CacheTTL)
	log.Println("Redis 连接成功 (ChatServer)。")

	// 5. 初始化 Kafka Producer
	kfkProducer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建 Kafka 生产者: %v", err)
	}
	defer kfkProducer.Close()
	log.Println("Kafka 生产者初始化成功 (ChatServer)。")

	// 6. 初始化 Repositories 和 Services
	msgRepo := storage.NewGormMessageRepository(db)
	userRepo := storage.NewGormUserRepository(db)
	creditRepo := storage.NewGormCreditRepository(db)

	creditService := services.NewCreditService(creditRepo, creditCache, cfg.Credits)
	messageService := services.NewMessageService(msgRepo, userRepo, creditService, kfkProducer, cfg)
	userService := services.NewUserService(userRepo)

	// 7. 初始化 WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()
	log.Println("WebSocket Hub 已启动。")

	// 8. 初始化 WebSocket Handler
	wsHandler := chatserver.NewWebSocketHandler(hub, messageService, userService, tokenBlacklist, cfg)

	// 9. 初始化 Kafka 消费者 (入站发送请求)
	inboundConsumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建入站 Kafka 消费者: %v", err)
	}
	defer inboundConsumer.Close()

	// 9.1 初始化 Kafka 消费者 (出站推送事件)
	outboundConsumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		log.Fatalf("无法创建出站 Kafka 消费者: %v", err)
	}
	defer outboundConsumer.Close()

	consumerCtx, cancelConsumers := context.WithCancel(context.Background())
	defer cancelConsumers()

	// 9.2 启动入站消费者：推送通道提交的发送请求在这里持久化并触发分发
	go func() {
		log.Printf("Kafka 入站消费者 goroutine 启动，监听 topic: %s", cfg.Kafka.MessagesTopic)
		if err := inboundConsumer.Consume(consumerCtx, []string{cfg.Kafka.MessagesTopic}, cfg.Kafka.ConsumerGroup,
			func(ctx context.Context, kafkaMsg *confluentKafka.Message) error {
				return messageService.ProcessKafkaMessage(ctx, kafkaMsg)
			}); err != nil {
			log.Printf("Kafka 入站消费者错误: %v", err)
		}
		log.Println("Kafka 入站消费者 goroutine 已停止。")
	}()

	// 9.3 启动出站消费者：把事件按 Key (接收者ID) 投递给 Hub
	go func() {
		log.Printf("Kafka 出站消费者 goroutine 启动，监听 topic: %s", cfg.Kafka.WebSocketOutgoingTopic)
		if err := outboundConsumer.Consume(consumerCtx, []string{cfg.Kafka.WebSocketOutgoingTopic}, cfg.Kafka.ConsumerGroup+"-outgoing",
			func(ctx context.Context, kafkaMsg *confluentKafka.Message) error {
				recipientID, err := storage.StrToUint(string(kafkaMsg.Key))
				if err != nil {
					log.Printf("错误: 出站事件的 Key 不是有效的用户ID: %s", string(kafkaMsg.Key))
					return nil // 坏消息不阻塞消费
				}
				var event chattypes.Event
				if err := json.Unmarshal(kafkaMsg.Value, &event); err != nil {
					log.Printf("错误: 无法从 Kafka 反序列化出站事件: %v, 原始值: %s", err, string(kafkaMsg.Value))
					return nil
				}
				hub.DeliverEvent(recipientID, &event)
				return nil
			}); err != nil {
			log.Printf("Kafka 出站消费者错误: %v", err)
		}
		log.Println("Kafka 出站消费者 goroutine 已停止。")
	}()

	// 10. 配置 HTTP 服务器路由
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)

	// 11. 启动 HTTP 服务器
	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        mux,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Printf("Chat HTTP 服务器启动于 %s, WebSocket 路径: %s", serverAddr, cfg.Server.WebSocketPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Chat 服务器启动失败: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Chat 服务器准备关闭...")

	cancelConsumers()
	log.Println("正在等待 Kafka 消费者停止...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Chat 服务器关闭失败: %v", err)
	}
	log.Println("Chat 服务器已优雅关闭。")
}
