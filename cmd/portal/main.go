package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"carechat-go/internal/chatclient"
	"carechat-go/internal/config"
)

// 门户的命令行入口：登录后连接消息核心，把收到的事件打印出来，
// 并从标准输入读取要发送的消息。UI 层只是消息核心的一个观察者。

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID uint `json:"id"`
	} `json:"user"`
}

func login(cfg config.ClientConfig, username, password string) (*loginResponse, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(cfg.BackendBaseURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("登录请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("登录被拒绝: %s", resp.Status)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("解析登录响应失败: %w", err)
	}
	return &out, nil
}

func main() {
	username := flag.String("user", "", "登录用户名")
	password := flag.String("pass", "", "登录密码")
	partner := flag.String("partner", "", "会话对端的用户ID")
	urgent := flag.Bool("urgent", false, "以加急方式发送")
	flag.Parse()

	if *username == "" || *password == "" || *partner == "" {
		log.Fatal("用法: portal -user <用户名> -pass <密码> -partner <对端ID> [-urgent]")
	}

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	session, err := login(cfg.Client, *username, *password)
	if err != nil {
		log.Fatalf("登录失败: %v", err)
	}
	userID := fmt.Sprintf("%d", session.User.ID)
	log.Printf("登录成功，用户ID %s", userID)

	svc := chatclient.NewService(cfg.Client, userID, session.Token, 0)
	defer svc.Close()

	unsubscribe := svc.Subscribe(func(n chatclient.Notification) {
		switch n.Kind {
		case chatclient.MessageNotification:
			if n.Message != nil {
				marker := ""
				if n.Message.Pending {
					marker = " (发送中)"
				}
				if n.Message.Failed {
					marker = " (发送失败)"
				}
				fmt.Printf("[%s] %s: %s%s\n", n.Message.Timestamp.Format("15:04:05"), n.Message.SenderID, n.Message.Text, marker)
			}
		case chatclient.TypingNotification:
			if n.IsTyping {
				fmt.Printf("-- %s 正在输入 --\n", n.PartnerID)
			}
		case chatclient.ReadNotification:
			fmt.Printf("-- %s 已读 --\n", n.PartnerID)
		case chatclient.CreditNotification:
			fmt.Printf("-- 加急额度余额: %d --\n", n.Balance)
		case chatclient.ConnectivityNotification:
			fmt.Printf("-- 连接状态: %s --\n", n.ConnState)
		case chatclient.SendFailedNotification:
			fmt.Printf("-- 发送失败: %v --\n", n.Err)
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Connect(ctx)

	if err := svc.LoadConversation(ctx, *partner, 50, 0); err != nil {
		log.Printf("警告: 拉取历史消息失败: %v", err)
	}
	for _, msg := range svc.ConversationMessages(*partner) {
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.SenderID, msg.Text)
	}
	svc.MarkConversationRead(*partner)

	// 从标准输入读取并发送
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if *urgent && svc.IsLastCredit() {
				fmt.Println("-- 注意: 这是最后一个加急额度 --")
			}
			if _, err := svc.Send(*partner, text, *urgent); err != nil {
				fmt.Printf("-- 无法发送: %v --\n", err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("门户客户端退出。")
}
