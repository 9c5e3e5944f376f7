package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"carechat-go/internal/chattypes"
	"carechat-go/internal/config"
	"carechat-go/internal/models"
	"carechat-go/internal/storage"

	appKafka "carechat-go/internal/kafka"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"gorm.io/gorm"
)

var (
	ErrInvalidMessage = errors.New("消息内容无效")
	ErrRecipientGone  = errors.New("接收者不存在")
	// ErrClientRefTaken 表示该关联令牌已被另一个发送者占用。
	ErrClientRefTaken = errors.New("客户端关联令牌已被占用")
)

// inboundSend 是推送通道提交的发送请求在 Kafka messages topic 上的格式。
type inboundSend struct {
	SenderID uint                  `json:"senderId"`
	Request  chattypes.SendRequest `json:"request"`
}

// ConversationSummary 是会话列表的一项：对端信息加未读统计。
type ConversationSummary struct {
	Partner      models.UserBasicInfo `json:"partner"`
	UnreadCount  int64                `json:"unreadCount"`
	LastMessage  *chattypes.Message   `json:"lastMessage,omitempty"`
	HasUrgent    bool                 `json:"hasUrgentUnread"`
	LastActivity time.Time            `json:"lastActivity"`
}

// MessageService 定义了消息收发的服务接口。
type MessageService interface {
	// SendMessage 校验、持久化并确认一条消息。按 ClientRef 幂等：
	// 重放的请求返回第一次确认的那条消息，不重复扣减加急额度。
	// 确认成功后事件会经由 websocket-outgoing topic 推送给接收者。
	SendMessage(ctx context.Context, senderID uint, req *chattypes.SendRequest) (*chattypes.Message, error)

	// EnqueueInbound 将推送通道上提交的发送请求投递到 messages topic，
	// 由消费端调用 ProcessKafkaMessage 完成持久化和分发。
	EnqueueInbound(ctx context.Context, senderID uint, req *chattypes.SendRequest) error

	// ProcessKafkaMessage 作为 messages topic 的消费者回调。
	ProcessKafkaMessage(ctx context.Context, kafkaMsg *confluentKafka.Message) error

	// GetConversation 返回调用者与对端之间的消息，按 (sent_at, id) 升序。
	GetConversation(ctx context.Context, userID, partnerID uint, limit, offset int) ([]*chattypes.Message, error)

	// MarkConversationRead 将对端发给调用者的所有未读消息置为已读（幂等），
	// 并在确有消息被翻转时向对端推送已读回执事件。
	MarkConversationRead(ctx context.Context, readerID, partnerID uint) (int64, error)

	// ListConversations 返回调用者的会话列表，按最近一条消息时间倒序。
	ListConversations(ctx context.Context, userID uint) ([]ConversationSummary, error)

	// RelayTyping 将打字信号转发给接收者。信号从不落库。
	RelayTyping(ctx context.Context, senderID uint, isTyping bool, recipientID uint) error

	// HandleClientEvent 分发推送通道上收到的入站事件帧。
	HandleClientEvent(ctx context.Context, senderID uint, event *chattypes.Event) error
}

// messageService 是 MessageService 的实现。
type messageService struct {
	msgRepo  storage.MessageRepository
	userRepo storage.UserRepository
	credits  CreditService
	producer appKafka.MessageProducer
	cfg      config.Config
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(msgRepo storage.MessageRepository, userRepo storage.UserRepository, credits CreditService, producer appKafka.MessageProducer, cfg config.Config) MessageService {
	return &messageService{
		msgRepo:  msgRepo,
		userRepo: userRepo,
		credits:  credits,
		producer: producer,
		cfg:      cfg,
	}
}

// validateSend 检查发送请求的结构约束。
func (s *messageService) validateSend(senderID uint, req *chattypes.SendRequest) (recipientID uint, err error) {
	if req.ClientRef == "" {
		return 0, fmt.Errorf("%w: 缺少 clientRef", ErrInvalidMessage)
	}
	if req.Text == "" && req.Attachment == nil {
		return 0, fmt.Errorf("%w: 正文与附件不能同时为空", ErrInvalidMessage)
	}
	recipientID, convErr := storage.StrToUint(req.RecipientID)
	if convErr != nil {
		return 0, fmt.Errorf("%w: 接收者ID '%s' 无效", ErrInvalidMessage, req.RecipientID)
	}
	if recipientID == senderID {
		return 0, fmt.Errorf("%w: 不能给自己发送消息", ErrInvalidMessage)
	}
	return recipientID, nil
}

// SendMessage 处理一条发送请求：幂等检查 → 加急额度扣减 → 持久化 → 分发。
func (s *messageService) SendMessage(ctx context.Context, senderID uint, req *chattypes.SendRequest) (*chattypes.Message, error) {
	recipientID, err := s.validateSend(senderID, req)
	if err != nil {
		return nil, err
	}

	// 重放路径：同一个 clientRef 的请求返回第一次确认的消息。
	existing, err := s.msgRepo.GetByClientRef(ctx, req.ClientRef)
	if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
		return nil, fmt.Errorf("检查关联令牌失败: %w", err)
	}
	if existing != nil {
		if existing.SenderID != senderID {
			return nil, ErrClientRefTaken
		}
		return existing.ToEnvelope(), nil
	}

	sender, err := s.userRepo.GetByID(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("查找发送者 %d 失败: %w", senderID, err)
	}
	if _, err := s.userRepo.GetByID(ctx, recipientID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecipientGone
		}
		return nil, fmt.Errorf("查找接收者 %d 失败: %w", recipientID, err)
	}

	// 加急消息先扣额度再分发；扣减失败则整个发送被拒绝。
	// 只有患者持有额度账户，医生发送加急消息不扣减。
	creditSpent := false
	if req.IsUrgent && sender.Role == models.PatientRole {
		if _, err := s.credits.SpendCredit(ctx, senderID); err != nil {
			if errors.Is(err, storage.ErrInsufficientCredit) {
				return nil, storage.ErrInsufficientCredit
			}
			return nil, fmt.Errorf("扣减加急额度失败: %w", err)
		}
		creditSpent = true
	}

	sentAt := req.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	dbMessage := &models.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		ClientRef:   req.ClientRef,
		Text:        req.Text,
		IsUrgent:    req.IsUrgent,
		SentAt:      sentAt,
	}
	if att := req.Attachment; att != nil {
		dbMessage.FileURL = att.FileURL
		dbMessage.FileName = att.FileName
		dbMessage.FileType = string(att.FileType)
		dbMessage.FileSize = att.FileSize
		dbMessage.MimeType = att.MimeType
		if att.FileType == chattypes.AudioFileType {
			dbMessage.AudioURL = att.FileURL
		}
	}

	created, err := s.msgRepo.Create(ctx, dbMessage)
	if err != nil {
		// 持久化失败时退还已扣减的额度，避免额度凭空消失。
		if creditSpent {
			if _, grantErr := s.credits.GrantCredits(ctx, senderID, 1); grantErr != nil {
				log.Printf("错误: 退还患者 %d 加急额度失败: %v", senderID, grantErr)
			}
		}
		return nil, fmt.Errorf("存储消息到数据库失败: %w", err)
	}
	if !created {
		// 并发重放：另一条同 clientRef 的请求抢先落库。退还额度并返回已有记录。
		if creditSpent {
			if _, grantErr := s.credits.GrantCredits(ctx, senderID, 1); grantErr != nil {
				log.Printf("错误: 退还患者 %d 加急额度失败: %v", senderID, grantErr)
			}
		}
		if dbMessage.SenderID != senderID {
			return nil, ErrClientRefTaken
		}
		return dbMessage.ToEnvelope(), nil
	}

	envelope := dbMessage.ToEnvelope()
	s.fanOutMessage(ctx, recipientID, envelope)
	return envelope, nil
}

// fanOutMessage 将确认后的消息事件推到 websocket-outgoing topic。
// 分发失败不回滚发送：消息已持久化，接收者可在下次拉取会话时补齐。
func (s *messageService) fanOutMessage(ctx context.Context, recipientID uint, envelope *chattypes.Message) {
	event, err := chattypes.NewEvent(chattypes.MessageEventType, envelope)
	if err != nil {
		log.Printf("序列化出站消息事件失败: %v", err)
		return
	}
	s.publishEvent(ctx, recipientID, event)
}

// publishEvent 以接收者ID为 Key 将事件发布到 websocket-outgoing topic。
func (s *messageService) publishEvent(ctx context.Context, recipientID uint, event *chattypes.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("序列化出站事件失败: %v", err)
		return
	}
	key := []byte(strconv.FormatUint(uint64(recipientID), 10))
	if err := s.producer.SendMessage(ctx, s.cfg.Kafka.WebSocketOutgoingTopic, key, payload); err != nil {
		log.Printf("发送事件到 WebSocketOutgoingTopic 失败: %v", err)
	}
}

// EnqueueInbound 将推送通道提交的发送请求投递到 messages topic。
func (s *messageService) EnqueueInbound(ctx context.Context, senderID uint, req *chattypes.SendRequest) error {
	if _, err := s.validateSend(senderID, req); err != nil {
		return err
	}
	payload, err := json.Marshal(inboundSend{SenderID: senderID, Request: *req})
	if err != nil {
		return fmt.Errorf("序列化发送请求失败: %w", err)
	}
	key := []byte(strconv.FormatUint(uint64(senderID), 10))
	if err := s.producer.SendMessage(ctx, s.cfg.Kafka.MessagesTopic, key, payload); err != nil {
		return fmt.Errorf("发送消息到 Kafka 失败: %w", err)
	}
	return nil
}

// ProcessKafkaMessage 处理从 messages topic 消费到的发送请求。
func (s *messageService) ProcessKafkaMessage(ctx context.Context, kafkaMsg *confluentKafka.Message) error {
	var inbound inboundSend
	if err := json.Unmarshal(kafkaMsg.Value, &inbound); err != nil {
		return fmt.Errorf("从 Kafka 反序列化发送请求失败: %w, 原始消息: %s", err, string(kafkaMsg.Value))
	}

	_, err := s.SendMessage(ctx, inbound.SenderID, &inbound.Request)
	if err != nil {
		// 校验类错误直接丢弃，不触发消费重试；其余错误向上抛出。
		if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrRecipientGone) ||
			errors.Is(err, ErrClientRefTaken) || errors.Is(err, storage.ErrInsufficientCredit) {
			log.Printf("丢弃无法处理的发送请求 (发送者 %d, clientRef %s): %v", inbound.SenderID, inbound.Request.ClientRef, err)
			return nil
		}
		return err
	}
	return nil
}

// GetConversation 返回两名参与者之间的消息。
func (s *messageService) GetConversation(ctx context.Context, userID, partnerID uint, limit, offset int) ([]*chattypes.Message, error) {
	rows, err := s.msgRepo.GetConversation(ctx, userID, partnerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("读取会话消息失败: %w", err)
	}
	envelopes := make([]*chattypes.Message, 0, len(rows))
	for _, row := range rows {
		envelopes = append(envelopes, row.ToEnvelope())
	}
	return envelopes, nil
}

// MarkConversationRead 批量置已读，并在有消息翻转时向对端推送回执。
func (s *messageService) MarkConversationRead(ctx context.Context, readerID, partnerID uint) (int64, error) {
	flipped, err := s.msgRepo.MarkConversationRead(ctx, readerID, partnerID)
	if err != nil {
		return 0, fmt.Errorf("标记会话已读失败: %w", err)
	}
	if flipped > 0 {
		readEvent := &chattypes.ReadEvent{
			ReaderID:  strconv.FormatUint(uint64(readerID), 10),
			PartnerID: strconv.FormatUint(uint64(partnerID), 10),
		}
		event, err := chattypes.NewEvent(chattypes.ReadEventType, readEvent)
		if err != nil {
			log.Printf("序列化已读回执事件失败: %v", err)
			return flipped, nil
		}
		s.publishEvent(ctx, partnerID, event)
	}
	return flipped, nil
}

// ListConversations 组装会话列表：对端信息、未读数、最近一条消息。
func (s *messageService) ListConversations(ctx context.Context, userID uint) ([]ConversationSummary, error) {
	partnerIDs, err := s.msgRepo.ListPartnerIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("读取会话对端列表失败: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(partnerIDs))
	for _, partnerID := range partnerIDs {
		info, err := s.userRepo.GetBasicInfoByID(ctx, partnerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue // 对端账号已删除，跳过该会话
			}
			return nil, fmt.Errorf("读取对端 %d 信息失败: %w", partnerID, err)
		}

		// 只取最近一条消息用于预览
		rows, err := s.msgRepo.GetConversation(ctx, userID, partnerID, 1, 0)
		if err != nil {
			return nil, fmt.Errorf("读取会话 %d 预览失败: %w", partnerID, err)
		}

		summary := ConversationSummary{Partner: *info}
		if len(rows) > 0 {
			last := rows[len(rows)-1]
			summary.LastMessage = last.ToEnvelope()
			summary.LastActivity = last.SentAt
		}

		unread, hasUrgent, err := s.countUnread(ctx, userID, partnerID)
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = unread
		summary.HasUrgent = hasUrgent
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// countUnread 统计对端发给调用者的未读消息数及其中是否含加急消息。
func (s *messageService) countUnread(ctx context.Context, userID, partnerID uint) (int64, bool, error) {
	db := s.userRepo.GetDB()
	var unread int64
	err := db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND recipient_id = ? AND is_read = ?", partnerID, userID, false).
		Count(&unread).Error
	if err != nil {
		return 0, false, fmt.Errorf("统计未读消息失败: %w", err)
	}
	if unread == 0 {
		return 0, false, nil
	}
	var urgent int64
	err = db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND recipient_id = ? AND is_read = ? AND is_urgent = ?", partnerID, userID, false, true).
		Count(&urgent).Error
	if err != nil {
		return 0, false, fmt.Errorf("统计加急未读消息失败: %w", err)
	}
	return unread, urgent > 0, nil
}

// RelayTyping 将打字信号转发到接收者的推送通道。
func (s *messageService) RelayTyping(ctx context.Context, senderID uint, isTyping bool, recipientID uint) error {
	typingEvent := &chattypes.TypingEvent{
		SenderID:    strconv.FormatUint(uint64(senderID), 10),
		RecipientID: strconv.FormatUint(uint64(recipientID), 10),
		IsTyping:    isTyping,
	}
	event, err := chattypes.NewEvent(chattypes.TypingEventType, typingEvent)
	if err != nil {
		return fmt.Errorf("序列化打字事件失败: %w", err)
	}
	s.publishEvent(ctx, recipientID, event)
	return nil
}

// HandleClientEvent 分发推送通道上收到的入站事件帧。
// SenderID 永远取认证身份，不信任帧内声明的值。
func (s *messageService) HandleClientEvent(ctx context.Context, senderID uint, event *chattypes.Event) error {
	switch event.Type {
	case chattypes.MessageEventType:
		msg, err := event.DecodeMessage()
		if err != nil {
			return fmt.Errorf("解析消息帧失败: %w", err)
		}
		req := &chattypes.SendRequest{
			ClientRef:   msg.ClientRef,
			RecipientID: msg.RecipientID,
			Text:        msg.Text,
			IsUrgent:    msg.IsUrgent,
			SentAt:      msg.Timestamp,
		}
		if msg.HasAttachment() {
			req.Attachment = &chattypes.AttachmentRef{
				FileURL:  msg.FileURL,
				FileName: msg.FileName,
				FileType: msg.FileType,
				FileSize: msg.FileSize,
				MimeType: msg.MimeType,
			}
		}
		return s.EnqueueInbound(ctx, senderID, req)

	case chattypes.TypingEventType:
		typing, err := event.DecodeTyping()
		if err != nil {
			return fmt.Errorf("解析打字帧失败: %w", err)
		}
		recipientID, err := storage.StrToUint(typing.RecipientID)
		if err != nil {
			return fmt.Errorf("打字帧接收者ID '%s' 无效: %w", typing.RecipientID, err)
		}
		return s.RelayTyping(ctx, senderID, typing.IsTyping, recipientID)

	case chattypes.ReadEventType:
		read, err := event.DecodeRead()
		if err != nil {
			return fmt.Errorf("解析已读帧失败: %w", err)
		}
		partnerID, err := storage.StrToUint(read.PartnerID)
		if err != nil {
			return fmt.Errorf("已读帧对端ID '%s' 无效: %w", read.PartnerID, err)
		}
		_, err = s.MarkConversationRead(ctx, senderID, partnerID)
		return err

	default:
		return fmt.Errorf("未知的事件类型: %s", event.Type)
	}
}
