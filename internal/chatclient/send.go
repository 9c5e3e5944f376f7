package chatclient

import (
	"context"
	"fmt"
	"log"
	"time"

	"carechat-go/internal/chattypes"

	"github.com/google/uuid"
)

// Send 发起一次乐观发送：同步构造临时消息并立即写入 store，
// 网络往返在后台完成，成功后用权威副本对账，失败则标记 failed。
//
// 返回的是临时条目的快照，clientRef 已填好；加急发送在额度不足时
// 不触网、不写 store，直接返回 ErrCreditExhausted。
func (s *Service) Send(partnerID, text string, isUrgent bool) (*MessageView, error) {
	return s.send(partnerID, text, nil, isUrgent)
}

// SendAttachment sends a file or audio message. The attachment must already
// be uploaded: a provisional entry is only created once a URL exists, so the
// timeline never shows a message that cannot render.
func (s *Service) SendAttachment(partnerID string, attachment *chattypes.AttachmentRef, text string, isUrgent bool) (*MessageView, error) {
	if attachment == nil || attachment.FileURL == "" {
		return nil, fmt.Errorf("附件缺少URL，上传完成后才能发送")
	}
	return s.send(partnerID, text, attachment, isUrgent)
}

func (s *Service) send(partnerID, text string, attachment *chattypes.AttachmentRef, isUrgent bool) (*MessageView, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("缺少会话对端")
	}
	if text == "" && attachment == nil {
		return nil, fmt.Errorf("正文与附件不能同时为空")
	}

	clientRef := uuid.NewString()
	now := time.Now()
	provisional := &chattypes.Message{
		ID:          "local-" + clientRef,
		ClientRef:   clientRef,
		SenderID:    s.userID,
		RecipientID: partnerID,
		Timestamp:   now,
		Text:        text,
		IsUrgent:    isUrgent,
	}
	if attachment != nil {
		provisional.FileURL = attachment.FileURL
		provisional.FileName = attachment.FileName
		provisional.FileType = attachment.FileType
		provisional.FileSize = attachment.FileSize
		provisional.MimeType = attachment.MimeType
		if attachment.FileType == chattypes.AudioFileType {
			provisional.AudioURL = attachment.FileURL
		}
	}

	// 额度预扣和临时条目写入在同一次持锁中完成：对观察者而言，
	// “余额减一 + 出现 pending 消息”是一个原子变更。
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var reservation Reservation
	reserved := false
	if isUrgent {
		var err error
		reservation, err = s.gate.Reserve()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		reserved = true
	}
	s.store.IngestProvisional(provisional)
	balance := s.gate.Balance()
	s.mu.Unlock()

	view := &MessageView{Message: *provisional, Pending: true}
	s.notify(Notification{Kind: MessageNotification, PartnerID: partnerID, Message: view})
	if reserved {
		s.notify(Notification{Kind: CreditNotification, Balance: balance})
	}

	req := &chattypes.SendRequest{
		ClientRef:   clientRef,
		RecipientID: partnerID,
		Text:        text,
		Attachment:  attachment,
		IsUrgent:    isUrgent,
		SentAt:      now,
	}
	// 后台提交挂在独立上下文上：关闭会话视图不取消在途发送，
	// 重新打开时看到的是最终状态而不是永远 pending 的幽灵消息。
	go s.submit(partnerID, clientRef, req, reservation, reserved)

	return view, nil
}

// submit performs the backend write and reconciles the provisional entry.
func (s *Service) submit(partnerID, clientRef string, req *chattypes.SendRequest, reservation Reservation, reserved bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
	defer cancel()

	confirmed, err := s.backend.SendMessage(ctx, req)
	if err != nil {
		s.mu.Lock()
		s.store.MarkFailed(clientRef)
		if reserved {
			s.gate.Rollback(reservation)
		}
		balance := s.gate.Balance()
		s.mu.Unlock()

		log.Printf("发送消息失败 (clientRef %s): %v", clientRef, err)
		s.notify(Notification{
			Kind:      SendFailedNotification,
			PartnerID: partnerID,
			Err:       fmt.Errorf("%w: %v", ErrSendFailed, err),
		})
		if reserved {
			s.notify(Notification{Kind: CreditNotification, Balance: balance})
		}
		return
	}

	s.mu.Lock()
	s.store.Reconcile(clientRef, confirmed)
	if reserved {
		s.gate.Commit(reservation)
	}
	var view *MessageView
	if e, ok := s.store.byID[confirmed.ID]; ok {
		view = &MessageView{Message: e.msg, Pending: e.pending, Failed: e.failed}
	}
	s.mu.Unlock()

	s.notify(Notification{Kind: MessageNotification, PartnerID: partnerID, Message: view})
}

// AbandonFailedSend drops a failed provisional entry from the timeline after
// the user dismisses the retry affordance.
func (s *Service) AbandonFailedSend(clientRef string) bool {
	s.mu.Lock()
	var partnerID string
	if e, ok := s.store.byRef[clientRef]; ok {
		partnerID = e.msg.PartnerOf(s.userID)
	}
	removed := s.store.RemoveProvisional(clientRef)
	s.mu.Unlock()
	if removed {
		s.notify(Notification{Kind: MessageNotification, PartnerID: partnerID})
	}
	return removed
}
