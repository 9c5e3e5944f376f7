package chatclient

import "errors"

var (
	// ErrCreditExhausted is returned before any network I/O when an urgent
	// send is attempted with a zero local credit balance.
	ErrCreditExhausted = errors.New("加急额度已用尽")

	// ErrSendFailed wraps a backend rejection or timeout of a message write.
	// The provisional entry is flagged as failed, never left pending forever.
	ErrSendFailed = errors.New("消息发送失败")

	// ErrNotConnected is reported through the connectivity signal, never as a
	// blocking error on a send: optimistic sends still mutate the local store.
	ErrNotConnected = errors.New("推送通道未连接")

	// ErrClosed is returned by operations on a service that has been shut down.
	ErrClosed = errors.New("消息核心已关闭")
)
