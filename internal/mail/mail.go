// Package mail はメール送信サービスへの依頼を提供する。
// 本文の組み立てと実際の配送は外部のメール送信サービスが担当し、
// ここでは宛先・テンプレートID・テンプレートデータのみを渡す。
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// テンプレートID
const (
	TemplateEmailVerification = "email_verification"
	TemplatePasswordReset     = "password_reset"
	TemplatePasswordChanged   = "password_changed"
)

// Dispatcher はメール送信依頼のインターフェース。
type Dispatcher interface {
	Send(ctx context.Context, to, templateID string, data map[string]string) error
}

// Envelope はキューに送信するメール依頼のペイロード。
type Envelope struct {
	To         string            `json:"to"`
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data,omitempty"`
}

// Publisher はメッセージキューへの送信インターフェース。mq.MQ が満たす。
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// QueueDispatcher はメール依頼をメッセージキューに送信する。
type QueueDispatcher struct {
	publisher Publisher
	channel   string
}

// NewQueueDispatcher はQueueDispatcherを生成する。
func NewQueueDispatcher(publisher Publisher, channel string) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher, channel: channel}
}

// Send はメール依頼をJSONにしてキューに送信する。
func (d *QueueDispatcher) Send(ctx context.Context, to, templateID string, data map[string]string) error {
	body, err := json.Marshal(Envelope{To: to, TemplateID: templateID, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode mail envelope: %w", err)
	}

	id, err := d.publisher.Publish(ctx, d.channel, body, map[string]string{"template_id": templateID})
	if err != nil {
		return fmt.Errorf("failed to publish mail %s: %w", templateID, err)
	}

	slog.Info("mail queued",
		slog.String("template_id", templateID),
		slog.String("message_id", id),
	)
	return nil
}

// LogDispatcher はメール依頼をログに出力するだけの開発用実装。
type LogDispatcher struct{}

// Send はメール依頼をログに出力する。宛先はマスクする。
func (LogDispatcher) Send(_ context.Context, to, templateID string, data map[string]string) error {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slog.Info("mail dispatch (log backend)",
		slog.String("to", MaskAddress(to)),
		slog.String("template_id", templateID),
		slog.Any("data_keys", keys),
	)
	return nil
}

// MaskAddress はログ出力用にメールアドレスのローカル部を伏せる。
func MaskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

// compile-time interface check
var (
	_ Dispatcher = (*QueueDispatcher)(nil)
	_ Dispatcher = LogDispatcher{}
)
