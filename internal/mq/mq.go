// Package mq はメッセージブローカーへの送信を抽象化する。
package mq

import "context"

// Backend はアプリケーションが使用するブローカー非依存の操作。
type Backend interface {
	// Publish は指定チャネルにメッセージを送信し、メッセージIDを返す。
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Close() error
}

// MQ はバックエンドを安定したAPIで包む。
type MQ struct {
	backend Backend
}

// New は指定バックエンドのMQを生成する。
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Publish は指定チャネルにメッセージを送信する。
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Close はバックエンドを閉じる。
func (m *MQ) Close() error {
	return m.backend.Close()
}
