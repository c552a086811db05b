// Package source 定义归档引擎所依赖的聊天平台能力。
package source

import (
	"context"

	"discord-archiver/models"
)

// MessageHandler 接收新建或编辑后的消息
type MessageHandler func(msg models.Message)

// DeleteHandler 接收被删除的消息
type DeleteHandler func(channelID, messageID string)

// ChannelHandler 接收新出现的可归档频道 (新建频道或子区)
type ChannelHandler func(ch models.Channel)

// Source 是平台客户端的抽象。GetMessages 与 GetMessagesBefore 均按时间从新到旧返回。
type Source interface {
	// Platform 返回平台名称，用作缓存键的一部分
	Platform() string

	GetChannels(ctx context.Context) ([]models.Channel, error)
	GetChannel(ctx context.Context, channelID string) (models.Channel, error)
	GetMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error)
	GetMessagesBefore(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error)

	OnMessage(h MessageHandler)
	OnMessageUpdate(h MessageHandler)
	OnMessageDelete(h DeleteHandler)
	OnChannelCreate(h ChannelHandler)

	Connect(ctx context.Context) error
	Disconnect() error
}
