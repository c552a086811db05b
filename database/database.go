package database

import (
	"context"
	"time"

	"discord-archiver/models"
)

// RecordStore 是单个存储后端的频道/消息读写原语。
// 本地 SQLite 与远程 SurrealDB 副本各自实现该接口。
//
// UpsertMessages 在单个后端内是原子的；冲突时只覆盖可变字段
// (content、edited_timestamp、pinned、attachments、embeds、stickers、reactions)。
type RecordStore interface {
	// Name 返回后端名称，用于日志
	Name() string

	UpsertChannel(ctx context.Context, ch models.Channel) error
	UpsertMessages(ctx context.Context, msgs []models.Message) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	// DeleteMessagesInRange 删除 [start, end) 区间内的消息并返回删除条数
	DeleteMessagesInRange(ctx context.Context, channelID string, start, end time.Time) (int64, error)
	// SetBackfillCursor 写入回填游标；已完成的游标不会被改回消息 ID
	SetBackfillCursor(ctx context.Context, channelID string, cursor models.Cursor) error

	GetBackfillCursor(ctx context.Context, channelID string) (models.Cursor, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	// OldestMessageID 返回已持久化的最旧消息 ID，没有消息时返回空字符串
	OldestMessageID(ctx context.Context, channelID string) (string, error)
	// LatestMessageTimestamp 返回最新消息时间，ok=false 表示没有消息
	LatestMessageTimestamp(ctx context.Context, channelID string) (ts time.Time, ok bool, err error)
	// MessagesInRange 返回 [start, end) 区间内的消息，按时间升序
	MessagesInRange(ctx context.Context, channelID string, start, end time.Time) ([]models.Message, error)
	// RecentMessages 返回最新的 limit 条消息，按时间升序
	RecentMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error)
	// ChannelsActiveSince 返回在 since 之后(严格大于)有消息的频道 ID
	ChannelsActiveSince(ctx context.Context, since time.Time) ([]string, error)
	// ChannelsWithMessages 返回至少有一条消息的频道 ID
	ChannelsWithMessages(ctx context.Context) ([]string, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	ChannelStats(ctx context.Context, channelID string) (models.ChannelStats, error)
	TotalStats(ctx context.Context) (models.TotalStats, error)

	Close() error
}
