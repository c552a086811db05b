package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"discord-archiver/cache"
	"discord-archiver/database"
	"discord-archiver/models"
	"discord-archiver/source"
	"discord-archiver/utils"
)

// Archive 是实时写入所需的双写能力，由 database.DualWriter 实现
type Archive interface {
	SaveChannels(ctx context.Context, channels ...models.Channel) error
	EnsureChannel(ctx context.Context, channelID string, lookup database.ChannelLookup) (bool, error)
	SaveMessages(ctx context.Context, msgs []models.Message) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

var _ Archive = (*database.DualWriter)(nil)

// 单个事件的处理超时
const eventTimeout = 30 * time.Second

// Ingestor 将平台的实时新建/编辑/删除事件写入双写存储与读缓存。
// 处理器只记录成功或失败，从不向上抛出，单个坏事件不会中断订阅。
type Ingestor struct {
	archive Archive
	cache   *cache.ReadCache
	src     source.Source
	logger  *utils.Logger
	allowed func(channelID string) bool
}

// NewIngestor allowed 为 nil 时接受所有频道
func NewIngestor(archive Archive, readCache *cache.ReadCache, src source.Source, logger *utils.Logger, allowed func(string) bool) *Ingestor {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Ingestor{archive: archive, cache: readCache, src: src, logger: logger, allowed: allowed}
}

// Register 订阅 src 的消息事件与频道创建事件
func (in *Ingestor) Register() {
	in.src.OnMessage(func(m models.Message) { in.HandleCreate(context.Background(), m) })
	in.src.OnMessageUpdate(func(m models.Message) { in.HandleUpdate(context.Background(), m) })
	in.src.OnMessageDelete(func(channelID, messageID string) {
		in.HandleDelete(context.Background(), channelID, messageID)
	})
	in.src.OnChannelCreate(func(ch models.Channel) { in.HandleChannelCreate(context.Background(), ch) })
}

// HandleCreate 处理新消息
func (in *Ingestor) HandleCreate(ctx context.Context, m models.Message) {
	in.upsert(ctx, "MessageCreate", m)
}

// HandleUpdate 处理消息编辑；存储层只覆盖可变字段
func (in *Ingestor) HandleUpdate(ctx context.Context, m models.Message) {
	in.upsert(ctx, "MessageUpdate", m)
}

func (in *Ingestor) upsert(ctx context.Context, op string, m models.Message) {
	defer in.guard(op, m.ChannelID, m.ID)
	if !in.accept(m.ChannelID) || m.ID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	if created, err := in.archive.EnsureChannel(ctx, m.ChannelID, in.src.GetChannel); err != nil {
		in.logger.Error("Ingestor", op, fmt.Sprintf("无法写入频道 %s: %v", m.ChannelID, err))
		return
	} else if created {
		in.logger.Info("Ingestor", op, fmt.Sprintf("发现新频道 %s", m.ChannelID))
	}

	if err := in.archive.SaveMessages(ctx, []models.Message{m}); err != nil {
		in.logger.Error("Ingestor", op, fmt.Sprintf("保存消息 %s 失败 (频道 %s): %v", m.ID, m.ChannelID, err))
		return
	}
	if in.cache != nil {
		in.cache.UpsertOne(in.src.Platform(), m.ChannelID, m)
	}
	in.logger.Debug("Ingestor", op, fmt.Sprintf("消息已归档: 频道 %s, 消息 %s", m.ChannelID, m.ID))
}

// HandleDelete 处理消息删除
func (in *Ingestor) HandleDelete(ctx context.Context, channelID, messageID string) {
	defer in.guard("MessageDelete", channelID, messageID)
	if !in.accept(channelID) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	if err := in.archive.DeleteMessage(ctx, channelID, messageID); err != nil {
		in.logger.Error("Ingestor", "MessageDelete", fmt.Sprintf("删除消息 %s 失败 (频道 %s): %v", messageID, channelID, err))
		return
	}
	if in.cache != nil {
		in.cache.DeleteOne(in.src.Platform(), channelID, messageID)
	}
	in.logger.Debug("Ingestor", "MessageDelete", fmt.Sprintf("消息已删除: 频道 %s, 消息 %s", channelID, messageID))
}

func (in *Ingestor) accept(channelID string) bool {
	if channelID == "" {
		return false
	}
	return in.allowed == nil || in.allowed(channelID)
}

func (in *Ingestor) guard(op, channelID, messageID string) {
	if r := recover(); r != nil {
		in.logger.Error("Ingestor", op, fmt.Sprintf("panic while handling message %s in %s: %v\n%s", messageID, channelID, r, debug.Stack()))
	}
}
