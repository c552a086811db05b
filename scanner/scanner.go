// Package scanner 负责从平台拉取历史消息：历史回填、启动追赶与区间回补。
package scanner

import (
	"context"
	"math/rand/v2"
	"time"

	"discord-archiver/database"
	"discord-archiver/models"
)

// DefaultPageSize 单页拉取的消息条数
const DefaultPageSize = 100

// Archive 是扫描器依赖的双写存储能力，由 database.DualWriter 实现
type Archive interface {
	SaveChannels(ctx context.Context, channels ...models.Channel) error
	SaveMessages(ctx context.Context, msgs []models.Message) error
	EnsureChannel(ctx context.Context, channelID string, lookup database.ChannelLookup) (bool, error)
	DeleteMessagesInRange(ctx context.Context, channelID string, start, end time.Time) (int64, error)
	SetBackfillCursor(ctx context.Context, channelID string, cursor models.Cursor) error
	GetBackfillCursor(ctx context.Context, channelID string) (models.Cursor, error)
	OldestMessageID(ctx context.Context, channelID string) (string, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	ChannelsActiveSince(ctx context.Context, since time.Time) ([]string, error)
	ChannelsWithMessages(ctx context.Context) ([]string, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
}

var _ Archive = (*database.DualWriter)(nil)

// SleepFunc 可被 ctx 中断的等待；测试中替换为空操作
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep 默认的等待实现
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter 在 [min, max] 内均匀取值
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

// oldestOf 返回一页消息中最旧的一条
func oldestOf(page []models.Message) models.Message {
	oldest := page[0]
	for _, m := range page[1:] {
		if m.Timestamp.Before(oldest.Timestamp) || (m.Timestamp.Equal(oldest.Timestamp) && m.ID < oldest.ID) {
			oldest = m
		}
	}
	return oldest
}
