package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-archiver/models"
	"discord-archiver/utils"

	"golang.org/x/sync/errgroup"
)

// ErrNoStore 两个存储后端都未配置
var ErrNoStore = errors.New("no record store configured")

// DualWriter 将每一次写操作同时发往本地主库(primary)与远程副本(mirror)。
// 任一后端写入失败只会被记录，不会中止或回滚另一个后端的写入；
// 只有当所有已配置的后端都失败时才返回错误。
// 读操作优先走主库，仅在主库未配置时才使用副本。两库之间不做读修复。
type DualWriter struct {
	primary RecordStore
	mirror  RecordStore
	logger  *utils.Logger
}

// NewDualWriter 创建双写协调器，primary 与 mirror 均可为 nil，但不能同时为 nil。
func NewDualWriter(primary, mirror RecordStore, logger *utils.Logger) (*DualWriter, error) {
	if primary == nil && mirror == nil {
		return nil, ErrNoStore
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &DualWriter{primary: primary, mirror: mirror, logger: logger}, nil
}

// HasMirror 是否配置了远程副本
func (d *DualWriter) HasMirror() bool { return d.mirror != nil }

func (d *DualWriter) stores() []RecordStore {
	stores := make([]RecordStore, 0, 2)
	if d.primary != nil {
		stores = append(stores, d.primary)
	}
	if d.mirror != nil {
		stores = append(stores, d.mirror)
	}
	return stores
}

// reader 返回用于读取的后端
func (d *DualWriter) reader() RecordStore {
	if d.primary != nil {
		return d.primary
	}
	return d.mirror
}

// fanOut 并发地在每个后端上执行 fn，每个后端的结果单独收集。
// goroutine 永远返回 nil，保证一个后端的失败不会取消另一个。
func (d *DualWriter) fanOut(ctx context.Context, op string, fn func(ctx context.Context, idx int, st RecordStore) error) error {
	stores := d.stores()
	errs := make([]error, len(stores))

	var g errgroup.Group
	for i, st := range stores {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &models.StoreWriteError{Store: st.Name(), Op: op, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			if werr := fn(ctx, i, st); werr != nil {
				errs[i] = &models.StoreWriteError{Store: st.Name(), Op: op, Err: werr}
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			d.logger.Warn("DualWriter", op, err.Error())
		}
	}
	if failed == len(stores) {
		return errors.Join(errs...)
	}
	return nil
}

// SaveChannels 双写频道记录
func (d *DualWriter) SaveChannels(ctx context.Context, channels ...models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	return d.fanOut(ctx, "SaveChannels", func(ctx context.Context, _ int, st RecordStore) error {
		for _, ch := range channels {
			if err := st.UpsertChannel(ctx, ch); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChannelLookup 从平台获取频道元数据
type ChannelLookup func(ctx context.Context, channelID string) (models.Channel, error)

// EnsureChannel 保证频道记录存在，使消息的外键可以满足。
// 频道未知时先通过 lookup 获取元数据；获取失败则写入占位频道而不是丢弃消息。
// created 表示本次是否新写入了频道记录。
func (d *DualWriter) EnsureChannel(ctx context.Context, channelID string, lookup ChannelLookup) (created bool, err error) {
	exists, err := d.ChannelExists(ctx, channelID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	ch := models.PlaceholderChannel(channelID)
	if lookup != nil {
		if fetched, lerr := lookup(ctx, channelID); lerr != nil {
			d.logger.Warn("DualWriter", "EnsureChannel", fmt.Sprintf("无法获取频道 %s 的元数据，写入占位记录: %v", channelID, lerr))
		} else {
			ch = fetched
			ch.ID = channelID
		}
	}
	if err := d.SaveChannels(ctx, ch); err != nil {
		return false, err
	}
	return true, nil
}

// SaveMessages 双写一批消息，每个后端内部是原子的
func (d *DualWriter) SaveMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return d.fanOut(ctx, "SaveMessages", func(ctx context.Context, _ int, st RecordStore) error {
		return st.UpsertMessages(ctx, msgs)
	})
}

// DeleteMessage 双写删除单条消息
func (d *DualWriter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return d.fanOut(ctx, "DeleteMessage", func(ctx context.Context, _ int, st RecordStore) error {
		return st.DeleteMessage(ctx, channelID, messageID)
	})
}

// DeleteMessagesInRange 双写删除 [start, end) 内的消息，返回读后端(主库优先)报告的删除条数
func (d *DualWriter) DeleteMessagesInRange(ctx context.Context, channelID string, start, end time.Time) (int64, error) {
	stores := d.stores()
	counts := make([]int64, len(stores))
	ok := make([]bool, len(stores))
	err := d.fanOut(ctx, "DeleteMessagesInRange", func(ctx context.Context, idx int, st RecordStore) error {
		n, err := st.DeleteMessagesInRange(ctx, channelID, start, end)
		if err != nil {
			return err
		}
		counts[idx], ok[idx] = n, true
		return nil
	})
	if err != nil {
		return 0, err
	}
	// stores() 中主库总在第一位
	for i := range stores {
		if ok[i] {
			return counts[i], nil
		}
	}
	return 0, nil
}

// SetBackfillCursor 双写回填游标
func (d *DualWriter) SetBackfillCursor(ctx context.Context, channelID string, cursor models.Cursor) error {
	return d.fanOut(ctx, "SetBackfillCursor", func(ctx context.Context, _ int, st RecordStore) error {
		return st.SetBackfillCursor(ctx, channelID, cursor)
	})
}

// ChannelExists 检查频道是否存在(主库优先)
func (d *DualWriter) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	return d.reader().ChannelExists(ctx, channelID)
}

// GetBackfillCursor 读取回填游标
func (d *DualWriter) GetBackfillCursor(ctx context.Context, channelID string) (models.Cursor, error) {
	return d.reader().GetBackfillCursor(ctx, channelID)
}

// OldestMessageID 读取已持久化的最旧消息 ID
func (d *DualWriter) OldestMessageID(ctx context.Context, channelID string) (string, error) {
	return d.reader().OldestMessageID(ctx, channelID)
}

// LatestMessageTimestamp 读取最新消息时间
func (d *DualWriter) LatestMessageTimestamp(ctx context.Context, channelID string) (time.Time, bool, error) {
	return d.reader().LatestMessageTimestamp(ctx, channelID)
}

// MessagesInRange 读取 [start, end) 内的消息
func (d *DualWriter) MessagesInRange(ctx context.Context, channelID string, start, end time.Time) ([]models.Message, error) {
	return d.reader().MessagesInRange(ctx, channelID, start, end)
}

// RecentMessages 读取最新的 limit 条消息
func (d *DualWriter) RecentMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	return d.reader().RecentMessages(ctx, channelID, limit)
}

// ChannelsActiveSince 读取 since 之后有活动的频道
func (d *DualWriter) ChannelsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	return d.reader().ChannelsActiveSince(ctx, since)
}

// ChannelsWithMessages 读取至少有一条消息的频道
func (d *DualWriter) ChannelsWithMessages(ctx context.Context) ([]string, error) {
	return d.reader().ChannelsWithMessages(ctx)
}

// ListChannels 读取全部频道
func (d *DualWriter) ListChannels(ctx context.Context) ([]models.Channel, error) {
	return d.reader().ListChannels(ctx)
}

// ChannelStats 读取单个频道统计
func (d *DualWriter) ChannelStats(ctx context.Context, channelID string) (models.ChannelStats, error) {
	return d.reader().ChannelStats(ctx, channelID)
}

// TotalStats 读取全局统计
func (d *DualWriter) TotalStats(ctx context.Context) (models.TotalStats, error) {
	return d.reader().TotalStats(ctx)
}

// Close 关闭所有后端连接
func (d *DualWriter) Close() error {
	var errs []error
	for _, st := range d.stores() {
		if err := st.Close(); err != nil {
			d.logger.Error("DualWriter", "Close", fmt.Sprintf("closing %s store: %v", st.Name(), err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
