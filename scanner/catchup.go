package scanner

import (
	"context"
	"fmt"
	"time"

	"discord-archiver/source"
	"discord-archiver/utils"

	"github.com/dustin/go-humanize"
)

// SyncMarkerReader 读取上次正常退出的时间
type SyncMarkerReader interface {
	ReadSyncMarker() (time.Time, bool, error)
}

// CatchUpOptions 追赶参数
type CatchUpOptions struct {
	PageSize int
	Delay    time.Duration // 频道之间的固定间隔
	Allowed  func(channelID string) bool
	Sleep    SleepFunc
}

// CatchUpResult 一次追赶的统计
type CatchUpResult struct {
	Candidates int
	Channels   int // 实际重新拉取的频道数
	Messages   int
	Failed     int
}

// CatchUp 在启动时为停机期间有活动的频道重新拉取最新一页消息。
// 只覆盖常见的短暂停机场景，不保证零丢失。
type CatchUp struct {
	archive Archive
	src     source.Source
	markers SyncMarkerReader
	logger  *utils.Logger
	opts    CatchUpOptions
}

func NewCatchUp(archive Archive, src source.Source, markers SyncMarkerReader, logger *utils.Logger, opts CatchUpOptions) *CatchUp {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &CatchUp{archive: archive, src: src, markers: markers, logger: logger, opts: opts}
}

// candidates 有同步标记时只取之后有活动的频道，否则取所有有消息的频道
func (c *CatchUp) candidates(ctx context.Context) ([]string, error) {
	lastSync, ok, err := c.markers.ReadSyncMarker()
	if err != nil {
		c.logger.Warn("CatchUp", "ReadSyncMarker", fmt.Sprintf("读取同步标记失败，回退到全部频道: %v", err))
		ok = false
	}
	if ok {
		c.logger.Info("CatchUp", "Run", fmt.Sprintf("上次同步于 %s (%s)", lastSync.Format(time.RFC3339), humanize.Time(lastSync)))
		return c.archive.ChannelsActiveSince(ctx, lastSync)
	}
	c.logger.Info("CatchUp", "Run", "没有有效的同步标记，检查所有已有消息的频道")
	return c.archive.ChannelsWithMessages(ctx)
}

// Run 同步执行一次追赶。单个频道失败只记录日志。
func (c *CatchUp) Run(ctx context.Context) (CatchUpResult, error) {
	var res CatchUpResult

	ids, err := c.candidates(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to find catch-up channels: %w", err)
	}
	res.Candidates = len(ids)

	for i, channelID := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if c.opts.Allowed != nil && !c.opts.Allowed(channelID) {
			continue
		}
		known, err := c.archive.ChannelExists(ctx, channelID)
		if err != nil {
			res.Failed++
			c.logger.Warn("CatchUp", "ChannelExists", fmt.Sprintf("channel %s: %v", channelID, err))
			continue
		}
		if !known {
			continue
		}

		page, err := c.src.GetMessages(ctx, channelID, c.opts.PageSize)
		if err != nil {
			res.Failed++
			c.logger.Warn("CatchUp", "GetMessages", err.Error())
		} else if err := c.archive.SaveMessages(ctx, page); err != nil {
			res.Failed++
			c.logger.Warn("CatchUp", "SaveMessages", fmt.Sprintf("channel %s: %v", channelID, err))
		} else {
			res.Channels++
			res.Messages += len(page)
		}

		if i < len(ids)-1 {
			if err := c.opts.Sleep(ctx, c.opts.Delay); err != nil {
				return res, err
			}
		}
	}

	c.logger.Info("CatchUp", "Run", fmt.Sprintf("追赶完成: %d/%d 个频道，%s 条消息", res.Channels, res.Candidates, humanize.Comma(int64(res.Messages))))
	return res, nil
}
