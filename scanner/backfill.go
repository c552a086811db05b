package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"discord-archiver/models"
	"discord-archiver/source"
	"discord-archiver/utils"

	"github.com/dustin/go-humanize"
)

// ErrAlreadyRunning 回填循环已在运行
var ErrAlreadyRunning = errors.New("backfill is already running")

// Progress 每轮结束后的回填进度
type Progress struct {
	Pass      int
	Archived  int64 // 本次运行累计归档的消息数
	Remaining int   // 尚未完成的频道数
	Elapsed   time.Duration
}

// BackfillOptions 回填参数，零值字段使用默认值
type BackfillOptions struct {
	PageSize   int
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Allowed    func(channelID string) bool
	OnProgress func(Progress)
	Sleep      SleepFunc
}

// Backfiller 以轮询方式按页向过去回填每个频道的完整历史。
// 同一时刻只有一个请求在进行，每次请求后随机等待以避开平台限速。
type Backfiller struct {
	archive Archive
	src     source.Source
	logger  *utils.Logger
	opts    BackfillOptions

	running atomic.Bool
	stopped atomic.Bool // Stop 已被调用，尚未被 Run 消费
	mu      sync.Mutex
	wake    context.CancelFunc // 打断回填间隔的等待
}

func NewBackfiller(archive Archive, src source.Source, logger *utils.Logger, opts BackfillOptions) *Backfiller {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MinDelay <= 0 && opts.MaxDelay <= 0 {
		opts.MinDelay, opts.MaxDelay = 3*time.Second, 8*time.Second
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Backfiller{archive: archive, src: src, logger: logger, opts: opts}
}

// Running 回填循环是否在运行
func (b *Backfiller) Running() bool { return b.running.Load() }

// Stop 请求回填循环在当前步骤结束后退出。进行中的请求不会被取消，只打断等待。
// 在 Run 开始之前调用时，下一次 Run 立即返回。
func (b *Backfiller) Stop() {
	b.stopped.Store(true)
	b.running.Store(false)
	b.mu.Lock()
	if b.wake != nil {
		b.wake()
	}
	b.mu.Unlock()
}

// Step 回填一个频道的一页历史。
// 游标已完成时直接返回 hasMore=false；页不满即视为历史已到尽头，游标置为完成。
func (b *Backfiller) Step(ctx context.Context, channelID string) (hasMore bool, fetched int, err error) {
	cursor, err := b.archive.GetBackfillCursor(ctx, channelID)
	if err != nil {
		return false, 0, err
	}
	if cursor.IsComplete() {
		return false, 0, nil
	}

	oldestID, err := b.archive.OldestMessageID(ctx, channelID)
	if err != nil {
		return false, 0, err
	}
	if oldestID == "" && cursor.State == models.CursorInProgress {
		oldestID = cursor.MessageID
	}

	var page []models.Message
	if oldestID != "" {
		page, err = b.src.GetMessagesBefore(ctx, channelID, oldestID, b.opts.PageSize)
	} else {
		page, err = b.src.GetMessages(ctx, channelID, b.opts.PageSize)
	}
	if err != nil {
		var fe *models.SourceFetchError
		if !errors.As(err, &fe) {
			err = &models.SourceFetchError{ChannelID: channelID, Op: "backfill", Err: err}
		}
		return false, 0, err
	}

	if len(page) > 0 {
		if err := b.archive.SaveMessages(ctx, page); err != nil {
			return false, 0, err
		}
	}

	if len(page) < b.opts.PageSize {
		if err := b.archive.SetBackfillCursor(ctx, channelID, models.Complete()); err != nil {
			return false, len(page), err
		}
		return false, len(page), nil
	}

	if err := b.archive.SetBackfillCursor(ctx, channelID, models.InProgress(oldestOf(page).ID)); err != nil {
		// 游标可由最旧消息重新推导，写失败不影响下一步
		b.logger.Warn("Backfill", "SetBackfillCursor", err.Error())
	}
	return true, len(page), nil
}

// Run 对所有已知且未完成的频道循环执行 Step，直到全部完成、ctx 取消或 Stop 被调用。
func (b *Backfiller) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)
	defer b.stopped.Store(false)

	sleepCtx, wake := context.WithCancel(ctx)
	defer wake()
	b.mu.Lock()
	b.wake = wake
	b.mu.Unlock()
	if b.stopped.Load() {
		b.logger.Info("Backfill", "Run", "启动前已收到停止请求，跳过回填")
		return ctx.Err()
	}

	channels, err := b.archive.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	var order []string
	active := make(map[string]bool)
	for _, ch := range channels {
		if ch.Cursor.IsComplete() {
			continue
		}
		if b.opts.Allowed != nil && !b.opts.Allowed(ch.ID) {
			continue
		}
		active[ch.ID] = true
		order = append(order, ch.ID)
	}

	b.logger.Info("Backfill", "Run", fmt.Sprintf("开始回填 %d 个频道", len(active)))
	start := time.Now()

	var archived int64
	pass := 0
	for len(active) > 0 && b.shouldContinue(ctx) {
		pass++
		snapshot := make([]string, 0, len(active))
		for _, id := range order {
			if active[id] {
				snapshot = append(snapshot, id)
			}
		}

		for _, channelID := range snapshot {
			if !b.shouldContinue(ctx) {
				break
			}

			hasMore, n, err := b.Step(ctx, channelID)
			archived += int64(n)
			if err != nil {
				// 本次运行不再处理该频道，游标保持不变，下次启动自然重试
				b.logger.Warn("Backfill", "Step", fmt.Sprintf("channel %s: %v", channelID, err))
				hasMore = false
			}
			if !hasMore {
				delete(active, channelID)
				if err == nil {
					b.logger.Debug("Backfill", "Step", fmt.Sprintf("频道 %s 回填完成", channelID))
				}
			}

			if len(active) > 0 && b.shouldContinue(ctx) {
				if err := b.opts.Sleep(sleepCtx, jitter(b.opts.MinDelay, b.opts.MaxDelay)); err != nil {
					break
				}
			}
		}

		p := Progress{Pass: pass, Archived: archived, Remaining: len(active), Elapsed: time.Since(start)}
		b.logger.Info("Backfill", "Progress", fmt.Sprintf("第 %d 轮: 已归档 %s 条消息，剩余 %d 个频道 (%s)",
			p.Pass, humanize.Comma(p.Archived), p.Remaining, p.Elapsed.Round(time.Second)))
		if b.opts.OnProgress != nil {
			b.opts.OnProgress(p)
		}
	}

	if len(active) == 0 {
		b.logger.Info("Backfill", "Run", fmt.Sprintf("所有频道回填完成，共归档 %s 条消息，进入实时模式", humanize.Comma(archived)))
	}
	return ctx.Err()
}

func (b *Backfiller) shouldContinue(ctx context.Context) bool {
	return b.running.Load() && !b.stopped.Load() && ctx.Err() == nil
}
