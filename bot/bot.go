package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"discord-archiver/cache"
	"discord-archiver/database"
	"discord-archiver/handlers"
	"discord-archiver/models"
	"discord-archiver/scanner"
	"discord-archiver/source"
	"discord-archiver/utils"

	"github.com/robfig/cron/v3"
)

// Deps 引擎的全部依赖，由调用方构造并注入
type Deps struct {
	Config  *models.ArchiveConfig
	Source  source.Source
	Archive *database.DualWriter
	Cache   *cache.ReadCache
	Markers *database.MarkerStore
	Logger  *utils.Logger
	RunID   string

	// 以下仅用于测试
	Sleep scanner.SleepFunc
	Now   func() time.Time
}

// Engine 归档同步引擎：启动追赶、历史回填、实时事件写入以及供 UI/CLI 使用的读接口。
type Engine struct {
	cfg     *models.ArchiveConfig
	src     source.Source
	archive *database.DualWriter
	cache   *cache.ReadCache
	markers *database.MarkerStore
	logger  *utils.Logger
	runID   string
	now     func() time.Time

	backfiller *scanner.Backfiller
	catchUp    *scanner.CatchUp
	refiller   *scanner.Refiller
	ingestor   *handlers.Ingestor
	scheduler  *cron.Cron
	onStart    func()

	mu      sync.Mutex
	running bool
}

// NewEngine 创建引擎
func NewEngine(d Deps) (*Engine, error) {
	if d.Config == nil || d.Source == nil || d.Archive == nil || d.Markers == nil {
		return nil, errors.New("engine requires config, source, archive and markers")
	}
	if d.Cache == nil {
		d.Cache = cache.New()
	}
	if d.Logger == nil {
		d.Logger = utils.NopLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	logger := d.Logger
	if d.RunID != "" {
		logger = logger.With("run_id", d.RunID)
	}

	cfg := d.Config
	e := &Engine{
		cfg:     cfg,
		src:     d.Source,
		archive: d.Archive,
		cache:   d.Cache,
		markers: d.Markers,
		logger:  logger,
		runID:   d.RunID,
		now:     d.Now,
	}
	e.backfiller = scanner.NewBackfiller(d.Archive, d.Source, logger, scanner.BackfillOptions{
		PageSize: cfg.Backfill.PageSize,
		MinDelay: cfg.Backfill.MinDelay,
		MaxDelay: cfg.Backfill.MaxDelay,
		Allowed:  cfg.ChannelAllowed,
		Sleep:    d.Sleep,
	})
	e.catchUp = scanner.NewCatchUp(d.Archive, d.Source, d.Markers, logger, scanner.CatchUpOptions{
		PageSize: cfg.Backfill.PageSize,
		Delay:    cfg.CatchUp.Delay,
		Allowed:  cfg.ChannelAllowed,
		Sleep:    d.Sleep,
	})
	e.refiller = scanner.NewRefiller(d.Archive, d.Source, logger, cfg.Backfill.PageSize)
	e.ingestor = handlers.NewIngestor(d.Archive, d.Cache, d.Source, logger, cfg.ChannelAllowed)
	return e, nil
}

// OnStart 注册在取得进程锁并连接成功后调用的回调，须在 Run 之前设置
func (e *Engine) OnStart(fn func()) { e.onStart = fn }

// Run 持有进程锁运行引擎，直到 ctx 被取消。
// 顺序: 加锁、连接、订阅实时事件、同步频道列表、追赶、后台回填；退出时写入同步标记。
func (e *Engine) Run(ctx context.Context) error {
	lock, err := database.AcquireLock(e.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.logger.Warn("Engine", "Release", err.Error())
		}
	}()

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.ingestor.Register()
	if err := e.src.Connect(ctx); err != nil {
		return fmt.Errorf("error connecting to %s: %w", e.src.Platform(), err)
	}
	e.logger.Notify("INFO", "Engine", "Start", fmt.Sprintf("归档引擎已启动 (run %s)", e.runID))
	if e.onStart != nil {
		e.onStart()
	}

	if err := e.syncChannels(ctx); err != nil {
		e.logger.Warn("Engine", "SyncChannels", err.Error())
	}

	if e.cfg.CatchUp.Enabled {
		if _, err := e.catchUp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Engine", "CatchUp", err.Error())
		}
	}

	if err := e.startScheduler(); err != nil {
		e.logger.Warn("Engine", "Scheduler", err.Error())
	}

	var wg sync.WaitGroup
	if e.cfg.Backfill.Enabled && ctx.Err() == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 关闭时只通过 Stop 通知，进行中的请求自然结束
			if err := e.backfiller.Run(context.WithoutCancel(ctx)); err != nil {
				e.logger.Error("Engine", "Backfill", err.Error())
			}
		}()
	}

	<-ctx.Done()
	e.logger.Info("Engine", "Shutdown", "收到退出信号，正在关闭")

	e.backfiller.Stop()
	wg.Wait()
	e.stopScheduler()
	return e.shutdown()
}

// shutdown 写入同步标记并断开连接
func (e *Engine) shutdown() error {
	var errs []error
	if err := e.markers.WriteSyncMarker(e.now()); err != nil {
		errs = append(errs, fmt.Errorf("write sync marker: %w", err))
	}
	if err := e.src.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	if len(errs) == 0 {
		e.logger.Info("Engine", "Shutdown", "Engine stopped gracefully.")
	}
	return errors.Join(errs...)
}

// syncChannels 将平台上可见的频道写入存储，已存在的频道只更新元数据
func (e *Engine) syncChannels(ctx context.Context) error {
	channels, err := e.src.GetChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	kept := channels[:0]
	for _, ch := range channels {
		if e.cfg.ChannelAllowed(ch.ID) {
			kept = append(kept, ch)
		}
	}
	if err := e.archive.SaveChannels(ctx, kept...); err != nil {
		return err
	}
	e.logger.Info("Engine", "SyncChannels", fmt.Sprintf("同步了 %d 个频道", len(kept)))
	return nil
}

// Running 引擎是否在运行
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// BackfillRunning 回填循环是否仍在运行
func (e *Engine) BackfillRunning() bool { return e.backfiller.Running() }

// GetCachedMessages 返回读缓存中的消息，不访问存储
func (e *Engine) GetCachedMessages(channelID string) ([]models.Message, bool) {
	entry, ok := e.cache.Get(e.src.Platform(), channelID)
	if !ok {
		return nil, false
	}
	return entry.Messages, true
}

// LoadChannel 返回频道最近的消息。缓存新鲜且未强制刷新时直接使用缓存，
// 否则从存储读取；存储中没有消息时从平台拉取最新一页并写入存储。
func (e *Engine) LoadChannel(ctx context.Context, channelID string, force bool) ([]models.Message, error) {
	platform := e.src.Platform()
	if !force && !e.cache.IsStale(platform, channelID) {
		if entry, ok := e.cache.Get(platform, channelID); ok {
			return entry.Messages, nil
		}
	}

	limit := e.cacheLimit()
	msgs, err := e.archive.RecentMessages(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		if _, err := e.archive.EnsureChannel(ctx, channelID, e.src.GetChannel); err != nil {
			return nil, err
		}
		fetched, err := e.src.GetMessages(ctx, channelID, limit)
		if err != nil {
			return nil, err
		}
		if err := e.archive.SaveMessages(ctx, fetched); err != nil {
			return nil, err
		}
		msgs = fetched
	}

	e.cache.Set(platform, channelID, msgs, len(msgs) >= limit)
	// 频道元数据在 TTL 内直接复用缓存
	if e.cache.ChannelStale(platform, channelID) {
		if ch, err := e.src.GetChannel(ctx, channelID); err == nil {
			var last *time.Time
			if ts, ok, err := e.archive.LatestMessageTimestamp(ctx, channelID); err == nil && ok {
				last = &ts
			}
			e.cache.SetChannel(platform, ch, nil, last)
		} else {
			e.logger.Debug("Engine", "LoadChannel", fmt.Sprintf("channel %s metadata: %v", channelID, err))
		}
	}

	entry, _ := e.cache.Get(platform, channelID)
	if entry == nil {
		return msgs, nil
	}
	return entry.Messages, nil
}

// LoadOlder 向过去翻一页：从平台拉取缓存中最旧消息之前的一页，写入存储并合并进缓存。
// 返回新增的消息数，0 表示没有更早的历史。
func (e *Engine) LoadOlder(ctx context.Context, channelID string) (int, error) {
	platform := e.src.Platform()
	entry, ok := e.cache.Get(platform, channelID)
	if !ok || len(entry.Messages) == 0 {
		msgs, err := e.LoadChannel(ctx, channelID, true)
		return len(msgs), err
	}

	pageSize := e.cfg.Backfill.PageSize
	if pageSize <= 0 {
		pageSize = scanner.DefaultPageSize
	}
	older, err := e.src.GetMessagesBefore(ctx, channelID, entry.Messages[0].ID, pageSize)
	if err != nil {
		return 0, err
	}
	if err := e.archive.SaveMessages(ctx, older); err != nil {
		return 0, err
	}
	return e.cache.Prepend(platform, channelID, older, len(older) >= pageSize), nil
}

// GetChannelStats 单个频道的归档统计
func (e *Engine) GetChannelStats(ctx context.Context, channelID string) (models.ChannelStats, error) {
	return e.archive.ChannelStats(ctx, channelID)
}

// GetTotalStats 整个归档的统计
func (e *Engine) GetTotalStats(ctx context.Context) (models.TotalStats, error) {
	return e.archive.TotalStats(ctx)
}

// RefillTimeRange 重新拉取频道在 [start, end) 内的消息
func (e *Engine) RefillTimeRange(ctx context.Context, channelID string, start, end time.Time) (scanner.RefillResult, error) {
	res, err := e.refiller.Refill(ctx, channelID, start, end)
	if err != nil {
		return res, err
	}
	// 缓存中的旧窗口可能已失效，下次读取时重新加载
	if _, ok := e.cache.Get(e.src.Platform(), channelID); ok {
		if _, err := e.LoadChannel(ctx, channelID, true); err != nil {
			e.logger.Warn("Engine", "RefillTimeRange", err.Error())
		}
	}
	return res, nil
}

func (e *Engine) cacheLimit() int {
	if e.cfg.Cache.MaxMessages > 0 {
		return e.cfg.Cache.MaxMessages
	}
	return cache.DefaultMaxMessages
}
