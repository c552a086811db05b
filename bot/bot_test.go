package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"discord-archiver/cache"
	"discord-archiver/database"
	"discord-archiver/database/sqlitedb"
	"discord-archiver/models"
	"discord-archiver/source/sourcetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg     *models.ArchiveConfig
	src     *sourcetest.Fake
	archive *database.DualWriter
	markers *database.MarkerStore
	engine  *Engine
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlitedb.New(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	archive, err := database.NewDualWriter(store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	markers, err := database.NewMarkerStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	cfg := &models.ArchiveConfig{
		Exclude:   []string{"secret"},
		Storage:   models.StorageConfig{StateDir: filepath.Join(dir, "state")},
		Backfill:  models.BackfillConfig{Enabled: true, PageSize: 100},
		CatchUp:   models.CatchUpConfig{Enabled: true},
		Cache:     models.CacheConfig{MaxMessages: 50},
		Scheduler: models.SchedulerCfg{StatsCron: "off", MaintenanceCron: "off"},
	}

	f := &fixture{
		cfg:     cfg,
		src:     sourcetest.New(),
		archive: archive,
		markers: markers,
		now:     time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine, err = NewEngine(Deps{
		Config:  cfg,
		Source:  f.src,
		Archive: archive,
		Cache:   cache.New(cache.WithMaxMessages(cfg.Cache.MaxMessages)),
		Markers: markers,
		RunID:   "test-run",
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Now:     func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(channelID string, n int) []models.Message {
	f.src.AddChannel(models.Channel{ID: channelID, Name: "name-" + channelID, Type: models.ChannelTypeText})
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.Message{
			ID:        fmt.Sprintf("%s-%06d", channelID, i+1),
			ChannelID: channelID,
			AuthorID:  "u1",
			Content:   fmt.Sprintf("#%d", i+1),
			Timestamp: from.Add(time.Duration(i) * time.Minute),
		})
	}
	f.src.AddMessages(msgs...)
	return msgs
}

func TestRunArchivesEverythingAndWritesSyncMarker(t *testing.T) {
	f := newFixture(t)
	f.seed("c1", 140)
	f.seed("c2", 20)
	f.seed("secret", 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := f.archive.TotalStats(context.Background())
		return err == nil && stats.CompletedChannels == 2 && !f.engine.BackfillRunning()
	}, 5*time.Second, 10*time.Millisecond)

	// 实时事件在回填结束后继续写入
	f.src.EmitCreate(models.Message{ID: "c2-999999", ChannelID: "c2", AuthorID: "u2", Content: "live", Timestamp: f.now})

	cancel()
	require.NoError(t, <-done)
	assert.False(t, f.src.IsConnected())
	assert.False(t, f.engine.Running())

	stats, err := f.engine.GetTotalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Channels, "excluded channel is never stored")
	assert.Equal(t, int64(161), stats.Messages)

	c1, err := f.engine.GetChannelStats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(140), c1.MessageCount)
	assert.True(t, c1.Cursor.IsComplete())

	marker, ok, err := f.markers.ReadSyncMarker()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, marker.Equal(f.now))

	_, held := database.ReadLockPID(f.cfg.Storage.StateDir)
	assert.False(t, held, "pid file is removed on release")
}

func TestRunRefusesWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.seed("c1", 10)

	lock, err := database.AcquireLock(f.cfg.Storage.StateDir)
	require.NoError(t, err)
	defer lock.Release()

	err = f.engine.Run(context.Background())
	require.ErrorIs(t, err, models.ErrLockConflict)

	assert.False(t, f.src.IsConnected())
	assert.Empty(t, f.src.Calls())
	_, ok, err := f.markers.ReadSyncMarker()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadChannelAndLoadOlder(t *testing.T) {
	f := newFixture(t)
	f.seed("c1", 120)
	ctx := context.Background()

	msgs, err := f.engine.LoadChannel(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, msgs, 50)
	assert.Equal(t, "c1-000071", msgs[0].ID)
	assert.Equal(t, "c1-000120", msgs[49].ID)

	cached, ok := f.engine.GetCachedMessages("c1")
	require.True(t, ok)
	assert.Len(t, cached, 50)

	// 第二次读取命中缓存，不再请求平台
	calls := len(f.src.Calls())
	lookups := f.src.ChannelLookups()
	_, err = f.engine.LoadChannel(ctx, "c1", false)
	require.NoError(t, err)
	assert.Len(t, f.src.Calls(), calls)

	// 强制刷新从存储读取，频道元数据仍在 TTL 内
	_, err = f.engine.LoadChannel(ctx, "c1", true)
	require.NoError(t, err)
	assert.Len(t, f.src.Calls(), calls)
	assert.Equal(t, lookups, f.src.ChannelLookups())

	added, err := f.engine.LoadOlder(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 70, added)

	// 缓存上限为 50，合并后从最旧一端裁剪
	cached, _ = f.engine.GetCachedMessages("c1")
	assert.Len(t, cached, 50)

	stats, err := f.engine.GetChannelStats(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), stats.MessageCount)
}

func TestRefillTimeRange(t *testing.T) {
	f := newFixture(t)
	msgs := f.seed("c1", 30)
	ctx := context.Background()

	require.NoError(t, f.archive.SaveChannels(ctx, models.Channel{ID: "c1", Name: "c1"}))
	require.NoError(t, f.archive.SaveMessages(ctx, msgs[:10]))

	start, end := msgs[5].Timestamp, msgs[15].Timestamp
	res, err := f.engine.RefillTimeRange(ctx, "c1", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Deleted)
	assert.Equal(t, 10, res.Fetched)

	_, err = f.engine.RefillTimeRange(ctx, "c1", end, start)
	var iw *models.InvalidWindowError
	assert.ErrorAs(t, err, &iw)
}

func TestSchedulerJobs(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.startScheduler())
	assert.Nil(t, f.engine.scheduler, "all jobs off")

	f.cfg.Scheduler = models.SchedulerCfg{StatsCron: "@every 1h", MaintenanceCron: "off"}
	require.NoError(t, f.engine.startScheduler())
	require.NotNil(t, f.engine.scheduler)
	assert.Len(t, f.engine.scheduler.Entries(), 1)
	f.engine.stopScheduler()
	assert.Nil(t, f.engine.scheduler)

	f.cfg.Scheduler = models.SchedulerCfg{StatsCron: "every tuesday"}
	assert.Error(t, f.engine.startScheduler())

	// 任务本身不依赖调度器，可直接执行
	assert.NotPanics(t, func() {
		f.engine.reportStats()
		f.engine.maintain()
	})
}
