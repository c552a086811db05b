package handlers

import (
	"context"
	"errors"
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

func newArchive(t *testing.T) *database.DualWriter {
	t.Helper()
	store, err := sqlitedb.New(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	dw, err := database.NewDualWriter(store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dw.Close() })
	return dw
}

var ts = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func message(id, channelID, content string, minute int) models.Message {
	return models.Message{
		ID:         id,
		ChannelID:  channelID,
		AuthorID:   "u1",
		AuthorName: "alice",
		Content:    content,
		Timestamp:  ts.Add(time.Duration(minute) * time.Minute),
	}
}

func TestCreateFetchesChannelMetadata(t *testing.T) {
	ctx := context.Background()
	dw := newArchive(t)
	src := sourcetest.New()
	src.AddChannel(models.Channel{ID: "c1", Name: "general", Type: models.ChannelTypeText, FirstSeen: ts})

	in := NewIngestor(dw, cache.New(), src, nil, nil)
	in.Register()
	src.EmitCreate(message("m1", "c1", "hi", 0))

	channels, err := dw.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)

	msgs, err := dw.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestCreateFallsBackToPlaceholderChannel(t *testing.T) {
	ctx := context.Background()
	dw := newArchive(t)
	src := sourcetest.New()
	src.FailChannel("c9", errors.New("missing access"))

	in := NewIngestor(dw, nil, src, nil, nil)
	in.HandleCreate(ctx, message("m1", "c9", "orphan", 0))

	channels, err := dw.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "c9", channels[0].ID)
	assert.Equal(t, "unknown-c9", channels[0].Name)

	msgs, err := dw.RecentMessages(ctx, "c9", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUpdateAndDeleteFlowIntoCache(t *testing.T) {
	ctx := context.Background()
	dw := newArchive(t)
	src := sourcetest.New()
	src.AddChannel(models.Channel{ID: "c1", Name: "general", Type: models.ChannelTypeText, FirstSeen: ts})
	rc := cache.New()

	in := NewIngestor(dw, rc, src, nil, nil)
	in.Register()

	// 未加载的频道不会被实时事件创建缓存
	src.EmitCreate(message("m1", "c1", "first", 0))
	_, ok := rc.Get(src.Platform(), "c1")
	assert.False(t, ok)

	rc.Set(src.Platform(), "c1", []models.Message{message("m1", "c1", "first", 0)}, false)
	src.EmitCreate(message("m2", "c1", "second", 1))

	edited := message("m1", "c1", "first (edited)", 0)
	edited.AuthorID = "someone-else"
	src.EmitUpdate(edited)

	entry, ok := rc.Get(src.Platform(), "c1")
	require.True(t, ok)
	require.Len(t, entry.Messages, 2)
	assert.Equal(t, "first (edited)", entry.Messages[0].Content)
	assert.Equal(t, "m2", entry.Messages[1].ID)

	stored, err := dw.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "first (edited)", stored[0].Content)
	assert.Equal(t, "u1", stored[0].AuthorID, "author is immutable")

	src.EmitDelete("c1", "m1")
	entry, _ = rc.Get(src.Platform(), "c1")
	require.Len(t, entry.Messages, 1)
	assert.Equal(t, "m2", entry.Messages[0].ID)

	stored, err = dw.RecentMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestExcludedChannelIsIgnored(t *testing.T) {
	ctx := context.Background()
	dw := newArchive(t)
	src := sourcetest.New()

	in := NewIngestor(dw, nil, src, nil, func(id string) bool { return id != "secret" })
	in.HandleCreate(ctx, message("m1", "secret", "shh", 0))

	exists, err := dw.ChannelExists(ctx, "secret")
	require.NoError(t, err)
	assert.False(t, exists)
}

type panickyArchive struct{}

func (panickyArchive) SaveChannels(context.Context, ...models.Channel) error {
	panic("boom")
}

func (panickyArchive) EnsureChannel(context.Context, string, database.ChannelLookup) (bool, error) {
	panic("boom")
}

func (panickyArchive) SaveMessages(context.Context, []models.Message) error {
	return errors.New("unreachable")
}

func (panickyArchive) DeleteMessage(context.Context, string, string) error {
	panic("boom")
}

func TestHandlersNeverPanic(t *testing.T) {
	src := sourcetest.New()
	in := NewIngestor(panickyArchive{}, cache.New(), src, nil, nil)
	in.Register()

	assert.NotPanics(t, func() {
		src.EmitCreate(message("m1", "c1", "x", 0))
		src.EmitUpdate(message("m1", "c1", "y", 0))
		src.EmitDelete("c1", "m1")
		src.EmitChannel(models.Channel{ID: "c2", Name: "new"})
	})
}

func TestChannelCreateRegistersChannelForBackfill(t *testing.T) {
	ctx := context.Background()
	dw := newArchive(t)
	src := sourcetest.New()
	rc := cache.New()

	in := NewIngestor(dw, rc, src, nil, func(id string) bool { return id != "secret" })
	in.Register()

	src.EmitChannel(models.Channel{ID: "t1", Name: "new-thread", ParentID: "c1", Type: models.ChannelTypeThread, FirstSeen: ts})
	src.EmitChannel(models.Channel{ID: "secret", Name: "hidden"})

	channels, err := dw.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "t1", channels[0].ID)
	assert.Equal(t, models.ChannelTypeThread, channels[0].Type)
	assert.Equal(t, models.NotStarted(), channels[0].Cursor)

	// 重复事件只刷新元数据
	require.NoError(t, dw.SetBackfillCursor(ctx, "t1", models.InProgress("m5")))
	src.EmitChannel(models.Channel{ID: "t1", Name: "renamed", ParentID: "c1", Type: models.ChannelTypeThread})
	channels, err = dw.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "renamed", channels[0].Name)
	assert.Equal(t, models.InProgress("m5"), channels[0].Cursor)
	assert.True(t, channels[0].FirstSeen.Equal(ts))

	_, metas := rc.Len()
	assert.Zero(t, metas, "live events never populate the read cache")
}
