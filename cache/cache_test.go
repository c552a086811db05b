package cache

import (
	"fmt"
	"testing"
	"time"

	"discord-archiver/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const platform = "discord"

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func msg(id string, minute int) models.Message {
	return models.Message{
		ID:        id,
		ChannelID: "c1",
		Content:   "content " + id,
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSetSortsAscending(t *testing.T) {
	c := New()
	c.Set(platform, "c1", []models.Message{msg("t7", 7), msg("t3", 3), msg("t5", 5)}, true)

	e, ok := c.Get(platform, "c1")
	require.True(t, ok)
	assert.Equal(t, []string{"t3", "t5", "t7"}, ids(e.Messages))
	assert.True(t, e.HasMoreBefore)
}

func TestPrependMergesWithoutDuplicates(t *testing.T) {
	c := New()
	c.Set(platform, "c1", []models.Message{msg("t3", 3), msg("t5", 5), msg("t7", 7)}, true)

	added := c.Prepend(platform, "c1", []models.Message{msg("t1", 1), msg("t3", 3), msg("t2", 2)}, true)
	assert.Equal(t, 2, added)

	e, ok := c.Get(platform, "c1")
	require.True(t, ok)
	assert.Equal(t, []string{"t1", "t2", "t3", "t5", "t7"}, ids(e.Messages))

	// nothing new left to page
	assert.Zero(t, c.Prepend(platform, "c1", []models.Message{msg("t1", 1)}, false))
}

func TestPrependTrimsOldest(t *testing.T) {
	c := New(WithMaxMessages(3))
	c.Set(platform, "c1", []models.Message{msg("m4", 4), msg("m5", 5)}, true)

	added := c.Prepend(platform, "c1", []models.Message{msg("m1", 1), msg("m2", 2)}, true)
	assert.Equal(t, 2, added)

	e, _ := c.Get(platform, "c1")
	assert.Equal(t, []string{"m2", "m4", "m5"}, ids(e.Messages))
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New()
	for i := 0; i < DefaultMaxChannels; i++ {
		id := fmt.Sprintf("ch-%02d", i)
		c.Set(platform, id, []models.Message{msg("m-"+id, i)}, false)
		c.SetChannel(platform, models.Channel{ID: id, Name: id}, nil, nil)
	}

	// ch-00 becomes the most recent, ch-01 is now the oldest
	_, ok := c.Get(platform, "ch-00")
	require.True(t, ok)

	c.Set(platform, "ch-50", []models.Message{msg("m-ch-50", 50)}, false)
	c.SetChannel(platform, models.Channel{ID: "ch-50", Name: "ch-50"}, nil, nil)

	messages, channels := c.Len()
	assert.Equal(t, DefaultMaxChannels, messages)
	assert.Equal(t, DefaultMaxChannels, channels)

	_, ok = c.Get(platform, "ch-01")
	assert.False(t, ok, "least recently used channel should be evicted")
	_, ok = c.GetChannel(platform, "ch-01")
	assert.False(t, ok, "metadata is evicted together with messages")

	_, ok = c.Get(platform, "ch-00")
	assert.True(t, ok)
}

func TestUpsertOneRequiresEntry(t *testing.T) {
	c := New()
	c.UpsertOne(platform, "c1", msg("x", 1))
	_, ok := c.Get(platform, "c1")
	assert.False(t, ok, "live events never create entries")

	c.Set(platform, "c1", []models.Message{msg("a", 1), msg("b", 3)}, false)
	c.UpsertOne(platform, "c1", msg("c", 2))

	edited := msg("a", 1)
	edited.Content = "edited"
	c.UpsertOne(platform, "c1", edited)

	e, _ := c.Get(platform, "c1")
	assert.Equal(t, []string{"a", "c", "b"}, ids(e.Messages))
	assert.Equal(t, "edited", e.Messages[0].Content)
}

func TestDeleteOne(t *testing.T) {
	c := New()
	c.Set(platform, "c1", []models.Message{msg("a", 1), msg("b", 2), msg("c", 3)}, false)

	c.DeleteOne(platform, "c1", "b")
	c.DeleteOne(platform, "c1", "missing")
	c.DeleteOne(platform, "other", "a")

	e, _ := c.Get(platform, "c1")
	assert.Equal(t, []string{"a", "c"}, ids(e.Messages))

	// index must follow the shift
	c.UpsertOne(platform, "c1", msg("c", 3))
	e, _ = c.Get(platform, "c1")
	assert.Equal(t, []string{"a", "c"}, ids(e.Messages))
}

func TestIsStale(t *testing.T) {
	now := base
	c := New(WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	assert.True(t, c.IsStale(platform, "c1"))

	c.Set(platform, "c1", nil, false)
	assert.False(t, c.IsStale(platform, "c1"))

	now = now.Add(2 * time.Minute)
	assert.True(t, c.IsStale(platform, "c1"))
}

func TestChannelStale(t *testing.T) {
	now := base
	c := New(WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	assert.True(t, c.ChannelStale(platform, "c1"))

	c.SetChannel(platform, models.Channel{ID: "c1", Name: "general"}, nil, nil)
	assert.False(t, c.ChannelStale(platform, "c1"))

	now = now.Add(2 * time.Minute)
	assert.True(t, c.ChannelStale(platform, "c1"))
	meta, ok := c.GetChannel(platform, "c1")
	require.True(t, ok)
	assert.Equal(t, "general", meta.Channel.Name)
}
