package source

import (
	"testing"
	"time"

	"discord-archiver/models"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestConvertMessage(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("CST", 8*3600))
	edited := ts.Add(time.Minute)

	in := &discordgo.Message{
		ID:              "1245678901234567890",
		ChannelID:       "42",
		GuildID:         "7",
		Content:         "hello",
		Timestamp:       ts,
		EditedTimestamp: &edited,
		Pinned:          true,
		Author:          &discordgo.User{ID: "99", Username: "alice", GlobalName: "Alice"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "cat.png", URL: "https://cdn/cat.png", ContentType: "image/png", Size: 2048},
		},
		Embeds:           []*discordgo.MessageEmbed{{Type: discordgo.EmbedTypeLink, Title: "t", URL: "https://x"}},
		StickerItems:     []*discordgo.StickerItem{{ID: "s1", Name: "wave"}},
		Reactions:        []*discordgo.MessageReactions{{Count: 3, Emoji: &discordgo.Emoji{Name: "👍"}}},
		MessageReference: &discordgo.MessageReference{MessageID: "1200000000000000000"},
	}

	got := ConvertMessage(in)

	assert.Equal(t, "1245678901234567890", got.ID)
	assert.Equal(t, "42", got.ChannelID)
	assert.Equal(t, "99", got.AuthorID)
	assert.Equal(t, "Alice", got.AuthorName)
	assert.Equal(t, time.UTC, got.Timestamp.Location())
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, &edited, got.EditedTimestamp)
	assert.True(t, got.Pinned)
	assert.Equal(t, "1200000000000000000", got.ReplyToID)
	assert.Equal(t, []models.Attachment{{ID: "a1", Filename: "cat.png", URL: "https://cdn/cat.png", ContentType: "image/png", Size: 2048}}, got.Attachments)
	assert.Equal(t, []models.Embed{{Type: "link", Title: "t", URL: "https://x"}}, got.Embeds)
	assert.Equal(t, []models.Sticker{{ID: "s1", Name: "wave"}}, got.Stickers)
	assert.Equal(t, []models.Reaction{{Emoji: "👍", Count: 3}}, got.Reactions)
}

func TestConvertMessageFallsBackToSnowflakeTime(t *testing.T) {
	got := ConvertMessage(&discordgo.Message{ID: "175928847299117063", ChannelID: "1"})

	want, err := discordgo.SnowflakeTimestamp("175928847299117063")
	assert.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(want))
	assert.Empty(t, got.AuthorID)
}

func TestConvertChannel(t *testing.T) {
	thread := ConvertChannel(&discordgo.Channel{ID: "5", Name: "help", ParentID: "4", Type: discordgo.ChannelTypeGuildPublicThread})
	assert.Equal(t, models.ChannelTypeThread, thread.Type)
	assert.Equal(t, "4", thread.ParentID)

	dm := ConvertChannel(&discordgo.Channel{
		ID:   "6",
		Type: discordgo.ChannelTypeGroupDM,
		Recipients: []*discordgo.User{
			{ID: "1", Username: "bob"},
			{ID: "2", Username: "carol"},
		},
	})
	assert.Equal(t, models.ChannelTypeDirect, dm.Type)
	assert.Equal(t, "bob", dm.Name)
	assert.Equal(t, "bob +1", dm.DisplayName)

	unnamed := ConvertChannel(&discordgo.Channel{ID: "8", Type: discordgo.ChannelTypeGuildText})
	assert.Equal(t, "unknown-8", unnamed.Name)
}

func TestArchivable(t *testing.T) {
	assert.True(t, archivable(discordgo.ChannelTypeGuildText))
	assert.True(t, archivable(discordgo.ChannelTypeGuildPrivateThread))
	assert.False(t, archivable(discordgo.ChannelTypeGuildVoice))
	assert.False(t, archivable(discordgo.ChannelTypeGuildCategory))
	assert.False(t, archivable(discordgo.ChannelTypeGuildForum))
}
