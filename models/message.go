package models

import "time"

// Message 表示一条归档消息。
// ChannelID、AuthorID、AuthorName、Timestamp 首次写入后不可变；
// Content、EditedTimestamp、Pinned、Attachments、Embeds、Stickers、Reactions 可被后续写入覆盖。
type Message struct {
	ID              string       `json:"id"`
	ChannelID       string       `json:"channel_id"`
	GuildID         string       `json:"guild_id,omitempty"`
	AuthorID        string       `json:"author_id"`
	AuthorName      string       `json:"author_name"`
	Timestamp       time.Time    `json:"timestamp"`
	Content         string       `json:"content"`
	EditedTimestamp *time.Time   `json:"edited_timestamp,omitempty"`
	Pinned          bool         `json:"pinned"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Embeds          []Embed      `json:"embeds,omitempty"`
	Stickers        []Sticker    `json:"stickers,omitempty"`
	Reactions       []Reaction   `json:"reactions,omitempty"`
	ReplyToID       string       `json:"reply_to_id,omitempty"`
	ThreadID        string       `json:"thread_id,omitempty"`
	IsBot           bool         `json:"is_bot"`
	Type            int          `json:"message_type"`
}

// Attachment 消息附件
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// Embed 消息嵌入内容，只保留常用字段
type Embed struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Sticker 贴纸
type Sticker struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Reaction 反应及计数
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// ChannelStats 单个频道的归档统计
type ChannelStats struct {
	ChannelID    string     `json:"channel_id"`
	MessageCount int64      `json:"message_count"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
	Cursor       Cursor     `json:"-"`
}

// TotalStats 整个归档的统计
type TotalStats struct {
	Channels          int64 `json:"channels"`
	CompletedChannels int64 `json:"completed_channels"`
	Messages          int64 `json:"messages"`
}
