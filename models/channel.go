package models

import "time"

// ChannelType 频道类型
type ChannelType string

const (
	ChannelTypeText   ChannelType = "text"
	ChannelTypeThread ChannelType = "thread"
	ChannelTypeDirect ChannelType = "direct"
)

// Channel 表示一个被归档的频道
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	GuildID     string      `json:"guild_id,omitempty"`
	ParentID    string      `json:"parent_id,omitempty"`
	DisplayName string      `json:"display_name,omitempty"`
	Topic       string      `json:"topic,omitempty"`
	Type        ChannelType `json:"type"`
	FirstSeen   time.Time   `json:"first_seen"` // 首次发现时间，写入后不再覆盖
	Cursor      Cursor      `json:"-"`
}

// PlaceholderChannel 在无法获取频道元数据时生成的最小频道记录
func PlaceholderChannel(id string) Channel {
	return Channel{
		ID:        id,
		Name:      "unknown-" + id,
		Type:      ChannelTypeText,
		FirstSeen: time.Now().UTC(),
	}
}

// CursorState 回填游标的状态
type CursorState int

const (
	CursorNotStarted CursorState = iota
	CursorInProgress
	CursorComplete
)

// cursorCompleteValue 仅用于存储层编码
const cursorCompleteValue = "COMPLETE"

// Cursor 记录频道的回填进度: 未开始、进行中(已获取到的最旧消息 ID)、或已完成。
type Cursor struct {
	State     CursorState
	MessageID string
}

// NotStarted 返回未开始状态的游标
func NotStarted() Cursor { return Cursor{State: CursorNotStarted} }

// InProgress 返回指向 messageID 的进行中游标
func InProgress(messageID string) Cursor {
	return Cursor{State: CursorInProgress, MessageID: messageID}
}

// Complete 返回已完成的游标
func Complete() Cursor { return Cursor{State: CursorComplete} }

func (c Cursor) IsComplete() bool { return c.State == CursorComplete }

// Encode 将游标编码为存储值；未开始时返回 ok=false (对应 NULL)。
func (c Cursor) Encode() (value string, ok bool) {
	switch c.State {
	case CursorComplete:
		return cursorCompleteValue, true
	case CursorInProgress:
		return c.MessageID, true
	default:
		return "", false
	}
}

// DecodeCursor 从存储值还原游标
func DecodeCursor(value string, valid bool) Cursor {
	switch {
	case !valid || value == "":
		return NotStarted()
	case value == cursorCompleteValue:
		return Complete()
	default:
		return InProgress(value)
	}
}

func (c Cursor) String() string {
	switch c.State {
	case CursorComplete:
		return "complete"
	case CursorInProgress:
		return "in-progress(" + c.MessageID + ")"
	default:
		return "not-started"
	}
}
