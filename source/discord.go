package source

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"discord-archiver/models"
	"discord-archiver/utils"

	"github.com/bwmarrin/discordgo"
)

// PlatformDiscord 平台名称
const PlatformDiscord = "discord"

// 单次请求允许的最大消息条数
const maxPageSize = 100

// DiscordSource 基于 discordgo 的 Source 实现
type DiscordSource struct {
	session *discordgo.Session
	guilds  []string
	logger  *utils.Logger

	mu       sync.RWMutex
	onCreate MessageHandler
	onUpdate MessageHandler
	onDelete DeleteHandler
	onChan   ChannelHandler
	removers []func()
}

// NewDiscordSource 创建 Discord 会话。guilds 为空时归档机器人已加入的全部服务器。
func NewDiscordSource(token string, guilds []string, logger *utils.Logger) (*DiscordSource, error) {
	if token == "" {
		return nil, fmt.Errorf("no bot token provided")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsGuilds |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if logger == nil {
		logger = utils.NopLogger()
	}
	return &DiscordSource{session: dg, guilds: guilds, logger: logger}, nil
}

// Session 暴露底层会话，用于日志推送到管理频道
func (d *DiscordSource) Session() *discordgo.Session { return d.session }

func (d *DiscordSource) Platform() string { return PlatformDiscord }

func (d *DiscordSource) OnMessage(h MessageHandler) {
	d.mu.Lock()
	d.onCreate = h
	d.mu.Unlock()
}

func (d *DiscordSource) OnMessageUpdate(h MessageHandler) {
	d.mu.Lock()
	d.onUpdate = h
	d.mu.Unlock()
}

func (d *DiscordSource) OnMessageDelete(h DeleteHandler) {
	d.mu.Lock()
	d.onDelete = h
	d.mu.Unlock()
}

func (d *DiscordSource) OnChannelCreate(h ChannelHandler) {
	d.mu.Lock()
	d.onChan = h
	d.mu.Unlock()
}

// Connect 注册事件处理器并打开网关连接
func (d *DiscordSource) Connect(ctx context.Context) error {
	d.removers = append(d.removers,
		d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			d.logger.Info("DiscordSource", "Ready", fmt.Sprintf("Logged in as: %v#%v", s.State.User.Username, s.State.User.Discriminator))
		}),
		d.session.AddHandler(d.handleCreate),
		d.session.AddHandler(d.handleUpdate),
		d.session.AddHandler(d.handleDelete),
		d.session.AddHandler(d.handleDeleteBulk),
		d.session.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelCreate) { d.handleChannel(c.Channel) }),
		d.session.AddHandler(func(_ *discordgo.Session, t *discordgo.ThreadCreate) { d.handleChannel(t.Channel) }),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}
	return ctx.Err()
}

// Disconnect 移除事件处理器并关闭连接
func (d *DiscordSource) Disconnect() error {
	for _, remove := range d.removers {
		remove()
	}
	d.removers = nil
	return d.session.Close()
}

func (d *DiscordSource) handleCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.mu.RLock()
	h := d.onCreate
	d.mu.RUnlock()
	if h == nil || m.Message == nil {
		return
	}
	h(ConvertMessage(m.Message))
}

// handleUpdate 编辑事件可能只携带部分字段 (例如嵌入内容展开)，此时重新拉取完整消息
func (d *DiscordSource) handleUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	d.mu.RLock()
	h := d.onUpdate
	d.mu.RUnlock()
	if h == nil || m.Message == nil {
		return
	}

	msg := m.Message
	if msg.Author == nil {
		full, err := s.ChannelMessage(m.ChannelID, m.ID)
		if err != nil {
			d.logger.Warn("DiscordSource", "MessageUpdate", fmt.Sprintf("refetch partial message %s in %s: %v", m.ID, m.ChannelID, err))
			return
		}
		if full.GuildID == "" {
			full.GuildID = m.GuildID
		}
		msg = full
	}
	h(ConvertMessage(msg))
}

func (d *DiscordSource) handleDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	d.mu.RLock()
	h := d.onDelete
	d.mu.RUnlock()
	if h == nil || m.Message == nil {
		return
	}
	h(m.ChannelID, m.ID)
}

// handleDeleteBulk 批量删除逐条转发
func (d *DiscordSource) handleDeleteBulk(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
	d.mu.RLock()
	h := d.onDelete
	d.mu.RUnlock()
	if h == nil {
		return
	}
	for _, id := range m.Messages {
		h(m.ChannelID, id)
	}
}

// handleChannel 只转发可归档类型，且只处理配置范围内的服务器
func (d *DiscordSource) handleChannel(ch *discordgo.Channel) {
	d.mu.RLock()
	h := d.onChan
	d.mu.RUnlock()
	if h == nil || ch == nil || !archivable(ch.Type) {
		return
	}
	if ch.GuildID != "" && len(d.guilds) > 0 && !slices.Contains(d.guilds, ch.GuildID) {
		return
	}
	h(ConvertChannel(ch))
}

// guildIDs 返回需要归档的服务器；未配置时取网关 Ready 后 State 中的服务器
func (d *DiscordSource) guildIDs() []string {
	if len(d.guilds) > 0 {
		return d.guilds
	}
	if d.session.State == nil {
		return nil
	}
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	ids := make([]string, 0, len(d.session.State.Guilds))
	for _, g := range d.session.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

// GetChannels 列出所有可归档的文本频道与活跃子区
func (d *DiscordSource) GetChannels(ctx context.Context) ([]models.Channel, error) {
	var (
		out  []models.Channel
		errs []error
	)
	for _, guildID := range d.guildIDs() {
		channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get channels for guild %s: %w", guildID, err))
			continue
		}
		for _, ch := range channels {
			if archivable(ch.Type) {
				out = append(out, ConvertChannel(ch))
			}
		}

		active, err := d.session.GuildThreadsActive(guildID, discordgo.WithContext(ctx))
		if err != nil {
			d.logger.Warn("DiscordSource", "GetChannels", fmt.Sprintf("Failed to get active threads for guild %s: %v", guildID, err))
			continue
		}
		for _, thread := range active.Threads {
			out = append(out, ConvertChannel(thread))
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (d *DiscordSource) GetChannel(ctx context.Context, channelID string) (models.Channel, error) {
	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return models.Channel{}, &models.SourceFetchError{ChannelID: channelID, Op: "channel", Err: err}
	}
	return ConvertChannel(ch), nil
}

func (d *DiscordSource) GetMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	return d.fetch(ctx, channelID, "", limit)
}

func (d *DiscordSource) GetMessagesBefore(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	return d.fetch(ctx, channelID, beforeID, limit)
}

func (d *DiscordSource) fetch(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	msgs, err := d.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		op := "messages"
		if beforeID != "" {
			op = "messages before " + beforeID
		}
		return nil, &models.SourceFetchError{ChannelID: channelID, Op: op, Err: err}
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ConvertMessage(m))
	}
	return out, nil
}

var archivableTypes = []discordgo.ChannelType{
	discordgo.ChannelTypeGuildText,
	discordgo.ChannelTypeGuildNews,
	discordgo.ChannelTypeGuildPublicThread,
	discordgo.ChannelTypeGuildPrivateThread,
	discordgo.ChannelTypeGuildNewsThread,
	discordgo.ChannelTypeDM,
	discordgo.ChannelTypeGroupDM,
}

func archivable(t discordgo.ChannelType) bool {
	return slices.Contains(archivableTypes, t)
}

// ConvertChannel 将 discordgo 频道转换为归档模型
func ConvertChannel(ch *discordgo.Channel) models.Channel {
	out := models.Channel{
		ID:        ch.ID,
		Name:      ch.Name,
		GuildID:   ch.GuildID,
		ParentID:  ch.ParentID,
		Topic:     ch.Topic,
		Type:      models.ChannelTypeText,
		FirstSeen: time.Now().UTC(),
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		out.Type = models.ChannelTypeThread
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		out.Type = models.ChannelTypeDirect
		names := make([]string, 0, len(ch.Recipients))
		for _, u := range ch.Recipients {
			names = append(names, displayName(u))
		}
		if out.Name == "" && len(names) > 0 {
			out.Name = names[0]
		}
		if len(names) > 1 {
			out.DisplayName = fmt.Sprintf("%s +%d", names[0], len(names)-1)
		}
	}
	if out.Name == "" {
		out.Name = "unknown-" + ch.ID
	}
	return out
}

// ConvertMessage 将 discordgo 消息转换为归档模型
func ConvertMessage(m *discordgo.Message) models.Message {
	out := models.Message{
		ID:              m.ID,
		ChannelID:       m.ChannelID,
		GuildID:         m.GuildID,
		Timestamp:       m.Timestamp.UTC(),
		Content:         m.Content,
		EditedTimestamp: m.EditedTimestamp,
		Pinned:          m.Pinned,
		Type:            int(m.Type),
	}
	if out.Timestamp.IsZero() {
		// 部分事件不带时间戳，退回雪花 ID 中的创建时间
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			out.Timestamp = ts.UTC()
		}
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = displayName(m.Author)
		out.IsBot = m.Author.Bot
	}
	if m.MessageReference != nil {
		out.ReplyToID = m.MessageReference.MessageID
	}
	if m.Thread != nil {
		out.ThreadID = m.Thread.ID
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, models.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	for _, e := range m.Embeds {
		out.Embeds = append(out.Embeds, models.Embed{
			Type:        string(e.Type),
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
		})
	}
	for _, s := range m.StickerItems {
		out.Stickers = append(out.Stickers, models.Sticker{ID: s.ID, Name: s.Name})
	}
	for _, r := range m.Reactions {
		if r.Emoji == nil {
			continue
		}
		out.Reactions = append(out.Reactions, models.Reaction{Emoji: r.Emoji.APIName(), Count: r.Count})
	}
	return out
}

func displayName(u *discordgo.User) string { return u.DisplayName() }
