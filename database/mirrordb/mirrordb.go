// Package mirrordb implements the remote mirror record store on top of a
// hosted SurrealDB instance. Records are kept in the "channel" and
// "message" tables keyed by the platform id; timestamps are stored as Unix
// milliseconds so ordering and range filters behave the same as in SQLite.
package mirrordb

import (
	"context"
	"fmt"
	"time"

	"discord-archiver/models"

	surrealdb "github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const (
	channelTable = "channel"
	messageTable = "message"
)

// Store is the mirror record store.
type Store struct {
	db *surrealdb.DB
}

// New connects, signs in and selects the namespace/database.
func New(ctx context.Context, cfg models.MirrorConfig) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB at %s: %w", cfg.URL, err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, surrealdb.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		}); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	s := &Store{db: db}
	if err := s.defineIndexes(ctx); err != nil {
		db.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) defineIndexes(ctx context.Context) error {
	query := `
    DEFINE INDEX IF NOT EXISTS idx_message_channel_ts ON message FIELDS channel_id, timestamp;
    DEFINE INDEX IF NOT EXISTS idx_message_ts ON message FIELDS timestamp;`
	if _, err := surrealdb.Query[any](ctx, s.db, query, nil); err != nil {
		return fmt.Errorf("failed to define indexes: %w", err)
	}
	return nil
}

// Name returns the backend name used in logs.
func (s *Store) Name() string { return "surrealdb" }

// Close closes the connection.
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

type channelRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	ChannelID      string                 `json:"channel_id"`
	Name           string                 `json:"name"`
	GuildID        string                 `json:"guild_id"`
	ParentID       string                 `json:"parent_id"`
	DisplayName    string                 `json:"display_name"`
	Topic          string                 `json:"topic"`
	Type           string                 `json:"type"`
	FirstSeen      int64                  `json:"first_seen"`
	BackfillCursor *string                `json:"backfill_cursor"`
}

type messageRow struct {
	ID              surrealmodels.RecordID `json:"id"`
	MessageID       string                 `json:"message_id"`
	ChannelID       string                 `json:"channel_id"`
	GuildID         string                 `json:"guild_id"`
	AuthorID        string                 `json:"author_id"`
	AuthorName      string                 `json:"author_name"`
	Timestamp       int64                  `json:"timestamp"`
	Content         string                 `json:"content"`
	EditedTimestamp *int64                 `json:"edited_timestamp"`
	Pinned          bool                   `json:"pinned"`
	Attachments     []models.Attachment    `json:"attachments"`
	Embeds          []models.Embed         `json:"embeds"`
	Stickers        []models.Sticker       `json:"stickers"`
	Reactions       []models.Reaction      `json:"reactions"`
	ReplyToID       string                 `json:"reply_to_id"`
	ThreadID        string                 `json:"thread_id"`
	IsBot           bool                   `json:"is_bot"`
	MessageType     int                    `json:"message_type"`
}

// messageFields is the explicit projection used for reads; it leaves out
// the record id so rows decode without the RecordID type.
const messageFields = `message_id, channel_id, guild_id, author_id, author_name, timestamp, content,
    edited_timestamp, pinned, attachments, embeds, stickers, reactions, reply_to_id, thread_id,
    is_bot, message_type`

type readMessageRow struct {
	MessageID       string              `json:"message_id"`
	ChannelID       string              `json:"channel_id"`
	GuildID         string              `json:"guild_id"`
	AuthorID        string              `json:"author_id"`
	AuthorName      string              `json:"author_name"`
	Timestamp       int64               `json:"timestamp"`
	Content         string              `json:"content"`
	EditedTimestamp *int64              `json:"edited_timestamp"`
	Pinned          bool                `json:"pinned"`
	Attachments     []models.Attachment `json:"attachments"`
	Embeds          []models.Embed      `json:"embeds"`
	Stickers        []models.Sticker    `json:"stickers"`
	Reactions       []models.Reaction   `json:"reactions"`
	ReplyToID       string              `json:"reply_to_id"`
	ThreadID        string              `json:"thread_id"`
	IsBot           bool                `json:"is_bot"`
	MessageType     int                 `json:"message_type"`
}

func (r readMessageRow) toModel() models.Message {
	m := models.Message{
		ID:          r.MessageID,
		ChannelID:   r.ChannelID,
		GuildID:     r.GuildID,
		AuthorID:    r.AuthorID,
		AuthorName:  r.AuthorName,
		Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
		Content:     r.Content,
		Pinned:      r.Pinned,
		Attachments: r.Attachments,
		Embeds:      r.Embeds,
		Stickers:    r.Stickers,
		Reactions:   r.Reactions,
		ReplyToID:   r.ReplyToID,
		ThreadID:    r.ThreadID,
		IsBot:       r.IsBot,
		Type:        r.MessageType,
	}
	if r.EditedTimestamp != nil {
		t := time.UnixMilli(*r.EditedTimestamp).UTC()
		m.EditedTimestamp = &t
	}
	return m
}

func channelRecord(id string) surrealmodels.RecordID {
	return surrealmodels.RecordID{Table: channelTable, ID: id}
}

func messageRecord(id string) surrealmodels.RecordID {
	return surrealmodels.RecordID{Table: messageTable, ID: id}
}

// rows returns the result set of the first statement.
func rows[T any](res *[]surrealdb.QueryResult[[]T]) []T {
	if res == nil || len(*res) == 0 {
		return nil
	}
	return (*res)[0].Result
}

// newChannelRow fills the first_seen and type defaults. The cursor is left
// out so a re-upsert never touches it.
func newChannelRow(ch models.Channel, now time.Time) channelRow {
	firstSeen := ch.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	chType := ch.Type
	if chType == "" {
		chType = models.ChannelTypeText
	}
	return channelRow{
		ID:          channelRecord(ch.ID),
		ChannelID:   ch.ID,
		Name:        ch.Name,
		GuildID:     ch.GuildID,
		ParentID:    ch.ParentID,
		DisplayName: ch.DisplayName,
		Topic:       ch.Topic,
		Type:        string(chType),
		FirstSeen:   firstSeen.UnixMilli(),
	}
}

// UpsertChannel inserts the channel or refreshes its descriptive fields.
func (s *Store) UpsertChannel(ctx context.Context, ch models.Channel) error {
	row := newChannelRow(ch, time.Now())

	query := `
    INSERT INTO channel $row ON DUPLICATE KEY UPDATE
        name = $input.name,
        guild_id = $input.guild_id,
        parent_id = $input.parent_id,
        display_name = $input.display_name,
        topic = $input.topic,
        type = $input.type
    RETURN NONE;`
	if _, err := surrealdb.Query[any](ctx, s.db, query, map[string]any{"row": row}); err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// UpsertMessages saves the batch with a single INSERT statement, which
// SurrealDB applies atomically.
func (s *Store) UpsertMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := make([]messageRow, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, newMessageRow(m))
	}

	query := `
    INSERT INTO message $rows ON DUPLICATE KEY UPDATE
        content = $input.content,
        edited_timestamp = $input.edited_timestamp,
        pinned = $input.pinned,
        attachments = $input.attachments,
        embeds = $input.embeds,
        stickers = $input.stickers,
        reactions = $input.reactions
    RETURN NONE;`
	if _, err := surrealdb.Query[any](ctx, s.db, query, map[string]any{"rows": batch}); err != nil {
		return fmt.Errorf("failed to upsert %d messages: %w", len(msgs), err)
	}
	return nil
}

func newMessageRow(m models.Message) messageRow {
	row := messageRow{
		ID:          messageRecord(m.ID),
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		Timestamp:   m.Timestamp.UnixMilli(),
		Content:     m.Content,
		Pinned:      m.Pinned,
		Attachments: nonNil(m.Attachments),
		Embeds:      nonNil(m.Embeds),
		Stickers:    nonNil(m.Stickers),
		Reactions:   nonNil(m.Reactions),
		ReplyToID:   m.ReplyToID,
		ThreadID:    m.ThreadID,
		IsBot:       m.IsBot,
		MessageType: m.Type,
	}
	if m.EditedTimestamp != nil {
		ms := m.EditedTimestamp.UnixMilli()
		row.EditedTimestamp = &ms
	}
	return row
}

// nonNil 数组字段写成 [] 而不是 NULL
func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// DeleteMessage removes a single message.
func (s *Store) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	query := `DELETE $rid WHERE channel_id = $ch RETURN NONE;`
	vars := map[string]any{"rid": messageRecord(messageID), "ch": channelID}
	if _, err := surrealdb.Query[any](ctx, s.db, query, vars); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessagesInRange removes the channel's messages with timestamp in [start, end).
func (s *Store) DeleteMessagesInRange(ctx context.Context, channelID string, start, end time.Time) (int64, error) {
	query := `DELETE message WHERE channel_id = $ch AND timestamp >= $start AND timestamp < $end RETURN BEFORE;`
	vars := map[string]any{"ch": channelID, "start": start.UnixMilli(), "end": end.UnixMilli()}

	type deleted struct {
		MessageID string `json:"message_id"`
	}
	res, err := surrealdb.Query[[]deleted](ctx, s.db, query, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages of channel %s: %w", channelID, err)
	}
	return int64(len(rows(res))), nil
}

// SetBackfillCursor stores the cursor; a COMPLETE cursor is only ever
// overwritten by another COMPLETE.
func (s *Store) SetBackfillCursor(ctx context.Context, channelID string, cursor models.Cursor) error {
	value, ok := cursor.Encode()
	var arg any
	if ok {
		arg = value
	}

	query := `UPDATE $rid SET backfill_cursor = $cursor WHERE backfill_cursor != 'COMPLETE' RETURN NONE;`
	if cursor.IsComplete() {
		query = `UPDATE $rid SET backfill_cursor = $cursor RETURN NONE;`
	}
	vars := map[string]any{"rid": channelRecord(channelID), "cursor": arg}
	if _, err := surrealdb.Query[any](ctx, s.db, query, vars); err != nil {
		return fmt.Errorf("failed to set backfill cursor for channel %s: %w", channelID, err)
	}
	return nil
}

// GetBackfillCursor returns the channel's cursor, NotStarted for unknown channels.
func (s *Store) GetBackfillCursor(ctx context.Context, channelID string) (models.Cursor, error) {
	type row struct {
		BackfillCursor *string `json:"backfill_cursor"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db, `SELECT backfill_cursor FROM $rid;`,
		map[string]any{"rid": channelRecord(channelID)})
	if err != nil {
		return models.Cursor{}, fmt.Errorf("failed to query backfill cursor for channel %s: %w", channelID, err)
	}
	result := rows(res)
	if len(result) == 0 || result[0].BackfillCursor == nil {
		return models.NotStarted(), nil
	}
	return models.DecodeCursor(*result[0].BackfillCursor, true), nil
}

// ChannelExists reports whether the channel record exists.
func (s *Store) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	type row struct {
		ChannelID string `json:"channel_id"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db, `SELECT channel_id FROM $rid;`,
		map[string]any{"rid": channelRecord(channelID)})
	if err != nil {
		return false, fmt.Errorf("failed to check channel %s: %w", channelID, err)
	}
	return len(rows(res)) > 0, nil
}

// OldestMessageID returns the id of the oldest persisted message, "" if none.
func (s *Store) OldestMessageID(ctx context.Context, channelID string) (string, error) {
	type row struct {
		MessageID string `json:"message_id"`
		Timestamp int64  `json:"timestamp"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db,
		`SELECT message_id, timestamp FROM message WHERE channel_id = $ch ORDER BY timestamp ASC LIMIT 1;`,
		map[string]any{"ch": channelID})
	if err != nil {
		return "", fmt.Errorf("failed to query oldest message of channel %s: %w", channelID, err)
	}
	result := rows(res)
	if len(result) == 0 {
		return "", nil
	}
	return result[0].MessageID, nil
}

// LatestMessageTimestamp returns the newest message timestamp of the channel.
func (s *Store) LatestMessageTimestamp(ctx context.Context, channelID string) (time.Time, bool, error) {
	type row struct {
		Timestamp int64 `json:"timestamp"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db,
		`SELECT timestamp FROM message WHERE channel_id = $ch ORDER BY timestamp DESC LIMIT 1;`,
		map[string]any{"ch": channelID})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest timestamp of channel %s: %w", channelID, err)
	}
	result := rows(res)
	if len(result) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(result[0].Timestamp).UTC(), true, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, vars map[string]any) ([]models.Message, error) {
	res, err := surrealdb.Query[[]readMessageRow](ctx, s.db, query, vars)
	if err != nil {
		return nil, err
	}
	result := rows(res)
	msgs := make([]models.Message, 0, len(result))
	for _, r := range result {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

// MessagesInRange returns the channel's messages in [start, end), oldest first.
func (s *Store) MessagesInRange(ctx context.Context, channelID string, start, end time.Time) ([]models.Message, error) {
	query := `SELECT ` + messageFields + ` FROM message
    WHERE channel_id = $ch AND timestamp >= $start AND timestamp < $end ORDER BY timestamp ASC;`
	msgs, err := s.queryMessages(ctx, query, map[string]any{
		"ch": channelID, "start": start.UnixMilli(), "end": end.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of channel %s: %w", channelID, err)
	}
	return msgs, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageFields + ` FROM message
    WHERE channel_id = $ch ORDER BY timestamp DESC LIMIT $limit;`
	msgs, err := s.queryMessages(ctx, query, map[string]any{"ch": channelID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages of channel %s: %w", channelID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) queryChannelIDs(ctx context.Context, query string, vars map[string]any) ([]string, error) {
	type row struct {
		ChannelID string `json:"channel_id"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db, query, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel ids: %w", err)
	}
	result := rows(res)
	ids := make([]string, 0, len(result))
	for _, r := range result {
		ids = append(ids, r.ChannelID)
	}
	return ids, nil
}

// ChannelsActiveSince returns channels having a message strictly newer than since.
func (s *Store) ChannelsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	return s.queryChannelIDs(ctx,
		`SELECT channel_id FROM message WHERE timestamp > $since GROUP BY channel_id;`,
		map[string]any{"since": since.UnixMilli()})
}

// ChannelsWithMessages returns every channel having at least one message.
func (s *Store) ChannelsWithMessages(ctx context.Context) ([]string, error) {
	return s.queryChannelIDs(ctx, `SELECT channel_id FROM message GROUP BY channel_id;`, nil)
}

// ListChannels returns all known channels with their cursors.
func (s *Store) ListChannels(ctx context.Context) ([]models.Channel, error) {
	type row struct {
		ChannelID      string  `json:"channel_id"`
		Name           string  `json:"name"`
		GuildID        string  `json:"guild_id"`
		ParentID       string  `json:"parent_id"`
		DisplayName    string  `json:"display_name"`
		Topic          string  `json:"topic"`
		Type           string  `json:"type"`
		FirstSeen      int64   `json:"first_seen"`
		BackfillCursor *string `json:"backfill_cursor"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db,
		`SELECT channel_id, name, guild_id, parent_id, display_name, topic, type, first_seen, backfill_cursor
    FROM channel ORDER BY channel_id;`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}

	result := rows(res)
	channels := make([]models.Channel, 0, len(result))
	for _, r := range result {
		ch := models.Channel{
			ID:          r.ChannelID,
			Name:        r.Name,
			GuildID:     r.GuildID,
			ParentID:    r.ParentID,
			DisplayName: r.DisplayName,
			Topic:       r.Topic,
			Type:        models.ChannelType(r.Type),
			FirstSeen:   time.UnixMilli(r.FirstSeen).UTC(),
			Cursor:      models.NotStarted(),
		}
		if r.BackfillCursor != nil {
			ch.Cursor = models.DecodeCursor(*r.BackfillCursor, true)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// ChannelStats returns message count, time span and cursor of one channel.
func (s *Store) ChannelStats(ctx context.Context, channelID string) (models.ChannelStats, error) {
	stats := models.ChannelStats{ChannelID: channelID}

	type row struct {
		Count  int64  `json:"count"`
		Oldest *int64 `json:"oldest"`
		Newest *int64 `json:"newest"`
	}
	res, err := surrealdb.Query[[]row](ctx, s.db,
		`SELECT count() AS count, math::min(timestamp) AS oldest, math::max(timestamp) AS newest
    FROM message WHERE channel_id = $ch GROUP ALL;`,
		map[string]any{"ch": channelID})
	if err != nil {
		return stats, fmt.Errorf("failed to query stats of channel %s: %w", channelID, err)
	}
	if result := rows(res); len(result) > 0 {
		stats.MessageCount = result[0].Count
		if result[0].Oldest != nil {
			t := time.UnixMilli(*result[0].Oldest).UTC()
			stats.Oldest = &t
		}
		if result[0].Newest != nil {
			t := time.UnixMilli(*result[0].Newest).UTC()
			stats.Newest = &t
		}
	}

	cursor, err := s.GetBackfillCursor(ctx, channelID)
	if err != nil {
		return stats, err
	}
	stats.Cursor = cursor
	return stats, nil
}

// TotalStats returns archive-wide counters.
func (s *Store) TotalStats(ctx context.Context) (models.TotalStats, error) {
	type row struct {
		Count int64 `json:"count"`
	}
	query := `
    SELECT count() AS count FROM channel GROUP ALL;
    SELECT count() AS count FROM channel WHERE backfill_cursor = 'COMPLETE' GROUP ALL;
    SELECT count() AS count FROM message GROUP ALL;`
	res, err := surrealdb.Query[[]row](ctx, s.db, query, nil)
	if err != nil {
		return models.TotalStats{}, fmt.Errorf("failed to query totals: %w", err)
	}

	counts := make([]int64, 3)
	if res != nil {
		for i, r := range *res {
			if i < len(counts) && len(r.Result) > 0 {
				counts[i] = r.Result[0].Count
			}
		}
	}
	return models.TotalStats{
		Channels:          counts[0],
		CompletedChannels: counts[1],
		Messages:          counts[2],
	}, nil
}
