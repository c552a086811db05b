package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"discord-archiver/models"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the primary, file-backed record store.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (and creates if needed) the SQLite archive at dbPath.
func New(dbPath string) (*Store, error) {
	// Ensure the directory for the database file exists.
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}
	// A single writer connection avoids SQLITE_BUSY between the backfill and live event goroutines.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: dbPath}, nil
}

// Name returns the backend name used in logs.
func (s *Store) Name() string { return "sqlite" }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Maintain refreshes planner statistics and truncates the WAL file.
func (s *Store) Maintain(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA optimize;", "PRAGMA wal_checkpoint(TRUNCATE);"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to run %s: %w", pragma, err)
		}
	}
	return nil
}

// createTables creates the channels and messages tables if they don't exist.
func createTables(db *sql.DB) error {
	channels := `
    CREATE TABLE IF NOT EXISTS channels (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        guild_id TEXT NOT NULL DEFAULT '',
        parent_id TEXT NOT NULL DEFAULT '',
        display_name TEXT NOT NULL DEFAULT '',
        topic TEXT NOT NULL DEFAULT '',
        type TEXT NOT NULL DEFAULT 'text',
        first_seen INTEGER NOT NULL,
        backfill_cursor TEXT
    );`
	if _, err := db.Exec(channels); err != nil {
		return fmt.Errorf("failed to create channels table: %w", err)
	}

	messages := `
    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        channel_id TEXT NOT NULL REFERENCES channels(id),
        guild_id TEXT NOT NULL DEFAULT '',
        author_id TEXT NOT NULL,
        author_name TEXT NOT NULL,
        timestamp INTEGER NOT NULL,
        content TEXT NOT NULL DEFAULT '',
        edited_timestamp INTEGER,
        pinned INTEGER NOT NULL DEFAULT 0,
        attachments TEXT NOT NULL DEFAULT '[]',
        embeds TEXT NOT NULL DEFAULT '[]',
        stickers TEXT NOT NULL DEFAULT '[]',
        reactions TEXT NOT NULL DEFAULT '[]',
        reply_to_id TEXT NOT NULL DEFAULT '',
        thread_id TEXT NOT NULL DEFAULT '',
        is_bot INTEGER NOT NULL DEFAULT 0,
        message_type INTEGER NOT NULL DEFAULT 0
    );`
	if _, err := db.Exec(messages); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp ON messages(channel_id, timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);",
	}
	for _, indexQuery := range indexes {
		if _, err := db.Exec(indexQuery); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// UpsertChannel inserts the channel or refreshes its descriptive fields.
// first_seen and backfill_cursor are never touched on conflict.
func (s *Store) UpsertChannel(ctx context.Context, ch models.Channel) error {
	firstSeen := ch.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}
	chType := ch.Type
	if chType == "" {
		chType = models.ChannelTypeText
	}

	query := `
    INSERT INTO channels (id, name, guild_id, parent_id, display_name, topic, type, first_seen)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        name = excluded.name,
        guild_id = excluded.guild_id,
        parent_id = excluded.parent_id,
        display_name = excluded.display_name,
        topic = excluded.topic,
        type = excluded.type;`

	_, err := s.db.ExecContext(ctx, query,
		ch.ID, ch.Name, ch.GuildID, ch.ParentID, ch.DisplayName, ch.Topic, string(chType), firstSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", ch.ID, err)
	}
	return nil
}

// UpsertMessages saves a batch of messages in one transaction.
func (s *Store) UpsertMessages(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
    INSERT INTO messages (
        id, channel_id, guild_id, author_id, author_name, timestamp, content, edited_timestamp,
        pinned, attachments, embeds, stickers, reactions, reply_to_id, thread_id, is_bot, message_type
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        content = excluded.content,
        edited_timestamp = excluded.edited_timestamp,
        pinned = excluded.pinned,
        attachments = excluded.attachments,
        embeds = excluded.embeds,
        stickers = excluded.stickers,
        reactions = excluded.reactions;`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		attachments, embeds, stickers, reactions, err := encodeMutable(m)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", m.ID, err)
		}
		var edited sql.NullInt64
		if m.EditedTimestamp != nil {
			edited = sql.NullInt64{Int64: m.EditedTimestamp.UnixMilli(), Valid: true}
		}
		_, err = stmt.ExecContext(ctx,
			m.ID, m.ChannelID, m.GuildID, m.AuthorID, m.AuthorName, m.Timestamp.UnixMilli(), m.Content, edited,
			m.Pinned, attachments, embeds, stickers, reactions, m.ReplyToID, m.ThreadID, m.IsBot, m.Type)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message batch: %w", err)
	}
	return nil
}

// DeleteMessage removes a single message.
func (s *Store) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND channel_id = ?", messageID, channelID)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessagesInRange removes the channel's messages with timestamp in [start, end).
func (s *Store) DeleteMessagesInRange(ctx context.Context, channelID string, start, end time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE channel_id = ? AND timestamp >= ? AND timestamp < ?",
		channelID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages of channel %s: %w", channelID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// SetBackfillCursor stores the cursor. A completed cursor is terminal: only
// another Complete write can touch it.
func (s *Store) SetBackfillCursor(ctx context.Context, channelID string, cursor models.Cursor) error {
	value, ok := cursor.Encode()
	var arg sql.NullString
	if ok {
		arg = sql.NullString{String: value, Valid: true}
	}

	query := `UPDATE channels SET backfill_cursor = ? WHERE id = ? AND (backfill_cursor IS NULL OR backfill_cursor <> 'COMPLETE')`
	if cursor.IsComplete() {
		query = `UPDATE channels SET backfill_cursor = ? WHERE id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, arg, channelID); err != nil {
		return fmt.Errorf("failed to set backfill cursor for channel %s: %w", channelID, err)
	}
	return nil
}

// GetBackfillCursor returns the channel's cursor, NotStarted for unknown channels.
func (s *Store) GetBackfillCursor(ctx context.Context, channelID string) (models.Cursor, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT backfill_cursor FROM channels WHERE id = ?", channelID).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.NotStarted(), nil
		}
		return models.Cursor{}, fmt.Errorf("failed to query backfill cursor for channel %s: %w", channelID, err)
	}
	return models.DecodeCursor(value.String, value.Valid), nil
}

// ChannelExists reports whether the channel row exists.
func (s *Store) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM channels WHERE id = ?", channelID).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check channel %s: %w", channelID, err)
	}
	return true, nil
}

// OldestMessageID returns the id of the oldest persisted message, "" if none.
func (s *Store) OldestMessageID(ctx context.Context, channelID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM messages WHERE channel_id = ? ORDER BY timestamp ASC, id ASC LIMIT 1", channelID).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to query oldest message of channel %s: %w", channelID, err)
	}
	return id, nil
}

// LatestMessageTimestamp returns the newest message timestamp of the channel.
func (s *Store) LatestMessageTimestamp(ctx context.Context, channelID string) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM messages WHERE channel_id = ?", channelID).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest timestamp of channel %s: %w", channelID, err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

const messageColumns = `id, channel_id, guild_id, author_id, author_name, timestamp, content, edited_timestamp,
        pinned, attachments, embeds, stickers, reactions, reply_to_id, thread_id, is_bot, message_type`

// MessagesInRange returns the channel's messages in [start, end), oldest first.
func (s *Store) MessagesInRange(ctx context.Context, channelID string, start, end time.Time) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE channel_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC, id ASC",
		channelID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of channel %s: %w", channelID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE channel_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages of channel %s: %w", channelID, err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ChannelsActiveSince returns channels having a message strictly newer than since.
func (s *Store) ChannelsActiveSince(ctx context.Context, since time.Time) ([]string, error) {
	return s.queryIDs(ctx, "SELECT DISTINCT channel_id FROM messages WHERE timestamp > ?", since.UnixMilli())
}

// ChannelsWithMessages returns every channel having at least one message.
func (s *Store) ChannelsWithMessages(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, "SELECT DISTINCT channel_id FROM messages")
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListChannels returns all known channels with their cursors.
func (s *Store) ListChannels(ctx context.Context) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, guild_id, parent_id, display_name, topic, type, first_seen, backfill_cursor FROM channels ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var (
			ch        models.Channel
			chType    string
			firstSeen int64
			cursor    sql.NullString
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.GuildID, &ch.ParentID, &ch.DisplayName, &ch.Topic, &chType, &firstSeen, &cursor); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		ch.Type = models.ChannelType(chType)
		ch.FirstSeen = time.UnixMilli(firstSeen).UTC()
		ch.Cursor = models.DecodeCursor(cursor.String, cursor.Valid)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ChannelStats returns message count, time span and cursor of one channel.
func (s *Store) ChannelStats(ctx context.Context, channelID string) (models.ChannelStats, error) {
	stats := models.ChannelStats{ChannelID: channelID}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM messages WHERE channel_id = ?", channelID).
		Scan(&stats.MessageCount, &oldest, &newest)
	if err != nil {
		return stats, fmt.Errorf("failed to query stats of channel %s: %w", channelID, err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		stats.Oldest = &t
	}
	if newest.Valid {
		t := time.UnixMilli(newest.Int64).UTC()
		stats.Newest = &t
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
	var stats models.TotalStats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN backfill_cursor = 'COMPLETE' THEN 1 ELSE 0 END), 0) FROM channels").
		Scan(&stats.Channels, &stats.CompletedChannels)
	if err != nil {
		return stats, fmt.Errorf("failed to count channels: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&stats.Messages); err != nil {
		return stats, fmt.Errorf("failed to count messages: %w", err)
	}
	return stats, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var ts int64
		var edited sql.NullInt64
		var attachments, embeds, stickers, reactions string
		err := rows.Scan(&m.ID, &m.ChannelID, &m.GuildID, &m.AuthorID, &m.AuthorName, &ts, &m.Content, &edited,
			&m.Pinned, &attachments, &embeds, &stickers, &reactions, &m.ReplyToID, &m.ThreadID, &m.IsBot, &m.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		if edited.Valid {
			t := time.UnixMilli(edited.Int64).UTC()
			m.EditedTimestamp = &t
		}
		if err := decodeMutable(&m, attachments, embeds, stickers, reactions); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeMutable(m models.Message) (attachments, embeds, stickers, reactions string, err error) {
	parts := []any{m.Attachments, m.Embeds, m.Stickers, m.Reactions}
	out := make([]string, len(parts))
	for i, p := range parts {
		data, err := json.Marshal(p)
		if err != nil {
			return "", "", "", "", err
		}
		out[i] = string(data)
		if out[i] == "null" {
			out[i] = "[]"
		}
	}
	return out[0], out[1], out[2], out[3], nil
}

func decodeMutable(m *models.Message, attachments, embeds, stickers, reactions string) error {
	fields := []struct {
		raw string
		dst any
	}{
		{attachments, &m.Attachments},
		{embeds, &m.Embeds},
		{stickers, &m.Stickers},
		{reactions, &m.Reactions},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" || f.raw == "[]" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return err
		}
	}
	return nil
}
