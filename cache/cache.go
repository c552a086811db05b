// Package cache holds the in-process read cache for recently viewed
// channels. It is not persisted and is bounded both in the number of
// channels (LRU eviction) and in messages kept per channel.
package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"discord-archiver/models"
)

const (
	DefaultTTL         = 60 * time.Second
	DefaultMaxChannels = 50
	DefaultMaxMessages = 200
)

// Key identifies a cached channel.
type Key struct {
	Platform  string
	ChannelID string
}

// Entry is the cached message window of one channel, oldest first.
type Entry struct {
	Messages      []models.Message
	FetchedAt     time.Time
	HasMoreBefore bool

	index map[string]int
}

// ChannelMeta is a cached channel snapshot.
type ChannelMeta struct {
	Channel       models.Channel
	FetchedAt     time.Time
	UnreadCount   *int
	LastMessageAt *time.Time
}

// ReadCache is safe for concurrent use; one mutex guards both maps and the LRU list.
type ReadCache struct {
	mu sync.Mutex

	ttl         time.Duration
	maxChannels int
	maxMessages int
	now         func() time.Time

	messages map[Key]*Entry
	channels map[Key]*ChannelMeta
	order    *list.List // front = least recently used
	elems    map[Key]*list.Element
}

// Option configures a ReadCache.
type Option func(*ReadCache)

// WithTTL sets the staleness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *ReadCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxChannels sets the channel cap.
func WithMaxChannels(n int) Option {
	return func(c *ReadCache) {
		if n > 0 {
			c.maxChannels = n
		}
	}
}

// WithMaxMessages sets the per-channel message cap.
func WithMaxMessages(n int) Option {
	return func(c *ReadCache) {
		if n > 0 {
			c.maxMessages = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *ReadCache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *ReadCache {
	c := &ReadCache{
		ttl:         DefaultTTL,
		maxChannels: DefaultMaxChannels,
		maxMessages: DefaultMaxMessages,
		now:         time.Now,
		messages:    make(map[Key]*Entry),
		channels:    make(map[Key]*ChannelMeta),
		order:       list.New(),
		elems:       make(map[Key]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the channel's entry and marks it recently used.
func (c *ReadCache) Get(platform, channelID string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{platform, channelID}
	e, ok := c.messages[key]
	if !ok {
		return nil, false
	}
	c.touch(key)
	return e.clone(), true
}

// IsStale reports whether the channel has no entry or its entry is older than the TTL.
func (c *ReadCache) IsStale(platform, channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.messages[Key{platform, channelID}]
	if !ok {
		return true
	}
	return c.now().Sub(e.FetchedAt) > c.ttl
}

// Set replaces the channel's entry wholesale.
func (c *ReadCache) Set(platform, channelID string, msgs []models.Message, hasMoreBefore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{platform, channelID}
	e := &Entry{
		Messages:      append([]models.Message(nil), msgs...),
		FetchedAt:     c.now(),
		HasMoreBefore: hasMoreBefore,
	}
	e.dedupe()
	e.sortAndTrim(c.maxMessages)
	c.messages[key] = e
	c.touch(key)
	c.evict()
}

// Prepend merges older messages into the channel's entry and returns how many
// of them were not already cached. A return of 0 means there is no more
// history to page through.
func (c *ReadCache) Prepend(platform, channelID string, older []models.Message, hasMoreBefore bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{platform, channelID}
	e, ok := c.messages[key]
	if !ok {
		e = &Entry{FetchedAt: c.now(), index: make(map[string]int)}
		c.messages[key] = e
	}

	added := 0
	for _, m := range older {
		if _, dup := e.index[m.ID]; dup {
			continue
		}
		e.index[m.ID] = len(e.Messages)
		e.Messages = append(e.Messages, m)
		added++
	}
	e.HasMoreBefore = hasMoreBefore
	e.sortAndTrim(c.maxMessages)
	c.touch(key)
	c.evict()
	return added
}

// UpsertOne replaces or appends a single message. Channels without an entry
// are left alone: only explicit loads create entries.
func (c *ReadCache) UpsertOne(platform, channelID string, m models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.messages[Key{platform, channelID}]
	if !ok {
		return
	}
	if i, exists := e.index[m.ID]; exists {
		e.Messages[i] = m
	} else {
		e.Messages = append(e.Messages, m)
	}
	e.sortAndTrim(c.maxMessages)
}

// DeleteOne removes a message from the channel's entry, if present.
func (c *ReadCache) DeleteOne(platform, channelID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.messages[Key{platform, channelID}]
	if !ok {
		return
	}
	i, exists := e.index[messageID]
	if !exists {
		return
	}
	e.Messages = append(e.Messages[:i], e.Messages[i+1:]...)
	e.reindex()
}

// GetChannel returns the cached channel metadata and marks it recently used.
func (c *ReadCache) GetChannel(platform, channelID string) (ChannelMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{platform, channelID}
	meta, ok := c.channels[key]
	if !ok {
		return ChannelMeta{}, false
	}
	c.touch(key)
	return *meta, true
}

// ChannelStale reports whether the channel metadata is missing or older than the TTL.
func (c *ReadCache) ChannelStale(platform, channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.channels[Key{platform, channelID}]
	if !ok {
		return true
	}
	return c.now().Sub(meta.FetchedAt) > c.ttl
}

// SetChannel stores channel metadata.
func (c *ReadCache) SetChannel(platform string, ch models.Channel, unreadCount *int, lastMessageAt *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{platform, ch.ID}
	c.channels[key] = &ChannelMeta{
		Channel:       ch,
		FetchedAt:     c.now(),
		UnreadCount:   unreadCount,
		LastMessageAt: lastMessageAt,
	}
	c.touch(key)
	c.evict()
}

// Len returns the number of message entries and channel metadata entries.
func (c *ReadCache) Len() (messages, channels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages), len(c.channels)
}

// Keys returns the cached keys from least to most recently used.
func (c *ReadCache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(Key))
	}
	return keys
}

func (c *ReadCache) touch(key Key) {
	if el, ok := c.elems[key]; ok {
		c.order.MoveToBack(el)
		return
	}
	c.elems[key] = c.order.PushBack(key)
}

// evict drops least recently used channels (messages and metadata together)
// until the channel count is within the cap.
func (c *ReadCache) evict() {
	for c.order.Len() > c.maxChannels {
		el := c.order.Front()
		key := el.Value.(Key)
		c.order.Remove(el)
		delete(c.elems, key)
		delete(c.messages, key)
		delete(c.channels, key)
	}
}

func (e *Entry) clone() *Entry {
	return &Entry{
		Messages:      append([]models.Message(nil), e.Messages...),
		FetchedAt:     e.FetchedAt,
		HasMoreBefore: e.HasMoreBefore,
	}
}

// dedupe keeps the last occurrence of every id.
func (e *Entry) dedupe() {
	seen := make(map[string]int, len(e.Messages))
	out := e.Messages[:0]
	for _, m := range e.Messages {
		if i, ok := seen[m.ID]; ok {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	e.Messages = out
}

// sortAndTrim orders messages by timestamp and drops the oldest beyond max.
func (e *Entry) sortAndTrim(max int) {
	sort.SliceStable(e.Messages, func(i, j int) bool {
		a, b := e.Messages[i], e.Messages[j]
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	if max > 0 && len(e.Messages) > max {
		e.Messages = append([]models.Message(nil), e.Messages[len(e.Messages)-max:]...)
	}
	e.reindex()
}

func (e *Entry) reindex() {
	e.index = make(map[string]int, len(e.Messages))
	for i, m := range e.Messages {
		e.index[m.ID] = i
	}
}
