// Package sourcetest provides an in-memory source.Source for tests.
package sourcetest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"discord-archiver/models"
	"discord-archiver/source"
)

// ErrUnknownChannel is returned for channels the fake has never heard of.
var ErrUnknownChannel = errors.New("sourcetest: unknown channel")

// Fake serves channels and messages from memory. Message IDs are expected to
// sort like snowflakes: a larger ID is a newer message.
type Fake struct {
	mu        sync.Mutex
	channels  map[string]models.Channel
	messages  map[string][]models.Message
	fetchErrs map[string]error
	chanErrs  map[string]error
	calls     []Call
	lookups   int

	onCreate source.MessageHandler
	onUpdate source.MessageHandler
	onDelete source.DeleteHandler
	onChan   source.ChannelHandler

	connected bool
}

// Call records one message fetch.
type Call struct {
	ChannelID string
	BeforeID  string
	Limit     int
}

var _ source.Source = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		channels:  make(map[string]models.Channel),
		messages:  make(map[string][]models.Message),
		fetchErrs: make(map[string]error),
		chanErrs:  make(map[string]error),
	}
}

// AddChannel registers a channel.
func (f *Fake) AddChannel(ch models.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
}

// AddMessages appends messages to their channels' histories.
func (f *Fake) AddMessages(msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.messages[m.ChannelID] = append(f.messages[m.ChannelID], m)
	}
	for id := range f.messages {
		list := f.messages[id]
		sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	}
}

// FailFetch makes every message fetch for channelID return err; nil clears it.
func (f *Fake) FailFetch(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fetchErrs, channelID)
		return
	}
	f.fetchErrs[channelID] = err
}

// FailChannel makes GetChannel return err for channelID.
func (f *Fake) FailChannel(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chanErrs[channelID] = err
}

// Calls returns the recorded message fetches.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// ChannelLookups returns how many times GetChannel was called.
func (f *Fake) ChannelLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *Fake) Platform() string { return "fake" }

func (f *Fake) GetChannels(context.Context) ([]models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) GetChannel(_ context.Context, channelID string) (models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if err := f.chanErrs[channelID]; err != nil {
		return models.Channel{}, err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return models.Channel{}, ErrUnknownChannel
	}
	return ch, nil
}

func (f *Fake) GetMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	return f.GetMessagesBefore(ctx, channelID, "", limit)
}

func (f *Fake) GetMessagesBefore(_ context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{ChannelID: channelID, BeforeID: beforeID, Limit: limit})

	if err := f.fetchErrs[channelID]; err != nil {
		return nil, &models.SourceFetchError{ChannelID: channelID, Op: "messages", Err: err}
	}
	var out []models.Message
	for _, m := range f.messages[channelID] {
		if beforeID != "" && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) OnMessage(h source.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCreate = h
}

func (f *Fake) OnMessageUpdate(h source.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUpdate = h
}

func (f *Fake) OnMessageDelete(h source.DeleteHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDelete = h
}

func (f *Fake) OnChannelCreate(h source.ChannelHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChan = h
}

func (f *Fake) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// EmitCreate delivers a message-created event.
func (f *Fake) EmitCreate(m models.Message) {
	f.mu.Lock()
	h := f.onCreate
	f.mu.Unlock()
	if h != nil {
		h(m)
	}
}

// EmitUpdate delivers a message-updated event.
func (f *Fake) EmitUpdate(m models.Message) {
	f.mu.Lock()
	h := f.onUpdate
	f.mu.Unlock()
	if h != nil {
		h(m)
	}
}

// EmitDelete delivers a message-deleted event.
func (f *Fake) EmitDelete(channelID, messageID string) {
	f.mu.Lock()
	h := f.onDelete
	f.mu.Unlock()
	if h != nil {
		h(channelID, messageID)
	}
}

// EmitChannel delivers a channel-created event and registers the channel.
func (f *Fake) EmitChannel(ch models.Channel) {
	f.mu.Lock()
	f.channels[ch.ID] = ch
	h := f.onChan
	f.mu.Unlock()
	if h != nil {
		h(ch)
	}
}

// IsConnected reports the connection flag.
func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
