package beast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rrbrambley/messagebeast/beast/validator"
)

// defaultPageSize is the number of messages requested per remote fetch when
// the caller does not configure one.
const defaultPageSize = 20

// An ExcludeFunc filters freshly fetched messages. Excluded messages are
// dropped from the returned batch, the cache and the store, but still count
// toward cursor advancement and the more-pages flag, so paging never
// re-requests or falsely terminates on a filtered page.
type ExcludeFunc func(Message) bool

// A FetchResult is the outcome of one remote fetch. Blocked reports that the
// fetch did not run because the channel has unsent writes or pending
// deletions outstanding; their temporary IDs would make the cursor
// parameters meaningless.
type FetchResult struct {
	Messages []Message
	More     bool
	Blocked  bool
}

// A Manager synchronizes channels between the remote service, the durable
// Store and the in-memory Cache, and queues writes made while offline. All
// mutating entry points are serialized on one mutex; concurrent callers
// queue rather than interleave.
type Manager struct {
	Logger   *slog.Logger
	Store    Store
	Cache    Cache
	Client   ChannelClient
	Uploader FileUploader
	Events   *Events
	Val      *validator.Validator

	// DisplayDate overrides how display dates are derived from fetched
	// messages. The default honors the display-date annotation and falls
	// back to the creation date.
	DisplayDate func(Message) time.Time

	// PageSize is the remote fetch page size.
	PageSize int

	once      sync.Once
	mu        sync.Mutex
	cursors   map[string]MinMaxPair
	rebuilt   map[string]bool
	uploading map[string]bool
}

func (m *Manager) init() {
	m.once.Do(func() {
		m.cursors = make(map[string]MinMaxPair)
		m.rebuilt = make(map[string]bool)
		m.uploading = make(map[string]bool)
		if m.Logger == nil {
			m.Logger = slog.Default()
		}
		if m.Val == nil {
			m.Val = validator.New()
		}
		if m.PageSize <= 0 {
			m.PageSize = defaultPageSize
		}
	})
}

// Cursor returns the channel's pagination cursor.
func (m *Manager) Cursor(channelID string) MinMaxPair {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[channelID]
}

func (m *Manager) displayDate(msg Message) time.Time {
	if m.DisplayDate != nil {
		return m.DisplayDate(msg)
	}
	return DisplayDateOf(msg)
}

// rebuildChannel restores the channel's unsent projection from the store the
// first time the channel is touched after construction.
func (m *Manager) rebuildChannel(ctx context.Context, channelID string) {
	if m.rebuilt[channelID] {
		return
	}
	unsent, err := m.Store.UnsentMessages(ctx, channelID)
	if err != nil {
		m.Logger.Error("Could not rebuild unsent set", "channel_id", channelID, "error", err.Error())
		return
	}
	for _, msg := range unsent {
		m.Cache.Put(msg)
	}
	m.rebuilt[channelID] = true
}

// blocked reports whether fetching is currently forbidden for the channel.
func (m *Manager) blocked(ctx context.Context, channelID string) bool {
	if m.Cache.HasUnsent(channelID) {
		return true
	}
	pds, err := m.Store.PendingDeletions(ctx, channelID)
	if err != nil {
		m.Logger.Error("Could not read pending deletions", "channel_id", channelID, "error", err.Error())
		return false
	}
	return len(pds) > 0
}

// LoadCached pulls up to limit messages older than anything already cached
// from the store into the cache, advances the cursor over them, and returns
// them newest first. A storage failure is logged and yields an empty batch.
func (m *Manager) LoadCached(ctx context.Context, channelID string, limit int) []Message {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildChannel(ctx, channelID)

	before := m.cursors[channelID].MinDate
	batch, err := m.Store.Messages(ctx, channelID, before, limit)
	if err != nil {
		m.Logger.Error("Could not load cached messages", "channel_id", channelID, "error", err.Error())
		return nil
	}
	m.Cache.Append(channelID, batch.Messages)
	m.cursors[channelID] = m.cursors[channelID].Combine(batch.Pair)
	return batch.Messages
}

// CachedMessages returns the in-memory view of the channel, newest first.
func (m *Manager) CachedMessages(channelID string, limit int) []Message {
	m.init()
	return m.Cache.Messages(channelID, limit)
}

// FetchNewest fetches the page of messages newer than the cursor's maximum
// ID. exclude may be nil.
func (m *Manager) FetchNewest(ctx context.Context, channelID string, exclude ExcludeFunc) (FetchResult, error) {
	return m.fetch(ctx, channelID, true, exclude)
}

// FetchOlder fetches the page of messages older than the cursor's minimum
// ID. exclude may be nil.
func (m *Manager) FetchOlder(ctx context.Context, channelID string, exclude ExcludeFunc) (FetchResult, error) {
	return m.fetch(ctx, channelID, false, exclude)
}

func (m *Manager) fetch(ctx context.Context, channelID string, newest bool, exclude ExcludeFunc) (FetchResult, error) {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildChannel(ctx, channelID)
	if m.blocked(ctx, channelID) {
		m.Logger.Info("Fetch blocked by outstanding writes", "channel_id", channelID)
		return FetchResult{Blocked: true}, nil
	}

	cur := m.cursors[channelID]
	p := FetchParams{Count: m.PageSize}
	if newest {
		p.SinceID = cur.MaxID
	} else {
		p.BeforeID = cur.MinID
	}

	rb, err := m.Client.GetMessages(ctx, channelID, p)
	if err != nil {
		return FetchResult{}, err
	}

	kept := make([]Message, 0, len(rb.Messages))
	for _, msg := range rb.Messages {
		msg.DisplayDate = m.displayDate(msg)
		cur = cur.Expand(msg.ID, msg.DisplayDate)
		if exclude != nil && exclude(msg) {
			m.Cache.Exclude(channelID, msg)
			m.Cache.Delete(channelID, msg.ID)
			if err := m.Store.DeleteMessage(ctx, msg.ID); err != nil {
				m.Logger.Error("Could not drop excluded message", "message_id", msg.ID, "error", err.Error())
			}
			continue
		}
		if err := m.Store.UpsertMessage(ctx, msg); err != nil {
			m.Logger.Error("Could not persist fetched message", "message_id", msg.ID, "error", err.Error())
		}
		kept = append(kept, msg)
	}

	// The server-reported bounds cover excluded messages too, which is what
	// keeps paging continuous under a filter.
	cur = cur.Combine(MinMaxPair{MinID: rb.MinID, MaxID: rb.MaxID})
	m.cursors[channelID] = cur

	if newest {
		for i := len(kept) - 1; i >= 0; i-- {
			m.Cache.Put(kept[i])
		}
	} else {
		m.Cache.Append(channelID, kept)
	}

	return FetchResult{Messages: kept, More: rb.More}, nil
}

// Message returns one message, from the cache when present, otherwise from
// the store.
func (m *Manager) Message(ctx context.Context, channelID, messageID string) (Message, error) {
	m.init()
	for _, msg := range m.Cache.Messages(channelID, 0) {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return m.Store.Message(ctx, messageID)
}

// SearchMessages runs a full-text query over persisted message text.
func (m *Manager) SearchMessages(ctx context.Context, query string) ([]Message, error) {
	m.init()
	return m.Store.SearchMessages(ctx, query)
}

// SearchLocations runs a full-text query over display-location names.
func (m *Manager) SearchLocations(ctx context.Context, query string) ([]Message, error) {
	m.init()
	return m.Store.SearchLocations(ctx, query)
}

// MessagesByHashtag returns persisted messages carrying the hashtag, newest
// display date first.
func (m *Manager) MessagesByHashtag(ctx context.Context, name string, before time.Time, limit int) ([]Message, error) {
	m.init()
	return m.Store.MessagesByHashtag(ctx, name, before, limit)
}

// MessagesByLocation returns persisted messages near the display location,
// subject to the store's coordinate rounding.
func (m *Manager) MessagesByLocation(ctx context.Context, loc DisplayLocation, before time.Time, limit int) ([]Message, error) {
	m.init()
	return m.Store.MessagesByLocation(ctx, loc, before, limit)
}

// MessagesByAnnotationType returns persisted messages carrying an annotation
// of the given type.
func (m *Manager) MessagesByAnnotationType(ctx context.Context, annotationType string, before time.Time, limit int) ([]Message, error) {
	m.init()
	return m.Store.MessagesByAnnotationType(ctx, annotationType, before, limit)
}
