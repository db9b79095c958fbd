// Package memcache provides the in-memory per-channel projection the sync
// engine keeps in front of its durable store: an ordered message list, the
// unsent set and the filter-excluded set for each channel. Everything here
// is rebuildable from the store; losing it costs nothing but a reload.
package memcache

import (
	"sort"
	"sync"

	"github.com/rrbrambley/messagebeast/beast"
)

// Cache implements beast.Cache.
type Cache struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

type channel struct {
	// msgs is ordered newest display date first. Order is semantically
	// significant; never replace this with map iteration.
	msgs     []beast.Message
	unsent   map[string]struct{}
	excluded map[string]struct{}
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{channels: make(map[string]*channel)}
}

func (c *Cache) channelFor(channelID string) *channel {
	ch, ok := c.channels[channelID]
	if !ok {
		ch = &channel{
			unsent:   make(map[string]struct{}),
			excluded: make(map[string]struct{}),
		}
		c.channels[channelID] = ch
	}
	return ch
}

// Messages returns up to limit cached messages, newest first. limit <= 0
// returns every cached message of the channel.
func (c *Cache) Messages(channelID string, limit int) []beast.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	n := len(ch.msgs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]beast.Message, n)
	copy(out, ch.msgs[:n])
	return out
}

// Put inserts or replaces msg at its display-date position. A new message
// with the newest display date, the common case for locally created drafts,
// goes straight to the front.
func (c *Cache) Put(msg beast.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channelFor(msg.ChannelID)

	for i, existing := range ch.msgs {
		if existing.ID == msg.ID {
			ch.msgs[i] = msg
			ch.setUnsent(msg)
			return
		}
	}
	if len(ch.msgs) == 0 || !msg.DisplayDate.Before(ch.msgs[0].DisplayDate) {
		ch.msgs = append([]beast.Message{msg}, ch.msgs...)
	} else {
		i := sort.Search(len(ch.msgs), func(i int) bool {
			return ch.msgs[i].DisplayDate.Before(msg.DisplayDate)
		})
		ch.msgs = append(ch.msgs[:i], append([]beast.Message{msg}, ch.msgs[i:]...)...)
	}
	ch.setUnsent(msg)
}

func (ch *channel) setUnsent(msg beast.Message) {
	if msg.Unsent {
		ch.unsent[msg.ID] = struct{}{}
	} else {
		delete(ch.unsent, msg.ID)
	}
}

// Append adds an older page to the back of the channel's list, skipping IDs
// already cached.
func (c *Cache) Append(channelID string, msgs []beast.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channelFor(channelID)

	have := make(map[string]struct{}, len(ch.msgs))
	for _, m := range ch.msgs {
		have[m.ID] = struct{}{}
	}
	for _, msg := range msgs {
		if _, ok := have[msg.ID]; ok {
			continue
		}
		ch.msgs = append(ch.msgs, msg)
		ch.setUnsent(msg)
	}
}

// Delete removes the message from the list and the unsent set.
func (c *Cache) Delete(channelID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	for i, m := range ch.msgs {
		if m.ID == messageID {
			ch.msgs = append(ch.msgs[:i], ch.msgs[i+1:]...)
			break
		}
	}
	delete(ch.unsent, messageID)
}

// ReplaceID swaps the entry keyed oldID for msg under its new identity. The
// old ID leaves the unsent set; msg re-enters it only if still unsent.
func (c *Cache) ReplaceID(channelID, oldID string, msg beast.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return
	}
	delete(ch.unsent, oldID)
	for i, m := range ch.msgs {
		if m.ID == oldID {
			ch.msgs[i] = msg
			ch.setUnsent(msg)
			return
		}
	}
}

// Unsent returns the channel's unsent messages in ascending temporary-ID
// order, the order they were created in and must be sent in.
func (c *Cache) Unsent(channelID string) []beast.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	var out []beast.Message
	for _, m := range ch.msgs {
		if _, ok := ch.unsent[m.ID]; ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return beast.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}

// HasUnsent reports whether the channel has any unsent message.
func (c *Cache) HasUnsent(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	return ok && len(ch.unsent) > 0
}

// Exclude records a message dropped by a fetch filter.
func (c *Cache) Exclude(channelID string, msg beast.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelFor(channelID).excluded[msg.ID] = struct{}{}
}

// Excluded returns the IDs dropped by fetch filters, in ascending ID order.
func (c *Cache) Excluded(channelID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.excluded))
	for id := range ch.excluded {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return beast.CompareIDs(out[i], out[j]) < 0
	})
	return out
}

// Reset drops the channel's entire projection.
func (c *Cache) Reset(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}
