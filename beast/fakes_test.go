package beast_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/rrbrambley/messagebeast/beast"
	"github.com/rrbrambley/messagebeast/memcache"
)

// fakeClient fakes the remote service with function fields. Calling an
// endpoint with no function set fails the test.
type fakeClient struct {
	T             *testing.T
	getMessages   func(t *testing.T, channelID string, p beast.FetchParams) (beast.RemoteBatch, error)
	createMessage func(t *testing.T, channelID string, d beast.Draft) (beast.Message, error)
	deleteMessage func(t *testing.T, channelID, messageID string, deleteFiles bool) error
}

func (c *fakeClient) GetMessages(_ context.Context, channelID string, p beast.FetchParams) (beast.RemoteBatch, error) {
	if c.getMessages == nil {
		c.T.Fatal("unexpected GetMessages call")
	}
	return c.getMessages(c.T, channelID, p)
}

func (c *fakeClient) CreateMessage(_ context.Context, channelID string, d beast.Draft) (beast.Message, error) {
	if c.createMessage == nil {
		c.T.Fatal("unexpected CreateMessage call")
	}
	return c.createMessage(c.T, channelID, d)
}

func (c *fakeClient) DeleteMessage(_ context.Context, channelID, messageID string, deleteFiles bool) error {
	if c.deleteMessage == nil {
		c.T.Fatal("unexpected DeleteMessage call")
	}
	return c.deleteMessage(c.T, channelID, messageID, deleteFiles)
}

type fakeUploader struct {
	T          *testing.T
	uploadFile func(t *testing.T, f beast.PendingFile) (beast.FileHandle, error)
}

func (u *fakeUploader) UploadFile(_ context.Context, f beast.PendingFile) (beast.FileHandle, error) {
	if u.uploadFile == nil {
		u.T.Fatal("unexpected UploadFile call")
	}
	return u.uploadFile(u.T, f)
}

// fakeStore is an in-memory beast.Store with real map-backed behavior, so
// manager tests exercise actual persistence semantics without a database.
type fakeStore struct {
	mu               sync.Mutex
	messages         map[string]beast.Message
	pendingDeletions map[string]beast.PendingDeletion
	pendingFiles     map[string]beast.PendingFile
	attachments      []beast.FileAttachment
	specs            []beast.ActionSpec
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:         make(map[string]beast.Message),
		pendingDeletions: make(map[string]beast.PendingDeletion),
		pendingFiles:     make(map[string]beast.PendingFile),
	}
}

func (s *fakeStore) UpsertMessage(_ context.Context, msg beast.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *fakeStore) DeleteMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
	atts := s.attachments[:0]
	for _, att := range s.attachments {
		if att.MessageID != messageID {
			atts = append(atts, att)
		}
	}
	s.attachments = atts
	return nil
}

func (s *fakeStore) RekeyMessage(_ context.Context, oldID string, msg beast.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, oldID)
	s.messages[msg.ID] = msg
	for i := range s.attachments {
		if s.attachments[i].MessageID == oldID {
			s.attachments[i].MessageID = msg.ID
		}
	}
	return nil
}

func (s *fakeStore) Message(_ context.Context, messageID string) (beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return beast.Message{}, beast.ErrNotFound
	}
	return msg, nil
}

func (s *fakeStore) channelMessages(channelID string) []beast.Message {
	var out []beast.Message
	for _, msg := range s.messages {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DisplayDate.After(out[j].DisplayDate)
	})
	return out
}

func (s *fakeStore) Messages(_ context.Context, channelID string, before time.Time, limit int) (beast.MessageBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch beast.MessageBatch
	for _, msg := range s.channelMessages(channelID) {
		if !before.IsZero() && !msg.DisplayDate.Before(before) {
			continue
		}
		if limit > 0 && len(batch.Messages) == limit {
			batch.IsMore = true
			break
		}
		batch.Messages = append(batch.Messages, msg)
		if msg.Unsent {
			batch.Pair = batch.Pair.ExpandDate(msg.DisplayDate)
		} else {
			batch.Pair = batch.Pair.Expand(msg.ID, msg.DisplayDate)
		}
	}
	return batch, nil
}

func (s *fakeStore) UnsentMessages(_ context.Context, channelID string) ([]beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.Message
	for _, msg := range s.messages {
		if msg.ChannelID == channelID && msg.Unsent {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return beast.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func (s *fakeStore) GlobalMaxID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxID int64
	for id := range s.messages {
		if n := idNum(id); n > maxID {
			maxID = n
		}
	}
	return maxID, nil
}

func idNum(id string) int64 {
	var n int64
	for _, r := range id {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

func (s *fakeStore) MessagesByHashtag(_ context.Context, name string, _ time.Time, limit int) ([]beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.Message
	for _, msg := range s.messages {
		for _, tag := range beast.Hashtags(msg.Text) {
			if tag == name {
				out = append(out, msg)
				break
			}
		}
	}
	return capped(out, limit), nil
}

func (s *fakeStore) MessagesByLocation(_ context.Context, loc beast.DisplayLocation, _ time.Time, limit int) ([]beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.Message
	for _, msg := range s.messages {
		if l, ok := beast.DisplayLocationOf(msg); ok && l.Name == loc.Name {
			out = append(out, msg)
		}
	}
	return capped(out, limit), nil
}

func (s *fakeStore) MessagesByAnnotationType(_ context.Context, annotationType string, _ time.Time, limit int) ([]beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.Message
	for _, msg := range s.messages {
		if _, ok := msg.Annotation(annotationType); ok {
			out = append(out, msg)
		}
	}
	return capped(out, limit), nil
}

func (s *fakeStore) SearchMessages(_ context.Context, query string) ([]beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.Message
	for _, msg := range s.messages {
		if strings.Contains(msg.Text, query) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeStore) SearchLocations(_ context.Context, query string) ([]beast.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.Message
	for _, msg := range s.messages {
		if l, ok := beast.DisplayLocationOf(msg); ok && strings.Contains(l.Name, query) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func capped(msgs []beast.Message, limit int) []beast.Message {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].DisplayDate.After(msgs[j].DisplayDate)
	})
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

func (s *fakeStore) InsertPendingDeletion(_ context.Context, pd beast.PendingDeletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDeletions[pd.MessageID] = pd
	return nil
}

func (s *fakeStore) PendingDeletions(_ context.Context, channelID string) ([]beast.PendingDeletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.PendingDeletion
	for _, pd := range s.pendingDeletions {
		if pd.ChannelID == channelID {
			out = append(out, pd)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return beast.CompareIDs(out[i].MessageID, out[j].MessageID) < 0
	})
	return out, nil
}

func (s *fakeStore) DeletePendingDeletion(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingDeletions, messageID)
	return nil
}

func (s *fakeStore) InsertPendingFile(_ context.Context, f beast.PendingFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFiles[f.ID] = f
	return nil
}

func (s *fakeStore) PendingFile(_ context.Context, id string) (beast.PendingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pendingFiles[id]
	if !ok {
		return beast.PendingFile{}, beast.ErrNotFound
	}
	return f, nil
}

func (s *fakeStore) DeletePendingFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingFiles, id)
	return nil
}

func (s *fakeStore) InsertFileAttachment(_ context.Context, att beast.FileAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, att)
	return nil
}

func (s *fakeStore) FileAttachments(_ context.Context, messageID string) ([]beast.FileAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.FileAttachment
	for _, att := range s.attachments {
		if att.MessageID == messageID {
			out = append(out, att)
		}
	}
	return out, nil
}

func (s *fakeStore) AttachmentsForFile(_ context.Context, pendingFileID string) ([]beast.FileAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.FileAttachment
	for _, att := range s.attachments {
		if att.PendingFileID == pendingFileID {
			out = append(out, att)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteFileAttachment(_ context.Context, pendingFileID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atts := s.attachments[:0]
	for _, att := range s.attachments {
		if att.PendingFileID == pendingFileID && att.MessageID == messageID {
			continue
		}
		atts = append(atts, att)
	}
	s.attachments = atts
	return nil
}

func (s *fakeStore) InsertActionSpec(_ context.Context, spec beast.ActionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.specs {
		if have.ActionChannelID == spec.ActionChannelID && have.TargetMessageID == spec.TargetMessageID {
			return nil
		}
	}
	s.specs = append(s.specs, spec)
	return nil
}

func (s *fakeStore) ActionSpecs(_ context.Context, actionChannelID string, before time.Time, limit int) ([]beast.ActionSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.ActionSpec
	for _, spec := range s.specs {
		if spec.ActionChannelID != actionChannelID {
			continue
		}
		if !before.IsZero() && !spec.TargetDate.Before(before) {
			continue
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TargetDate.After(out[j].TargetDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ActionSpecsTargeting(_ context.Context, targetMessageID string) ([]beast.ActionSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.ActionSpec
	for _, spec := range s.specs {
		if spec.TargetMessageID == targetMessageID {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteActionSpec(_ context.Context, actionChannelID, targetMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := s.specs[:0]
	for _, spec := range s.specs {
		if spec.ActionChannelID == actionChannelID && spec.TargetMessageID == targetMessageID {
			continue
		}
		specs = append(specs, spec)
	}
	s.specs = specs
	return nil
}

func (s *fakeStore) RetargetActionSpecs(_ context.Context, oldID, newID string) ([]beast.ActionSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []beast.ActionSpec
	for i := range s.specs {
		if s.specs[i].TargetMessageID == oldID {
			s.specs[i].TargetMessageID = newID
		}
		if s.specs[i].TargetMessageID == newID {
			out = append(out, s.specs[i])
		}
	}
	return out, nil
}

func (s *fakeStore) RepointActionSpecs(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.specs {
		if s.specs[i].ActionMessageID == oldID {
			s.specs[i].ActionMessageID = newID
		}
	}
	return nil
}

// newManager wires a Manager with an in-memory store, projection and event
// bus, ready for a test.
func newManager(t *testing.T, store beast.Store, client beast.ChannelClient, up beast.FileUploader) (*beast.Manager, *memcache.Cache) {
	t.Helper()
	cache := memcache.New()
	m := &beast.Manager{
		Logger:   slogt.New(t),
		Store:    store,
		Cache:    cache,
		Client:   client,
		Uploader: up,
		Events:   beast.NewEvents(slogt.New(t)),
	}
	return m, cache
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
