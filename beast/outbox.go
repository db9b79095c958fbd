package beast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CreateUnsent queues a draft for delivery. The draft is assigned a
// temporary ID one above the largest message ID known to the whole store,
// persisted as unsent, placed at the front of the channel cache, and
// delivery is attempted immediately. deps are local files the draft's
// annotations reference; the draft will not be sent before every one of them
// has been uploaded.
//
// The returned message is the draft's current view: confirmed if the
// immediate attempt succeeded, otherwise unsent under its temporary ID.
func (m *Manager) CreateUnsent(ctx context.Context, channelID string, d Draft, deps ...PendingFile) (Message, error) {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildChannel(ctx, channelID)

	d.ChannelID = channelID
	if errs := m.Val.ValidateStruct(d); len(errs) > 0 {
		return Message{}, fmt.Errorf("invalid draft: %v", errs)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.DisplayDate.IsZero() {
		d.DisplayDate = DisplayDateOf(d.Unconfirmed())
	}

	maxID, err := m.Store.GlobalMaxID(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("assign temporary id: %w", err)
	}
	d.TempID = strconv.FormatInt(maxID+1, 10)

	msg := d.Unconfirmed()
	if err := m.Store.UpsertMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("persist unsent message: %w", err)
	}
	for i := range deps {
		if deps[i].ID == "" {
			deps[i].ID = uuid.NewString()
		}
		if err := m.Store.InsertPendingFile(ctx, deps[i]); err != nil {
			m.Logger.Error("Could not persist pending file", "pending_file_id", deps[i].ID, "error", err.Error())
			continue
		}
		att := FileAttachment{
			PendingFileID: deps[i].ID,
			MessageID:     msg.ID,
			ChannelID:     channelID,
			Embedded:      annotationEmbeds(msg, deps[i].ID),
		}
		if err := m.Store.InsertFileAttachment(ctx, att); err != nil {
			m.Logger.Error("Could not persist file attachment", "pending_file_id", deps[i].ID, "error", err.Error())
		}
	}
	m.Cache.Put(msg)

	// The error names the message that actually failed the drain, which is
	// not necessarily the one just created.
	pairs, err := m.sendChannelLocked(ctx, channelID)
	if err != nil {
		m.Logger.Info("Immediate send incomplete, queue keeps its unsent messages", "channel_id", channelID, "error", err.Error())
	}
	for _, p := range pairs {
		if p.Old == msg.ID {
			confirmed, err := m.Store.Message(ctx, p.New)
			if err == nil {
				return confirmed, nil
			}
		}
	}
	return msg, nil
}

func annotationEmbeds(m Message, pendingFileID string) bool {
	for _, a := range m.Annotations {
		if a.Type != AnnotationOEmbed {
			continue
		}
		if id, _ := a.Value[annotationKeyPendingFileID].(string); id == pendingFileID {
			return true
		}
	}
	return false
}

// SendAllUnsent drains the channel's pending deletions and then retries
// delivery of its unsent messages in temporary-ID order. The first delivery
// failure stops the drain and is returned; the failed message stays queued.
func (m *Manager) SendAllUnsent(ctx context.Context, channelID string) error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildChannel(ctx, channelID)
	_, err := m.sendChannelLocked(ctx, channelID)
	return err
}

func (m *Manager) sendChannelLocked(ctx context.Context, channelID string) ([]IDPair, error) {
	// Deletions always drain first: a pending write may depend on a message
	// whose deletion has not reached the server yet.
	if err := m.sendPendingDeletionsLocked(ctx, channelID); err != nil {
		return nil, err
	}

	var pairs []IDPair
	for _, u := range m.Cache.Unsent(channelID) {
		if ids := u.PendingFileIDs(); len(ids) > 0 {
			m.startUploadsLocked(ctx, u)
			continue
		}
		if tid := u.TargetMessageID(); tid != "" && m.targetStillUnsent(ctx, tid) {
			continue
		}

		d := DraftOf(u)
		sent, err := m.Client.CreateMessage(ctx, channelID, d)
		if err != nil {
			u.SendAttempts++
			if serr := m.Store.UpsertMessage(ctx, u); serr != nil {
				m.Logger.Error("Could not persist send attempt", "message_id", u.ID, "error", serr.Error())
			}
			m.Cache.Put(u)
			if m.Events != nil {
				m.Events.PublishSendFailed(SendFailedEvent{
					ChannelID: channelID,
					MessageID: u.ID,
					Attempts:  u.SendAttempts,
				})
			}
			m.publishSentLocked(channelID, pairs)
			return pairs, fmt.Errorf("send message %s: %w", u.ID, err)
		}

		confirmed := d.Confirm(sent.ID)
		if !sent.CreatedAt.IsZero() {
			confirmed.CreatedAt = sent.CreatedAt
		}
		m.reconcileLocked(ctx, channelID, u.ID, confirmed)
		pairs = append(pairs, IDPair{Old: u.ID, New: confirmed.ID})
	}

	m.publishSentLocked(channelID, pairs)
	return pairs, nil
}

// publishSentLocked announces the remaps of everything delivered so far.
// Pairs go out even when the drain stopped early or skipped deferred
// messages; a remap is never withheld.
func (m *Manager) publishSentLocked(channelID string, pairs []IDPair) {
	if len(pairs) == 0 || m.Events == nil {
		return
	}
	m.Events.PublishSent(SentEvent{ChannelID: channelID, IDs: pairs})
}

// targetStillUnsent reports whether an action target has not been confirmed
// yet, in which case the action message referencing it must wait.
func (m *Manager) targetStillUnsent(ctx context.Context, targetID string) bool {
	msg, err := m.Store.Message(ctx, targetID)
	if err != nil {
		return false
	}
	return msg.Unsent
}

// reconcileLocked replaces the temporary ID with the permanent one
// everywhere it appears: the store row is re-keyed in place, action specs
// referencing either side are rewritten, and the cache entry is swapped.
func (m *Manager) reconcileLocked(ctx context.Context, channelID, oldID string, confirmed Message) {
	if err := m.Store.RekeyMessage(ctx, oldID, confirmed); err != nil {
		m.Logger.Error("Could not re-key confirmed message", "message_id", confirmed.ID, "error", err.Error())
	}
	if _, err := m.Store.RetargetActionSpecs(ctx, oldID, confirmed.ID); err != nil {
		m.Logger.Error("Could not retarget action specs", "message_id", oldID, "error", err.Error())
	}
	if err := m.Store.RepointActionSpecs(ctx, oldID, confirmed.ID); err != nil {
		m.Logger.Error("Could not repoint action specs", "message_id", oldID, "error", err.Error())
	}
	m.Cache.ReplaceID(channelID, oldID, confirmed)
}

// DeleteMessage removes a message. Deleting an unsent message is purely
// local. For a confirmed message a remote delete is issued; any failure
// other than the message being already gone records a pending deletion so a
// later SendPendingDeletions can finish the job.
func (m *Manager) DeleteMessage(ctx context.Context, channelID, messageID string, deleteFiles bool) error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildChannel(ctx, channelID)

	unsent := false
	if msg, err := m.Store.Message(ctx, messageID); err == nil {
		unsent = msg.Unsent
	}
	if err := m.Store.DeleteMessage(ctx, messageID); err != nil {
		m.Logger.Error("Could not delete message locally", "message_id", messageID, "error", err.Error())
	}
	m.Cache.Delete(channelID, messageID)
	if unsent {
		return nil
	}

	if err := m.Client.DeleteMessage(ctx, channelID, messageID, deleteFiles); err != nil {
		if errors.Is(err, ErrAlreadyGone) {
			return nil
		}
		pd := PendingDeletion{MessageID: messageID, ChannelID: channelID, DeleteFiles: deleteFiles}
		if serr := m.Store.InsertPendingDeletion(ctx, pd); serr != nil {
			m.Logger.Error("Could not record pending deletion", "message_id", messageID, "error", serr.Error())
		}
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// SendPendingDeletions retries every recorded deletion for the channel, in
// order, continuing past individual failures. A deletion is cleared when the
// server confirms it or reports the message already gone.
func (m *Manager) SendPendingDeletions(ctx context.Context, channelID string) error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendPendingDeletionsLocked(ctx, channelID)
}

func (m *Manager) sendPendingDeletionsLocked(ctx context.Context, channelID string) error {
	pds, err := m.Store.PendingDeletions(ctx, channelID)
	if err != nil {
		m.Logger.Error("Could not read pending deletions", "channel_id", channelID, "error", err.Error())
		return nil
	}

	var errs []error
	for _, pd := range pds {
		err := m.Client.DeleteMessage(ctx, pd.ChannelID, pd.MessageID, pd.DeleteFiles)
		if err != nil && !errors.Is(err, ErrAlreadyGone) {
			errs = append(errs, fmt.Errorf("delete message %s: %w", pd.MessageID, err))
			continue
		}
		if err := m.Store.DeletePendingDeletion(ctx, pd.MessageID); err != nil {
			m.Logger.Error("Could not clear pending deletion", "message_id", pd.MessageID, "error", err.Error())
		}
	}
	return errors.Join(errs...)
}

// startUploadsLocked kicks off background uploads for every unresolved file
// the message depends on. Completions come back through the event bus and
// are applied by Run.
func (m *Manager) startUploadsLocked(ctx context.Context, msg Message) {
	if m.Uploader == nil {
		m.Logger.Error("Message has file dependencies but no uploader is configured", "message_id", msg.ID)
		return
	}
	atts, err := m.Store.FileAttachments(ctx, msg.ID)
	if err != nil {
		m.Logger.Error("Could not read file attachments", "message_id", msg.ID, "error", err.Error())
		return
	}

	g := new(errgroup.Group)
	for _, att := range atts {
		if m.uploading[att.PendingFileID] {
			continue
		}
		f, err := m.Store.PendingFile(ctx, att.PendingFileID)
		if err != nil {
			m.Logger.Error("Could not read pending file", "pending_file_id", att.PendingFileID, "error", err.Error())
			continue
		}
		m.uploading[att.PendingFileID] = true
		channelID := att.ChannelID
		g.Go(func() error {
			h, err := m.Uploader.UploadFile(ctx, f)
			if m.Events != nil {
				m.Events.PublishFileUploaded(FileUploadedEvent{
					PendingFileID: f.ID,
					OK:            err == nil,
					File:          h,
					ChannelID:     channelID,
				})
			}
			return err
		})
	}
	go func() {
		if err := g.Wait(); err != nil {
			m.Logger.Error("File upload failed", "error", err.Error())
		}
	}()
}

// Run consumes file-upload completions until ctx is done. On each resolved
// file the referencing messages' attachment annotations are rewritten to the
// server handle, and once a message has no dependencies left its channel's
// queue is retried.
func (m *Manager) Run(ctx context.Context) error {
	m.init()
	msgs, err := m.Events.Subscribe(ctx, TopicFileUploaded)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicFileUploaded, err)
	}
	for raw := range msgs {
		ev, err := DecodeEvent[FileUploadedEvent](raw)
		raw.Ack()
		if err != nil {
			m.Logger.Error("Could not decode file-upload event", "error", err.Error())
			continue
		}
		m.handleFileUploaded(ctx, ev)
	}
	return nil
}

func (m *Manager) handleFileUploaded(ctx context.Context, ev FileUploadedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uploading, ev.PendingFileID)
	if !ev.OK {
		m.Logger.Error("Upload did not complete, file stays pending", "pending_file_id", ev.PendingFileID)
		return
	}

	atts, err := m.Store.AttachmentsForFile(ctx, ev.PendingFileID)
	if err != nil {
		m.Logger.Error("Could not read attachments for file", "pending_file_id", ev.PendingFileID, "error", err.Error())
		return
	}

	retry := make(map[string]bool)
	for _, att := range atts {
		msg, err := m.Store.Message(ctx, att.MessageID)
		if err != nil {
			m.Logger.Error("Attachment references a missing message", "message_id", att.MessageID, "error", err.Error())
			continue
		}
		msg = resolveFileAnnotation(msg, ev.PendingFileID, ev.File)
		if err := m.Store.UpsertMessage(ctx, msg); err != nil {
			m.Logger.Error("Could not rewrite attachment annotation", "message_id", msg.ID, "error", err.Error())
			continue
		}
		m.Cache.Put(msg)
		if err := m.Store.DeleteFileAttachment(ctx, ev.PendingFileID, att.MessageID); err != nil {
			m.Logger.Error("Could not clear file attachment", "message_id", att.MessageID, "error", err.Error())
		}
		if len(msg.PendingFileIDs()) == 0 {
			retry[att.ChannelID] = true
		}
	}
	if err := m.Store.DeletePendingFile(ctx, ev.PendingFileID); err != nil {
		m.Logger.Error("Could not clear pending file", "pending_file_id", ev.PendingFileID, "error", err.Error())
	}

	for channelID := range retry {
		if _, err := m.sendChannelLocked(ctx, channelID); err != nil {
			m.Logger.Info("Queued send after upload failed", "channel_id", channelID, "error", err.Error())
		}
	}
}
