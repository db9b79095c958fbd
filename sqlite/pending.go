package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rrbrambley/messagebeast/beast"
)

// InsertPendingDeletion records a deletion awaiting server confirmation.
// Re-recording the same message is a no-op.
func (s *Store) InsertPendingDeletion(ctx context.Context, pd beast.PendingDeletion) error {
	row := &pendingDeletion{
		MessageID:   pd.MessageID,
		ChannelID:   pd.ChannelID,
		DeleteFiles: pd.DeleteFiles,
	}
	if _, err := s.bun.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// PendingDeletions returns the channel's recorded deletions in message-ID
// order.
func (s *Store) PendingDeletions(ctx context.Context, channelID string) ([]beast.PendingDeletion, error) {
	var rows []pendingDeletion
	err := s.bun.NewSelect().
		Model(&rows).
		Where("channel_id = ?", channelID).
		OrderExpr("CAST(message_id AS INTEGER) ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]beast.PendingDeletion, len(rows))
	for i, row := range rows {
		out[i] = row.Beast()
	}
	return out, nil
}

// DeletePendingDeletion clears a confirmed deletion.
func (s *Store) DeletePendingDeletion(ctx context.Context, messageID string) error {
	if _, err := s.bun.NewDelete().Model((*pendingDeletion)(nil)).Where("message_id = ?", messageID).Exec(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// InsertPendingFile records a file awaiting upload.
func (s *Store) InsertPendingFile(ctx context.Context, f beast.PendingFile) error {
	row := &pendingFile{
		ID:       f.ID,
		Path:     f.Path,
		Name:     f.Name,
		MimeType: f.MimeType,
		Kind:     f.Kind,
	}
	if _, err := s.bun.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// PendingFile returns the pending file keyed by id, or beast.ErrNotFound.
func (s *Store) PendingFile(ctx context.Context, id string) (beast.PendingFile, error) {
	var row pendingFile
	err := s.bun.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return beast.PendingFile{}, fmt.Errorf("pending file %s: %w", id, beast.ErrNotFound)
	}
	if err != nil {
		return beast.PendingFile{}, fmt.Errorf("scan: %w", err)
	}
	return row.Beast(), nil
}

// DeletePendingFile clears an uploaded (or abandoned) file.
func (s *Store) DeletePendingFile(ctx context.Context, id string) error {
	if _, err := s.bun.NewDelete().Model((*pendingFile)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// InsertFileAttachment links a pending file to the message referencing it.
func (s *Store) InsertFileAttachment(ctx context.Context, att beast.FileAttachment) error {
	row := &fileAttachment{
		PendingFileID: att.PendingFileID,
		MessageID:     att.MessageID,
		ChannelID:     att.ChannelID,
		Embedded:      att.Embedded,
	}
	if _, err := s.bun.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// FileAttachments returns the unresolved attachments of one message.
func (s *Store) FileAttachments(ctx context.Context, messageID string) ([]beast.FileAttachment, error) {
	return s.fileAttachments(ctx, "message_id", messageID)
}

// AttachmentsForFile returns every attachment referencing one pending file.
func (s *Store) AttachmentsForFile(ctx context.Context, pendingFileID string) ([]beast.FileAttachment, error) {
	return s.fileAttachments(ctx, "pending_file_id", pendingFileID)
}

func (s *Store) fileAttachments(ctx context.Context, column, value string) ([]beast.FileAttachment, error) {
	var rows []fileAttachment
	err := s.bun.NewSelect().
		Model(&rows).
		Where(column+" = ?", value).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]beast.FileAttachment, len(rows))
	for i, row := range rows {
		out[i] = row.Beast()
	}
	return out, nil
}

// DeleteFileAttachment clears one resolved attachment link.
func (s *Store) DeleteFileAttachment(ctx context.Context, pendingFileID, messageID string) error {
	_, err := s.bun.NewDelete().
		Model((*fileAttachment)(nil)).
		Where("pending_file_id = ?", pendingFileID).
		Where("message_id = ?", messageID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// InsertActionSpec records an applied action. One spec exists per
// (action channel, target message) pair.
func (s *Store) InsertActionSpec(ctx context.Context, spec beast.ActionSpec) error {
	row := &actionSpec{
		ActionChannelID: spec.ActionChannelID,
		TargetMessageID: spec.TargetMessageID,
		ActionMessageID: spec.ActionMessageID,
		TargetChannelID: spec.TargetChannelID,
		TargetDate:      spec.TargetDate,
	}
	if _, err := s.bun.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// ActionSpecs returns the channel's specs ordered by target display date
// descending, optionally only those before the given time.
func (s *Store) ActionSpecs(ctx context.Context, actionChannelID string, before time.Time, limit int) ([]beast.ActionSpec, error) {
	var rows []actionSpec
	q := s.bun.NewSelect().
		Model(&rows).
		Where("action_channel_id = ?", actionChannelID).
		Order("target_date DESC").
		Limit(limit)
	if !before.IsZero() {
		q = q.Where("target_date < ?", before)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return specsOut(rows), nil
}

// ActionSpecsTargeting returns every spec, in any action channel, whose
// target is the given message.
func (s *Store) ActionSpecsTargeting(ctx context.Context, targetMessageID string) ([]beast.ActionSpec, error) {
	var rows []actionSpec
	err := s.bun.NewSelect().
		Model(&rows).
		Where("target_message_id = ?", targetMessageID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return specsOut(rows), nil
}

// DeleteActionSpec removes the spec for one (action channel, target) pair.
func (s *Store) DeleteActionSpec(ctx context.Context, actionChannelID, targetMessageID string) error {
	_, err := s.bun.NewDelete().
		Model((*actionSpec)(nil)).
		Where("action_channel_id = ?", actionChannelID).
		Where("target_message_id = ?", targetMessageID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// RetargetActionSpecs rewrites the target-message ID of every spec
// referencing oldID and returns the rewritten specs.
func (s *Store) RetargetActionSpecs(ctx context.Context, oldID, newID string) ([]beast.ActionSpec, error) {
	_, err := s.bun.NewUpdate().
		Model((*actionSpec)(nil)).
		Set("target_message_id = ?", newID).
		Where("target_message_id = ?", oldID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	return s.ActionSpecsTargeting(ctx, newID)
}

// RepointActionSpecs rewrites the action-message ID of every spec whose
// action message was remapped from oldID.
func (s *Store) RepointActionSpecs(ctx context.Context, oldID, newID string) error {
	_, err := s.bun.NewUpdate().
		Model((*actionSpec)(nil)).
		Set("action_message_id = ?", newID).
		Where("action_message_id = ?", oldID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

func specsOut(rows []actionSpec) []beast.ActionSpec {
	out := make([]beast.ActionSpec, len(rows))
	for i, row := range rows {
		out[i] = row.Beast()
	}
	return out
}
