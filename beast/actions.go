package beast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// An ActionManager retrofits mutable per-message flags onto immutable
// messages. Applying an action to message M creates an ordinary machine-only
// message in a companion action channel whose sole annotation references
// M's ID, plus an ActionSpec row mapping one to the other. Either side may
// still carry a temporary ID at creation time; the spec row is rewritten in
// place as IDs are confirmed.
type ActionManager struct {
	Logger   *slog.Logger
	Store    Store
	Messages *Manager
	Events   *Events

	once sync.Once
	mu   sync.Mutex
}

func (a *ActionManager) init() {
	a.once.Do(func() {
		if a.Logger == nil {
			a.Logger = slog.Default()
		}
	})
}

func targetAnnotation(targetID string) Annotation {
	return Annotation{
		Type:  AnnotationTargetMessage,
		Value: map[string]any{annotationKeyTargetID: targetID},
	}
}

// retargetAnnotation rewrites the target reference of an action message.
func retargetAnnotation(m Message, newID string) Message {
	anns := make([]Annotation, len(m.Annotations))
	copy(anns, m.Annotations)
	for i, ann := range anns {
		if ann.Type == AnnotationTargetMessage {
			anns[i] = targetAnnotation(newID)
		}
	}
	m.Annotations = anns
	return m
}

// Apply marks the target message with the channel's action. Applying an
// action that is already present is a no-op.
func (a *ActionManager) Apply(ctx context.Context, actionChannelID string, target Message) error {
	a.init()
	a.mu.Lock()
	defer a.mu.Unlock()

	applied, err := a.isApplied(ctx, actionChannelID, target.ID)
	if err != nil {
		a.Logger.Error("Could not read action specs", "channel_id", actionChannelID, "error", err.Error())
		return nil
	}
	if applied {
		return nil
	}

	d := Draft{
		Text:        fmt.Sprintf("target:%s", target.ID),
		Annotations: []Annotation{targetAnnotation(target.ID)},
	}
	created, err := a.Messages.CreateUnsent(ctx, actionChannelID, d)
	if err != nil {
		return fmt.Errorf("create action message: %w", err)
	}

	spec := ActionSpec{
		ActionMessageID: created.ID,
		ActionChannelID: actionChannelID,
		TargetMessageID: target.ID,
		TargetChannelID: target.ChannelID,
		TargetDate:      target.DisplayDate,
	}
	if err := a.Store.InsertActionSpec(ctx, spec); err != nil {
		a.Logger.Error("Could not persist action spec", "target_message_id", target.ID, "error", err.Error())
	}
	return nil
}

// Remove withdraws the channel's action from the target message. The spec
// rows are deleted up front; the underlying action messages are deleted
// through the write queue, which retries durably, so a failed remote delete
// does not resurrect the action.
func (a *ActionManager) Remove(ctx context.Context, actionChannelID, targetMessageID string) error {
	a.init()
	a.mu.Lock()
	defer a.mu.Unlock()

	specs, err := a.specsFor(ctx, actionChannelID, targetMessageID)
	if err != nil {
		a.Logger.Error("Could not read action specs", "channel_id", actionChannelID, "error", err.Error())
		return nil
	}
	if len(specs) == 0 {
		a.Logger.Warn("No action spec to remove", "channel_id", actionChannelID, "target_message_id", targetMessageID)
		return nil
	}

	if err := a.Store.DeleteActionSpec(ctx, actionChannelID, targetMessageID); err != nil {
		a.Logger.Error("Could not delete action spec", "target_message_id", targetMessageID, "error", err.Error())
	}
	for _, spec := range specs {
		if err := a.Messages.DeleteMessage(ctx, actionChannelID, spec.ActionMessageID, false); err != nil {
			a.Logger.Info("Action message delete queued for retry", "message_id", spec.ActionMessageID, "error", err.Error())
		}
	}
	return nil
}

// IsApplied reports whether the channel's action is applied to the target
// message. It is a pure store lookup.
func (a *ActionManager) IsApplied(ctx context.Context, actionChannelID, targetMessageID string) (bool, error) {
	a.init()
	return a.isApplied(ctx, actionChannelID, targetMessageID)
}

func (a *ActionManager) isApplied(ctx context.Context, actionChannelID, targetMessageID string) (bool, error) {
	specs, err := a.specsFor(ctx, actionChannelID, targetMessageID)
	if err != nil {
		return false, err
	}
	return len(specs) > 0, nil
}

func (a *ActionManager) specsFor(ctx context.Context, actionChannelID, targetMessageID string) ([]ActionSpec, error) {
	all, err := a.Store.ActionSpecsTargeting(ctx, targetMessageID)
	if err != nil {
		return nil, err
	}
	var specs []ActionSpec
	for _, s := range all {
		if s.ActionChannelID == actionChannelID {
			specs = append(specs, s)
		}
	}
	return specs, nil
}

// AppliedMessages returns the target messages the channel's action is
// applied to, ordered by target display date descending. Targets that can no
// longer be resolved are logged and skipped.
func (a *ActionManager) AppliedMessages(ctx context.Context, actionChannelID string, before time.Time, limit int) ([]Message, error) {
	a.init()
	specs, err := a.Store.ActionSpecs(ctx, actionChannelID, before, limit)
	if err != nil {
		a.Logger.Error("Could not read action specs", "channel_id", actionChannelID, "error", err.Error())
		return nil, nil
	}
	out := make([]Message, 0, len(specs))
	for _, spec := range specs {
		msg, err := a.Messages.Message(ctx, spec.TargetChannelID, spec.TargetMessageID)
		if err != nil {
			a.Logger.Warn("Action spec targets a missing message", "target_message_id", spec.TargetMessageID)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Run consumes sent notifications until ctx is done. When a remapped ID
// belongs to a target message, unsent action messages referencing it are
// rewritten to the permanent ID and their channels retried; their dependency
// is now satisfied. Remaps of action messages themselves need no work here,
// the write queue rewrites their spec rows synchronously.
func (a *ActionManager) Run(ctx context.Context) error {
	a.init()
	msgs, err := a.Events.Subscribe(ctx, TopicSent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicSent, err)
	}
	for raw := range msgs {
		ev, err := DecodeEvent[SentEvent](raw)
		raw.Ack()
		if err != nil {
			a.Logger.Error("Could not decode sent event", "error", err.Error())
			continue
		}
		a.handleSent(ctx, ev)
	}
	return nil
}

func (a *ActionManager) handleSent(ctx context.Context, ev SentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	retry := make(map[string]bool)
	for _, pair := range ev.IDs {
		specs, err := a.Store.ActionSpecsTargeting(ctx, pair.New)
		if err != nil {
			a.Logger.Error("Could not read action specs", "target_message_id", pair.New, "error", err.Error())
			continue
		}
		for _, spec := range specs {
			msg, err := a.Store.Message(ctx, spec.ActionMessageID)
			if err != nil || !msg.Unsent {
				continue
			}
			msg = retargetAnnotation(msg, pair.New)
			msg.Text = fmt.Sprintf("target:%s", pair.New)
			if err := a.Store.UpsertMessage(ctx, msg); err != nil {
				a.Logger.Error("Could not rewrite action message", "message_id", msg.ID, "error", err.Error())
				continue
			}
			a.Messages.Cache.Put(msg)
			retry[spec.ActionChannelID] = true
		}
	}
	for channelID := range retry {
		if err := a.Messages.SendAllUnsent(ctx, channelID); err != nil {
			a.Logger.Info("Action channel send failed, stays queued", "channel_id", channelID, "error", err.Error())
		}
	}
}
