package beast_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/rrbrambley/messagebeast/beast"
)

func newActionManager(t *testing.T, store beast.Store, client beast.ChannelClient) (*beast.ActionManager, *beast.Manager) {
	t.Helper()
	m, _ := newManager(t, store, client, nil)
	a := &beast.ActionManager{
		Logger:   slogt.New(t),
		Store:    store,
		Messages: m,
		Events:   m.Events,
	}
	return a, m
}

func TestActionManager_Apply(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	target := beast.Message{ID: "5", ChannelID: "chan", Text: "the target", DisplayDate: day(1)}
	store.messages["5"] = target

	creates := 0
	client := &fakeClient{
		createMessage: func(t *testing.T, channelID string, d beast.Draft) (beast.Message, error) {
			creates++
			if channelID != "stars" {
				t.Errorf("got channel %s, want stars", channelID)
			}
			if got := (beast.Message{Annotations: d.Annotations}).TargetMessageID(); got != "5" {
				t.Errorf("got target annotation %q, want 5", got)
			}
			return beast.Message{ID: "90", ChannelID: channelID, Text: d.Text}, nil
		},
	}
	a, _ := newActionManager(t, store, client)
	client.T = t

	if err := a.Apply(ctx, "stars", target); err != nil {
		t.Fatal(err)
	}
	applied, err := a.IsApplied(ctx, "stars", "5")
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("action not applied")
	}
	specs, _ := store.ActionSpecsTargeting(ctx, "5")
	if len(specs) != 1 || specs[0].ActionMessageID != "90" || specs[0].ActionChannelID != "stars" {
		t.Fatalf("got specs %v, want one from action message 90", specs)
	}

	// Re-applying is a no-op.
	if err := a.Apply(ctx, "stars", target); err != nil {
		t.Fatal(err)
	}
	if creates != 1 {
		t.Errorf("got %d action messages created, want 1", creates)
	}
}

func TestActionManager_Remove(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.messages["90"] = beast.Message{ID: "90", ChannelID: "stars", Text: "target:5", DisplayDate: day(2)}
	store.InsertActionSpec(ctx, beast.ActionSpec{
		ActionMessageID: "90",
		ActionChannelID: "stars",
		TargetMessageID: "5",
		TargetChannelID: "chan",
		TargetDate:      day(1),
	})

	var deleted []string
	client := &fakeClient{
		deleteMessage: func(t *testing.T, channelID, messageID string, deleteFiles bool) error {
			deleted = append(deleted, channelID+"/"+messageID)
			return nil
		},
	}
	a, _ := newActionManager(t, store, client)
	client.T = t

	if err := a.Remove(ctx, "stars", "5"); err != nil {
		t.Fatal(err)
	}
	applied, err := a.IsApplied(ctx, "stars", "5")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("action still applied after removal")
	}
	if len(deleted) != 1 || deleted[0] != "stars/90" {
		t.Errorf("got remote deletes %v, want stars/90", deleted)
	}
	if _, err := store.Message(ctx, "90"); !errors.Is(err, beast.ErrNotFound) {
		t.Error("action message survived removal")
	}
}

func TestActionManager_RemoveSurvivesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.messages["90"] = beast.Message{ID: "90", ChannelID: "stars", Text: "target:5", DisplayDate: day(2)}
	store.InsertActionSpec(ctx, beast.ActionSpec{
		ActionMessageID: "90",
		ActionChannelID: "stars",
		TargetMessageID: "5",
		TargetChannelID: "chan",
		TargetDate:      day(1),
	})

	client := &fakeClient{
		deleteMessage: func(t *testing.T, channelID, messageID string, deleteFiles bool) error {
			return errors.New("timeout")
		},
	}
	a, _ := newActionManager(t, store, client)
	client.T = t

	// The action is withdrawn immediately; the remote delete is queued.
	if err := a.Remove(ctx, "stars", "5"); err != nil {
		t.Fatal(err)
	}
	applied, _ := a.IsApplied(ctx, "stars", "5")
	if applied {
		t.Error("action still applied after removal")
	}
	pds, _ := store.PendingDeletions(ctx, "stars")
	if len(pds) != 1 || pds[0].MessageID != "90" {
		t.Errorf("got pending deletions %v, want one for message 90", pds)
	}
}

func TestActionManager_RemoveNothingApplied(t *testing.T) {
	a, _ := newActionManager(t, newFakeStore(), &fakeClient{T: t})
	if err := a.Remove(context.Background(), "stars", "5"); err != nil {
		t.Fatal(err)
	}
}

func TestActionManager_AppliedMessages(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.messages["5"] = beast.Message{ID: "5", ChannelID: "chan", Text: "older", DisplayDate: day(1)}
	store.messages["6"] = beast.Message{ID: "6", ChannelID: "chan", Text: "newer", DisplayDate: day(2)}
	for _, targetID := range []string{"5", "6", "404"} {
		store.InsertActionSpec(ctx, beast.ActionSpec{
			ActionMessageID: "9" + targetID,
			ActionChannelID: "stars",
			TargetMessageID: targetID,
			TargetChannelID: "chan",
			TargetDate:      day(3),
		})
	}
	a, _ := newActionManager(t, store, &fakeClient{T: t})

	got, err := a.AppliedMessages(ctx, "stars", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	// The unresolvable target is skipped, the rest come back.
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
}

// Applying an action to a message that has not been sent yet defers the
// action message; confirming the target rewrites and releases it.
func TestActionManager_TargetRemap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	client := &fakeClient{
		createMessage: func(t *testing.T, channelID string, d beast.Draft) (beast.Message, error) {
			return beast.Message{}, errors.New("offline")
		},
	}
	a, m := newActionManager(t, store, client)
	client.T = t

	go func() { _ = a.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	// The target itself is still unsent, under temporary ID 1.
	target, err := m.CreateUnsent(ctx, "chan", beast.Draft{Text: "to be starred"})
	if err != nil {
		t.Fatal(err)
	}
	if !target.Unsent {
		t.Fatal("target unexpectedly confirmed")
	}
	if err := a.Apply(ctx, "stars", target); err != nil {
		t.Fatal(err)
	}

	// Back online: confirmed IDs 77 for the target, 78 for the action
	// message. The action message must not go out before the target.
	var sentDrafts []beast.Draft
	next := 76
	client.createMessage = func(t *testing.T, channelID string, d beast.Draft) (beast.Message, error) {
		if channelID == "stars" {
			if got := (beast.Message{Annotations: d.Annotations}).TargetMessageID(); got != "77" {
				t.Errorf("action message sent with target %q, want 77", got)
			}
		}
		sentDrafts = append(sentDrafts, d)
		next++
		return beast.Message{ID: strconv.Itoa(next), ChannelID: channelID, Text: d.Text}, nil
	}
	if err := m.SendAllUnsent(ctx, "chan"); err != nil {
		t.Fatal(err)
	}

	// The sent notification triggers the rewrite and release.
	waitFor(t, func() bool {
		unsent, _ := store.UnsentMessages(ctx, "stars")
		return len(unsent) == 0
	})

	specs, _ := store.ActionSpecsTargeting(ctx, "77")
	if len(specs) != 1 {
		t.Fatalf("got %d specs targeting 77, want exactly 1", len(specs))
	}
	if specs[0].ActionMessageID != "78" {
		t.Errorf("got action message ID %s, want 78", specs[0].ActionMessageID)
	}
	if stale, _ := store.ActionSpecsTargeting(ctx, target.ID); len(stale) != 0 {
		t.Error("spec still targets the temporary ID")
	}

	// The action message went out with rewritten text and annotation.
	found := false
	for _, d := range sentDrafts {
		if strings.HasPrefix(d.Text, "target:") {
			found = true
			if d.Text != "target:77" {
				t.Errorf("got action text %q, want target:77", d.Text)
			}
		}
	}
	if !found {
		t.Error("action message never sent")
	}
}
