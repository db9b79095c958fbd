package sqlite

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/uptrace/bun"

	"github.com/rrbrambley/messagebeast/beast"
)

// A message is a message row. Payload holds the full serialized
// beast.Message; the remaining columns mirror the fields the store queries
// and scans on.
type message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID           string    `bun:"id,pk"`
	ChannelID    string    `bun:"channel_id,notnull"`
	DisplayDate  time.Time `bun:"display_date,notnull"`
	Payload      []byte    `bun:"payload,notnull"`
	MessageText  string    `bun:"message_text,notnull,default:''"`
	Unsent       bool      `bun:"unsent,notnull,default:false"`
	SendAttempts int       `bun:"send_attempts,notnull,default:0"`
}

func messageRow(msg beast.Message) (*message, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return &message{
		ID:           msg.ID,
		ChannelID:    msg.ChannelID,
		DisplayDate:  msg.DisplayDate,
		Payload:      payload,
		MessageText:  msg.Text,
		Unsent:       msg.Unsent,
		SendAttempts: msg.SendAttempts,
	}, nil
}

func (m message) Beast() (beast.Message, error) {
	var msg beast.Message
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		return beast.Message{}, fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return msg, nil
}

// A hashtagInstance maps one hashtag occurrence to the message carrying it.
type hashtagInstance struct {
	bun.BaseModel `bun:"table:hashtag_instances,alias:h"`

	Name        string    `bun:"name,pk"`
	MessageID   string    `bun:"message_id,pk"`
	ChannelID   string    `bun:"channel_id,notnull"`
	DisplayDate time.Time `bun:"display_date,notnull"`
}

// A locationInstance maps a message to its display location. Coordinates
// are stored rounded so nearby points collide on lookup.
type locationInstance struct {
	bun.BaseModel `bun:"table:location_instances,alias:l"`

	MessageID   string    `bun:"message_id,pk"`
	Name        string    `bun:"name,notnull"`
	Latitude    float64   `bun:"latitude,notnull"`
	Longitude   float64   `bun:"longitude,notnull"`
	ChannelID   string    `bun:"channel_id,notnull"`
	DisplayDate time.Time `bun:"display_date,notnull"`
}

// An annotationInstance maps one annotation type occurrence to the message
// carrying it.
type annotationInstance struct {
	bun.BaseModel `bun:"table:annotation_instances,alias:a"`

	Type        string    `bun:"type,pk"`
	MessageID   string    `bun:"message_id,pk"`
	ChannelID   string    `bun:"channel_id,notnull"`
	DisplayDate time.Time `bun:"display_date,notnull"`
}

type pendingDeletion struct {
	bun.BaseModel `bun:"table:pending_deletions,alias:pd"`

	MessageID   string `bun:"message_id,pk"`
	ChannelID   string `bun:"channel_id,notnull"`
	DeleteFiles bool   `bun:"delete_files,notnull,default:false"`
}

func (pd pendingDeletion) Beast() beast.PendingDeletion {
	return beast.PendingDeletion{
		MessageID:   pd.MessageID,
		ChannelID:   pd.ChannelID,
		DeleteFiles: pd.DeleteFiles,
	}
}

type pendingFile struct {
	bun.BaseModel `bun:"table:pending_files,alias:pf"`

	ID       string `bun:"id,pk"`
	Path     string `bun:"path,notnull"`
	Name     string `bun:"name,notnull,default:''"`
	MimeType string `bun:"mime_type,notnull,default:''"`
	Kind     string `bun:"kind,notnull,default:''"`
}

func (pf pendingFile) Beast() beast.PendingFile {
	return beast.PendingFile{
		ID:       pf.ID,
		Path:     pf.Path,
		Name:     pf.Name,
		MimeType: pf.MimeType,
		Kind:     pf.Kind,
	}
}

type fileAttachment struct {
	bun.BaseModel `bun:"table:pending_file_attachments,alias:fa"`

	PendingFileID string `bun:"pending_file_id,pk"`
	MessageID     string `bun:"message_id,pk"`
	ChannelID     string `bun:"channel_id,notnull"`
	Embedded      bool   `bun:"embedded,notnull,default:false"`
}

func (fa fileAttachment) Beast() beast.FileAttachment {
	return beast.FileAttachment{
		PendingFileID: fa.PendingFileID,
		MessageID:     fa.MessageID,
		ChannelID:     fa.ChannelID,
		Embedded:      fa.Embedded,
	}
}

type actionSpec struct {
	bun.BaseModel `bun:"table:action_specs,alias:s"`

	ActionChannelID string    `bun:"action_channel_id,pk"`
	TargetMessageID string    `bun:"target_message_id,pk"`
	ActionMessageID string    `bun:"action_message_id,notnull"`
	TargetChannelID string    `bun:"target_channel_id,notnull"`
	TargetDate      time.Time `bun:"target_date,notnull"`
}

func (s actionSpec) Beast() beast.ActionSpec {
	return beast.ActionSpec{
		ActionMessageID: s.ActionMessageID,
		ActionChannelID: s.ActionChannelID,
		TargetMessageID: s.TargetMessageID,
		TargetChannelID: s.TargetChannelID,
		TargetDate:      s.TargetDate,
	}
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
