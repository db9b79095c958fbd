package beast

import (
	"regexp"
	"strconv"
	"time"
)

// Annotation types understood by the engine. Annotations with any other type
// are carried through untouched.
const (
	AnnotationGeolocation   = "net.app.core.geolocation"
	AnnotationCheckin       = "net.app.core.checkin"
	AnnotationAttachments   = "net.app.core.attachments"
	AnnotationOEmbed        = "net.app.core.oembed"
	AnnotationDisplayDate   = "com.messagebeast.display_date"
	AnnotationTargetMessage = "com.messagebeast.action.target_message"
)

// Keys used inside annotation values.
const (
	annotationKeyPendingFileID = "pending_file_id"
	annotationKeyFileID        = "file_id"
	annotationKeyFileToken     = "file_token"
	annotationKeyTargetID      = "id"
	annotationKeyDate          = "date"
)

// An Annotation is a typed piece of structured metadata attached to a message.
type Annotation struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value,omitempty"`
}

// A Message is a message in a channel. Once the server has confirmed it, a
// Message is immutable; server-assigned IDs are decimal strings that increase
// in insertion order within a channel. Messages that have not reached the
// server yet carry a temporary ID and Unsent=true, and exist locally only.
type Message struct {
	ID           string       `json:"id"`
	ChannelID    string       `json:"channel_id"`
	Text         string       `json:"text"`
	Annotations  []Annotation `json:"annotations,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	DisplayDate  time.Time    `json:"display_date"`
	Unsent       bool         `json:"unsent,omitempty"`
	SendAttempts int          `json:"send_attempts,omitempty"`
}

// Annotation returns the first annotation of the given type.
func (m Message) Annotation(typ string) (Annotation, bool) {
	for _, a := range m.Annotations {
		if a.Type == typ {
			return a, true
		}
	}
	return Annotation{}, false
}

// TargetMessageID returns the message ID referenced by an action message, or
// "" if the message carries no target annotation.
func (m Message) TargetMessageID() string {
	a, ok := m.Annotation(AnnotationTargetMessage)
	if !ok {
		return ""
	}
	id, _ := a.Value[annotationKeyTargetID].(string)
	return id
}

// PendingFileIDs returns the pending-file IDs referenced by the message's
// attachment and embedded-media annotations that have not been rewritten to
// server file handles yet.
func (m Message) PendingFileIDs() []string {
	var ids []string
	for _, a := range m.Annotations {
		if a.Type != AnnotationAttachments && a.Type != AnnotationOEmbed {
			continue
		}
		if id, ok := a.Value[annotationKeyPendingFileID].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// resolveFileAnnotation returns a copy of the message whose attachment or
// embedded-media annotation referencing the pending file is rewritten to the
// server file handle.
func resolveFileAnnotation(m Message, pendingFileID string, h FileHandle) Message {
	anns := make([]Annotation, len(m.Annotations))
	copy(anns, m.Annotations)
	for i, a := range anns {
		if a.Type != AnnotationAttachments && a.Type != AnnotationOEmbed {
			continue
		}
		if id, _ := a.Value[annotationKeyPendingFileID].(string); id != pendingFileID {
			continue
		}
		val := make(map[string]any, len(a.Value)+1)
		for k, v := range a.Value {
			val[k] = v
		}
		delete(val, annotationKeyPendingFileID)
		val[annotationKeyFileID] = h.ID
		val[annotationKeyFileToken] = h.Token
		anns[i] = Annotation{Type: a.Type, Value: val}
	}
	m.Annotations = anns
	return m
}

// A Draft is the mutable, not-yet-confirmed variant of a Message. A Draft is
// created locally, assigned a temporary ID, and converted to an immutable
// Message either unconfirmed (for local persistence and display) or confirmed
// (once the server has assigned a permanent ID).
type Draft struct {
	TempID       string       `validate:"-"`
	ChannelID    string       `validate:"required"`
	Text         string       `validate:"required"`
	Annotations  []Annotation `validate:"-"`
	CreatedAt    time.Time    `validate:"-"`
	DisplayDate  time.Time    `validate:"-"`
	SendAttempts int          `validate:"-"`
}

// Unconfirmed returns the local, unsent view of the draft, keyed by its
// temporary ID.
func (d Draft) Unconfirmed() Message {
	return Message{
		ID:           d.TempID,
		ChannelID:    d.ChannelID,
		Text:         d.Text,
		Annotations:  d.Annotations,
		CreatedAt:    d.CreatedAt,
		DisplayDate:  d.DisplayDate,
		Unsent:       true,
		SendAttempts: d.SendAttempts,
	}
}

// Confirm converts the draft to a confirmed, immutable Message under the
// server-assigned ID. The send-attempt counter does not survive confirmation.
func (d Draft) Confirm(id string) Message {
	return Message{
		ID:          id,
		ChannelID:   d.ChannelID,
		Text:        d.Text,
		Annotations: d.Annotations,
		CreatedAt:   d.CreatedAt,
		DisplayDate: d.DisplayDate,
	}
}

// DraftOf rebuilds the mutable draft view of a persisted unsent message, for
// example after a restart.
func DraftOf(m Message) Draft {
	return Draft{
		TempID:       m.ID,
		ChannelID:    m.ChannelID,
		Text:         m.Text,
		Annotations:  m.Annotations,
		CreatedAt:    m.CreatedAt,
		DisplayDate:  m.DisplayDate,
		SendAttempts: m.SendAttempts,
	}
}

// A Channel is a named, typed container of messages. Channels whose type
// starts with a machine-only prefix are private synchronization primitives
// rather than user content.
type Channel struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// A DisplayLocation is a human-readable place attached to a message, derived
// from its geolocation or checkin annotation.
type DisplayLocation struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DisplayLocationOf extracts the display location of a message, preferring a
// checkin annotation over a bare geolocation.
func DisplayLocationOf(m Message) (DisplayLocation, bool) {
	for _, typ := range []string{AnnotationCheckin, AnnotationGeolocation} {
		a, ok := m.Annotation(typ)
		if !ok {
			continue
		}
		name, _ := a.Value["name"].(string)
		lat, okLat := toFloat(a.Value["latitude"])
		lon, okLon := toFloat(a.Value["longitude"])
		if !okLat || !okLon {
			continue
		}
		if name == "" {
			name = strconv.FormatFloat(lat, 'f', 3, 64) + ", " + strconv.FormatFloat(lon, 'f', 3, 64)
		}
		return DisplayLocation{Name: name, Latitude: lat, Longitude: lon}, true
	}
	return DisplayLocation{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

var hashtagRe = regexp.MustCompile(`#(\w+)`)

// Hashtags returns the distinct hashtag names appearing in the message text,
// in order of first appearance, without the leading '#'.
func Hashtags(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, match := range hashtagRe.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// DisplayDateOf derives the display date of a message: an explicit
// display-date annotation wins, otherwise the creation date is used.
func DisplayDateOf(m Message) time.Time {
	if a, ok := m.Annotation(AnnotationDisplayDate); ok {
		if s, ok := a.Value[annotationKeyDate].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return m.CreatedAt
}

// A PendingFile is a local file that still has to be uploaded before the
// messages referencing it can be sent.
type PendingFile struct {
	ID       string `json:"id"`
	Path     string `json:"path" validate:"required"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Kind     string `json:"kind"`
}

// A FileHandle is the server-side reference to an uploaded file.
type FileHandle struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// A FileAttachment links a pending file to the message that references it.
// Embedded distinguishes embedded media from generic attachments.
type FileAttachment struct {
	PendingFileID string
	MessageID     string
	ChannelID     string
	Embedded      bool
}

// A PendingDeletion records a delete request that has not been confirmed by
// the server yet. It is removed only once the server confirms the deletion or
// reports the message already gone.
type PendingDeletion struct {
	MessageID   string
	ChannelID   string
	DeleteFiles bool
}

// An ActionSpec records that an action message in an action channel targets a
// message elsewhere. Either ID may still be temporary; both are rewritten in
// place when the owning message is confirmed.
type ActionSpec struct {
	ActionMessageID string
	ActionChannelID string
	TargetMessageID string
	TargetChannelID string
	TargetDate      time.Time
}

// idNum parses a server-style decimal message ID. The zero value sorts below
// every valid ID.
func idNum(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CompareIDs orders two message IDs numerically, the way the server assigns
// them.
func CompareIDs(a, b string) int {
	na, nb := idNum(a), idNum(b)
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}
