package adn

import (
	"encoding/json"
	"time"

	"github.com/rrbrambley/messagebeast/beast"
)

// envelope is the service's response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta meta            `json:"meta"`
}

type meta struct {
	Code         int    `json:"code"`
	MinID        string `json:"min_id"`
	MaxID        string `json:"max_id"`
	More         bool   `json:"more"`
	ErrorMessage string `json:"error_message"`
}

// A wireMessage is a message as the service serializes it.
type wireMessage struct {
	ID          string           `json:"id"`
	ChannelID   string           `json:"channel_id"`
	Text        string           `json:"text"`
	CreatedAt   time.Time        `json:"created_at"`
	Annotations []wireAnnotation `json:"annotations,omitempty"`
}

type wireAnnotation struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value,omitempty"`
}

func (w wireMessage) Beast() beast.Message {
	anns := make([]beast.Annotation, len(w.Annotations))
	for i, a := range w.Annotations {
		anns[i] = beast.Annotation{Type: a.Type, Value: a.Value}
	}
	msg := beast.Message{
		ID:          w.ID,
		ChannelID:   w.ChannelID,
		Text:        w.Text,
		Annotations: anns,
		CreatedAt:   w.CreatedAt,
	}
	msg.DisplayDate = beast.DisplayDateOf(msg)
	return msg
}

// wireDraft is the create-message request body for a draft.
func wireDraft(d beast.Draft) wireMessage {
	anns := make([]wireAnnotation, len(d.Annotations))
	for i, a := range d.Annotations {
		anns[i] = wireAnnotation{Type: a.Type, Value: a.Value}
	}
	return wireMessage{
		Text:        d.Text,
		Annotations: anns,
	}
}

type wireFile struct {
	ID        string `json:"id"`
	FileToken string `json:"file_token"`
}
