package beast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics the engine publishes on.
const (
	TopicSent         = "beast.messages.sent"
	TopicSendFailed   = "beast.messages.send_failed"
	TopicFileUploaded = "beast.files.uploaded"
)

// An IDPair records one temporary-to-permanent message ID remap.
type IDPair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// A SentEvent carries the ID remaps of one drain attempt's delivered
// messages. It is published whenever an attempt delivers anything, whether or
// not the attempt drained the whole queue.
type SentEvent struct {
	ChannelID string   `json:"channel_id"`
	IDs       []IDPair `json:"ids"`
}

// A SendFailedEvent is published for every failed delivery attempt.
type SendFailedEvent struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Attempts  int    `json:"attempts"`
}

// A FileUploadedEvent reports the outcome of one pending-file upload.
type FileUploadedEvent struct {
	PendingFileID string     `json:"pending_file_id"`
	OK            bool       `json:"ok"`
	File          FileHandle `json:"file,omitempty"`
	ChannelID     string     `json:"channel_id,omitempty"`
}

// Events carries the engine's in-process pub/sub. The Manager publishes on
// it; the Action-Message Layer and the application subscribe.
type Events struct {
	logger *slog.Logger
	bus    *gochannel.GoChannel
}

// NewEvents returns an event bus logging through the given logger.
func NewEvents(logger *slog.Logger) *Events {
	return &Events{
		logger: logger,
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NewSlogLogger(logger)),
	}
}

// Subscribe returns the stream of raw messages on a topic. The subscription
// ends when ctx is done.
func (e *Events) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return e.bus.Subscribe(ctx, topic)
}

// Close shuts the bus down; pending subscriber channels are closed.
func (e *Events) Close() error {
	return e.bus.Close()
}

func (e *Events) publish(topic string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("Could not encode event", "topic", topic, "error", err.Error())
		return
	}
	if err := e.bus.Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		e.logger.Error("Could not publish event", "topic", topic, "error", err.Error())
	}
}

// PublishSent publishes a SentEvent.
func (e *Events) PublishSent(ev SentEvent) { e.publish(TopicSent, ev) }

// PublishSendFailed publishes a SendFailedEvent.
func (e *Events) PublishSendFailed(ev SendFailedEvent) { e.publish(TopicSendFailed, ev) }

// PublishFileUploaded publishes a FileUploadedEvent.
func (e *Events) PublishFileUploaded(ev FileUploadedEvent) { e.publish(TopicFileUploaded, ev) }

// DecodeEvent unmarshals a raw bus message into the typed event for its
// topic.
func DecodeEvent[T any](msg *message.Message) (T, error) {
	var ev T
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
