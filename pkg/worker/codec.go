package worker

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// JobCodec decodes the JSON job published by the intake queue. Fields missing
// from the body are taken from message metadata.
type JobCodec struct{}

func (JobCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	evt := &Event{
		Topic:     topic,
		MessageID: msg.UUID,
		Metadata:  make(map[string]string, len(msg.Metadata)),
		Payload:   json.RawMessage(msg.Payload),
	}
	for key, value := range msg.Metadata {
		evt.Metadata[key] = value
	}
	if err := json.Unmarshal(msg.Payload, &evt.Job); err != nil {
		return nil, err
	}
	if evt.Job.DeliveryID == "" {
		evt.Job.DeliveryID = msg.Metadata.Get("delivery_id")
	}
	if evt.Job.EventKind == "" {
		evt.Job.EventKind = msg.Metadata.Get("kind")
	}
	if evt.Job.InstallationID == 0 {
		if id, err := strconv.ParseInt(msg.Metadata.Get("installation_id"), 10, 64); err == nil {
			evt.Job.InstallationID = id
		}
	}
	if evt.Job.DeliveryID == "" {
		return nil, errors.New("job without delivery id")
	}
	return evt, nil
}
