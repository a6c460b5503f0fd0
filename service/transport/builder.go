package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/meidoworks/sqlbus/service/busapi"
)

// DefaultMessageBuilder serializes an outgoing batch and stamps the
// transport headers: message id, source endpoint and message type.
type DefaultMessageBuilder struct {
	Serializer busapi.MessageSerializer
	Source     busapi.Endpoint
}

var _ busapi.MessageBuilder = new(DefaultMessageBuilder)

func (b *DefaultMessageBuilder) BuildFromMessageBatch(info *busapi.OutgoingMessageInformation) (*busapi.MessagePayload, error) {
	data, err := b.Serializer.Serialize(info.Messages)
	if err != nil {
		return nil, err
	}
	return &busapi.MessagePayload{
		Data:   data,
		SentAt: time.Now(),
		Headers: map[string]string{
			busapi.HeaderType:   string(busapi.MessageTypeNormal),
			busapi.HeaderId:     uuid.NewString(),
			busapi.HeaderSource: b.Source.Uri,
		},
	}, nil
}
