package sqlqueue

import (
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
)

type queueRow struct {
	QueueId   int64  `gorm:"primaryKey;autoIncrement;column:queue_id"`
	Endpoint  string `gorm:"column:endpoint;uniqueIndex:uq_bus_queue_endpoint_name"`
	QueueName string `gorm:"column:queue_name;uniqueIndex:uq_bus_queue_endpoint_name"`
}

func (*queueRow) TableName() string {
	return "bus_queue"
}

type messageRow struct {
	MessageId       int64      `gorm:"primaryKey;autoIncrement;column:message_id"`
	QueueId         int64      `gorm:"column:queue_id;index:idx_bus_message_queue"`
	SubqueueName    *string    `gorm:"column:subqueue_name;index:idx_bus_message_queue"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	ProcessingUntil time.Time  `gorm:"column:processing_until"`
	ExpiresAt       *time.Time `gorm:"column:expires_at"`
	Processed       bool       `gorm:"column:processed"`
	ProcessedCount  int        `gorm:"column:processed_count"`
	Headers         string     `gorm:"column:headers"`
	Payload         []byte     `gorm:"column:payload"`
}

func (*messageRow) TableName() string {
	return "bus_message"
}

type itemRow struct {
	ItemId    int64  `gorm:"primaryKey;autoIncrement;column:item_id"`
	ItemKey   string `gorm:"column:item_key;index:idx_bus_item_key"`
	ItemValue []byte `gorm:"column:item_value"`
}

func (*itemRow) TableName() string {
	return "bus_item"
}

func (r *messageRow) toMessage(queueName string) (*busapi.Message, error) {
	headers, err := busapi.ExtractHeaders(r.Headers)
	if err != nil {
		return nil, err
	}
	m := &busapi.Message{
		Id:              r.MessageId,
		Data:            r.Payload,
		Queue:           queueName,
		SentAt:          r.CreatedAt,
		ProcessingUntil: r.ProcessingUntil,
		ProcessedCount:  r.ProcessedCount,
		Headers:         headers,
	}
	if r.SubqueueName != nil {
		m.SubQueue = *r.SubqueueName
	}
	return m, nil
}
