package sqlqueue

import (
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
)

const directEnqueueExpiry = 48 * time.Hour

// SqlQueue addresses one queue owned by the manager's endpoint.
type SqlQueue struct {
	manager   *QueueManager
	queueName string
}

var _ busapi.Queue = new(SqlQueue)

func (q *SqlQueue) QueueName() string {
	return q.queueName
}

func (q *SqlQueue) Begin() (busapi.Tx, error) {
	return q.manager.Begin()
}

// MoveTo relocates a message between the main queue and a named
// subqueue, preserving id and payload. The moved message becomes ready
// immediately.
func (q *SqlQueue) MoveTo(tx busapi.Tx, subQueue string, m *busapi.Message) error {
	db, err := handle(tx)
	if err != nil {
		return err
	}
	var sub *string
	if subQueue != "" {
		sub = &subQueue
	}
	res := db.Exec(`
update bus_message
set subqueue_name = $2, processing_until = $3, processed = false
where message_id = $1
`, m.Id, sub, time.Now())
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected <= 0 {
		return busapi.ErrMessageNotFound
	}
	return nil
}

func (q *SqlQueue) EnqueueDirectlyTo(tx busapi.Tx, subQueue string, payload *busapi.MessagePayload) error {
	db, err := handle(tx)
	if err != nil {
		return err
	}
	headers, err := busapi.CompressHeaders(payload.Headers)
	if err != nil {
		return err
	}
	var sub *string
	if subQueue != "" {
		sub = &subQueue
	}
	now := time.Now()
	res := db.Exec(`
insert into bus_message (queue_id, subqueue_name, created_at, processing_until, expires_at, processed, processed_count, headers, payload)
select q.queue_id, $3, $4, $5, $6, false, 0, $7, $8
from bus_queue q where q.endpoint = $1 and q.queue_name = $2
`, q.manager.endpoint, q.queueName, sub, payload.SentAt, now, now.Add(directEnqueueExpiry), headers, payload.Data)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected <= 0 {
		return busapi.ErrQueueNotFound
	}
	return nil
}

// GetAllMessages bulk-reads a subqueue inside its own transaction, used
// by the timeout scheduler for warm start.
func (q *SqlQueue) GetAllMessages(subQueue string) ([]*busapi.Message, error) {
	tx, err := q.Begin()
	if err != nil {
		return nil, err
	}
	db, err := handle(tx)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	r := db.Raw(`
select m.message_id, m.queue_id, m.subqueue_name, m.created_at,
       m.processing_until, m.expires_at, m.processed, m.processed_count,
       m.headers, m.payload
from bus_message m
join bus_queue q on q.queue_id = m.queue_id
where q.endpoint = $1 and q.queue_name = $2 and m.subqueue_name = $3
order by m.message_id asc
`, q.manager.endpoint, q.queueName, subQueue).Scan(&rows)
	if r.Error != nil {
		_ = tx.Rollback()
		return nil, classify(r.Error)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	messages := make([]*busapi.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage(q.queueName)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// PeekById fetches one message regardless of subqueue. Returns
// ErrMessageNotFound when the row no longer exists.
func (q *SqlQueue) PeekById(tx busapi.Tx, id int64) (*busapi.Message, error) {
	db, err := handle(tx)
	if err != nil {
		return nil, err
	}
	var row messageRow
	r := db.Raw(`
select message_id, queue_id, subqueue_name, created_at, processing_until,
       expires_at, processed, processed_count, headers, payload
from bus_message where message_id = $1
`, id).Scan(&row)
	if r.Error != nil {
		return nil, classify(r.Error)
	}
	if r.RowsAffected <= 0 {
		return nil, busapi.ErrMessageNotFound
	}
	return row.toMessage(q.queueName)
}
