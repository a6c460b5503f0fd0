package sqlqueue

import (
	"time"
)

// CleanConsumed deletes up to limit rows that are either processed or
// expired. Returns the number of rows removed so the caller can adapt
// its batch size.
func (m *QueueManager) CleanConsumed(limit int) (int64, error) {
	tx, err := m.Begin()
	if err != nil {
		return 0, err
	}
	db, err := handle(tx)
	if err != nil {
		return 0, err
	}
	r := db.Exec(`
delete from bus_message where message_id in (
    select message_id from bus_message
    where processed = true or (expires_at is not null and expires_at <= $1)
    limit $2
)
`, time.Now(), limit)
	if r.Error != nil {
		_ = tx.Rollback()
		return 0, classify(r.Error)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return r.RowsAffected, nil
}

// QueueStats summarizes one queue for the admin surface.
type QueueStats struct {
	QueueName    string `json:"queue_name"`
	SubQueueName string `json:"subqueue_name,omitempty"`
	Pending      int64  `json:"pending"`
	Processed    int64  `json:"processed"`
}

// Stats reports per-queue and per-subqueue message counts for the
// manager's endpoint.
func (m *QueueManager) Stats() ([]QueueStats, error) {
	tx, err := m.Begin()
	if err != nil {
		return nil, err
	}
	db, err := handle(tx)
	if err != nil {
		return nil, err
	}
	var stats []QueueStats
	r := db.Raw(`
select q.queue_name as queue_name,
       coalesce(m.subqueue_name, '') as sub_queue_name,
       count(*) filter (where not m.processed) as pending,
       count(*) filter (where m.processed) as processed
from bus_queue q
left join bus_message m on m.queue_id = q.queue_id
where q.endpoint = $1
group by q.queue_name, m.subqueue_name
order by q.queue_name, m.subqueue_name
`, m.endpoint).Scan(&stats)
	if r.Error != nil {
		_ = tx.Rollback()
		return nil, classify(r.Error)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stats, nil
}
