package sqlqueue

import (
	"errors"
	"strings"
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
	"github.com/meidoworks/sqlbus/shared/logging"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

var _queueManagerLogger = logging.NewLogger("QueueManager")

const defaultLease = 2 * time.Minute

type StorageConfig struct {
	Sources  []string
	Replicas []string

	// Lease is how long a received message stays invisible before it is
	// handed out again. Zero means the default of 2 minutes.
	Lease time.Duration
}

// QueueManager implements the queue-store operation contract on top of
// PostgreSQL.
type QueueManager struct {
	endpoint string
	db       *gorm.DB
	lease    time.Duration
}

var _ busapi.QueueStore = new(QueueManager)

func NewQueueManager(endpoint string, cfg *StorageConfig) (*QueueManager, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("sqlqueue: at least one storage source is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.Sources[0]), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	var sources []gorm.Dialector
	for _, v := range cfg.Sources {
		sources = append(sources, postgres.Open(v))
	}
	var replicas []gorm.Dialector
	for _, v := range cfg.Replicas {
		replicas = append(replicas, postgres.Open(v))
	}
	if err := db.Use(dbresolver.Register(dbresolver.Config{
		Sources:  sources,
		Replicas: replicas,
		Policy:   dbresolver.RandomPolicy{},
	})); err != nil {
		return nil, err
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	return &QueueManager{
		endpoint: endpoint,
		db:       db,
		lease:    lease,
	}, nil
}

// Provision creates the queue, message and item tables if missing.
func (m *QueueManager) Provision() error {
	return m.db.AutoMigrate(&queueRow{}, &messageRow{}, &itemRow{})
}

func (m *QueueManager) Begin() (busapi.Tx, error) {
	tx := m.db.Begin()
	if tx.Error != nil {
		return nil, classify(tx.Error)
	}
	return &TxContext{db: tx}, nil
}

func (m *QueueManager) CreateQueue(tx busapi.Tx, queueName string) (int64, error) {
	db, err := handle(tx)
	if err != nil {
		return 0, err
	}
	res := db.Exec(`
insert into bus_queue (endpoint, queue_name)
values ($1, $2)
on conflict (endpoint, queue_name) do nothing
`, m.endpoint, queueName)
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	var queueId int64
	r := db.Raw(`
select queue_id from bus_queue where endpoint = $1 and queue_name = $2
`, m.endpoint, queueName).Scan(&queueId)
	if r.Error != nil {
		return 0, classify(r.Error)
	}
	if r.RowsAffected <= 0 {
		return 0, busapi.ErrQueueNotFound
	}
	return queueId, nil
}

// GetQueue returns a queue handle bound to this manager's endpoint.
func (m *QueueManager) GetQueue(queueName string) *SqlQueue {
	return &SqlQueue{manager: m, queueName: queueName}
}

func (m *QueueManager) Peek(tx busapi.Tx, queueID int64) (bool, error) {
	db, err := handle(tx)
	if err != nil {
		return false, err
	}
	var one int
	r := db.Raw(`
select 1 from bus_message
where queue_id = $1
  and subqueue_name is null
  and processed = false
  and processing_until <= $2
  and (expires_at is null or expires_at > $2)
limit 1
`, queueID, time.Now()).Scan(&one)
	if r.Error != nil {
		return false, classify(r.Error)
	}
	return r.RowsAffected > 0, nil
}

// Receive leases exactly one ready message. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from ever leasing the same row.
func (m *QueueManager) Receive(tx busapi.Tx, queueID int64, lease time.Duration) (*busapi.Message, error) {
	db, err := handle(tx)
	if err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = m.lease
	}
	now := time.Now()
	var row messageRow
	r := db.Raw(`
with candidate as (
    select message_id from bus_message
    where queue_id = $1
      and subqueue_name is null
      and processed = false
      and processing_until <= $2
      and (expires_at is null or expires_at > $2)
    order by processing_until asc, message_id asc
    limit 1
    for update skip locked
)
update bus_message m
set processing_until = $3,
    processed_count  = processed_count + 1
from candidate c
where m.message_id = c.message_id
returning m.message_id, m.queue_id, m.subqueue_name, m.created_at,
          m.processing_until, m.expires_at, m.processed, m.processed_count,
          m.headers, m.payload
`, queueID, now, now.Add(lease)).Scan(&row)
	if r.Error != nil {
		return nil, classify(r.Error)
	}
	if r.RowsAffected <= 0 {
		return nil, busapi.ErrNoMessage
	}
	return row.toMessage(m.queueNameOf(db, queueID))
}

func (m *QueueManager) queueNameOf(db *gorm.DB, queueID int64) string {
	var name string
	db.Raw(`select queue_name from bus_queue where queue_id = $1`, queueID).Scan(&name)
	return name
}

func (m *QueueManager) ExtendMessageLease(tx busapi.Tx, msg *busapi.Message) error {
	db, err := handle(tx)
	if err != nil {
		return err
	}
	res := db.Exec(`
update bus_message set processing_until = $2 where message_id = $1
`, msg.Id, time.Now().Add(m.lease))
	if res.Error != nil {
		return classify(res.Error)
	}
	return nil
}

func (m *QueueManager) MarkMessageAsReady(tx busapi.Tx, msg *busapi.Message) error {
	db, err := handle(tx)
	if err != nil {
		return err
	}
	res := db.Exec(`
update bus_message set processed = true where message_id = $1
`, msg.Id)
	if res.Error != nil {
		return classify(res.Error)
	}
	return nil
}

// Send enqueues a payload for the queue addressed by the destination
// endpoint URI. A URI fragment addresses a subqueue directly.
func (m *QueueManager) Send(tx busapi.Tx, endpointUri string, payload *busapi.MessagePayload) error {
	db, err := handle(tx)
	if err != nil {
		return err
	}
	queueName, err := busapi.QueueNameFromUri(endpointUri)
	if err != nil {
		return err
	}
	headers, err := busapi.CompressHeaders(payload.Headers)
	if err != nil {
		return err
	}
	baseUri, _, _ := strings.Cut(endpointUri, "#")
	res := db.Exec(`
insert into bus_queue (endpoint, queue_name)
values ($1, $2)
on conflict (endpoint, queue_name) do nothing
`, baseUri, queueName)
	if res.Error != nil {
		return classify(res.Error)
	}
	var subQueue *string
	if sq := busapi.SubQueueFromUri(endpointUri); sq != "" {
		subQueue = &sq
	}
	res = db.Exec(`
insert into bus_message (queue_id, subqueue_name, created_at, processing_until, expires_at, processed, processed_count, headers, payload)
select q.queue_id, $3, $4, $5, null, false, 0, $6, $7
from bus_queue q where q.endpoint = $1 and q.queue_name = $2
`, baseUri, queueName, subQueue, payload.SentAt, payload.SentAt, headers, payload.Data)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected <= 0 {
		return busapi.ErrQueueNotFound
	}
	_queueManagerLogger.Debugf("sent message to %s on %s, headers: '%s'", endpointUri, queueName, headers)
	return nil
}

// ResetPool drops idle store connections after a pool-exhaustion error so
// the next attempt starts from a clean pool.
func (m *QueueManager) ResetPool() {
	sqlDB, err := m.db.DB()
	if err != nil {
		_queueManagerLogger.Warnf("reset pool: %v", err)
		return
	}
	sqlDB.SetMaxIdleConns(0)
	sqlDB.SetMaxIdleConns(2)
}

// Close releases the underlying connection pool.
func (m *QueueManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
