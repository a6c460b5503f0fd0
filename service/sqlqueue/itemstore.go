package sqlqueue

import (
	"github.com/meidoworks/sqlbus/service/busapi"
)

// SqlItemStorage persists keyed blobs next to the queue tables so that
// durable bus state survives with the same consistency guarantees as
// the messages themselves.
type SqlItemStorage struct {
	manager *QueueManager
}

var _ busapi.ItemStorage = new(SqlItemStorage)

func NewSqlItemStorage(manager *QueueManager) *SqlItemStorage {
	return &SqlItemStorage{manager: manager}
}

func (s *SqlItemStorage) GetItemsByKey(tx busapi.Tx, key string) ([]busapi.StoredItem, error) {
	db, err := handle(tx)
	if err != nil {
		return nil, err
	}
	var rows []itemRow
	r := db.Raw(`
select item_id, item_key, item_value from bus_item
where item_key = $1 order by item_id asc
`, key).Scan(&rows)
	if r.Error != nil {
		return nil, classify(r.Error)
	}
	items := make([]busapi.StoredItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, busapi.StoredItem{Id: row.ItemId, Value: row.ItemValue})
	}
	return items, nil
}

func (s *SqlItemStorage) AddItem(tx busapi.Tx, key string, value []byte) (int64, error) {
	db, err := handle(tx)
	if err != nil {
		return 0, err
	}
	var id int64
	r := db.Raw(`
insert into bus_item (item_key, item_value) values ($1, $2) returning item_id
`, key, value).Scan(&id)
	if r.Error != nil {
		return 0, classify(r.Error)
	}
	return id, nil
}

func (s *SqlItemStorage) RemoveItems(tx busapi.Tx, key string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := handle(tx)
	if err != nil {
		return err
	}
	r := db.Exec(`
delete from bus_item where item_key = ? and item_id in ?
`, key, ids)
	if r.Error != nil {
		return classify(r.Error)
	}
	return nil
}
