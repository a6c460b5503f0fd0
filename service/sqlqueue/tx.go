package sqlqueue

import (
	"errors"

	"github.com/meidoworks/sqlbus/service/busapi"

	"gorm.io/gorm"
)

// TxContext is one open store transaction, passed explicitly into every
// store operation. A context is single-use: once committed or rolled
// back, any further use fails with ErrTransactionClosed.
type TxContext struct {
	db     *gorm.DB
	closed bool
}

var _ busapi.Tx = new(TxContext)

// Begin refuses to nest. A TxContext is one open transaction, not a
// transaction factory; code that needs a second transaction must go
// back to the QueueManager. Passing an open context where a store is
// expected fails loudly instead of silently sharing the connection.
func (t *TxContext) Begin() (busapi.Tx, error) {
	if t.closed {
		return nil, busapi.ErrTransactionClosed
	}
	return nil, busapi.ErrTransactionAlreadyOpen
}

func (t *TxContext) Commit() error {
	if t.closed {
		return busapi.ErrTransactionClosed
	}
	t.closed = true
	return t.db.Commit().Error
}

func (t *TxContext) Rollback() error {
	if t.closed {
		return busapi.ErrTransactionClosed
	}
	t.closed = true
	return t.db.Rollback().Error
}

// handle unwraps a busapi.Tx back into the gorm transaction. Handing a
// foreign or closed Tx to a store operation is a programming error and
// fails loudly.
func handle(tx busapi.Tx) (*gorm.DB, error) {
	ctx, ok := tx.(*TxContext)
	if !ok {
		return nil, errors.New("sqlqueue: tx was not created by this store")
	}
	if ctx.closed {
		return nil, busapi.ErrTransactionClosed
	}
	return ctx.db, nil
}
