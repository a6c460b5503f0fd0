package transport

import (
	"time"

	"github.com/meidoworks/sqlbus/service/busapi"
)

const (
	firstRenewalDelay = 40 * time.Second
	renewalInterval   = 9*time.Minute + 30*time.Second
)

// armLeaseRenewal keeps a slow handler's message invisible: it renews
// the lease at the 40s mark and every ~9.5 minutes after, until the
// message is flagged finished.
func (t *SqlTransport) armLeaseRenewal(msg *busapi.Message) {
	go func() {
		delay := firstRenewalDelay
		for {
			time.Sleep(delay)
			if msg.Finished() || !t.running.Load() {
				return
			}
			t.renewLease(msg)
			delay = renewalInterval
		}
	}()
}

func (t *SqlTransport) renewLease(msg *busapi.Message) {
	tx, err := t.store.Begin()
	if err != nil {
		_transportLogger.Errorln("lease renewal begin failed for message", msg.Id, ":", err)
		return
	}
	if err := t.store.ExtendMessageLease(tx, msg); err != nil {
		_ = tx.Rollback()
		_transportLogger.Errorln("lease renewal failed for message", msg.Id, ":", err)
		return
	}
	if err := tx.Commit(); err != nil {
		_transportLogger.Errorln("lease renewal commit failed for message", msg.Id, ":", err)
	}
}
