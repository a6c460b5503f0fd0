package sqlqueue

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/meidoworks/sqlbus/service/busapi"
)

// classify maps driver-level failures onto the transport's error
// taxonomy: pool exhaustion gets its own sentinel so the worker can
// reset the pool and back off; everything else from the store is a
// transient store failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || isPoolError(err) {
		return fmt.Errorf("%w: %v", busapi.ErrPoolExhausted, err)
	}
	return fmt.Errorf("%w: %v", busapi.ErrStoreFailure, err)
}

func isPoolError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "too many clients") ||
		strings.Contains(msg, "connection reset")
}
