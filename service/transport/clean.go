package transport

import (
	"math"
	"time"

	"github.com/meidoworks/sqlbus/shared/logging"
	"github.com/meidoworks/sqlbus/shared/workgroup"
)

var _sweepLogger = logging.NewLogger("RetentionSweeper")

const (
	defaultSweepInterval   = 1 * time.Hour
	defaultSweepBatchLimit = 50_000
	minSweepBatchLimit     = 50
)

// ConsumedCleaner deletes consumed or expired rows up to a batch limit.
type ConsumedCleaner interface {
	CleanConsumed(limit int) (int64, error)
}

// RetentionSweeper periodically trims consumed rows. When a sweep fails
// the batch limit shrinks toward its square root so an overloaded store
// gets smaller deletes; a successful sweep restores the default.
type RetentionSweeper struct {
	cleaner  ConsumedCleaner
	interval time.Duration
	limit    int
	stopCh   chan struct{}
}

func NewRetentionSweeper(cleaner ConsumedCleaner) *RetentionSweeper {
	return &RetentionSweeper{
		cleaner:  cleaner,
		interval: defaultSweepInterval,
		limit:    defaultSweepBatchLimit,
		stopCh:   make(chan struct{}),
	}
}

func (s *RetentionSweeper) Start() {
	workgroup.WithFailOver().Run(func() bool {
		for {
			select {
			case <-s.stopCh:
				return true
			case <-time.After(s.interval):
				s.sweepOnce()
			}
		}
	})
}

func (s *RetentionSweeper) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *RetentionSweeper) sweepOnce() {
	removed, err := s.cleaner.CleanConsumed(s.limit)
	if err != nil {
		shrunk := int(math.Sqrt(float64(s.limit)))
		if shrunk < minSweepBatchLimit {
			shrunk = minSweepBatchLimit
		}
		_sweepLogger.Errorln("sweep with batch limit", s.limit, "failed, shrinking to", shrunk, ":", err)
		s.limit = shrunk
		return
	}
	if s.limit != defaultSweepBatchLimit {
		_sweepLogger.Infoln("sweep recovered, restoring batch limit", defaultSweepBatchLimit)
		s.limit = defaultSweepBatchLimit
	}
	if removed > 0 {
		_sweepLogger.Infoln("removed", removed, "consumed rows")
	}
}
