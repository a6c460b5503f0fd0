package transport

import (
	"errors"
	"testing"
)

type scriptedCleaner struct {
	fail   bool
	limits []int
}

func (c *scriptedCleaner) CleanConsumed(limit int) (int64, error) {
	c.limits = append(c.limits, limit)
	if c.fail {
		return 0, errors.New("statement timeout")
	}
	return 10, nil
}

func TestSweepShrinksBatchOnFailureAndRecovers(t *testing.T) {
	cleaner := &scriptedCleaner{fail: true}
	s := NewRetentionSweeper(cleaner)

	s.sweepOnce()
	s.sweepOnce()
	if s.limit >= defaultSweepBatchLimit {
		t.Fatal("limit did not shrink:", s.limit)
	}
	if cleaner.limits[1] >= cleaner.limits[0] {
		t.Fatal("second sweep should use the shrunken limit")
	}

	cleaner.fail = false
	s.sweepOnce()
	if s.limit != defaultSweepBatchLimit {
		t.Fatal("limit not restored after success:", s.limit)
	}
}

func TestSweepLimitNeverBelowFloor(t *testing.T) {
	cleaner := &scriptedCleaner{fail: true}
	s := NewRetentionSweeper(cleaner)
	for i := 0; i < 10; i++ {
		s.sweepOnce()
	}
	if s.limit < minSweepBatchLimit {
		t.Fatal("limit fell below floor:", s.limit)
	}
}
