package audit

import (
	"sync"
	"time"
)

// Clock 严格递增的时间源（微秒精度，与 Postgres timestamptz 一致）
// 同一逻辑操作产生的多条历史记录时间戳互不相同且有序。
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
