package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/weave-go/invocation"
)

func TestCollector(t *testing.T) {
	key := invocation.NewOperationKey("Svc", "Do", 0)

	t.Run("records calls, failures and rejections", func(t *testing.T) {
		c := NewCollector()
		c.Record(key, 10*time.Millisecond, false, false)
		c.Record(key, 30*time.Millisecond, true, false)
		c.Record(key, time.Millisecond, true, true)

		m := c.Snapshot(key)
		assert.Equal(t, int64(3), m.Calls)
		assert.Equal(t, int64(2), m.Failures)
		assert.Equal(t, int64(1), m.Rejections)
		assert.Equal(t, int64(30), m.MaxMs)
		assert.False(t, m.LastCallTime.IsZero())
	})

	t.Run("call timestamps come from the injected clock", func(t *testing.T) {
		now := time.Unix(5000, 0)
		c := NewCollector(WithClock(func() time.Time { return now }))
		c.Record(key, time.Millisecond, false, false)
		assert.Equal(t, now, c.Snapshot(key).LastCallTime)
	})

	t.Run("untouched keys yield zeroed counters without creating state", func(t *testing.T) {
		c := NewCollector()
		m := c.Snapshot("quiet#Op#0")
		assert.Zero(t, m.Calls)
		assert.Zero(t, m.Failures)
		assert.True(t, m.LastCallTime.IsZero())
		assert.Empty(t, c.stats)
	})

	t.Run("reset clears one key only", func(t *testing.T) {
		c := NewCollector()
		other := invocation.NewOperationKey("Svc", "Other", 0)
		c.Record(key, time.Millisecond, false, false)
		c.Record(other, time.Millisecond, false, false)

		c.Reset(key)
		assert.Zero(t, c.Snapshot(key).Calls)
		assert.Equal(t, int64(1), c.Snapshot(other).Calls)
	})
}
