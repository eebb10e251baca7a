package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestChargingScenarioEnergy(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithNow(clock.Now))

	tx, err := m.Start("CP-1", 1, "USER-001", 1000, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tx.ID)
	assert.Equal(t, StatusCharging, tx.Status)

	clock.Advance(time.Minute)
	anomaly, err := m.RecordMeter(tx.ID, 8400, clock.Now())
	require.NoError(t, err)
	assert.False(t, anomaly)

	cur, ok := m.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, int64(7400), cur.Energy())

	summary, err := m.Stop(tx.ID, 8400, "Local", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(7400), summary.EnergyConsumed)
	assert.Equal(t, StatusStopped, summary.Transaction.Status)
	assert.Equal(t, "Local", summary.Reason)
	assert.False(t, summary.Anomalous)
	assert.Equal(t, 0, m.Count())
}

func TestConnectorBusy(t *testing.T) {
	m := NewManager()
	_, err := m.Start("CP-1", 1, "A", 0, time.Time{})
	require.NoError(t, err)

	_, err = m.Start("CP-1", 1, "B", 0, time.Time{})
	assert.ErrorIs(t, err, ErrConnectorBusy)

	// 其他枪、其他桩不受影响
	_, err = m.Start("CP-1", 2, "B", 0, time.Time{})
	assert.NoError(t, err)
	_, err = m.Start("CP-2", 1, "C", 0, time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 3, m.Count())
}

func TestOwnerCheckedMeterAndStop(t *testing.T) {
	m := NewManager()
	tx, err := m.Start("CP-1", 1, "A", 1000, time.Time{})
	require.NoError(t, err)

	_, err = m.RecordMeterFor("CP-2", tx.ID, 10, time.Time{})
	assert.ErrorIs(t, err, ErrUnknownTransaction)
	_, err = m.StopFor("CP-2", tx.ID, 500, "Local", time.Time{})
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	got, ok := m.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1000), got.MeterCurrent)
	assert.Equal(t, 0, got.Anomalies)

	anomaly, err := m.RecordMeterFor("CP-1", tx.ID, 1200, time.Time{})
	require.NoError(t, err)
	assert.False(t, anomaly)
	sum, err := m.StopFor("CP-1", tx.ID, 1300, "Local", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(300), sum.EnergyConsumed)
	assert.Equal(t, 0, m.Count())
}

func TestStopUnknownAndTwice(t *testing.T) {
	m := NewManager()
	_, err := m.Stop(42, 0, "Local", time.Time{})
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	tx, err := m.Start("CP-1", 1, "A", 10, time.Time{})
	require.NoError(t, err)
	_, err = m.Stop(tx.ID, 20, "Local", time.Time{})
	require.NoError(t, err)
	_, err = m.Stop(tx.ID, 20, "Local", time.Time{})
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	_, err = m.RecordMeter(tx.ID, 30, time.Time{})
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	// 枪号释放后可再次开始，且ID不复用
	next, err := m.Start("CP-1", 1, "A", 20, time.Time{})
	require.NoError(t, err)
	assert.Greater(t, next.ID, tx.ID)
}

func TestMeterDecreaseFlaggedNotRejected(t *testing.T) {
	var ops []string
	m := NewManager(WithObserver(ObserverFunc(func(op, status string) {
		ops = append(ops, op+":"+status)
	})))
	tx, err := m.Start("CP-1", 1, "A", 5000, time.Time{})
	require.NoError(t, err)

	anomaly, err := m.RecordMeter(tx.ID, 6000, time.Time{})
	require.NoError(t, err)
	assert.False(t, anomaly)

	anomaly, err = m.RecordMeter(tx.ID, 100, time.Time{})
	require.NoError(t, err)
	assert.True(t, anomaly)

	cur, _ := m.Get(tx.ID)
	assert.Equal(t, int64(100), cur.MeterCurrent)
	assert.Equal(t, 1, cur.Anomalies)

	summary, err := m.Stop(tx.ID, 200, "Local", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(-4800), summary.EnergyConsumed)
	assert.True(t, summary.Anomalous)
	assert.Contains(t, ops, "meter:anomaly")
}

func TestPrepareConfirmAbort(t *testing.T) {
	m := NewManager()

	local, err := m.Prepare("", 1, "USER-001", 1000)
	require.NoError(t, err)
	assert.Less(t, local.ID, int64(0))
	assert.Equal(t, StatusPreparing, local.Status)

	_, err = m.Prepare("", 1, "USER-002", 0)
	assert.ErrorIs(t, err, ErrConnectorBusy)

	tx, err := m.Confirm(local.ID, 1234)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), tx.ID)
	assert.Equal(t, StatusCharging, tx.Status)

	_, ok := m.Get(local.ID)
	assert.False(t, ok)
	active, ok := m.ActiveOn("", 1)
	require.True(t, ok)
	assert.Equal(t, int64(1234), active.ID)

	_, err = m.Confirm(local.ID, 1235)
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	other, err := m.Prepare("", 2, "USER-003", 0)
	require.NoError(t, err)
	require.NoError(t, m.Abort(other.ID))
	_, ok = m.ActiveOn("", 2)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Abort(other.ID), ErrUnknownTransaction)
}

func TestWithStartIDAndList(t *testing.T) {
	m := NewManager(WithStartID(5000))
	a, _ := m.Start("CP-2", 1, "A", 0, time.Time{})
	b, _ := m.Start("CP-1", 1, "B", 0, time.Time{})
	assert.Equal(t, int64(5000), a.ID)
	assert.Equal(t, int64(5001), b.ID)

	all := m.List("")
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	only := m.List("CP-1")
	require.Len(t, only, 1)
	assert.Equal(t, "B", only[0].IdTag)
}

func TestOlderThan(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithNow(clock.Now))
	old, _ := m.Start("CP-1", 1, "A", 0, clock.Now())
	clock.Advance(13 * time.Hour)
	_, _ = m.Start("CP-1", 2, "B", 0, clock.Now())

	stale := m.OlderThan(12 * time.Hour)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestConcurrentStartsAllocateUniqueIDs(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	ids := make(chan int64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(connector int) {
			defer wg.Done()
			tx, err := m.Start("CP-1", connector, "A", 0, time.Time{})
			if err == nil {
				ids <- tx.ID
			}
		}(i + 1)
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, 50)
}

func TestClosedLogRing(t *testing.T) {
	l := NewClosedLog(3)
	assert.Equal(t, 0, l.Len())
	for i := int64(1); i <= 5; i++ {
		l.Add(StopSummary{Transaction: Transaction{ID: i}})
	}
	assert.Equal(t, 3, l.Len())

	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(5), recent[0].Transaction.ID)
	assert.Equal(t, int64(3), recent[2].Transaction.ID)

	assert.Len(t, l.Recent(2), 2)
}
