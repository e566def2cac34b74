package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testTimeout = 30 * time.Millisecond

func newCounting(t *testing.T) (*Watchdog, *atomic.Int32) {
	t.Helper()
	var fired atomic.Int32
	w := New(testTimeout, func() { fired.Add(1) })
	t.Cleanup(w.Stop)
	return w, &fired
}

func TestWatchdog_IneligibleExpiryIsIgnored(t *testing.T) {
	w, fired := newCounting(t)

	w.Arm()
	assert.True(t, w.Pending())

	assert.Never(t, func() bool { return fired.Load() > 0 }, 5*testTimeout, 5*time.Millisecond)
	assert.False(t, w.Pending())
}

func TestWatchdog_EligibleExpiryFiresOnce(t *testing.T) {
	w, fired := newCounting(t)

	w.MarkEligible(w.Arm())

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return fired.Load() > 1 }, 5*testTimeout, 5*time.Millisecond)
	assert.False(t, w.Eligible())
}

func TestWatchdog_CancelPreventsFire(t *testing.T) {
	w, fired := newCounting(t)

	w.MarkEligible(w.Arm())
	w.Cancel()

	assert.False(t, w.Pending())
	assert.Never(t, func() bool { return fired.Load() > 0 }, 5*testTimeout, 5*time.Millisecond)
}

func TestWatchdog_ArmClearsEligibility(t *testing.T) {
	w, fired := newCounting(t)

	w.MarkEligible(w.Arm())
	w.Arm()

	assert.False(t, w.Eligible())
	assert.Never(t, func() bool { return fired.Load() > 0 }, 5*testTimeout, 5*time.Millisecond)
}

func TestWatchdog_StaleAckIsIgnored(t *testing.T) {
	w, fired := newCounting(t)

	first := w.Arm()
	second := w.Arm()
	assert.NotEqual(t, first, second)

	// The write behind the first Arm succeeded, the later one never did.
	assert.False(t, w.MarkEligible(first))
	assert.False(t, w.Eligible())
	assert.Never(t, func() bool { return fired.Load() > 0 }, 5*testTimeout, 5*time.Millisecond)

	assert.False(t, w.MarkEligible(second), "deadline already ran out")
}

func TestWatchdog_AckAfterCancelIsIgnored(t *testing.T) {
	w, fired := newCounting(t)

	gen := w.Arm()
	w.Cancel()
	assert.False(t, w.MarkEligible(gen))

	w.Arm()
	assert.False(t, w.Eligible())
	assert.Never(t, func() bool { return fired.Load() > 0 }, 5*testTimeout, 5*time.Millisecond)
}

func TestWatchdog_RearmRestartsDeadline(t *testing.T) {
	var fired atomic.Int32
	w := New(80*time.Millisecond, func() { fired.Add(1) })
	t.Cleanup(w.Stop)

	start := time.Now()
	w.MarkEligible(w.Arm())
	time.Sleep(50 * time.Millisecond)
	w.MarkEligible(w.Arm())

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestWatchdog_StopIgnoresLaterArm(t *testing.T) {
	w, fired := newCounting(t)

	w.Stop()
	w.MarkEligible(w.Arm())

	assert.False(t, w.Pending())
	assert.Never(t, func() bool { return fired.Load() > 0 }, 5*testTimeout, 5*time.Millisecond)
}

func TestNew_DefaultTimeout(t *testing.T) {
	w := New(0, nil)
	assert.Equal(t, DefaultTimeout, w.timeout)
}
