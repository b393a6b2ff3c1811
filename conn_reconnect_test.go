package wscore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectSupervisorRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	s := newReconnectSupervisor(noopLogger{}, 5*time.Millisecond, func() bool {
		return attempts.Add(1) >= 3
	})
	s.start()
	defer s.stop()

	waitFor(t, func() bool { return attempts.Load() == 3 }, "third attempt")

	// the loop stops once an attempt succeeds
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestReconnectSupervisorDelaysBeforeFirstAttempt(t *testing.T) {
	var attempts atomic.Int32
	s := newReconnectSupervisor(noopLogger{}, 60*time.Millisecond, func() bool {
		attempts.Add(1)
		return true
	})
	s.start()
	defer s.stop()

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load(), "attempt before the delay elapsed")

	waitFor(t, func() bool { return attempts.Load() == 1 }, "delayed attempt")
}

func TestReconnectSupervisorStopCancelsPendingDelay(t *testing.T) {
	var attempts atomic.Int32
	s := newReconnectSupervisor(noopLogger{}, time.Hour, func() bool {
		attempts.Add(1)
		return false
	})
	s.start()
	s.stop()
	s.stop() // idempotent

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load())
}
