package wscore

import (
	"sync"
	"time"
)

// reconnectSupervisor retries the full connect sequence at a fixed delay
// after an unplanned disconnect. At most one supervisor runs per client,
// and the delay comes before the first attempt so a flapping server is not
// hammered. attempt reports whether the loop should stop, which it does
// either on a successful reconnect or once the client has been manually
// closed.
type reconnectSupervisor struct {
	delay   time.Duration
	attempt func() (stop bool)
	logger  Logger

	closeOnce sync.Once
	closeC    chan struct{}
}

func newReconnectSupervisor(logger Logger, delay time.Duration, attempt func() bool) *reconnectSupervisor {
	return &reconnectSupervisor{
		logger:  logger.WithField("task", "reconnect"),
		delay:   delay,
		attempt: attempt,
		closeC:  make(chan struct{}),
	}
}

func (s *reconnectSupervisor) start() {
	go s.run()
}

func (s *reconnectSupervisor) run() {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()

	for {
		select {
		case <-s.closeC:
			return
		case <-timer.C:
			if s.attempt() {
				return
			}
			s.logger.Debugf("next attempt in %s", s.delay)
			timer.Reset(s.delay)
		}
	}
}

// stop cancels the retry loop, interrupting any pending delay. Subsequent
// calls have no effect.
func (s *reconnectSupervisor) stop() {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
}
