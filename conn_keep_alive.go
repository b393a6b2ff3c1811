package wscore

import (
	"sync"
	"time"
)

// keepAliveScheduler periodically sends ping frames while a connection is
// up. The first ping goes out immediately on start, then one per interval.
// Send failures are logged and left alone: the receive loop observes the
// dead stream on its own and drives teardown from there.
type keepAliveScheduler struct {
	interval time.Duration
	ping     func() error
	logger   Logger

	closeOnce sync.Once
	closeC    chan struct{}
}

func newKeepAliveScheduler(logger Logger, interval time.Duration, ping func() error) *keepAliveScheduler {
	return &keepAliveScheduler{
		logger:   logger.WithField("task", "keepalive"),
		interval: interval,
		ping:     ping,
		closeC:   make(chan struct{}),
	}
}

func (s *keepAliveScheduler) start() {
	go s.run()
}

func (s *keepAliveScheduler) run() {
	s.emit()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeC:
			return
		case <-ticker.C:
			s.emit()
		}
	}
}

func (s *keepAliveScheduler) emit() {
	if err := s.ping(); err != nil {
		s.logger.Warnf("ping failed: %s", err)
	}
}

// stop terminates the scheduler. Subsequent calls have no effect.
func (s *keepAliveScheduler) stop() {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
}
