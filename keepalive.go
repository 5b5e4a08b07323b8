package ftpnode

import "time"

// startKeepalive starts a goroutine that sends NOOP once the control
// connection has been idle for the keepalive interval.
func (s *Session) startKeepalive() {
	if s.opts.Keepalive <= 0 {
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateReady {
		return
	}
	s.kaStop = make(chan struct{})
	s.kaDone = make(chan struct{})
	stop, done := s.kaStop, s.kaDone

	// Tick at half the interval so an idle connection is refreshed well
	// before the interval elapses twice.
	ticker := time.NewTicker(s.opts.Keepalive / 2)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.keepaliveTick()
			case <-stop:
				return
			}
		}
	}()
}

// keepaliveTick never waits for an operation: if one is in flight there is
// traffic anyway.
func (s *Session) keepaliveTick() {
	if s.busy.Load() || !s.opMu.TryLock() {
		return
	}
	defer s.opMu.Unlock()

	if s.State() != StateReady || s.cc.idleFor() < s.opts.Keepalive {
		return
	}
	s.logger.Debug("sending keep-alive NOOP")
	if _, err := s.cc.expect(s.opts.ConnTimeout, (*Reply).Is2xx, "NOOP"); err != nil {
		err = withOp(err, "keepalive")
		if asFatal(err) {
			s.logger.Warn("keep-alive failed", "error", err)
			s.fail(err)
			return
		}
		s.logger.Debug("keep-alive NOOP rejected", "error", err)
	}
}

// stopKeepalive signals the goroutine to exit without waiting for it.
func (s *Session) stopKeepalive() {
	s.stateMu.Lock()
	stop := s.kaStop
	s.stateMu.Unlock()
	if stop != nil {
		s.kaStopOnce.Do(func() { close(stop) })
	}
}
