package pd

import (
	"context"
)

// Run executes the cooperative work loop until ctx is canceled: compute the
// nearest deadline, poll subscriber sockets up to it, then fire the sender
// and the timeout scanner. The wait is capped so subscriptions registered
// from outside the loop become visible promptly.
//
// Applications that own their loop can skip Run and call CheckPending,
// CheckListenSocks, SendDue and HandleTimeouts directly, in that order.
func (s *Session) Run(ctx context.Context) error {
	s.log.Debug("pd: work loop started")

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("pd: work loop stopped", "reason", ctx.Err())
			return nil
		default:
		}

		ws := make(WatchSet)
		s.CheckPending(ws)

		now := s.clock.Now()
		wait := s.maxWait
		if !s.nextJob.IsZero() {
			if d := s.nextJob.Sub(now); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		deadline := now.Add(wait)

		// Poll the watched sockets in pollInterval steps until the
		// deadline; an idle loop with no subscribers just sleeps it off.
		for {
			now = s.clock.Now()
			if !now.Before(deadline) {
				break
			}
			if len(ws) == 0 {
				s.clock.Sleep(deadline.Sub(now))
				break
			}
			if s.CheckListenSocks(ws) == 0 {
				step := s.pollInterval
				if r := deadline.Sub(now); r < step {
					step = r
				}
				s.clock.Sleep(step)
			}
			s.CheckPending(ws)

			select {
			case <-ctx.Done():
				s.log.Debug("pd: work loop stopped", "reason", ctx.Err())
				return nil
			default:
			}
		}

		if err := s.SendDue(); err != nil {
			s.log.Debug("pd: send pass finished with error", "error", err)
		}
		s.HandleTimeouts()
	}
}
