package pd

import "errors"

// CheckListenSocks drains every ready socket in ws through Receive, one
// frame per call, until Receive returns an error (a drained socket reports
// ErrBlock); frames still queued behind an error wait for the next call.
// Quiet outcomes (no matching subscription, no data, drained) pass
// silently; everything else is logged at warning level. Handled sockets are
// removed from ws. Returns the number of Receive calls that returned nil.
func (s *Session) CheckListenSocks(ws WatchSet) int {
	handled := 0
	for idx := range ws {
		for {
			err := s.Receive(idx)
			if err == nil {
				handled++
				continue
			}
			if errors.Is(err, ErrBlock) || errors.Is(err, ErrNoSub) || errors.Is(err, ErrNoData) {
				break
			}
			s.log.Warn("pd: error receiving frame", "socket", idx, "error", err)
			break
		}
		delete(ws, idx)
	}
	return handled
}
