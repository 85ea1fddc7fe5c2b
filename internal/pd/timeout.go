package pd

// HandleTimeouts walks the receive queue and delivers a one-time timeout
// notification for every supervised subscriber whose next-expected time has
// passed. The subscriber stays subscribed; a subsequent fresh frame clears
// the episode and notifies again.
func (s *Session) HandleTimeouts() {
	now := s.clock.Now()
	for sub := s.rcvQueue; sub != nil; sub = sub.next {
		if sub.interval == 0 || sub.timeToGo.IsZero() || sub.timeToGo.After(now) {
			continue
		}
		if sub.priv&privTimedOut != 0 {
			continue
		}
		// The built-in statistics reply subscription is aperiodic by
		// nature and exempt from supervision.
		if sub.addr.ComID == GlobalStatisticsComID {
			continue
		}

		s.counters.NumTimeout++
		s.metrics.Timeouts.WithLabelValues(comIDLabel(sub.addr.ComID)).Inc()
		sub.lastErr = ErrTimeout

		if sub.cb != nil {
			var info *Info
			if sub.dataSize > 0 {
				// Echo the stale frame so the application sees which
				// telegram went silent.
				info = infoFromFrame(sub.frame, sub.lastSrcIP, sub.addr.DestIP, sub.userRef, ErrTimeout)
			} else {
				info = &Info{
					ComID:      sub.addr.ComID,
					SrcIP:      sub.lastSrcIP,
					DestIP:     sub.addr.DestIP,
					MsgType:    MsgTypePD,
					UserRef:    sub.userRef,
					ResultCode: ErrTimeout,
				}
			}
			sub.cb(info, sub.payload())
		}

		sub.priv |= privTimedOut
		s.log.Debug("pd: subscription timed out", "comID", sub.addr.ComID)
	}
}
