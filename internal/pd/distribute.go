package pd

import "time"

// distribute respaces the send times of cyclic publishers across the
// smallest interval so telegrams do not cluster on the wire. It runs after
// every publisher-set change.
//
// Elements are assigned evenly spaced slots starting at the latest scheduled
// send time. An element is left untouched when twice its shift would exceed
// its own interval; shifting further risks a missed deadline on the far end.
func (s *Session) distribute() {
	var (
		deltaTmax   time.Duration
		tNull       time.Time
		noOfPackets int64
	)
	for elt := s.sendQueue; elt != nil; elt = elt.next {
		if elt.interval == 0 {
			continue
		}
		noOfPackets++
		if deltaTmax == 0 || elt.interval < deltaTmax {
			deltaTmax = elt.interval
		}
		if elt.timeToGo.After(tNull) {
			tNull = elt.timeToGo
		}
	}
	if noOfPackets < 2 || deltaTmax == 0 {
		return
	}

	slot := deltaTmax / time.Duration(noOfPackets)
	var idx int64
	for elt := s.sendQueue; elt != nil; elt = elt.next {
		if elt.interval == 0 {
			continue
		}
		shift := slot * time.Duration(idx)
		idx++
		if 2*shift > elt.interval {
			continue
		}
		elt.timeToGo = tNull.Add(shift)
	}
}
