package pd

import (
	"encoding/binary"
	"strconv"
)

// SendDue walks the send queue once and emits every element that is due:
// cyclic elements whose time has come and elements with a pending immediate
// send (pull replies, pull requests). One failing publisher never blocks the
// rest of the pass; the last non-nil error is returned.
func (s *Session) SendDue() error {
	now := s.clock.Now()
	var lastErr error

	for elt := s.sendQueue; elt != nil; {
		next := elt.next // elt may be collapsed below

		due := (elt.interval != 0 && !elt.timeToGo.After(now)) || elt.priv&privReqToSend != 0
		if !due {
			elt = next
			continue
		}

		restoredPP := false
		if elt.priv&privInvalidData == 0 {
			// A pull on a cyclic publisher turns this one emission into a
			// reply; the cyclic schedule stays untouched.
			if elt.priv&privReqToSend != 0 && elt.msgType == MsgTypePD {
				binary.BigEndian.PutUint16(elt.frame[6:8], uint16(MsgTypePP))
				restoredPP = true
			}
			updateOutgoing(elt)

			if err := s.emit(elt); err != nil {
				lastErr = err
			}
		}

		// Timer advance. A pull reply is extra traffic; only cyclic
		// emissions move the schedule.
		if restoredPP {
			binary.BigEndian.PutUint16(elt.frame[6:8], uint16(MsgTypePD))
		} else if elt.interval != 0 {
			elt.timeToGo = elt.timeToGo.Add(elt.interval)
			if !elt.timeToGo.After(now) {
				// More than one interval late; snap forward rather than
				// burst every missed cycle.
				elt.timeToGo = now.Add(elt.interval)
			}
		}
		elt.priv &^= privReqToSend

		// A pull request exists only until its first emission.
		if elt.msgType == MsgTypePR {
			s.removeElement(&s.sendQueue, elt)
			s.numPubs--
			s.metrics.Publishers.Dec()
		}

		elt = next
	}
	return lastErr
}

// emit performs the topology gate and the actual transmit of one element.
func (s *Session) emit(elt *Element) error {
	frameEtb := binary.BigEndian.Uint32(elt.frame[12:16])
	frameOp := binary.BigEndian.Uint32(elt.frame[16:20])
	if topoMismatch(s.etbTopoCnt, s.opTrnTopoCnt, frameEtb, frameOp) {
		elt.lastErr = ErrTopo
		s.counters.NumTopoErr++
		s.metrics.FramesInvalid.WithLabelValues("topo").Inc()
		return ErrTopo
	}
	if !s.sockets.Valid(elt.sockIdx) {
		s.log.Warn("pd: publisher has no bound socket", "comID", elt.addr.ComID)
		return nil
	}
	if elt.flags&FlagRedundant != 0 {
		return nil // standby publisher stays silent
	}

	if elt.cb != nil {
		info := infoFromFrame(elt.frame, s.ownIP, elt.addr.DestIP, elt.userRef, nil)
		elt.cb(info, elt.payload())
	}

	dest := elt.addr.DestIP
	if elt.pullIP != 0 {
		dest = elt.pullIP
		elt.pullIP = 0
	}
	if err := s.sockets.Send(elt.sockIdx, elt.frame[:elt.grossSize], dest, s.port); err != nil {
		elt.lastErr = ErrIo
		s.metrics.SendErrors.WithLabelValues(comIDLabel(elt.addr.ComID)).Inc()
		s.log.Warn("pd: error sending frame",
			"comID", elt.addr.ComID,
			"dest", dest,
			"error", err,
		)
		return ErrIo
	}
	s.counters.NumSend++
	elt.numRxTx++
	s.metrics.FramesSent.WithLabelValues(comIDLabel(elt.addr.ComID)).Inc()
	return nil
}

func comIDLabel(comID uint32) string {
	return strconv.FormatUint(uint64(comID), 10)
}
