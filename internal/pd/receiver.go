package pd

import (
	"bytes"
	"errors"
	"math"

	"github.com/mikajuvonen67/tcnopen/internal/sock"
)

// Receive reads and processes exactly one frame from the socket at sockIdx.
// It validates the wire format, routes PULL requests to the matching
// publisher, and hands accepted frames to the matching subscriber via a
// constant-time buffer swap. Classification errors are recorded in the
// session counters and returned; none of them unwind the engine.
func (s *Session) Receive(sockIdx int) error {
	n, srcIP, destIP, err := s.sockets.Recv(sockIdx, s.newFrame[:MaxPacketSize])
	if err != nil {
		if errors.Is(err, sock.ErrWouldBlock) {
			return ErrBlock
		}
		return err
	}
	frame := s.newFrame[:n]

	if err := checkFrame(frame); err != nil {
		switch {
		case errors.Is(err, ErrCrc):
			s.counters.NumCrcErr++
			s.metrics.FramesInvalid.WithLabelValues("crc").Inc()
		default:
			s.counters.NumProtErr++
			s.metrics.FramesInvalid.WithLabelValues("wire").Inc()
		}
		return err
	}
	s.counters.NumRcv++
	s.metrics.FramesReceived.Inc()

	h := parseHeader(frame)

	// Session-level topology gate.
	if topoMismatch(s.etbTopoCnt, s.opTrnTopoCnt, h.EtbTopoCnt, h.OpTrnTopoCnt) {
		s.counters.NumTopoErr++
		s.metrics.FramesInvalid.WithLabelValues("topo").Inc()
		return ErrTopo
	}

	if h.MsgType == MsgTypePR {
		return s.handlePullRequest(&h, srcIP)
	}

	sub := findSubscriber(s.rcvQueue, h.ComID, srcIP, destIP)
	if sub == nil {
		s.counters.NumNoSubs++
		s.metrics.NoSubscription.Inc()
		return ErrNoSub
	}

	now := s.clock.Now()
	informUser := false
	var result error

	// Subscriber-level topology gate: a (0,0) subscription accepts any
	// topology; anything else must match the frame exactly.
	if (sub.addr.EtbTopoCnt != 0 || sub.addr.OpTrnTopoCnt != 0) &&
		(sub.addr.EtbTopoCnt != h.EtbTopoCnt || sub.addr.OpTrnTopoCnt != h.OpTrnTopoCnt) {
		s.counters.NumTopoErr++
		s.metrics.FramesInvalid.WithLabelValues("topo").Inc()
		sub.lastErr = ErrTopo
		// The mismatched frame still lands in the subscriber's buffer via
		// the swap below, so the payload is flagged unusable.
		sub.priv |= privInvalidData
		result = ErrTopo
		informUser = true
		s.swapFrame(sub)
		s.notify(sub, informUser, srcIP, destIP, result)
		return result
	}

	// Sequence discipline, tracked per (source, message type). A zero
	// counter means the sender restarted; its tracking entry is dropped so
	// the new uptime span starts clean.
	newSeq := h.SequenceCounter
	if newSeq == 0 {
		sub.seqSrc.reset(srcIP, h.MsgType)
	}
	switch sub.seqSrc.vet(srcIP, h.MsgType, newSeq) {
	case seqVetDuplicate:
		s.log.Debug("pd: duplicate frame dropped",
			"comID", h.ComID,
			"srcIP", sock.FormatIP(srcIP),
			"seq", newSeq,
		)
		return nil
	case seqVetFull:
		return ErrMem
	}
	if newSeq != 0 {
		var missed uint32
		switch {
		case newSeq > sub.curSeqCnt+1:
			missed = newSeq - sub.curSeqCnt - 1
		case newSeq < sub.curSeqCnt:
			missed = math.MaxUint32 - sub.curSeqCnt + newSeq
		}
		if missed != 0 {
			sub.numMissed += uint64(missed)
			s.counters.NumMissed += missed
			s.metrics.SequenceMissed.WithLabelValues(comIDLabel(h.ComID)).Add(float64(missed))
		}
	}
	sub.curSeqCnt = newSeq

	// Change detection governs the callback before the old payload is
	// swapped away.
	if sub.flags&FlagCallback != 0 {
		switch {
		case sub.flags&FlagForceCB != 0, sub.priv&privTimedOut != 0:
			// First frame after a timeout episode always notifies.
			informUser = true
		default:
			newData := frame[HeaderSize : HeaderSize+int(h.DatasetLength)]
			informUser = !bytes.Equal(newData, sub.payload())
		}
	}

	sub.dataSize = int(h.DatasetLength)
	sub.grossSize = grossFor(sub.dataSize)
	if sub.interval != 0 {
		sub.timeToGo = now.Add(sub.interval)
	}
	sub.numRxTx++
	sub.priv &^= privTimedOut | privInvalidData
	sub.lastErr = nil
	sub.lastSrcIP = srcIP
	sub.addr.DestIP = destIP

	s.swapFrame(sub)
	s.notify(sub, informUser, srcIP, destIP, nil)
	return nil
}

// swapFrame exchanges the subscriber's frame buffer with the session
// scratch — a constant-time handoff so the subscriber always holds the most
// recent validated frame and the scratch is reused for the next read.
// Subscriber buffers are allocated at full packet capacity for this reason.
func (s *Session) swapFrame(sub *Element) {
	old := sub.frame
	sub.frame = s.newFrame[:sub.grossSize]
	s.newFrame = old[:cap(old)]
}

// notify delivers the per-frame callback when due.
func (s *Session) notify(sub *Element, informUser bool, srcIP, destIP uint32, result error) {
	if !informUser || sub.flags&FlagCallback == 0 || sub.cb == nil {
		return
	}
	info := infoFromFrame(sub.frame, srcIP, destIP, sub.userRef, result)
	sub.cb(info, sub.payload())
}

// handlePullRequest routes a PR frame to the publisher that should answer
// it. The statistics pull is the distinguished built-in case: the reply
// element's payload is refreshed with a fresh counter snapshot before the
// reply is triggered.
func (s *Session) handlePullRequest(h *Header, srcIP uint32) error {
	s.metrics.PullRequests.Inc()

	var pub *Element
	if h.ComID == StatisticsPullComID {
		pub = findByComID(s.sendQueue, GlobalStatisticsComID)
		if pub == nil {
			return ErrNoSub
		}
		if h.ReplyIPAddress != 0 {
			pub.addr.DestIP = h.ReplyIPAddress
		}
		if err := pub.put(MarshalStatistics(s.Statistics())); err != nil {
			return err
		}
		initHeader(pub, MsgTypePP, s.etbTopoCnt, s.opTrnTopoCnt, 0, 0)
	} else {
		replyComID := h.ReplyComID
		if replyComID == 0 {
			replyComID = h.ComID
		}
		pub = findByComID(s.sendQueue, replyComID)
		if pub == nil {
			return ErrNoSub
		}
	}

	pullIP := h.ReplyIPAddress
	if pullIP == 0 {
		pullIP = srcIP
	}
	pub.pullIP = pullIP
	pub.priv |= privReqToSend

	// The reply leaves within this event turn.
	return s.SendDue()
}
