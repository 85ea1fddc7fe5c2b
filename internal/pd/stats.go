package pd

import (
	"encoding/binary"
	"time"
)

// PdCounters aggregates the process-data counters of one session.
type PdCounters struct {
	NumRcv     uint32 // frames received and accepted at wire level
	NumCrcErr  uint32 // frames dropped on FCS mismatch
	NumProtErr uint32 // frames dropped on malformed header
	NumTopoErr uint32 // frames dropped on topology counter mismatch
	NumNoSubs  uint32 // valid frames with no matching subscription
	NumSend    uint32 // frames emitted
	NumTimeout uint32 // subscriber timeout episodes
	NumMissed  uint32 // cumulative sequence gaps across subscribers
}

// Statistics is the session snapshot carried by the global statistics
// telegram and returned by Session.Statistics.
type Statistics struct {
	Version      uint32
	Uptime       time.Duration
	OwnIP        uint32
	EtbTopoCnt   uint32
	OpTrnTopoCnt uint32
	NumSubs      uint32
	NumPubs      uint32
	PD           PdCounters
}

// statisticsWireSize is the fixed length of the statistics telegram payload.
const statisticsWireSize = 15 * 4

// MarshalStatistics encodes a snapshot as the statistics telegram payload
// (network byte order throughout, uptime in whole seconds).
func MarshalStatistics(s *Statistics) []byte {
	b := make([]byte, statisticsWireSize)
	be := binary.BigEndian
	be.PutUint32(b[0:], s.Version)
	be.PutUint32(b[4:], uint32(s.Uptime/time.Second))
	be.PutUint32(b[8:], s.OwnIP)
	be.PutUint32(b[12:], s.EtbTopoCnt)
	be.PutUint32(b[16:], s.OpTrnTopoCnt)
	be.PutUint32(b[20:], s.NumSubs)
	be.PutUint32(b[24:], s.NumPubs)
	be.PutUint32(b[28:], s.PD.NumRcv)
	be.PutUint32(b[32:], s.PD.NumCrcErr)
	be.PutUint32(b[36:], s.PD.NumProtErr)
	be.PutUint32(b[40:], s.PD.NumTopoErr)
	be.PutUint32(b[44:], s.PD.NumNoSubs)
	be.PutUint32(b[48:], s.PD.NumSend)
	be.PutUint32(b[52:], s.PD.NumTimeout)
	be.PutUint32(b[56:], s.PD.NumMissed)
	return b
}

// UnmarshalStatistics decodes a statistics telegram payload.
func UnmarshalStatistics(b []byte) (*Statistics, error) {
	if len(b) < statisticsWireSize {
		return nil, ErrWire
	}
	be := binary.BigEndian
	return &Statistics{
		Version:      be.Uint32(b[0:]),
		Uptime:       time.Duration(be.Uint32(b[4:])) * time.Second,
		OwnIP:        be.Uint32(b[8:]),
		EtbTopoCnt:   be.Uint32(b[12:]),
		OpTrnTopoCnt: be.Uint32(b[16:]),
		NumSubs:      be.Uint32(b[20:]),
		NumPubs:      be.Uint32(b[24:]),
		PD: PdCounters{
			NumRcv:     be.Uint32(b[28:]),
			NumCrcErr:  be.Uint32(b[32:]),
			NumProtErr: be.Uint32(b[36:]),
			NumTopoErr: be.Uint32(b[40:]),
			NumNoSubs:  be.Uint32(b[44:]),
			NumSend:    be.Uint32(b[48:]),
			NumTimeout: be.Uint32(b[52:]),
			NumMissed:  be.Uint32(b[56:]),
		},
	}, nil
}
