// Package pd implements the process-data communication engine of a TCN
// (IEC 61375 family) UDP protocol: cyclic publishers, timeout-supervised
// subscribers, and the PULL request/reply sub-protocol, driven by a
// single-threaded work loop.
package pd

import (
	"encoding/binary"
	"hash/crc32"
)

// MsgType identifies the PD telegram kind carried in the header.
type MsgType uint16

const (
	MsgTypePD MsgType = 0x5064 // 'Pd' cyclic process data
	MsgTypePP MsgType = 0x5070 // 'Pp' pull reply (requested data)
	MsgTypePR MsgType = 0x5072 // 'Pr' pull request
	MsgTypePE MsgType = 0x5065 // 'Pe' error reply
)

func (m MsgType) String() string {
	switch m {
	case MsgTypePD:
		return "Pd"
	case MsgTypePP:
		return "Pp"
	case MsgTypePR:
		return "Pr"
	case MsgTypePE:
		return "Pe"
	}
	return "??"
}

const (
	// ProtocolVersion is stamped into every outgoing header; incoming
	// versions are compared under ProtocolVersionMask.
	ProtocolVersion     = 0x0100
	ProtocolVersionMask = 0xFF00

	// HeaderSize is the fixed PD header length including the trailing FCS.
	HeaderSize = 40

	// MaxDataSize bounds the dataset carried behind the header.
	MaxDataSize = 1432

	// MaxPacketSize is the largest valid PD frame on the wire.
	MaxPacketSize = HeaderSize + MaxDataSize

	// DefaultPort is the well-known PD UDP port.
	DefaultPort = 17224

	// StatisticsPullComID triggers the built-in statistics reply.
	StatisticsPullComID = 31

	// GlobalStatisticsComID carries the statistics reply telegram.
	GlobalStatisticsComID = 35
)

// Header is the decoded form of the fixed PD frame header.
//
// Wire layout (network byte order, FCS little-endian):
//
//	 0–3:  sequenceCounter
//	 4–5:  protocolVersion
//	 6–7:  msgType
//	 8–11: comId
//	12–15: etbTopoCnt
//	16–19: opTrnTopoCnt
//	20–23: datasetLength
//	24–27: reserved (zero)
//	28–31: replyComId
//	32–35: replyIpAddress
//	36–39: frameCheckSum over bytes 0..35
type Header struct {
	SequenceCounter uint32
	ProtocolVersion uint16
	MsgType         MsgType
	ComID           uint32
	EtbTopoCnt      uint32
	OpTrnTopoCnt    uint32
	DatasetLength   uint32
	Reserved        uint32
	ReplyComID      uint32
	ReplyIPAddress  uint32
	FrameCheckSum   uint32
}

// The FCS is stored little-endian independent of architecture; these two
// helpers are the only site where that conversion happens.
func toLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func fromLE32(b []byte) uint32  { return binary.LittleEndian.Uint32(b) }

func headerFCS(frame []byte) uint32 {
	return crc32.ChecksumIEEE(frame[:HeaderSize-4])
}

// putHeader writes h into the first HeaderSize bytes of frame in network
// byte order. It does not compute the FCS; updateOutgoing owns that.
func putHeader(frame []byte, h *Header) {
	be := binary.BigEndian
	be.PutUint32(frame[0:4], h.SequenceCounter)
	be.PutUint16(frame[4:6], h.ProtocolVersion)
	be.PutUint16(frame[6:8], uint16(h.MsgType))
	be.PutUint32(frame[8:12], h.ComID)
	be.PutUint32(frame[12:16], h.EtbTopoCnt)
	be.PutUint32(frame[16:20], h.OpTrnTopoCnt)
	be.PutUint32(frame[20:24], h.DatasetLength)
	be.PutUint32(frame[24:28], h.Reserved)
	be.PutUint32(frame[28:32], h.ReplyComID)
	be.PutUint32(frame[32:36], h.ReplyIPAddress)
	toLE32(frame[36:40], h.FrameCheckSum)
}

// parseHeader decodes the first HeaderSize bytes of frame. The caller must
// have verified the length.
func parseHeader(frame []byte) Header {
	be := binary.BigEndian
	return Header{
		SequenceCounter: be.Uint32(frame[0:4]),
		ProtocolVersion: be.Uint16(frame[4:6]),
		MsgType:         MsgType(be.Uint16(frame[6:8])),
		ComID:           be.Uint32(frame[8:12]),
		EtbTopoCnt:      be.Uint32(frame[12:16]),
		OpTrnTopoCnt:    be.Uint32(frame[16:20]),
		DatasetLength:   be.Uint32(frame[20:24]),
		Reserved:        be.Uint32(frame[24:28]),
		ReplyComID:      be.Uint32(frame[28:32]),
		ReplyIPAddress:  be.Uint32(frame[32:36]),
		FrameCheckSum:   fromLE32(frame[36:40]),
	}
}

// initHeader writes the header fields of elt's frame for the given type and
// reply addressing, leaving sequence counter and FCS untouched (both are
// stamped per emission by updateOutgoing).
func initHeader(elt *Element, msgType MsgType, etbTopoCnt, opTrnTopoCnt, replyComID, replyIP uint32) {
	elt.msgType = msgType
	putHeader(elt.frame, &Header{
		SequenceCounter: binary.BigEndian.Uint32(elt.frame[0:4]),
		ProtocolVersion: ProtocolVersion,
		MsgType:         msgType,
		ComID:           elt.addr.ComID,
		EtbTopoCnt:      etbTopoCnt,
		OpTrnTopoCnt:    opTrnTopoCnt,
		DatasetLength:   uint32(elt.dataSize),
		ReplyComID:      replyComID,
		ReplyIPAddress:  replyIP,
	})
}

// updateOutgoing advances the element's sequence counter for the frame's
// current message type (pull replies count separately from cyclic data),
// stamps it into the header and recomputes the FCS.
func updateOutgoing(elt *Element) {
	be := binary.BigEndian
	mt := MsgType(be.Uint16(elt.frame[6:8]))
	var seq uint32
	if mt == MsgTypePP {
		elt.curSeqCnt4Pull++
		seq = elt.curSeqCnt4Pull
	} else {
		elt.curSeqCnt++
		seq = elt.curSeqCnt
	}
	be.PutUint32(elt.frame[0:4], seq)
	be.PutUint32(elt.frame[20:24], uint32(elt.dataSize))
	toLE32(elt.frame[36:40], headerFCS(elt.frame))
}

// putDatasetLength stamps the dataset length field without touching the FCS;
// the next updateOutgoing makes the header consistent again.
func putDatasetLength(frame []byte, n uint32) {
	binary.BigEndian.PutUint32(frame[20:24], n)
}

// checkFrame vets a received frame: plausible size, matching FCS, supported
// protocol version under mask, bounded dataset length and a known message
// type. It distinguishes checksum failures (ErrCrc) from every other wire
// defect (ErrWire).
func checkFrame(frame []byte) error {
	if len(frame) < HeaderSize || len(frame) > MaxPacketSize {
		return ErrWire
	}
	if fromLE32(frame[36:40]) != headerFCS(frame) {
		return ErrCrc
	}
	be := binary.BigEndian
	if be.Uint16(frame[4:6])&ProtocolVersionMask != ProtocolVersion&ProtocolVersionMask {
		return ErrWire
	}
	if n := be.Uint32(frame[20:24]); n > MaxDataSize || int(n) > len(frame)-HeaderSize {
		return ErrWire
	}
	switch MsgType(be.Uint16(frame[6:8])) {
	case MsgTypePD, MsgTypePP, MsgTypePR, MsgTypePE:
	default:
		return ErrWire
	}
	return nil
}
