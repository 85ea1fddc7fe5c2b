package pd

import (
	"time"
)

// PktFlags are the public per-endpoint option flags.
type PktFlags uint16

const (
	FlagDefault  PktFlags = 0
	FlagCallback PktFlags = 1 << iota // deliver received data through the callback
	FlagMarshall                      // run the (un)marshaller on Put/Get
	FlagForceCB                       // callback on every frame, not only on change
	FlagRedundant                     // silently suppress emissions (standby publisher)
)

// privFlags track engine-internal element state.
type privFlags uint8

const (
	privInvalidData privFlags = 1 << iota // no valid payload yet; must not be emitted
	privTimedOut                          // timeout episode delivered, awaiting fresh data
	privReqToSend                         // immediate one-shot emission pending
)

// AddressTuple identifies a telegram channel. Topology counters are
// validated on match, not keyed.
type AddressTuple struct {
	ComID        uint32
	EtbTopoCnt   uint32
	OpTrnTopoCnt uint32
	SrcIP        uint32 // subscriber: optional source filter (0 = any)
	DestIP       uint32 // publisher: destination; subscriber: unicast dst or multicast group
	McGroup      uint32 // multicast group when DestIP is multicast
}

// Element is the per-publisher or per-subscriber record. Publishers live on
// the session's send queue, subscribers on the receive queue; a PR element
// is a one-shot publisher that the sender collapses after its single
// emission.
type Element struct {
	next *Element

	addr   AddressTuple
	pullIP uint32 // one-shot destination override for the next emission

	interval time.Duration // cyclic period (publisher) or timeout (subscriber); 0 = pull-only
	timeToGo time.Time     // next due time: emission (publisher) or watchdog (subscriber)

	flags PktFlags
	priv  privFlags

	msgType   MsgType
	frame     []byte // header + padded payload; len == grossSize
	dataSize  int
	grossSize int

	curSeqCnt      uint32
	curSeqCnt4Pull uint32
	seqSrc         *seqList // per-(srcIP,msgType) last-seen counters (subscriber)

	updPkts   uint64
	getPkts   uint64
	numRxTx   uint64
	numMissed uint64
	lastErr   error
	lastSrcIP uint32

	sockIdx      int
	cb           Callback
	userRef      any
	marshaller   Marshaller
	unmarshaller Unmarshaller

	alive bool // true while linked, cleared on unlink; the engine does not read it
}

// grossFor rounds the frame length up to 4-byte alignment behind the header.
func grossFor(dataSize int) int {
	return (HeaderSize + dataSize + 3) &^ 3
}

// newElement allocates an element with a frame buffer sized for dataSize.
func newElement(addr AddressTuple, msgType MsgType, interval time.Duration, flags PktFlags, dataSize int) *Element {
	e := &Element{
		addr:      addr,
		interval:  interval,
		flags:     flags,
		msgType:   msgType,
		dataSize:  dataSize,
		grossSize: grossFor(dataSize),
		sockIdx:   -1,
		priv:      privInvalidData,
		alive:     true,
	}
	e.frame = make([]byte, e.grossSize)
	return e
}

// resize grows (or logically shrinks) the frame buffer for a new payload
// size, preserving the header bytes.
func (e *Element) resize(dataSize int) {
	gross := grossFor(dataSize)
	if gross > cap(e.frame) {
		nf := make([]byte, gross)
		copy(nf, e.frame[:HeaderSize])
		e.frame = nf
	} else {
		e.frame = e.frame[:gross]
		for i := HeaderSize + dataSize; i < gross; i++ {
			e.frame[i] = 0
		}
	}
	e.dataSize = dataSize
	e.grossSize = gross
}

// payload returns the valid dataset bytes behind the header.
func (e *Element) payload() []byte {
	return e.frame[HeaderSize : HeaderSize+e.dataSize]
}

// put updates the element's payload ahead of its next emission.
//
// A (nil, 0) put on an element published without data marks the empty
// payload valid, so never-data publishers still emit. Otherwise the data is
// copied (or marshalled) in, growing the buffer if the element was created
// for size zero.
func (e *Element) put(data []byte) error {
	if e == nil {
		return ErrParam
	}
	if len(data) == 0 && e.dataSize == 0 {
		e.priv &^= privInvalidData
		e.updPkts++
		return nil
	}
	if len(data) > MaxDataSize {
		return ErrParam
	}
	if e.flags&FlagMarshall != 0 && e.marshaller != nil {
		out, err := e.marshaller(e.userRef, e.addr.ComID, data)
		if err != nil {
			return err
		}
		if len(out) > MaxDataSize {
			return ErrParam
		}
		data = out
	}
	if len(data) != e.dataSize {
		e.resize(len(data))
	}
	copy(e.frame[HeaderSize:], data)
	putDatasetLength(e.frame, uint32(e.dataSize))
	e.priv &^= privInvalidData
	e.updPkts++
	return nil
}

// get copies the element's current payload out, running the unmarshaller
// when configured. It reports ErrNoData before any valid payload and
// ErrTimeout while a timeout episode is pending.
func (e *Element) get() ([]byte, error) {
	if e == nil {
		return nil, ErrParam
	}
	if e.priv&privInvalidData != 0 {
		return nil, ErrNoData
	}
	if e.priv&privTimedOut != 0 {
		return nil, ErrTimeout
	}
	data := e.payload()
	if e.flags&FlagMarshall != 0 && e.unmarshaller != nil {
		out, err := e.unmarshaller(e.userRef, e.addr.ComID, data)
		if err != nil {
			return nil, err
		}
		e.getPkts++
		return out, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	e.getPkts++
	return out, nil
}

// infoFromFrame builds the callback Info view of a frame.
func infoFromFrame(frame []byte, srcIP, destIP uint32, userRef any, result error) *Info {
	h := parseHeader(frame)
	return &Info{
		ComID:          h.ComID,
		SrcIP:          srcIP,
		DestIP:         destIP,
		EtbTopoCnt:     h.EtbTopoCnt,
		OpTrnTopoCnt:   h.OpTrnTopoCnt,
		MsgType:        h.MsgType,
		SeqCount:       h.SequenceCounter,
		ProtVersion:    h.ProtocolVersion,
		ReplyComID:     h.ReplyComID,
		ReplyIPAddress: h.ReplyIPAddress,
		UserRef:        userRef,
		ResultCode:     result,
	}
}
