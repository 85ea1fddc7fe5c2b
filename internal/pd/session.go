package pd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikajuvonen67/tcnopen/internal/sock"
)

const (
	defaultSeqListCap   = 64
	defaultMaxWait      = 5 * time.Second
	defaultPollInterval = 5 * time.Millisecond
)

// SocketTable is the narrow transport contract the engine consumes; the
// production implementation is sock.Table. Recv reports a drained socket
// with sock.ErrWouldBlock.
type SocketTable interface {
	Open(bindIP uint32, port uint16) (int, error)
	JoinGroup(idx int, group uint32) error
	LeaveGroup(idx int, group uint32)
	Release(idx int)
	Valid(idx int) bool
	Send(idx int, pkt []byte, destIP uint32, port uint16) error
	Recv(idx int, buf []byte) (n int, srcIP, destIP uint32, err error)
	Close() error
}

// SessionConfig carries the collaborators and tuning knobs of a PD session.
type SessionConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Sockets         SocketTable
	MetricsRegistry prometheus.Registerer

	OwnIP uint32 // numeric IPv4 the session speaks as
	Port  uint16 // PD port; defaults to DefaultPort

	// Train topology generation counters; zero acts as wildcard.
	EtbTopoCnt   uint32
	OpTrnTopoCnt uint32

	// SeqListCap bounds per-subscriber source tracking; a full list
	// surfaces as ErrMem on receive.
	SeqListCap int

	// MaxWait caps the work loop's sleep so external changes become
	// visible promptly.
	MaxWait time.Duration

	// PollInterval is the socket poll granularity of the work loop.
	PollInterval time.Duration
}

// Validate fills defaults and rejects invalid combinations.
func (c *SessionConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.OwnIP == 0 {
		return errors.New("own IP is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SeqListCap == 0 {
		c.SeqListCap = defaultSeqListCap
	}
	if c.SeqListCap < 0 {
		return errors.New("seqListCap must be greater than 0")
	}
	if c.MaxWait == 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.MaxWait < 0 {
		return errors.New("maxWait must be greater than 0")
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < 0 {
		return errors.New("pollInterval must be greater than 0")
	}
	return nil
}

// Session owns the send and receive queues, the socket table, the scratch
// receive frame and the statistics counters. All state is mutated from the
// application's work goroutine only; there are no internal locks, and
// callbacks run on that same goroutine.
type Session struct {
	log     *slog.Logger
	clock   clockwork.Clock
	sockets SocketTable
	metrics *Metrics

	ownIP        uint32
	port         uint16
	etbTopoCnt   uint32
	opTrnTopoCnt uint32
	seqListCap   int
	maxWait      time.Duration
	pollInterval time.Duration

	sendQueue *Element
	rcvQueue  *Element

	// newFrame is the session-owned receive scratch; accepting a frame for
	// a subscriber swaps it with the subscriber's buffer.
	newFrame []byte

	nextJob   time.Time
	counters  PdCounters
	numPubs   uint32
	numSubs   uint32
	startedAt time.Time
}

// NewSession builds a session and sets up the built-in statistics reply
// publisher (pull-only, GlobalStatisticsComID).
func NewSession(cfg *SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating session config: %w", err)
	}
	tbl := cfg.Sockets
	if tbl == nil {
		tbl = sock.NewTable(cfg.Logger)
	}
	s := &Session{
		log:          cfg.Logger,
		clock:        cfg.Clock,
		sockets:      tbl,
		metrics:      newMetrics(),
		ownIP:        cfg.OwnIP,
		port:         cfg.Port,
		etbTopoCnt:   cfg.EtbTopoCnt,
		opTrnTopoCnt: cfg.OpTrnTopoCnt,
		seqListCap:   cfg.SeqListCap,
		maxWait:      cfg.MaxWait,
		pollInterval: cfg.PollInterval,
		newFrame:     make([]byte, MaxPacketSize),
	}
	s.startedAt = s.clock.Now()
	if cfg.MetricsRegistry != nil {
		s.metrics.Register(cfg.MetricsRegistry)
	}

	// The statistics reply is an ordinary pull-only publisher whose payload
	// is refreshed on each incoming statistics pull.
	if _, err := s.Publish(PublishOptions{
		ComID:    GlobalStatisticsComID,
		DestIP:   0,
		Interval: 0,
	}); err != nil {
		return nil, fmt.Errorf("error publishing statistics element: %w", err)
	}

	s.log.Info("pd: session ready",
		"ownIP", sock.FormatIP(s.ownIP),
		"port", s.port,
		"etbTopoCnt", s.etbTopoCnt,
		"opTrnTopoCnt", s.opTrnTopoCnt,
	)
	return s, nil
}

// Close drops every element and socket reference.
func (s *Session) Close() error {
	for s.sendQueue != nil {
		s.removeElement(&s.sendQueue, s.sendQueue)
	}
	for s.rcvQueue != nil {
		s.removeElement(&s.rcvQueue, s.rcvQueue)
	}
	s.numPubs, s.numSubs = 0, 0
	s.metrics.Publishers.Set(0)
	s.metrics.Subscribers.Set(0)
	return s.sockets.Close()
}

// PublishOptions describes a new publisher element.
type PublishOptions struct {
	ComID    uint32
	DestIP   uint32
	Interval time.Duration // 0 = pull-only
	Flags    PktFlags
	Data     []byte // nil leaves the element invalid until Put

	Callback   Callback
	UserRef    any
	Marshaller Marshaller
}

// Publish creates a publisher element on the send queue. Cyclic elements are
// due one interval from now; the publisher set is re-shaped afterwards so
// send times do not cluster.
func (s *Session) Publish(opts PublishOptions) (*Element, error) {
	if opts.ComID == 0 {
		return nil, ErrParam
	}
	if len(opts.Data) > MaxDataSize {
		return nil, ErrParam
	}

	elt := newElement(AddressTuple{
		ComID:        opts.ComID,
		EtbTopoCnt:   s.etbTopoCnt,
		OpTrnTopoCnt: s.opTrnTopoCnt,
		SrcIP:        s.ownIP,
		DestIP:       opts.DestIP,
	}, MsgTypePD, opts.Interval, opts.Flags, len(opts.Data))
	elt.cb = opts.Callback
	elt.userRef = opts.UserRef
	elt.marshaller = opts.Marshaller
	initHeader(elt, MsgTypePD, s.etbTopoCnt, s.opTrnTopoCnt, 0, 0)

	idx, err := s.sockets.Open(s.ownIP, s.port)
	if err != nil {
		return nil, fmt.Errorf("error opening PD socket: %w", err)
	}
	elt.sockIdx = idx

	if opts.Data != nil {
		if err := elt.put(opts.Data); err != nil {
			s.sockets.Release(idx)
			return nil, err
		}
	}
	if opts.Interval != 0 {
		elt.timeToGo = s.clock.Now().Add(opts.Interval)
	}

	appendElement(&s.sendQueue, elt)
	s.numPubs++
	s.metrics.Publishers.Inc()
	s.distribute()
	return elt, nil
}

// Unpublish removes the first publisher with the given ComID.
func (s *Session) Unpublish(comID uint32) error {
	elt := findByComID(s.sendQueue, comID)
	if elt == nil {
		return ErrNoSub
	}
	s.removeElement(&s.sendQueue, elt)
	s.numPubs--
	s.metrics.Publishers.Dec()
	s.distribute()
	return nil
}

// Republish updates destination and interval of an existing publisher and
// re-shapes the send times.
func (s *Session) Republish(comID, destIP uint32, interval time.Duration) error {
	elt := findByComID(s.sendQueue, comID)
	if elt == nil {
		return ErrNoSub
	}
	elt.addr.DestIP = destIP
	elt.interval = interval
	if interval != 0 {
		elt.timeToGo = s.clock.Now().Add(interval)
	} else {
		elt.timeToGo = time.Time{}
	}
	s.distribute()
	return nil
}

// SetRedundant toggles silent suppression on every publisher with the given
// ComID (0 matches all), for redundancy peer switch-over.
func (s *Session) SetRedundant(comID uint32, standby bool) {
	for cur := s.sendQueue; cur != nil; cur = cur.next {
		if comID != 0 && cur.addr.ComID != comID {
			continue
		}
		if standby {
			cur.flags |= FlagRedundant
		} else {
			cur.flags &^= FlagRedundant
		}
	}
}

// Put updates the payload of the publisher with the given ComID.
func (s *Session) Put(comID uint32, data []byte) error {
	elt := findByComID(s.sendQueue, comID)
	if elt == nil {
		return ErrNoSub
	}
	return elt.put(data)
}

// SubscribeOptions describes a new subscriber element.
type SubscribeOptions struct {
	ComID   uint32
	SrcIP   uint32        // optional source filter (0 = any)
	DestIP  uint32        // expected delivery address; multicast joins the group
	Timeout time.Duration // 0 disables timeout supervision

	Flags        PktFlags
	Callback     Callback
	UserRef      any
	Unmarshaller Unmarshaller
}

// Subscribe creates a subscriber element on the receive queue. The watchdog
// is armed immediately so a publisher that never appears still produces a
// timeout episode.
func (s *Session) Subscribe(opts SubscribeOptions) (*Element, error) {
	if opts.ComID == 0 {
		return nil, ErrParam
	}

	addr := AddressTuple{
		ComID:        opts.ComID,
		EtbTopoCnt:   s.etbTopoCnt,
		OpTrnTopoCnt: s.opTrnTopoCnt,
		SrcIP:        opts.SrcIP,
		DestIP:       opts.DestIP,
	}
	if sock.IsMulticast(opts.DestIP) {
		addr.McGroup = opts.DestIP
	}
	elt := newElement(addr, MsgTypePD, opts.Timeout, opts.Flags, 0)
	// Subscriber buffers are swapped with the session scratch on receive,
	// so they carry full packet capacity from the start.
	elt.frame = make([]byte, elt.grossSize, MaxPacketSize)
	elt.cb = opts.Callback
	elt.userRef = opts.UserRef
	elt.unmarshaller = opts.Unmarshaller
	elt.seqSrc = newSeqList(s.seqListCap)

	// Multicast reception needs a wildcard bind so the group address is
	// deliverable; unicast binds the own address.
	bindIP := s.ownIP
	if addr.McGroup != 0 {
		bindIP = 0
	}
	idx, err := s.sockets.Open(bindIP, s.port)
	if err != nil {
		return nil, fmt.Errorf("error opening PD socket: %w", err)
	}
	if addr.McGroup != 0 {
		if err := s.sockets.JoinGroup(idx, addr.McGroup); err != nil {
			s.sockets.Release(idx)
			return nil, err
		}
	}
	elt.sockIdx = idx

	if opts.Timeout != 0 {
		elt.timeToGo = s.clock.Now().Add(opts.Timeout)
	}

	appendElement(&s.rcvQueue, elt)
	s.numSubs++
	s.metrics.Subscribers.Inc()
	return elt, nil
}

// Unsubscribe removes the first subscriber with the given ComID.
func (s *Session) Unsubscribe(comID uint32) error {
	elt := findByComID(s.rcvQueue, comID)
	if elt == nil {
		return ErrNoSub
	}
	s.removeElement(&s.rcvQueue, elt)
	s.numSubs--
	s.metrics.Subscribers.Dec()
	return nil
}

// Get copies the latest validated payload of the subscriber with the given
// ComID.
func (s *Session) Get(comID uint32) ([]byte, error) {
	elt := findByComID(s.rcvQueue, comID)
	if elt == nil {
		return nil, ErrNoSub
	}
	return elt.get()
}

// RequestOptions describes a one-shot PULL request.
type RequestOptions struct {
	ComID      uint32 // ComID stamped into the PR frame
	ReplyComID uint32 // publisher the remote should answer with
	ReplyIP    uint32 // reply destination; 0 lets the remote use our source
	DestIP     uint32 // where the request goes
	Data       []byte // optional request payload
}

// Request enqueues a one-shot PR element and emits it within this call.
// The element is collapsed by the sender after its single emission.
func (s *Session) Request(opts RequestOptions) error {
	if opts.ComID == 0 || opts.DestIP == 0 {
		return ErrParam
	}
	if len(opts.Data) > MaxDataSize {
		return ErrParam
	}

	elt := newElement(AddressTuple{
		ComID:        opts.ComID,
		EtbTopoCnt:   s.etbTopoCnt,
		OpTrnTopoCnt: s.opTrnTopoCnt,
		SrcIP:        s.ownIP,
		DestIP:       opts.DestIP,
	}, MsgTypePR, 0, FlagDefault, len(opts.Data))
	initHeader(elt, MsgTypePR, s.etbTopoCnt, s.opTrnTopoCnt, opts.ReplyComID, opts.ReplyIP)
	if err := elt.put(opts.Data); err != nil {
		return err
	}

	idx, err := s.sockets.Open(s.ownIP, s.port)
	if err != nil {
		return fmt.Errorf("error opening PD socket: %w", err)
	}
	elt.sockIdx = idx
	elt.priv |= privReqToSend

	appendElement(&s.sendQueue, elt)
	s.numPubs++
	s.metrics.Publishers.Inc()
	// The request leaves within this event turn.
	return s.SendDue()
}

// Statistics snapshots the session counters.
func (s *Session) Statistics() *Statistics {
	return &Statistics{
		Version:      ProtocolVersion,
		Uptime:       s.clock.Now().Sub(s.startedAt),
		OwnIP:        s.ownIP,
		EtbTopoCnt:   s.etbTopoCnt,
		OpTrnTopoCnt: s.opTrnTopoCnt,
		NumSubs:      s.numSubs,
		NumPubs:      s.numPubs,
		PD:           s.counters,
	}
}

// SetTopoCounts updates the session topology counters; subsequent frames are
// stamped and gated with the new values.
func (s *Session) SetTopoCounts(etbTopoCnt, opTrnTopoCnt uint32) {
	s.etbTopoCnt = etbTopoCnt
	s.opTrnTopoCnt = opTrnTopoCnt
}

// removeElement unlinks elt, releases its socket reference and clears its
// buffers so late references from callbacks fail loudly rather than act on
// stale state.
func (s *Session) removeElement(head **Element, elt *Element) {
	deleteElement(head, elt)
	if elt.addr.McGroup != 0 {
		s.sockets.LeaveGroup(elt.sockIdx, elt.addr.McGroup)
	}
	if elt.sockIdx >= 0 {
		s.sockets.Release(elt.sockIdx)
	}
	elt.sockIdx = -1
	elt.alive = false
	elt.frame = nil
	elt.seqSrc = nil
}

// topoMismatch applies the topology gating rule: a pair of counters
// disagrees only when both sides are nonzero and differ.
func topoMismatch(aEtb, aOp, bEtb, bOp uint32) bool {
	if aEtb != 0 && bEtb != 0 && aEtb != bEtb {
		return true
	}
	if aOp != 0 && bOp != 0 && aOp != bOp {
		return true
	}
	return false
}
