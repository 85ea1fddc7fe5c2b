package pd

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mikajuvonen67/tcnopen/internal/sock"
)

// fakeTable is an in-memory SocketTable: frames queued into inbox surface
// through Recv, frames passed to Send are captured in sent.
type fakeTable struct {
	nextIdx int
	open    map[int]bool
	refs    map[int]int
	groups  map[int][]uint32
	inbox   map[int][]fakeFrame
	sent    []fakeSent
	sendErr error
	closed  bool
}

type fakeFrame struct {
	pkt      []byte
	src, dst uint32
}

type fakeSent struct {
	idx  int
	pkt  []byte
	dest uint32
	port uint16
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		open:   make(map[int]bool),
		refs:   make(map[int]int),
		groups: make(map[int][]uint32),
		inbox:  make(map[int][]fakeFrame),
	}
}

func (t *fakeTable) Open(bindIP uint32, port uint16) (int, error) {
	idx := t.nextIdx
	t.nextIdx++
	t.open[idx] = true
	t.refs[idx] = 1
	return idx, nil
}

func (t *fakeTable) JoinGroup(idx int, group uint32) error {
	t.groups[idx] = append(t.groups[idx], group)
	return nil
}

func (t *fakeTable) LeaveGroup(idx int, group uint32) {}

func (t *fakeTable) Release(idx int) {
	t.refs[idx]--
	if t.refs[idx] <= 0 {
		delete(t.open, idx)
	}
}

func (t *fakeTable) Valid(idx int) bool { return t.open[idx] }

func (t *fakeTable) Send(idx int, pkt []byte, destIP uint32, port uint16) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	t.sent = append(t.sent, fakeSent{idx: idx, pkt: cp, dest: destIP, port: port})
	return nil
}

func (t *fakeTable) Recv(idx int, buf []byte) (int, uint32, uint32, error) {
	q := t.inbox[idx]
	if len(q) == 0 {
		return 0, 0, 0, sock.ErrWouldBlock
	}
	f := q[0]
	t.inbox[idx] = q[1:]
	n := copy(buf, f.pkt)
	return n, f.src, f.dst, nil
}

func (t *fakeTable) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTable) inject(idx int, pkt []byte, src, dst uint32) {
	t.inbox[idx] = append(t.inbox[idx], fakeFrame{pkt: pkt, src: src, dst: dst})
}

const (
	testOwnIP   = 0x0A000001 // 10.0.0.1
	testPeerIP  = 0x0A000005 // 10.0.0.5
	testReplyIP = 0x0A000002 // 10.0.0.2
	testComID   = 1000
)

func newTestSession(t *testing.T) (*Session, *fakeTable, *clockwork.FakeClock) {
	t.Helper()
	tbl := newFakeTable()
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	s, err := NewSession(&SessionConfig{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   clk,
		Sockets: tbl,
		OwnIP:   testOwnIP,
	})
	require.NoError(t, err)
	return s, tbl, clk
}

// buildFrame assembles a valid wire frame for tests.
func buildFrame(t *testing.T, h *Header, payload []byte) []byte {
	t.Helper()
	require.LessOrEqual(t, len(payload), MaxDataSize)
	h.DatasetLength = uint32(len(payload))
	frame := make([]byte, grossFor(len(payload)))
	putHeader(frame, h)
	copy(frame[HeaderSize:], payload)
	binary.LittleEndian.PutUint32(frame[36:40], headerFCS(frame))
	return frame
}

// pdFrame is buildFrame with the common cyclic-data defaults.
func pdFrame(t *testing.T, comID, seq uint32, payload []byte) []byte {
	t.Helper()
	return buildFrame(t, &Header{
		SequenceCounter: seq,
		ProtocolVersion: ProtocolVersion,
		MsgType:         MsgTypePD,
		ComID:           comID,
	}, payload)
}
