// Package sock provides the refcounted UDP socket table backing the PD
// engine. Sockets are keyed by (bind IP, port) and referenced by index; the
// engine never touches net.UDPConn directly.
package sock

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

var (
	// ErrWouldBlock is returned by Recv when no datagram is pending.
	ErrWouldBlock = errors.New("socket would block")

	// ErrInvalidIndex is returned for out-of-range or released indices.
	ErrInvalidIndex = errors.New("invalid socket index")
)

// entry is one bound UDP socket plus its IPv4 control-message wrapper.
// groups tracks multicast memberships with their own refcounts so two
// subscribers to the same group share one kernel join.
type entry struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	bindIP uint32
	port   uint16
	refs   int
	groups map[uint32]int
}

// Table is the session-wide socket table. Indices handed out by Open stay
// stable for the lifetime of the table; released slots are reused.
//
// The table is mutated only from the engine's single worker, like the rest
// of the session state, so it carries no lock.
type Table struct {
	log     *slog.Logger
	entries []*entry
}

func NewTable(log *slog.Logger) *Table {
	return &Table{log: log}
}

// Open binds a UDP socket on bindIP:port and returns its table index. If a
// socket with the same (bindIP, port) is already open its refcount is bumped
// and the existing index returned.
func (t *Table) Open(bindIP uint32, port uint16) (int, error) {
	for i, e := range t.entries {
		if e != nil && e.bindIP == bindIP && e.port == port {
			e.refs++
			return i, nil
		}
	}

	laddr := &net.UDPAddr{IP: ToNetIP(bindIP), Port: int(port)}
	if bindIP == 0 {
		laddr.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return -1, fmt.Errorf("error binding UDP socket on %s: %w", laddr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	// Destination capture distinguishes unicast delivery from the multicast
	// group that actually matched.
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagSrc, true); err != nil {
		_ = conn.Close()
		return -1, fmt.Errorf("error enabling control messages: %w", err)
	}

	e := &entry{conn: conn, pc: pc, bindIP: bindIP, port: port, refs: 1, groups: make(map[uint32]int)}
	for i, slot := range t.entries {
		if slot == nil {
			t.entries[i] = e
			return i, nil
		}
	}
	t.entries = append(t.entries, e)
	return len(t.entries) - 1, nil
}

// JoinGroup adds a multicast membership on the socket at idx. Joins are
// refcounted per group.
func (t *Table) JoinGroup(idx int, group uint32) error {
	e, err := t.at(idx)
	if err != nil {
		return err
	}
	if !IsMulticast(group) {
		return fmt.Errorf("%s is not a multicast group", FormatIP(group))
	}
	if e.groups[group] == 0 {
		if err := e.pc.JoinGroup(nil, &net.UDPAddr{IP: ToNetIP(group)}); err != nil {
			return fmt.Errorf("error joining group %s: %w", FormatIP(group), err)
		}
	}
	e.groups[group]++
	return nil
}

// LeaveGroup drops one reference on the membership, leaving the kernel group
// when the last reference goes.
func (t *Table) LeaveGroup(idx int, group uint32) {
	e, err := t.at(idx)
	if err != nil {
		return
	}
	n := e.groups[group]
	if n == 0 {
		return
	}
	if n == 1 {
		delete(e.groups, group)
		if err := e.pc.LeaveGroup(nil, &net.UDPAddr{IP: ToNetIP(group)}); err != nil {
			t.log.Warn("sock: error leaving multicast group", "group", FormatIP(group), "error", err)
		}
		return
	}
	e.groups[group] = n - 1
}

// Release drops one reference on the socket at idx, closing it when the last
// reference goes. Releasing an invalid index is a no-op.
func (t *Table) Release(idx int) {
	e, err := t.at(idx)
	if err != nil {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Warn("sock: error closing socket", "index", idx, "error", err)
	}
	t.entries[idx] = nil
}

// Valid reports whether idx refers to a live socket.
func (t *Table) Valid(idx int) bool {
	_, err := t.at(idx)
	return err == nil
}

// Send transmits pkt to destIP:port on the socket at idx.
func (t *Table) Send(idx int, pkt []byte, destIP uint32, port uint16) error {
	e, err := t.at(idx)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: ToNetIP(destIP), Port: int(port)}
	if _, err := e.pc.WriteTo(pkt, nil, dst); err != nil {
		return fmt.Errorf("error sending to %s: %w", dst, err)
	}
	return nil
}

// Recv performs one nonblocking read on the socket at idx. It returns the
// datagram length plus the numeric source and destination addresses, or
// ErrWouldBlock when nothing is pending.
func (t *Table) Recv(idx int, buf []byte) (n int, srcIP, destIP uint32, err error) {
	e, err := t.at(idx)
	if err != nil {
		return 0, 0, 0, err
	}
	// An immediate deadline turns the blocking read into a poll.
	if err := e.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, 0, 0, fmt.Errorf("error setting read deadline: %w", err)
	}
	n, cm, raddr, err := e.pc.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, 0, 0, ErrWouldBlock
		}
		return 0, 0, 0, err
	}
	if ua, ok := raddr.(*net.UDPAddr); ok {
		srcIP = FromNetIP(ua.IP)
	}
	if cm != nil && cm.Dst != nil {
		destIP = FromNetIP(cm.Dst)
	}
	return n, srcIP, destIP, nil
}

// RecvDeadline is Recv with a caller-chosen deadline instead of an immediate
// one; used by loops that want to block on a single socket.
func (t *Table) RecvDeadline(idx int, buf []byte, deadline time.Time) (n int, srcIP, destIP uint32, err error) {
	e, err := t.at(idx)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return 0, 0, 0, fmt.Errorf("error setting read deadline: %w", err)
	}
	n, cm, raddr, err := e.pc.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, 0, 0, ErrWouldBlock
		}
		return 0, 0, 0, err
	}
	if ua, ok := raddr.(*net.UDPAddr); ok {
		srcIP = FromNetIP(ua.IP)
	}
	if cm != nil && cm.Dst != nil {
		destIP = FromNetIP(cm.Dst)
	}
	return n, srcIP, destIP, nil
}

// LocalPort returns the bound port of the socket at idx (useful when port 0
// was requested).
func (t *Table) LocalPort(idx int) (uint16, error) {
	e, err := t.at(idx)
	if err != nil {
		return 0, err
	}
	if ua, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(ua.Port), nil
	}
	return 0, fmt.Errorf("unexpected local address type")
}

// Close releases every socket regardless of refcounts.
func (t *Table) Close() error {
	var cerr error
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			cerr = err
		}
		t.entries[i] = nil
	}
	return cerr
}

func (t *Table) at(idx int) (*entry, error) {
	if idx < 0 || idx >= len(t.entries) || t.entries[idx] == nil {
		return nil, ErrInvalidIndex
	}
	return t.entries[idx], nil
}
