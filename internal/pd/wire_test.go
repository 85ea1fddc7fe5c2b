package pd

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPD_Wire_HeaderRoundTrip(t *testing.T) {
	t.Parallel()
	h := Header{
		SequenceCounter: 42,
		ProtocolVersion: ProtocolVersion,
		MsgType:         MsgTypePP,
		ComID:           35,
		EtbTopoCnt:      7,
		OpTrnTopoCnt:    9,
		DatasetLength:   16,
		ReplyComID:      31,
		ReplyIPAddress:  0x0A000002,
		FrameCheckSum:   0xDEADBEEF,
	}
	frame := make([]byte, HeaderSize)
	putHeader(frame, &h)

	got := parseHeader(frame)
	require.Equal(t, h, got)

	// Spot-check wire positions: comId big-endian at offset 8, FCS
	// little-endian at offset 36.
	require.Equal(t, uint32(35), binary.BigEndian.Uint32(frame[8:12]))
	require.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(frame[36:40]))
}

func TestPD_Wire_FrameCheckSumCoversFirst36Bytes(t *testing.T) {
	t.Parallel()
	frame := pdFrame(t, testComID, 1, []byte{1, 2, 3, 4})
	require.Equal(t, crc32.ChecksumIEEE(frame[:36]), binary.LittleEndian.Uint32(frame[36:40]))
	require.NoError(t, checkFrame(frame))

	// Payload corruption does not touch the header FCS.
	frame[HeaderSize] ^= 0xFF
	require.NoError(t, checkFrame(frame))

	// Header corruption does.
	frame[8] ^= 0xFF
	require.ErrorIs(t, checkFrame(frame), ErrCrc)
}

func TestPD_Wire_CheckFrameBoundaries(t *testing.T) {
	t.Parallel()

	t.Run("short frame", func(t *testing.T) {
		t.Parallel()
		require.ErrorIs(t, checkFrame(make([]byte, HeaderSize-1)), ErrWire)
	})

	t.Run("dataset at max accepted", func(t *testing.T) {
		t.Parallel()
		frame := pdFrame(t, testComID, 1, make([]byte, MaxDataSize))
		require.NoError(t, checkFrame(frame))
	})

	t.Run("dataset over max rejected", func(t *testing.T) {
		t.Parallel()
		frame := pdFrame(t, testComID, 1, make([]byte, MaxDataSize))
		binary.BigEndian.PutUint32(frame[20:24], MaxDataSize+1)
		binary.LittleEndian.PutUint32(frame[36:40], headerFCS(frame))
		require.ErrorIs(t, checkFrame(frame), ErrWire)
	})

	t.Run("dataset longer than observed frame rejected", func(t *testing.T) {
		t.Parallel()
		frame := pdFrame(t, testComID, 1, []byte{1, 2, 3, 4})
		binary.BigEndian.PutUint32(frame[20:24], 100)
		binary.LittleEndian.PutUint32(frame[36:40], headerFCS(frame))
		require.ErrorIs(t, checkFrame(frame), ErrWire)
	})

	t.Run("protocol version mismatch under mask", func(t *testing.T) {
		t.Parallel()
		frame := pdFrame(t, testComID, 1, nil)
		binary.BigEndian.PutUint16(frame[4:6], 0x0200)
		binary.LittleEndian.PutUint32(frame[36:40], headerFCS(frame))
		require.ErrorIs(t, checkFrame(frame), ErrWire)
	})

	t.Run("minor version difference accepted", func(t *testing.T) {
		t.Parallel()
		frame := pdFrame(t, testComID, 1, nil)
		binary.BigEndian.PutUint16(frame[4:6], ProtocolVersion|0x0005)
		binary.LittleEndian.PutUint32(frame[36:40], headerFCS(frame))
		require.NoError(t, checkFrame(frame))
	})

	t.Run("unknown message type rejected", func(t *testing.T) {
		t.Parallel()
		frame := pdFrame(t, testComID, 1, nil)
		binary.BigEndian.PutUint16(frame[6:8], 0x1234)
		binary.LittleEndian.PutUint32(frame[36:40], headerFCS(frame))
		require.ErrorIs(t, checkFrame(frame), ErrWire)
	})
}

func TestPD_Wire_UpdateOutgoingAdvancesSequenceAndKeepsFCSConsistent(t *testing.T) {
	t.Parallel()
	elt := newElement(AddressTuple{ComID: testComID}, MsgTypePD, 0, FlagDefault, 8)
	initHeader(elt, MsgTypePD, 0, 0, 0, 0)
	require.NoError(t, elt.put([]byte{1, 2, 3, 4, 5, 6, 7, 8}))

	updateOutgoing(elt)
	first := parseHeader(elt.frame)
	require.NoError(t, checkFrame(elt.frame[:elt.grossSize]))

	updateOutgoing(elt)
	second := parseHeader(elt.frame)
	require.NoError(t, checkFrame(elt.frame[:elt.grossSize]))

	// Identical headers except the counter advanced by exactly one.
	require.Equal(t, first.SequenceCounter+1, second.SequenceCounter)
	first.SequenceCounter, first.FrameCheckSum = 0, 0
	second.SequenceCounter, second.FrameCheckSum = 0, 0
	require.Equal(t, first, second)
}

func TestPD_Wire_PullReplySequenceCountsSeparately(t *testing.T) {
	t.Parallel()
	elt := newElement(AddressTuple{ComID: testComID}, MsgTypePD, 0, FlagDefault, 0)
	initHeader(elt, MsgTypePD, 0, 0, 0, 0)
	require.NoError(t, elt.put(nil))

	updateOutgoing(elt)
	updateOutgoing(elt)
	require.Equal(t, uint32(2), elt.curSeqCnt)
	require.Equal(t, uint32(0), elt.curSeqCnt4Pull)

	binary.BigEndian.PutUint16(elt.frame[6:8], uint16(MsgTypePP))
	updateOutgoing(elt)
	require.Equal(t, uint32(2), elt.curSeqCnt)
	require.Equal(t, uint32(1), elt.curSeqCnt4Pull)
	require.Equal(t, uint32(1), parseHeader(elt.frame).SequenceCounter)
}
