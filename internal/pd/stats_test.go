package pd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPD_Stats_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	orig := &Statistics{
		Version:      ProtocolVersion,
		Uptime:       90 * time.Second,
		OwnIP:        testOwnIP,
		EtbTopoCnt:   3,
		OpTrnTopoCnt: 5,
		NumSubs:      2,
		NumPubs:      4,
		PD: PdCounters{
			NumRcv:     100,
			NumCrcErr:  1,
			NumProtErr: 2,
			NumTopoErr: 3,
			NumNoSubs:  4,
			NumSend:    200,
			NumTimeout: 5,
			NumMissed:  6,
		},
	}
	b := MarshalStatistics(orig)
	require.Len(t, b, statisticsWireSize)

	got, err := UnmarshalStatistics(b)
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestPD_Stats_ShortPayloadRejected(t *testing.T) {
	t.Parallel()
	_, err := UnmarshalStatistics(make([]byte, statisticsWireSize-1))
	require.ErrorIs(t, err, ErrWire)
}
