package pd

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPD_Session_ConfigValidation(t *testing.T) {
	t.Parallel()

	t.Run("logger required", func(t *testing.T) {
		t.Parallel()
		cfg := &SessionConfig{OwnIP: testOwnIP}
		require.Error(t, cfg.Validate())
	})

	t.Run("own IP required", func(t *testing.T) {
		t.Parallel()
		cfg := &SessionConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
		require.Error(t, cfg.Validate())
	})

	t.Run("defaults filled", func(t *testing.T) {
		t.Parallel()
		cfg := &SessionConfig{
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			OwnIP:  testOwnIP,
		}
		require.NoError(t, cfg.Validate())
		require.Equal(t, uint16(DefaultPort), cfg.Port)
		require.Equal(t, defaultSeqListCap, cfg.SeqListCap)
		require.Equal(t, defaultMaxWait, cfg.MaxWait)
		require.NotNil(t, cfg.Clock)
	})
}

func TestPD_Session_StatisticsPublisherIsBuiltIn(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t)
	stats := findByComID(s.sendQueue, GlobalStatisticsComID)
	require.NotNil(t, stats)
	require.Zero(t, stats.interval)
	require.Equal(t, uint32(1), s.Statistics().NumPubs)
}

func TestPD_Session_UnpublishUnsubscribeReleaseSockets(t *testing.T) {
	t.Parallel()
	s, tbl, _ := newTestSession(t)

	pub, err := s.Publish(PublishOptions{ComID: 101, DestIP: testPeerIP, Interval: time.Second, Data: []byte{1}})
	require.NoError(t, err)
	sub, err := s.Subscribe(SubscribeOptions{ComID: testComID, Timeout: time.Second})
	require.NoError(t, err)
	pubIdx, subIdx := pub.sockIdx, sub.sockIdx

	require.NoError(t, s.Unpublish(101))
	require.NoError(t, s.Unsubscribe(testComID))

	require.False(t, tbl.Valid(pubIdx))
	require.False(t, tbl.Valid(subIdx))
	require.False(t, pub.alive)
	require.False(t, sub.alive)
	require.Nil(t, findByComID(s.sendQueue, 101))
	require.Nil(t, findByComID(s.rcvQueue, testComID))

	stats := s.Statistics()
	require.Equal(t, uint32(1), stats.NumPubs) // the built-in statistics element
	require.Zero(t, stats.NumSubs)

	require.ErrorIs(t, s.Unpublish(101), ErrNoSub)
	require.ErrorIs(t, s.Unsubscribe(testComID), ErrNoSub)
}

func TestPD_Session_RepublishUpdatesScheduleAndDestination(t *testing.T) {
	t.Parallel()
	s, tbl, clk := newTestSession(t)

	_, err := s.Publish(PublishOptions{
		ComID:    101,
		DestIP:   testPeerIP,
		Interval: time.Second,
		Data:     []byte{1},
	})
	require.NoError(t, err)

	require.NoError(t, s.Republish(101, testReplyIP, 100*time.Millisecond))
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, s.SendDue())
	require.Len(t, tbl.sent, 1)
	require.Equal(t, uint32(testReplyIP), tbl.sent[0].dest)
}

func TestPD_Session_MulticastSubscriptionJoinsGroup(t *testing.T) {
	t.Parallel()
	s, tbl, _ := newTestSession(t)
	group := uint32(0xEF000001) // 239.0.0.1

	sub, err := s.Subscribe(SubscribeOptions{ComID: testComID, DestIP: group})
	require.NoError(t, err)
	require.Equal(t, group, sub.addr.McGroup)
	require.Contains(t, tbl.groups[sub.sockIdx], group)

	// Frames delivered via the group match; frames to another address do
	// not.
	tbl.inject(sub.sockIdx, pdFrame(t, testComID, 1, []byte{1}), testPeerIP, group)
	require.NoError(t, s.Receive(sub.sockIdx))
	tbl.inject(sub.sockIdx, pdFrame(t, testComID, 2, []byte{2}), testPeerIP, testOwnIP)
	require.ErrorIs(t, s.Receive(sub.sockIdx), ErrNoSub)
}
